package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/steveyegge/consult/internal/storage/sqlite/migrations"
)

// RunMigrations applies all schema migrations in order. Every migration is
// idempotent: safe to re-run against an already-migrated database.
func RunMigrations(db *sql.DB) error {
	steps := []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"strip repo_scan source type", migrations.MigrateStripRepoScan},
		{"documents folder column", migrations.MigrateDocumentsFolderColumn},
		{"query indices", migrations.MigrateIndices},
	}

	for _, step := range steps {
		if err := step.fn(db); err != nil {
			return fmt.Errorf("migration %q failed: %w", step.name, err)
		}
	}
	return nil
}
