package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateDocumentsFolderColumn adds the nullable folder column to documents.
// Databases created before folder support lack it.
func MigrateDocumentsFolderColumn(db *sql.DB) error {
	var columnExists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('documents')
		WHERE name = 'folder'
	`).Scan(&columnExists)
	if err != nil {
		return fmt.Errorf("failed to check folder column: %w", err)
	}

	if columnExists {
		return nil
	}

	_, err = db.Exec(`ALTER TABLE documents ADD COLUMN folder TEXT`)
	if err != nil {
		return fmt.Errorf("failed to add folder column: %w", err)
	}

	return nil
}
