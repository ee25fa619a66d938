// Package migrations holds idempotent schema migrations for the consult
// store. Each migration probes the current state before touching anything,
// so re-running against a migrated database is a no-op.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MigrateStripRepoScan removes the legacy 'repo_scan' source type. Databases
// written by old versions carry documents with source_type='repo_scan' and a
// CHECK constraint that allows it. SQLite cannot alter a CHECK in place, so
// affected tables are rebuilt through a shadow table; repo_scan rows are
// migrated to 'manual'.
func MigrateStripRepoScan(db *sql.DB) error {
	var tableSQL string
	err := db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'documents'`).Scan(&tableSQL)
	if err == sql.ErrNoRows {
		return nil // fresh database, schema creates the clean table
	}
	if err != nil {
		return fmt.Errorf("failed to read documents table definition: %w", err)
	}

	if !strings.Contains(tableSQL, "repo_scan") {
		return nil // already clean
	}

	// foreign_keys is per-connection and cannot be toggled inside a
	// transaction. With it on, the DROP below runs an implicit DELETE that
	// cascades into chunks and embeddings and empties both tables. Pin one
	// connection, switch enforcement off, rebuild, switch it back on.
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys=OFF`); err != nil {
		return fmt.Errorf("failed to disable foreign keys: %w", err)
	}
	defer func() { _, _ = conn.ExecContext(ctx, `PRAGMA foreign_keys=ON`) }()

	if _, err := conn.ExecContext(ctx, `BEGIN`); err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, `ROLLBACK`)
		}
	}()

	// Rebuild through a shadow table carrying the narrowed enum. Chunk rows
	// survive because FK enforcement is off and the table name is restored
	// by the rename.
	stmts := []string{
		`CREATE TABLE documents_migrate (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source_type TEXT NOT NULL CHECK(source_type IN ('upload', 'manual')),
			source_uri TEXT,
			mime_type TEXT,
			folder TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT INTO documents_migrate (id, title, source_type, source_uri, mime_type, folder, created_at)
		 SELECT id, title,
		        CASE WHEN source_type = 'repo_scan' THEN 'manual' ELSE source_type END,
		        source_uri, mime_type, folder, created_at
		 FROM documents`,
		`DROP TABLE documents`,
		`ALTER TABLE documents_migrate RENAME TO documents`,
	}

	// Old databases may predate the folder column; fall back to a NULL fill.
	if !strings.Contains(tableSQL, "folder") {
		stmts[1] = `INSERT INTO documents_migrate (id, title, source_type, source_uri, mime_type, folder, created_at)
		 SELECT id, title,
		        CASE WHEN source_type = 'repo_scan' THEN 'manual' ELSE source_type END,
		        source_uri, mime_type, NULL, created_at
		 FROM documents`
	}

	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rebuild documents table: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("failed to commit repo_scan migration: %w", err)
	}
	committed = true
	return nil
}
