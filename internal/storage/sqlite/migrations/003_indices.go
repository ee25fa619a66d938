package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateIndices creates the query indices. They live in a migration rather
// than the schema constant because older databases may have been created
// before the indexed columns existed.
func MigrateIndices(db *sql.DB) error {
	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_conversations_status_updated ON conversations(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_source_type ON documents(source_type)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_folder ON documents(folder)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
	}

	for _, stmt := range indices {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
