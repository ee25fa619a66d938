package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/consult/internal/types"
)

// CreateMemory inserts a memory record. The mirror document is created
// separately by the RAG pipeline so embedding failures do not leave a
// memory without its retrievable twin half-committed here.
func (s *Store) CreateMemory(ctx context.Context, mem *types.Memory) error {
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	if mem.Source == "" {
		mem.Source = "manual"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, category, title, content, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, mem.ID, mem.Category, mem.Title, mem.Content, mem.Source, mem.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// ListMemories returns memories newest first, optionally filtered by
// category.
func (s *Store) ListMemories(ctx context.Context, category types.MemoryCategory) ([]*types.Memory, error) {
	query := `SELECT id, category, title, content, source, created_at FROM memories`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Memory
	for rows.Next() {
		var m types.Memory
		if err := rows.Scan(&m.ID, &m.Category, &m.Title, &m.Content, &m.Source, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
