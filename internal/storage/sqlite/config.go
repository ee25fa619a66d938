package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// GetConfig returns the value for key, or "" when unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config %q: %w", key, err)
	}
	return value, nil
}

// SetConfig upserts a config entry.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config %q: %w", key, err)
	}
	return nil
}

// SetConfigBatch upserts several entries in one transaction so a config
// write is observed atomically.
func (s *Store) SetConfigBatch(ctx context.Context, entries map[string]string) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		stmt, err := conn.PrepareContext(ctx, `
			INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare config upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for key, value := range entries {
			if _, err := stmt.ExecContext(ctx, key, value); err != nil {
				return fmt.Errorf("failed to upsert config %q: %w", key, err)
			}
		}
		return nil
	})
}

// DeleteConfig removes a config entry. Missing keys are not an error.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete config %q: %w", key, err)
	}
	return nil
}

// AllConfig returns every stored config entry.
func (s *Store) AllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
