package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/consult/internal/types"
)

// Sentinel errors surfaced by the typed queries. Callers map these to
// transport error kinds; the store itself stays transport-agnostic.
var (
	ErrNotFound      = errors.New("not found")
	ErrLimitExceeded = errors.New("message limit exceeded")
)

// CreateConversation inserts a new active conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	conv.Status = types.StatusActive

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, model, system_prompt, status, created_at, updated_at)
		VALUES (?, ?, ?, 'active', ?, ?)
	`, conv.ID, conv.Model, conv.SystemPrompt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation with its messages in ascending
// ordinal order. Returns ErrNotFound for unknown ids.
func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, model, system_prompt, status, end_reason, created_at, updated_at, ended_at
		FROM conversations WHERE id = ?
	`, id))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY ordinal ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.Ordinal, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations in the given status, newest first
// by updated_at for active and ended_at for archived. Messages are not
// loaded; MessageCounts fills counts in bulk when callers need them.
func (s *Store) ListConversations(ctx context.Context, status types.ConversationStatus) ([]*types.Conversation, error) {
	order := "updated_at DESC"
	if status == types.StatusArchived {
		order = "ended_at DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, system_prompt, status, end_reason, created_at, updated_at, ended_at
		FROM conversations WHERE status = ? ORDER BY `+order, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Conversation
	for rows.Next() {
		conv, err := s.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// AppendMessage appends a message inside one IMMEDIATE transaction: it
// verifies the conversation exists and is under maxMessages, takes the next
// ordinal, inserts, and bumps updated_at. Returns ErrNotFound or
// ErrLimitExceeded without writing anything.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role types.Role, content string, maxMessages int) (*types.Message, error) {
	var msg *types.Message
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var count int
		err := conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE conversation_id = ?
		`, conversationID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to count messages: %w", err)
		}

		var exists bool
		err = conn.QueryRowContext(ctx, `
			SELECT COUNT(*) > 0 FROM conversations WHERE id = ?
		`, conversationID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check conversation: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		if maxMessages > 0 && count >= maxMessages {
			return ErrLimitExceeded
		}

		now := time.Now().UTC()
		msg = &types.Message{
			Ordinal:   count,
			Role:      role,
			Content:   content,
			CreatedAt: now,
		}

		if _, err := conn.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, ordinal, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, conversationID, msg.Ordinal, msg.Role, msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := conn.ExecContext(ctx, `
			UPDATE conversations SET updated_at = ? WHERE id = ?
		`, now, conversationID); err != nil {
			return fmt.Errorf("failed to bump updated_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DeleteMessage removes one message by ordinal. Used to roll back a
// user turn whose exchange never completed; general history stays
// append-only.
func (s *Store) DeleteMessage(ctx context.Context, conversationID string, ordinal int) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND ordinal = ?
	`, conversationID, ordinal)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountMessages returns the persisted message count for a conversation.
// MessageCounts returns the message count per conversation in one
// query. Conversations without messages are absent from the map.
func (s *Store) MessageCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*) FROM messages GROUP BY conversation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// ArchiveConversation flips a conversation to archived with the given
// reason. Idempotent: archiving an already-archived conversation reports
// changed=false and keeps the original reason. No messages are deleted.
func (s *Store) ArchiveConversation(ctx context.Context, id string, reason types.EndReason) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'archived', end_reason = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
	`, reason, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to archive conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish "already archived" from "unknown id".
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM conversations WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// SetConversationUpdatedAt overwrites a conversation's activity
// timestamp. Message appends bump updated_at to now, so importers that
// replay historical messages call this afterwards to restore the
// original activity time.
func (s *Store) SetConversationUpdatedAt(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set updated_at: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation hard-deletes a conversation; messages cascade.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteArchivedConversations hard-deletes every archived conversation and
// returns the affected ids.
func (s *Store) DeleteArchivedConversations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id FROM conversations WHERE status = 'archived'`)
		if err != nil {
			return fmt.Errorf("failed to query archived conversations: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan id: %w", err)
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = conn.ExecContext(ctx, `DELETE FROM conversations WHERE status = 'archived'`)
		if err != nil {
			return fmt.Errorf("failed to delete archived conversations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SweepStale archives every active conversation whose updated_at is older
// than cutoff, in a single UPDATE, and returns the affected ids.
func (s *Store) SweepStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id FROM conversations WHERE status = 'active' AND updated_at < ?
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to query stale conversations: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan id: %w", err)
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		now := time.Now().UTC()
		_, err = conn.ExecContext(ctx, `
			UPDATE conversations
			SET status = 'archived', end_reason = 'timeout', ended_at = ?, updated_at = ?
			WHERE status = 'active' AND updated_at < ?
		`, now, now, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to sweep stale conversations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConversation(row rowScanner) (*types.Conversation, error) {
	var conv types.Conversation
	var endReason sql.NullString
	var endedAt sql.NullTime
	err := row.Scan(&conv.ID, &conv.Model, &conv.SystemPrompt, &conv.Status,
		&endReason, &conv.CreatedAt, &conv.UpdatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if endReason.Valid {
		conv.EndReason = types.EndReason(endReason.String)
	}
	if endedAt.Valid {
		t := endedAt.Time
		conv.EndedAt = &t
	}
	return &conv, nil
}
