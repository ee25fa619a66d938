// Package conversation manages consultation sessions: lifecycle
// mutations over the store, post-commit event broadcasts, and the
// background stale sweeper.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/consult/internal/eventbus"
	"github.com/steveyegge/consult/internal/storage/sqlite"
	"github.com/steveyegge/consult/internal/types"
)

// Stale-sweep cadence: idle active conversations older than staleAfter
// are archived as timeout on every tick.
const (
	SweepInterval = 60 * time.Second
	StaleAfter    = 5 * time.Minute
)

// Service wraps the store's conversation tables with event emission.
// Events always follow the commit that caused them.
type Service struct {
	store  *sqlite.Store
	hub    *eventbus.Hub
	logger *slog.Logger
}

// NewService wires the conversation service. hub may be nil in tests.
func NewService(store *sqlite.Store, hub *eventbus.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, hub: hub, logger: logger}
}

// Create starts a new active conversation for model with an optional
// system prompt.
func (s *Service) Create(ctx context.Context, model, systemPrompt string) (*types.Conversation, error) {
	now := time.Now().UTC()
	conv := &types.Conversation{
		ID:           uuid.NewString(),
		Model:        model,
		SystemPrompt: systemPrompt,
		Status:       types.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Messages:     []*types.Message{},
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	// Subscribers get the full entity so they can render the new
	// conversation without a follow-up read.
	s.emit(eventbus.EventConversationCreated, conv)
	return conv, nil
}

// Get returns a conversation with its messages in ordinal order.
func (s *Service) Get(ctx context.Context, id string) (*types.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, types.Errorf(types.KindNotFound, "conversation %s not found", id)
	}
	return conv, err
}

// ListActive returns active conversations newest-activity first.
func (s *Service) ListActive(ctx context.Context) ([]*types.Conversation, error) {
	return s.store.ListConversations(ctx, types.StatusActive)
}

// ListArchived returns archived conversations most recently ended first.
func (s *Service) ListArchived(ctx context.Context) ([]*types.Conversation, error) {
	return s.store.ListConversations(ctx, types.StatusArchived)
}

// AddMessage appends one turn. maxMessages is the configured exchange
// cap; the hard limit is twice that. On a limit hit the conversation is
// auto-archived as timeout and the limit error carries that reason.
func (s *Service) AddMessage(ctx context.Context, id string, role types.Role, content string, maxMessages int) (*types.Message, error) {
	hardCap := 0
	if maxMessages > 0 {
		hardCap = 2 * maxMessages
	}
	msg, err := s.store.AppendMessage(ctx, id, role, content, hardCap)
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		return nil, types.Errorf(types.KindNotFound, "conversation %s not found", id)
	case errors.Is(err, sqlite.ErrLimitExceeded):
		// The session is spent; close it out so clients see why.
		if _, archiveErr := s.Archive(ctx, id, types.EndTimeout); archiveErr != nil {
			s.logger.Warn("failed to auto-archive full conversation", "id", id, "error", archiveErr)
		}
		return nil, types.Errorf(types.KindLimit,
			"conversation %s reached its message limit (%d) and was archived as timeout", id, 2*maxMessages)
	case err != nil:
		return nil, err
	}

	s.emit(eventbus.EventConversationMessage, map[string]any{
		"conversationId": id,
		"message":        msg,
	})
	return msg, nil
}

// RemoveMessage deletes a single turn by ordinal. The orchestrator uses
// it to retract a user turn when the provider call that was meant to
// answer it failed, keeping the role alternation intact. No event is
// emitted; subscribers that saw the append rehydrate over REST.
func (s *Service) RemoveMessage(ctx context.Context, id string, ordinal int) error {
	err := s.store.DeleteMessage(ctx, id, ordinal)
	if errors.Is(err, sqlite.ErrNotFound) {
		return types.Errorf(types.KindNotFound, "message %d in conversation %s not found", ordinal, id)
	}
	return err
}

// Archive transitions a conversation to archived with the given reason.
// Returns false with no event when it was already archived.
func (s *Service) Archive(ctx context.Context, id string, reason types.EndReason) (bool, error) {
	changed, err := s.store.ArchiveConversation(ctx, id, reason)
	if errors.Is(err, sqlite.ErrNotFound) {
		return false, types.Errorf(types.KindNotFound, "conversation %s not found", id)
	}
	if err != nil || !changed {
		return changed, err
	}

	s.emit(eventbus.EventConversationEnded, map[string]any{
		"conversationId": id,
		"reason":         string(reason),
	})
	return true, nil
}

// Delete hard-deletes a conversation and its messages.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.DeleteConversation(ctx, id)
	if errors.Is(err, sqlite.ErrNotFound) {
		return types.Errorf(types.KindNotFound, "conversation %s not found", id)
	}
	if err != nil {
		return err
	}

	s.emit(eventbus.EventConversationDeleted, map[string]any{
		"conversationId": id,
	})
	return nil
}

// DeleteArchived removes every archived conversation, emitting a delete
// event per id.
func (s *Service) DeleteArchived(ctx context.Context) (int, error) {
	ids, err := s.store.DeleteArchivedConversations(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.emit(eventbus.EventConversationDeleted, map[string]any{
			"conversationId": id,
		})
	}
	return len(ids), nil
}

// CountMessages returns the number of persisted turns.
func (s *Service) CountMessages(ctx context.Context, id string) (int, error) {
	return s.store.CountMessages(ctx, id)
}

// MessageCounts returns the per-conversation turn counts in one query.
func (s *Service) MessageCounts(ctx context.Context) (map[string]int, error) {
	return s.store.MessageCounts(ctx)
}

// SweepOnce archives every active conversation idle longer than
// StaleAfter, emitting conversation:ended per id. Returns the affected
// ids.
func (s *Service) SweepOnce(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-StaleAfter)
	ids, err := s.store.SweepStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.emit(eventbus.EventConversationEnded, map[string]any{
			"conversationId": id,
			"reason":         string(types.EndTimeout),
		})
	}
	return ids, nil
}

// RunSweeper sweeps once immediately, then every SweepInterval until
// ctx is cancelled. Sweep failures are logged and swallowed.
func (s *Service) RunSweeper(ctx context.Context) {
	sweep := func() {
		ids, err := s.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("stale sweep failed", "error", err)
			}
			return
		}
		if len(ids) > 0 {
			s.logger.Info("archived stale conversations", "count", len(ids))
		}
	}

	sweep()

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func (s *Service) emit(t eventbus.EventType, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.Emit(t, payload)
}
