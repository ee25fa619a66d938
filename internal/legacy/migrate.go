// Package legacy performs the one-shot import of the pre-database JSON
// files into the store. It runs at daemon start, backs the originals up
// under backup/<timestamp>/, and drops a .migrated flag so it never
// runs twice.
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/consult/internal/config"
	"github.com/steveyegge/consult/internal/storage/sqlite"
	"github.com/steveyegge/consult/internal/types"
)

const (
	// MigratedFlag marks a completed migration inside the consult home.
	MigratedFlag = ".migrated"

	conversationsFile = "conversations.json"
	configFile        = "config.json"
	backupDirName     = "backup"
)

// Result summarises one migration run.
type Result struct {
	Skipped       bool
	Conversations int
	ConfigKeys    int
	BackupDir     string
}

// legacyMessage is one turn in the old JSON conversation log.
type legacyMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// legacyConversation mirrors the old on-disk conversation shape.
type legacyConversation struct {
	ID           string          `json:"id"`
	Model        string          `json:"model"`
	SystemPrompt string          `json:"systemPrompt"`
	Status       string          `json:"status"`
	EndReason    string          `json:"endReason"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Messages     []legacyMessage `json:"messages"`
}

// legacyConfig mirrors the old config.json. Provider keys were stored
// in the clear; writing them through the config service encrypts them.
type legacyConfig struct {
	DefaultModel   string          `json:"defaultModel,omitempty"`
	MaxMessages    *int            `json:"maxMessages,omitempty"`
	RequestTimeout *int            `json:"requestTimeout,omitempty"`
	AutoOpenWebUI  *bool           `json:"autoOpenWebUI,omitempty"`
	Providers      json.RawMessage `json:"providers,omitempty"`
}

// Migrate imports any legacy JSON files found in dir. It is a no-op
// when the flag file exists or no legacy files are present. On success
// the originals stay in place, copies land under backup/<timestamp>/,
// and the flag is created.
func Migrate(ctx context.Context, dir string, store *sqlite.Store, cfg *config.Service, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(filepath.Join(dir, MigratedFlag)); err == nil {
		return &Result{Skipped: true}, nil
	}

	convPath := filepath.Join(dir, conversationsFile)
	cfgPath := filepath.Join(dir, configFile)
	_, convErr := os.Stat(convPath)
	_, cfgErr := os.Stat(cfgPath)
	if convErr != nil && cfgErr != nil {
		return &Result{}, nil
	}

	result := &Result{}

	backupDir := filepath.Join(dir, backupDirName, time.Now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	result.BackupDir = backupDir

	if convErr == nil {
		if err := copyFile(convPath, filepath.Join(backupDir, conversationsFile)); err != nil {
			return nil, err
		}
		n, err := importConversations(ctx, convPath, store, logger)
		if err != nil {
			return nil, err
		}
		result.Conversations = n
	}
	if cfgErr == nil {
		if err := copyFile(cfgPath, filepath.Join(backupDir, configFile)); err != nil {
			return nil, err
		}
		n, err := importConfig(ctx, cfgPath, cfg, logger)
		if err != nil {
			return nil, err
		}
		result.ConfigKeys = n
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := os.WriteFile(filepath.Join(dir, MigratedFlag), []byte(stamp+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write migration flag: %w", err)
	}

	logger.Info("legacy migration complete",
		"conversations", result.Conversations,
		"configKeys", result.ConfigKeys,
		"backup", backupDir)
	return result, nil
}

// importConversations replays the legacy log into the store. Writes go
// straight through the store: migration runs before any client can
// connect, so there is nobody to broadcast to.
func importConversations(ctx context.Context, path string, store *sqlite.Store, logger *slog.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	convs, err := decodeConversations(data)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, lc := range convs {
		if lc.ID == "" || lc.Model == "" {
			logger.Warn("skipping malformed legacy conversation", "id", lc.ID)
			continue
		}
		conv := &types.Conversation{
			ID:           lc.ID,
			Model:        lc.Model,
			SystemPrompt: lc.SystemPrompt,
			CreatedAt:    lc.CreatedAt.UTC(),
			UpdatedAt:    lc.UpdatedAt.UTC(),
		}
		if err := store.CreateConversation(ctx, conv); err != nil {
			logger.Warn("skipping legacy conversation that failed to insert", "id", lc.ID, "error", err)
			continue
		}
		for _, m := range lc.Messages {
			if _, err := store.AppendMessage(ctx, lc.ID, types.Role(m.Role), m.Content, 0); err != nil {
				return imported, fmt.Errorf("failed to replay message for %s: %w", lc.ID, err)
			}
		}
		if lc.Status == string(types.StatusArchived) {
			reason := types.EndReason(lc.EndReason)
			if reason == "" {
				reason = types.EndCompleted
			}
			if _, err := store.ArchiveConversation(ctx, lc.ID, reason); err != nil {
				return imported, fmt.Errorf("failed to archive legacy conversation %s: %w", lc.ID, err)
			}
		}
		// Replay bumped updated_at; put the original activity time back so
		// history ordering survives the import.
		if !lc.UpdatedAt.IsZero() {
			if err := store.SetConversationUpdatedAt(ctx, lc.ID, lc.UpdatedAt.UTC()); err != nil {
				return imported, fmt.Errorf("failed to restore activity time for %s: %w", lc.ID, err)
			}
		}
		imported++
	}
	return imported, nil
}

// decodeConversations accepts both historical layouts: a bare array and
// an object with a conversations field.
func decodeConversations(data []byte) ([]legacyConversation, error) {
	var wrapped struct {
		Conversations []legacyConversation `json:"conversations"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Conversations != nil {
		return wrapped.Conversations, nil
	}
	var list []legacyConversation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unrecognised legacy conversations format: %w", err)
	}
	return list, nil
}

// importConfig writes the legacy settings through the config service so
// validation and credential encryption apply. Individually invalid keys
// are logged and dropped rather than failing the whole migration.
func importConfig(ctx context.Context, path string, cfg *config.Service, logger *slog.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	var legacy legacyConfig
	if err := json.Unmarshal(data, &legacy); err != nil {
		return 0, fmt.Errorf("unrecognised legacy config format: %w", err)
	}

	patch := map[string]json.RawMessage{}
	addString := func(key, v string) {
		if v != "" {
			raw, _ := json.Marshal(v)
			patch[key] = raw
		}
	}
	addString("defaultModel", legacy.DefaultModel)
	if legacy.MaxMessages != nil {
		raw, _ := json.Marshal(*legacy.MaxMessages)
		patch["maxMessages"] = raw
	}
	if legacy.RequestTimeout != nil {
		raw, _ := json.Marshal(*legacy.RequestTimeout)
		patch["requestTimeout"] = raw
	}
	if legacy.AutoOpenWebUI != nil {
		raw, _ := json.Marshal(*legacy.AutoOpenWebUI)
		patch["autoOpenWebUI"] = raw
	}
	if len(legacy.Providers) > 0 {
		patch["providers"] = legacy.Providers
	}
	if len(patch) == 0 {
		return 0, nil
	}

	// Apply key by key so one stale value does not sink the rest.
	applied := 0
	for key, raw := range patch {
		if _, err := cfg.Update(ctx, map[string]json.RawMessage{key: raw}); err != nil {
			logger.Warn("dropping invalid legacy config key", "key", key, "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s for backup: %w", filepath.Base(src), err)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return fmt.Errorf("failed to back up %s: %w", filepath.Base(src), err)
	}
	return nil
}
