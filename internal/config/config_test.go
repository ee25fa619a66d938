package config

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/consult/internal/eventbus"
	"github.com/steveyegge/consult/internal/storage/sqlite"
	"github.com/steveyegge/consult/internal/types"
)

func newTestService(t *testing.T) (*Service, *eventbus.Hub) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hub := eventbus.NewHub(nil)
	return NewService(store, hub, nil), hub
}

func rawPatch(t *testing.T, js string) map[string]json.RawMessage {
	t.Helper()
	var patch map[string]json.RawMessage
	if err := json.Unmarshal([]byte(js), &patch); err != nil {
		t.Fatalf("bad patch literal: %v", err)
	}
	return patch
}

func TestGetReturnsDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	cfg, err := svc.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cfg.DefaultModel != "deepseek-reasoner" {
		t.Errorf("defaultModel = %q", cfg.DefaultModel)
	}
	if cfg.MaxMessages != 5 || cfg.RequestTimeout != 180000 || cfg.AutoOpenWebUI {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	for _, id := range ProviderIDs {
		p, ok := cfg.Providers[id]
		if !ok {
			t.Errorf("provider %q missing from defaults", id)
			continue
		}
		if p.Enabled || p.APIKey != "" {
			t.Errorf("provider %q not disabled/keyless by default: %+v", id, p)
		}
	}
}

func TestUpdatePersistsAndComposes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	updated, err := svc.Update(ctx, rawPatch(t, `{"defaultModel":"deepseek-chat","maxMessages":2}`))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.DefaultModel != "deepseek-chat" || updated.MaxMessages != 2 {
		t.Errorf("update not applied: %+v", updated)
	}
	// Untouched keys keep their defaults.
	if updated.RequestTimeout != 180000 {
		t.Errorf("requestTimeout = %d, want default", updated.RequestTimeout)
	}

	got, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.DefaultModel != "deepseek-chat" || got.MaxMessages != 2 {
		t.Errorf("stored config = %+v", got)
	}
}

func TestUpdateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		patch string
		field string
	}{
		{"unknown key", `{"colour":"blue"}`, "colour"},
		{"model not in catalogue", `{"defaultModel":"claude-4"}`, "defaultModel"},
		{"maxMessages too low", `{"maxMessages":0}`, "maxMessages"},
		{"maxMessages too high", `{"maxMessages":51}`, "maxMessages"},
		{"requestTimeout too low", `{"requestTimeout":1000}`, "requestTimeout"},
		{"requestTimeout too high", `{"requestTimeout":700000}`, "requestTimeout"},
		{"wrong type", `{"autoOpenWebUI":"yes"}`, "autoOpenWebUI"},
		{"unknown provider", `{"providers":{"mistral":{"enabled":true}}}`, "providers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Update(ctx, rawPatch(t, tt.patch))
			if types.KindOf(err) != types.KindValidation {
				t.Fatalf("error kind = %v, want validation (err: %v)", types.KindOf(err), err)
			}
			var typed *types.Error
			if !errors.As(err, &typed) || typed.Field != tt.field {
				t.Errorf("error field mismatch, want %q (err: %v)", tt.field, err)
			}
		})
	}

	if _, err := svc.Update(ctx, nil); types.KindOf(err) != types.KindValidation {
		t.Errorf("empty patch error kind = %v, want validation", types.KindOf(err))
	}

	// A failed update changes nothing.
	cfg, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cfg.MaxMessages != DefaultMaxMessages {
		t.Errorf("maxMessages = %d after failed updates, want default", cfg.MaxMessages)
	}
}

func TestProviderKeyRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const key = "sk-deepseek-0001"
	if _, err := svc.Update(ctx, rawPatch(t, `{"providers":{"deepseek":{"enabled":true,"apiKey":"`+key+`"}}}`)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := svc.ProviderKey(ctx, "deepseek")
	if err != nil {
		t.Fatalf("ProviderKey failed: %v", err)
	}
	if got != key {
		t.Errorf("decrypted key = %q, want %q", got, key)
	}

	// Nothing in the store holds the plaintext.
	store, _ := svc.store.AllConfig(ctx)
	for k, v := range store {
		if strings.Contains(v, key) {
			t.Errorf("config key %q stores the plaintext credential", k)
		}
	}

	if _, err := svc.ProviderKey(ctx, "mistral"); types.KindOf(err) != types.KindNotFound {
		t.Errorf("unknown provider error kind = %v, want not-found", types.KindOf(err))
	}
}

func TestMaskedNeverLeaksKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Update(ctx, rawPatch(t, `{"providers":{"openai":{"enabled":true,"apiKey":"sk-openai-9876"}}}`)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	masked, err := svc.Masked(ctx)
	if err != nil {
		t.Fatalf("Masked failed: %v", err)
	}
	if got := masked.Providers["openai"].APIKey; got != "••••••••9876" {
		t.Errorf("masked key = %q", got)
	}
	if got := masked.Providers["deepseek"].APIKey; got != "" {
		t.Errorf("keyless provider masked as %q, want empty", got)
	}
}

func TestPartialProviderPatchKeepsStoredKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Update(ctx, rawPatch(t, `{"providers":{"deepseek":{"enabled":true,"apiKey":"sk-keep-me"}}}`)); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	// Toggling enabled without an apiKey field keeps the key.
	if _, err := svc.Update(ctx, rawPatch(t, `{"providers":{"deepseek":{"enabled":false}}}`)); err != nil {
		t.Fatalf("toggle update failed: %v", err)
	}

	cfg, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cfg.Providers["deepseek"].Enabled {
		t.Error("enabled not toggled off")
	}
	if cfg.Providers["deepseek"].APIKey != "sk-keep-me" {
		t.Errorf("stored key lost on partial patch: %q", cfg.Providers["deepseek"].APIKey)
	}

	// An explicit empty apiKey clears it.
	if _, err := svc.Update(ctx, rawPatch(t, `{"providers":{"deepseek":{"apiKey":""}}}`)); err != nil {
		t.Fatalf("clear update failed: %v", err)
	}
	cfg, _ = svc.Get(ctx)
	if cfg.Providers["deepseek"].APIKey != "" {
		t.Error("explicit empty apiKey did not clear the stored key")
	}
}

func TestUpdateEmitsConfigUpdated(t *testing.T) {
	svc, hub := newTestService(t)
	id, events := hub.Subscribe()
	defer hub.Unsubscribe(id)

	if _, err := svc.Update(context.Background(), rawPatch(t, `{"maxMessages":3,"providers":{"openai":{"apiKey":"sk-secret-1234"}}}`)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != eventbus.EventConfigUpdated {
			t.Fatalf("event type = %q", evt.Type)
		}
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			t.Fatalf("payload not marshalable: %v", err)
		}
		if strings.Contains(string(payload), "sk-secret-1234") {
			t.Error("broadcast payload leaks the plaintext key")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no config:updated event observed")
	}
}

func TestSetAndClearProvider(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.SetProvider(ctx, "openai", true, ptr("sk-live-4321"))
	if err != nil {
		t.Fatalf("SetProvider failed: %v", err)
	}
	if !cfg.Providers["openai"].Enabled || cfg.Providers["openai"].APIKey != "sk-live-4321" {
		t.Errorf("SetProvider result = %+v", cfg.Providers["openai"])
	}

	if _, err := svc.SetProvider(ctx, "nope", true, nil); types.KindOf(err) != types.KindNotFound {
		t.Errorf("unknown provider kind = %v", types.KindOf(err))
	}

	cfg, err = svc.ClearProvider(ctx, "openai")
	if err != nil {
		t.Fatalf("ClearProvider failed: %v", err)
	}
	if cfg.Providers["openai"].Enabled || cfg.Providers["openai"].APIKey != "" {
		t.Errorf("provider not cleared: %+v", cfg.Providers["openai"])
	}
}

