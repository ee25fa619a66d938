// Package config is the daemon's persistent settings service: defaults
// composed with stored overrides, schema-validated writes, and
// encrypted provider credentials.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/steveyegge/consult/internal/eventbus"
	"github.com/steveyegge/consult/internal/provider"
	"github.com/steveyegge/consult/internal/storage/sqlite"
	"github.com/steveyegge/consult/internal/types"
)

// Settings bounds enforced on writes.
const (
	MinMaxMessages    = 1
	MaxMaxMessages    = 50
	MinRequestTimeout = 30000
	MaxRequestTimeout = 600000
)

// DefaultModel and friends are the effective values when nothing is
// stored.
const (
	DefaultModel          = "deepseek-reasoner"
	DefaultMaxMessages    = 5
	DefaultRequestTimeout = 180000
)

// ProviderIDs is the closed set of configurable providers.
var ProviderIDs = []string{"deepseek", "openai"}

// ProviderSettings is one provider's configuration. APIKey is plaintext
// in memory; it is encrypted before it touches the store and masked
// before it leaves the process.
type ProviderSettings struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"apiKey,omitempty"`
}

// Config is the composed daemon configuration.
type Config struct {
	DefaultModel   string                      `json:"defaultModel"`
	MaxMessages    int                         `json:"maxMessages"`
	RequestTimeout int                         `json:"requestTimeout"`
	AutoOpenWebUI  bool                        `json:"autoOpenWebUI"`
	Providers      map[string]ProviderSettings `json:"providers"`
}

// Store column keys.
const (
	keyDefaultModel   = "defaultModel"
	keyMaxMessages    = "maxMessages"
	keyRequestTimeout = "requestTimeout"
	keyAutoOpenWebUI  = "autoOpenWebUI"
	keyProviders      = "providers"
)

// storedProvider is the persisted shape; APIKey holds ciphertext.
type storedProvider struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"apiKey,omitempty"`
}

// providerPatch distinguishes an omitted apiKey (keep stored value)
// from an explicit empty one (clear it).
type providerPatch struct {
	Enabled *bool   `json:"enabled"`
	APIKey  *string `json:"apiKey"`
}

// Service composes defaults with stored overrides and serialises
// writes. Safe for concurrent use.
type Service struct {
	store  *sqlite.Store
	hub    *eventbus.Hub
	box    *cipherBox
	logger *slog.Logger

	mu sync.Mutex // serialises writers; readers go straight to the store
}

// NewService wires the config service. hub may be nil in tests that do
// not care about broadcasts.
func NewService(store *sqlite.Store, hub *eventbus.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		hub:    hub,
		box:    newCipherBox(),
		logger: logger,
	}
}

// Defaults returns the configuration used when nothing is stored:
// every provider present, disabled, keyless.
func Defaults() *Config {
	providers := make(map[string]ProviderSettings, len(ProviderIDs))
	for _, id := range ProviderIDs {
		providers[id] = ProviderSettings{}
	}
	return &Config{
		DefaultModel:   DefaultModel,
		MaxMessages:    DefaultMaxMessages,
		RequestTimeout: DefaultRequestTimeout,
		AutoOpenWebUI:  false,
		Providers:      providers,
	}
}

// Get returns defaults overlaid with stored overrides, provider keys
// decrypted. An undecryptable key is an error, never a garbage value.
func (s *Service) Get(ctx context.Context) (*Config, error) {
	stored, err := s.store.AllConfig(ctx)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if v, ok := stored[keyDefaultModel]; ok && v != "" {
		cfg.DefaultModel = v
	}
	if v, ok := stored[keyMaxMessages]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxMessages = n
		}
	}
	if v, ok := stored[keyRequestTimeout]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeout = n
		}
	}
	if v, ok := stored[keyAutoOpenWebUI]; ok {
		cfg.AutoOpenWebUI = v == "true"
	}

	if raw, ok := stored[keyProviders]; ok && raw != "" {
		var persisted map[string]storedProvider
		if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
			return nil, types.Errorf(types.KindInternal, "stored provider config is corrupt: %v", err)
		}
		for id, sp := range persisted {
			settings := ProviderSettings{Enabled: sp.Enabled}
			if sp.APIKey != "" {
				plain, err := s.box.Decrypt(sp.APIKey)
				if err != nil {
					return nil, types.Errorf(types.KindInternal, "cannot decrypt %s credentials: %v", id, err)
				}
				settings.APIKey = plain
			}
			cfg.Providers[id] = settings
		}
	}
	return cfg, nil
}

// Masked returns the config with every API key replaced by its masked
// form. This is the only shape that leaves the process.
func (s *Service) Masked(ctx context.Context) (*Config, error) {
	cfg, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return maskConfig(cfg), nil
}

func maskConfig(cfg *Config) *Config {
	out := *cfg
	out.Providers = make(map[string]ProviderSettings, len(cfg.Providers))
	for id, p := range cfg.Providers {
		masked := ProviderSettings{Enabled: p.Enabled}
		if p.APIKey != "" {
			masked.APIKey = MaskKey(p.APIKey)
		}
		out.Providers[id] = masked
	}
	return &out
}

// ProviderKey returns the decrypted API key for a provider, or "" when
// none is stored.
func (s *Service) ProviderKey(ctx context.Context, id string) (string, error) {
	cfg, err := s.Get(ctx)
	if err != nil {
		return "", err
	}
	p, ok := cfg.Providers[id]
	if !ok {
		return "", types.Errorf(types.KindNotFound, "unknown provider %q", id)
	}
	return p.APIKey, nil
}

// Update applies a partial config write. Unknown keys and out-of-range
// values are validation errors; an empty patch is rejected. On success
// the committed config is broadcast (masked) as config:updated.
func (s *Service) Update(ctx context.Context, patch map[string]json.RawMessage) (*Config, error) {
	if len(patch) == 0 {
		return nil, types.ValidationError("patch", "empty config patch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]string)

	// Deterministic key order keeps validation errors stable.
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := patch[key]
		switch key {
		case keyDefaultModel:
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, types.ValidationError(key, "must be a string")
			}
			if !provider.IsKnownModel(v) {
				return nil, types.ValidationError(key, fmt.Sprintf("unknown model %q", v))
			}
			current.DefaultModel = v
			entries[keyDefaultModel] = v

		case keyMaxMessages:
			var v int
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, types.ValidationError(key, "must be an integer")
			}
			if v < MinMaxMessages || v > MaxMaxMessages {
				return nil, types.ValidationError(key, fmt.Sprintf("must be in [%d..%d]", MinMaxMessages, MaxMaxMessages))
			}
			current.MaxMessages = v
			entries[keyMaxMessages] = strconv.Itoa(v)

		case keyRequestTimeout:
			var v int
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, types.ValidationError(key, "must be an integer")
			}
			if v < MinRequestTimeout || v > MaxRequestTimeout {
				return nil, types.ValidationError(key, fmt.Sprintf("must be in [%d..%d]", MinRequestTimeout, MaxRequestTimeout))
			}
			current.RequestTimeout = v
			entries[keyRequestTimeout] = strconv.Itoa(v)

		case keyAutoOpenWebUI:
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, types.ValidationError(key, "must be a boolean")
			}
			current.AutoOpenWebUI = v
			entries[keyAutoOpenWebUI] = strconv.FormatBool(v)

		case keyProviders:
			var patches map[string]providerPatch
			if err := json.Unmarshal(raw, &patches); err != nil {
				return nil, types.ValidationError(key, "must be an object of provider settings")
			}
			for id, p := range patches {
				if !isKnownProvider(id) {
					return nil, types.ValidationError(key, fmt.Sprintf("unknown provider %q", id))
				}
				settings := current.Providers[id]
				if p.Enabled != nil {
					settings.Enabled = *p.Enabled
				}
				if p.APIKey != nil {
					settings.APIKey = *p.APIKey
				}
				current.Providers[id] = settings
			}

		default:
			return nil, types.ValidationError(key, "unknown config key")
		}
	}

	// Providers are always rewritten as one JSON value so partial
	// provider updates still commit atomically with the rest.
	if _, touched := patch[keyProviders]; touched {
		encoded, err := s.encodeProviders(current.Providers)
		if err != nil {
			return nil, err
		}
		entries[keyProviders] = encoded
	}

	if err := s.store.SetConfigBatch(ctx, entries); err != nil {
		return nil, err
	}

	s.emitUpdated(current)
	return current, nil
}

// SetProvider replaces one provider's settings. A nil apiKey keeps the
// stored key; an empty string clears it.
func (s *Service) SetProvider(ctx context.Context, id string, enabled bool, apiKey *string) (*Config, error) {
	if !isKnownProvider(id) {
		return nil, types.Errorf(types.KindNotFound, "unknown provider %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	settings := current.Providers[id]
	settings.Enabled = enabled
	if apiKey != nil {
		settings.APIKey = *apiKey
	}
	current.Providers[id] = settings

	encoded, err := s.encodeProviders(current.Providers)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetConfig(ctx, keyProviders, encoded); err != nil {
		return nil, err
	}

	s.emitUpdated(current)
	return current, nil
}

// ClearProvider resets a provider to disabled with no key.
func (s *Service) ClearProvider(ctx context.Context, id string) (*Config, error) {
	return s.SetProvider(ctx, id, false, ptr(""))
}

func (s *Service) encodeProviders(providers map[string]ProviderSettings) (string, error) {
	persisted := make(map[string]storedProvider, len(providers))
	for id, p := range providers {
		sp := storedProvider{Enabled: p.Enabled}
		if p.APIKey != "" {
			ct, err := s.box.Encrypt(p.APIKey)
			if err != nil {
				return "", types.Errorf(types.KindInternal, "cannot encrypt %s credentials: %v", id, err)
			}
			sp.APIKey = ct
		}
		persisted[id] = sp
	}
	encoded, err := json.Marshal(persisted)
	if err != nil {
		return "", fmt.Errorf("failed to encode provider config: %w", err)
	}
	return string(encoded), nil
}

func (s *Service) emitUpdated(cfg *Config) {
	if s.hub == nil {
		return
	}
	s.hub.Emit(eventbus.EventConfigUpdated, maskConfig(cfg))
}

func isKnownProvider(id string) bool {
	for _, known := range ProviderIDs {
		if id == known {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T { return &v }
