package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/consult/internal/types"
)

// DefaultEmbedURL is where the external embedding service listens when
// RAG_EMBED_URL is unset.
const DefaultEmbedURL = "http://127.0.0.1:7999/embed"

// probeCacheTTL bounds how often health checks actually hit the
// embedding service.
const probeCacheTTL = 30 * time.Second

// EmbedResponse is the embedding service's reply.
type EmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Dim     int         `json:"dim"`
	Model   string      `json:"model"`
}

// EmbedStatus is a cached availability probe result.
type EmbedStatus struct {
	Available bool   `json:"available"`
	URL       string `json:"url"`
	Error     string `json:"error,omitempty"`
}

// EmbedClient talks to the external embedding service.
type EmbedClient struct {
	url        string
	httpClient *http.Client

	probeMu   sync.Mutex
	probeAt   time.Time
	probeStat EmbedStatus
}

// EmbedURLFromEnv resolves the embedding endpoint from RAG_EMBED_URL.
func EmbedURLFromEnv() string {
	if url := os.Getenv("RAG_EMBED_URL"); url != "" {
		return url
	}
	return DefaultEmbedURL
}

// NewEmbedClient builds a client for the given endpoint; "" means the
// environment default.
func NewEmbedClient(url string) *EmbedClient {
	if url == "" {
		url = EmbedURLFromEnv()
	}
	return &EmbedClient{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// URL returns the configured endpoint.
func (c *EmbedClient) URL() string { return c.url }

// Embed requests vectors for texts. Any transport or protocol failure
// surfaces as EXTERNAL_UNAVAILABLE.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) (*EmbedResponse, error) {
	if len(texts) == 0 {
		return &EmbedResponse{}, nil
	}

	payload, err := json.Marshal(map[string][]string{"texts": texts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.KindUnavailable, err, "embedding service unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.Errorf(types.KindUnavailable,
			"embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var out EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.WrapError(types.KindUnavailable, err, "malformed embedding response")
	}
	if len(out.Vectors) != len(texts) {
		return nil, types.Errorf(types.KindUnavailable,
			"embedding service returned %d vectors for %d texts", len(out.Vectors), len(texts))
	}
	return &out, nil
}

// Probe reports whether the embedding service responds, caching the
// answer for probeCacheTTL. Used by the health endpoint.
func (c *EmbedClient) Probe(ctx context.Context) EmbedStatus {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	if time.Since(c.probeAt) < probeCacheTTL {
		return c.probeStat
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := EmbedStatus{URL: c.url}
	if _, err := c.Embed(probeCtx, []string{"ping"}); err != nil {
		status.Error = err.Error()
	} else {
		status.Available = true
	}

	c.probeAt = time.Now()
	c.probeStat = status
	return status
}
