package rag

import (
	"math"
	"strings"
)

// Chunking defaults. Overlap re-includes the tail of the previous chunk
// so boundary-straddling phrases stay retrievable.
const (
	DefaultChunkSize = 1000
	ChunkOverlap     = 150
	// boundaryFraction is how far into the window a space must sit to be
	// an acceptable chunk boundary.
	boundaryFraction = 0.6
)

// normalizeWhitespace collapses all whitespace runs to single spaces
// and trims.
func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ChunkText splits text into overlapping chunks of at most
// DefaultChunkSize characters, preferring to break at a space in the
// back 40% of the window. Empty chunks are dropped.
func ChunkText(text string) []string {
	return chunkText(text, DefaultChunkSize, ChunkOverlap)
}

func chunkText(text string, chunkSize, overlap int) []string {
	t := normalizeWhitespace(text)
	if t == "" {
		return nil
	}
	if len(t) <= chunkSize {
		return []string{t}
	}

	minBoundary := int(math.Floor(boundaryFraction * float64(chunkSize)))
	var chunks []string
	start := 0
	for start < len(t) {
		end := start + chunkSize
		if end >= len(t) {
			end = len(t)
		} else if idx := strings.LastIndexByte(t[start:end], ' '); idx >= minBoundary {
			end = start + idx
		}

		chunk := strings.TrimSpace(t[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(t) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}

// EstimateTokens approximates a token count from the word count. Always
// at least 1 so empty-ish chunks still cost something.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	est := int(math.Ceil(float64(words) * 1.3))
	if est < 1 {
		return 1
	}
	return est
}
