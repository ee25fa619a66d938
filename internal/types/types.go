// Package types holds the shared entity definitions and error kinds for the
// consult daemon. Every component speaks these types; none of them import
// anything above this package.
package types

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
)

// EndReason records why an archived conversation ended.
// Non-empty iff status is archived.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndTimeout   EndReason = "timeout"
	EndManual    EndReason = "manual"
)

// Role is a message author role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is a consultation session with an external model.
type Conversation struct {
	ID           string             `json:"id"`
	Model        string             `json:"model"`
	SystemPrompt string             `json:"systemPrompt,omitempty"`
	Status       ConversationStatus `json:"status"`
	EndReason    EndReason          `json:"endReason,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	EndedAt      *time.Time         `json:"endedAt,omitempty"`

	// Messages is populated by Get; list operations leave it nil.
	Messages []*Message `json:"messages,omitempty"`
}

// Message is one turn in a conversation. Immutable once inserted.
type Message struct {
	Ordinal   int       `json:"ordinal"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SourceType classifies how a document entered the RAG corpus.
type SourceType string

const (
	SourceUpload SourceType = "upload"
	SourceManual SourceType = "manual"
)

// Document is a unit of the RAG corpus. Deleting a document cascades to its
// chunks and their embeddings.
type Document struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	SourceType SourceType `json:"sourceType"`
	SourceURI  string     `json:"sourceUri,omitempty"`
	MimeType   string     `json:"mimeType,omitempty"`
	Folder     string     `json:"folder,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Chunk is a contiguous slice of a document's text.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	ChunkIndex int       `json:"chunkIndex"`
	Content    string    `json:"content"`
	TokenCount int       `json:"tokenCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Embedding is the stored vector for one chunk. At most one per chunk;
// inserting replaces.
type Embedding struct {
	ChunkID   string    `json:"chunkId"`
	Vector    []byte    `json:"-"`
	Dim       int       `json:"dim"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
}

// MemoryCategory classifies a structured memory note.
type MemoryCategory string

const (
	MemoryArchitecture MemoryCategory = "architecture"
	MemoryBackend      MemoryCategory = "backend"
	MemoryDB           MemoryCategory = "db"
	MemoryAuth         MemoryCategory = "auth"
	MemoryConfig       MemoryCategory = "config"
	MemoryFlow         MemoryCategory = "flow"
	MemoryOther        MemoryCategory = "other"
)

// ValidMemoryCategory reports whether c is one of the fixed categories.
func ValidMemoryCategory(c MemoryCategory) bool {
	switch c {
	case MemoryArchitecture, MemoryBackend, MemoryDB, MemoryAuth,
		MemoryConfig, MemoryFlow, MemoryOther:
		return true
	}
	return false
}

// Memory is a structured note that is mirrored into the document corpus so
// retrieval finds it through the same path as uploads.
type Memory struct {
	ID        string         `json:"id"`
	Category  MemoryCategory `json:"category"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Source    string         `json:"source"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ClientKind classifies a connected event-stream client.
type ClientKind string

const (
	ClientProxy   ClientKind = "proxy"
	ClientWebUI   ClientKind = "webui"
	ClientUnknown ClientKind = "unknown"
)

// ClientRegistration is the in-memory record of one connected client.
// Discarded on disconnect.
type ClientRegistration struct {
	ID          string     `json:"id"`
	Kind        ClientKind `json:"kind"`
	ConnectedAt time.Time  `json:"connectedAt"`
}

// Usage is provider-reported token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}
