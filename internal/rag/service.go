// Package rag implements the retrieval pipeline: chunking, embedding
// through the external vector service, similarity search, and the
// document/memory corpus operations built on them.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/consult/internal/storage/sqlite"
	"github.com/steveyegge/consult/internal/types"
)

// Retrieval defaults.
const (
	DefaultTopK     = 4
	DefaultMinScore = 0.35
)

// reindexBatchSize is how many chunks go into one embedding call.
const reindexBatchSize = 50

// embedWorkers bounds concurrent embedding calls during reindex.
const embedWorkers = 4

// contextHeader opens every rendered retrieval context.
const contextHeader = "Relevant Context (RAG):"

// IfExists selects the duplicate policy for batch uploads.
type IfExists string

const (
	IfExistsSkip    IfExists = "skip"
	IfExistsAllow   IfExists = "allow"
	IfExistsReplace IfExists = "replace"
)

// Service is the RAG pipeline over the store and the embedding client.
type Service struct {
	store  *sqlite.Store
	embed  *EmbedClient
	logger *slog.Logger
}

// NewService wires the pipeline.
func NewService(store *sqlite.Store, embed *EmbedClient, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if embed == nil {
		embed = NewEmbedClient("")
	}
	return &Service{store: store, embed: embed, logger: logger}
}

// EmbedStatus exposes the cached embedding-service probe.
func (s *Service) EmbedStatus(ctx context.Context) EmbedStatus {
	return s.embed.Probe(ctx)
}

// Ingest stores one document: chunk, persist, embed, store vectors.
// Returns the document and its chunk count. An embedding outage fails
// the ingest after the document is rolled back.
func (s *Service) Ingest(ctx context.Context, title, text, mimeType, folder string, sourceType types.SourceType, sourceURI string) (*types.Document, int, error) {
	pieces := ChunkText(text)
	if len(pieces) == 0 {
		return nil, 0, types.ValidationError("content", "document has no extractable text")
	}

	doc := &types.Document{
		ID:         uuid.NewString(),
		Title:      title,
		SourceType: sourceType,
		SourceURI:  sourceURI,
		MimeType:   mimeType,
		Folder:     folder,
		CreatedAt:  time.Now().UTC(),
	}
	chunks := make([]*types.Chunk, len(pieces))
	for i, content := range pieces {
		chunks[i] = &types.Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    content,
			TokenCount: EstimateTokens(content),
		}
	}

	if err := s.store.CreateDocumentWithChunks(ctx, doc, chunks); err != nil {
		return nil, 0, err
	}
	if err := s.embedChunks(ctx, chunks); err != nil {
		// Leave no half-indexed document behind; the caller retries the
		// whole upload once the embedding service is back.
		if delErr := s.store.DeleteDocument(ctx, doc.ID); delErr != nil {
			s.logger.Warn("failed to roll back document after embed failure",
				"document", doc.ID, "error", delErr)
		}
		return nil, 0, err
	}
	return doc, len(chunks), nil
}

// embedChunks embeds chunk contents in reindexBatchSize batches and
// stores the vectors.
func (s *Service) embedChunks(ctx context.Context, chunks []*types.Chunk) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)

	for start := 0; start < len(chunks); start += reindexBatchSize {
		batch := chunks[start:min(start+reindexBatchSize, len(chunks))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
			}
			resp, err := s.embed.Embed(ctx, texts)
			if err != nil {
				return err
			}
			embs := make([]*types.Embedding, len(batch))
			for i, c := range batch {
				embs[i] = &types.Embedding{
					ChunkID: c.ID,
					Vector:  EncodeVector(resp.Vectors[i]),
					Dim:     resp.Dim,
					Model:   resp.Model,
				}
			}
			return s.store.UpsertEmbeddings(ctx, embs)
		})
	}
	return g.Wait()
}

// UploadFile is one member of a batch upload.
type UploadFile struct {
	Name string
	Data []byte
}

// UploadedDoc reports one ingested file.
type UploadedDoc struct {
	Document   *types.Document `json:"document"`
	ChunkCount int             `json:"chunkCount"`
}

// UploadResult summarises a batch upload.
type UploadResult struct {
	Uploaded []UploadedDoc `json:"uploaded"`
	Skipped  []string      `json:"skipped,omitempty"`
	Replaced []string      `json:"replaced,omitempty"`
}

// UploadBatch ingests several files under one duplicate policy. Titles
// are file basenames; matching is case-insensitive after trimming.
func (s *Service) UploadBatch(ctx context.Context, files []UploadFile, folder string, ifExists IfExists) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, types.ValidationError("files", "no files in upload")
	}
	switch ifExists {
	case IfExistsSkip, IfExistsAllow, IfExistsReplace:
	case "":
		ifExists = IfExistsSkip
	default:
		return nil, types.ValidationError("ifExists", fmt.Sprintf("unknown policy %q", ifExists))
	}

	result := &UploadResult{}
	seen := make(map[string]bool)

	for _, file := range files {
		title := filepath.Base(file.Name)
		normalized := strings.ToLower(strings.TrimSpace(title))

		// In-batch dedupe for the non-replacing policies; replace lets a
		// later duplicate supersede the earlier one.
		if ifExists != IfExistsReplace && seen[normalized] {
			result.Skipped = append(result.Skipped, title)
			continue
		}
		seen[normalized] = true

		existing, err := s.store.FindDocumentsByTitleFold(ctx, title)
		if err != nil {
			return nil, err
		}
		switch {
		case len(existing) > 0 && ifExists == IfExistsSkip:
			result.Skipped = append(result.Skipped, title)
			continue
		case len(existing) > 0 && ifExists == IfExistsReplace:
			for _, old := range existing {
				if err := s.store.DeleteDocument(ctx, old.ID); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
					return nil, err
				}
			}
			result.Replaced = append(result.Replaced, title)
		}

		text, err := ExtractText(file.Name, file.Data)
		if err != nil {
			return nil, err
		}
		doc, chunkCount, err := s.Ingest(ctx, title, text, MimeTypeFor(file.Name), folder, types.SourceUpload, file.Name)
		if err != nil {
			return nil, err
		}
		result.Uploaded = append(result.Uploaded, UploadedDoc{Document: doc, ChunkCount: chunkCount})
	}
	return result, nil
}

// RetrieveOptions filters and bounds a retrieval.
type RetrieveOptions struct {
	DocIDs    []string `json:"docIds,omitempty"`
	DocTitles []string `json:"docTitles,omitempty"`
	Folder    string   `json:"folder,omitempty"`
	TopK      int      `json:"topK,omitempty"`
	MinScore  float64  `json:"minScore,omitempty"`
	// MinScoreSet distinguishes an explicit 0 from the default.
	MinScoreSet bool `json:"-"`
}

// Hit is one scored retrieval result.
type Hit struct {
	Score      float64          `json:"score"`
	DocumentID string           `json:"documentId"`
	ChunkID    string           `json:"chunkId"`
	Title      string           `json:"title"`
	SourceType types.SourceType `json:"sourceType"`
	ChunkIndex int              `json:"chunkIndex"`
	Content    string           `json:"content"`
}

// RetrieveResult is the ranked hits plus the rendered context block.
type RetrieveResult struct {
	Context string `json:"context"`
	Hits    []Hit  `json:"hits"`
}

// Retrieve embeds the query and ranks candidate chunks by cosine
// similarity. Empty context when nothing clears minScore.
func (s *Service) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*RetrieveResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	minScore := opts.MinScore
	if !opts.MinScoreSet && minScore == 0 {
		minScore = DefaultMinScore
	}

	resp, err := s.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(resp.Vectors) == 0 || len(resp.Vectors[0]) == 0 {
		return &RetrieveResult{}, nil
	}
	queryVec := resp.Vectors[0]

	candidates, err := s.store.CandidateChunks(ctx, opts.DocIDs, opts.Folder)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, c := range candidates {
		if len(opts.DocTitles) > 0 && !titleMatches(c.Title, opts.DocTitles) {
			continue
		}
		vec, err := DecodeVector(c.Vector)
		if err != nil {
			s.logger.Warn("skipping chunk with corrupt vector", "chunk", c.ChunkID, "error", err)
			continue
		}
		score := Cosine(queryVec, vec)
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{
			Score:      score,
			DocumentID: c.DocumentID,
			ChunkID:    c.ChunkID,
			Title:      c.Title,
			SourceType: c.SourceType,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	return &RetrieveResult{Context: renderContext(hits), Hits: hits}, nil
}

// titleMatches reports whether title contains any of the wanted titles,
// case-insensitively.
func titleMatches(title string, wanted []string) bool {
	lower := strings.ToLower(title)
	for _, w := range wanted {
		if strings.Contains(lower, strings.ToLower(strings.TrimSpace(w))) {
			return true
		}
	}
	return false
}

// renderContext formats ranked hits as the context block handed to the
// model's system prompt.
func renderContext(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(contextHeader)
	for _, h := range hits {
		sb.WriteString(fmt.Sprintf("\n- [%s | %s | chunk #%d] %s", h.Title, h.SourceType, h.ChunkIndex, h.Content))
	}
	return sb.String()
}

// Reindex re-embeds the whole corpus in fixed-size batches and returns
// how many chunks were processed.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	chunks, err := s.store.ListAllChunks(ctx)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := s.embedChunks(ctx, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// AddMemory stores a structured note plus its mirror document so the
// memory flows through the same retrieval path as uploads.
func (s *Service) AddMemory(ctx context.Context, category types.MemoryCategory, title, content, source string) (*types.Memory, *types.Document, error) {
	if !types.ValidMemoryCategory(category) {
		return nil, nil, types.ValidationError("category", fmt.Sprintf("unknown category %q", category))
	}
	if strings.TrimSpace(title) == "" {
		return nil, nil, types.ValidationError("title", "memory title is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil, types.ValidationError("content", "memory content is required")
	}

	mem := &types.Memory{
		ID:       uuid.NewString(),
		Category: category,
		Title:    title,
		Content:  content,
		Source:   source,
	}
	if err := s.store.CreateMemory(ctx, mem); err != nil {
		return nil, nil, err
	}

	doc, _, err := s.Ingest(ctx, "Memory: "+title, content, "text/plain", "", types.SourceManual, "")
	if err != nil {
		return nil, nil, err
	}
	return mem, doc, nil
}

// Documents lists the corpus, optionally restricted to one folder.
func (s *Service) Documents(ctx context.Context, folder string) ([]*types.Document, error) {
	return s.store.ListDocuments(ctx, folder)
}

// Document returns one document by id.
func (s *Service) Document(ctx context.Context, id string) (*types.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, types.Errorf(types.KindNotFound, "document %s not found", id)
	}
	return doc, err
}

// Chunks lists a document's chunks in order.
func (s *Service) Chunks(ctx context.Context, documentID string) ([]*types.Chunk, error) {
	if _, err := s.Document(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListChunks(ctx, documentID)
}

// DeleteDocument removes a document; chunks and vectors cascade.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	err := s.store.DeleteDocument(ctx, id)
	if errors.Is(err, sqlite.ErrNotFound) {
		return types.Errorf(types.KindNotFound, "document %s not found", id)
	}
	return err
}

// Folders returns folder names with document counts.
func (s *Service) Folders(ctx context.Context) (map[string]int, error) {
	return s.store.ListFolders(ctx)
}

// RenameFolder moves every document in oldName to newName.
func (s *Service) RenameFolder(ctx context.Context, oldName, newName string) (int, error) {
	if strings.TrimSpace(oldName) == "" {
		return 0, types.ValidationError("folder", "folder name is required")
	}
	return s.store.RenameFolder(ctx, oldName, newName)
}

// DeleteFolder removes every document in the folder, cascading to
// chunks and vectors. Returns how many documents were deleted.
func (s *Service) DeleteFolder(ctx context.Context, name string) (int, error) {
	if strings.TrimSpace(name) == "" {
		return 0, types.ValidationError("folder", "folder name is required")
	}
	docs, err := s.store.ListDocuments(ctx, name)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, doc := range docs {
		if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Memories lists stored notes, optionally by category.
func (s *Service) Memories(ctx context.Context, category types.MemoryCategory) ([]*types.Memory, error) {
	return s.store.ListMemories(ctx, category)
}
