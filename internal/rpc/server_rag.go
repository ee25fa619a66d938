package rpc

import (
	"io"
	"net/http"
	"strings"

	"github.com/steveyegge/consult/internal/rag"
	"github.com/steveyegge/consult/internal/types"
)

// snippetLimit caps search-result snippets.
const snippetLimit = 240

func (s *Server) handleDocumentsList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.rag.Documents(r.Context(), r.URL.Query().Get("folder"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// handleUpload ingests a multipart batch: files[] parts plus optional
// folder and ifExists form fields.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.writeError(w, types.ValidationError("body", "request is not valid multipart form data"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["files[]"]
	}

	files := make([]rag.UploadFile, 0, len(headers))
	for _, hdr := range headers {
		part, err := hdr.Open()
		if err != nil {
			s.writeError(w, types.ValidationError("files", "failed to open uploaded file "+hdr.Filename))
			return
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			s.writeError(w, types.ValidationError("files", "failed to read uploaded file "+hdr.Filename))
			return
		}
		files = append(files, rag.UploadFile{Name: hdr.Filename, Data: data})
	}

	result, err := s.rag.UploadBatch(r.Context(), files,
		r.FormValue("folder"), rag.IfExists(r.FormValue("ifExists")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.rag.DeleteDocument(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chunks, err := s.rag.Chunks(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documentId": id, "chunks": chunks})
}

func (s *Server) handleFoldersList(w http.ResponseWriter, r *http.Request) {
	folders, err := s.rag.Folders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

type folderRenameBody struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

func (s *Server) handleFolderRename(w http.ResponseWriter, r *http.Request) {
	var body folderRenameBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	moved, err := s.rag.RenameFolder(r.Context(), body.OldName, body.NewName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"moved": moved})
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.rag.DeleteFolder(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// searchBody is the POST /api/rag/search request.
type searchBody struct {
	Query     string   `json:"query"`
	DocIDs    []string `json:"docIds,omitempty"`
	DocTitles []string `json:"docTitles,omitempty"`
	Folder    string   `json:"folder,omitempty"`
	TopK      int      `json:"topK,omitempty"`
	MinScore  *float64 `json:"minScore,omitempty"`
}

// searchHit is one search result row, snippet-trimmed for display.
type searchHit struct {
	Score      float64          `json:"score"`
	Title      string           `json:"title"`
	SourceType types.SourceType `json:"sourceType"`
	ChunkIndex int              `json:"chunkIndex"`
	Snippet    string           `json:"snippet"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		s.writeError(w, types.ValidationError("query", "query is required"))
		return
	}

	opts := rag.RetrieveOptions{
		DocIDs:    body.DocIDs,
		DocTitles: body.DocTitles,
		Folder:    body.Folder,
		TopK:      body.TopK,
	}
	if body.MinScore != nil {
		opts.MinScore = *body.MinScore
		opts.MinScoreSet = true
	}

	result, err := s.rag.Retrieve(r.Context(), body.Query, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	hits := make([]searchHit, len(result.Hits))
	for i, h := range result.Hits {
		hits[i] = searchHit{
			Score:      h.Score,
			Title:      h.Title,
			SourceType: h.SourceType,
			ChunkIndex: h.ChunkIndex,
			Snippet:    snippet(h.Content),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"query":          body.Query,
		"contextPreview": result.Context,
		"hits":           hits,
	})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	n, err := s.rag.Reindex(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reindexed": n})
}

type memoryAddBody struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Content  string `json:"content"`
}

func (s *Server) handleMemoryAdd(w http.ResponseWriter, r *http.Request) {
	var body memoryAddBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	mem, doc, err := s.rag.AddMemory(r.Context(),
		types.MemoryCategory(body.Category), body.Title, body.Content, "manual")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"memory": mem, "document": doc})
}

func (s *Server) handleMemoriesList(w http.ResponseWriter, r *http.Request) {
	memories, err := s.rag.Memories(r.Context(),
		types.MemoryCategory(r.URL.Query().Get("category")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

// snippet trims content for display, ending with an ellipsis when cut.
// The ellipsis counts against the limit: results never exceed
// snippetLimit characters.
func snippet(content string) string {
	if len(content) <= snippetLimit {
		return content
	}
	cut := content[:snippetLimit-len("...")]
	if idx := strings.LastIndexByte(cut, ' '); idx > snippetLimit/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}
