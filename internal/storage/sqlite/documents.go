package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/consult/internal/types"
)

// CreateDocumentWithChunks inserts a document and its chunks in one
// transaction so a partially-ingested document is never observable.
func (s *Store) CreateDocumentWithChunks(ctx context.Context, doc *types.Document, chunks []*types.Chunk) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO documents (id, title, source_type, source_uri, mime_type, folder, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, doc.ID, doc.Title, doc.SourceType, nullIfEmpty(doc.SourceURI),
			nullIfEmpty(doc.MimeType), nullIfEmpty(doc.Folder), doc.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}

		stmt, err := conn.PrepareContext(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, content, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare chunk insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, c := range chunks {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			if _, err := stmt.ExecContext(ctx, c.ID, doc.ID, c.ChunkIndex, c.Content, c.TokenCount, c.CreatedAt); err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
			}
		}
		return nil
	})
}

// GetDocument returns a document by id, or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, title, source_type, source_uri, mime_type, folder, created_at
		FROM documents WHERE id = ?
	`, id))
}

// ListDocuments returns documents newest first, optionally filtered by
// folder (exact match).
func (s *Store) ListDocuments(ctx context.Context, folder string) ([]*types.Document, error) {
	query := `
		SELECT id, title, source_type, source_uri, mime_type, folder, created_at
		FROM documents`
	var args []any
	if folder != "" {
		query += ` WHERE folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// FindDocumentsByTitleFold returns documents whose trimmed title matches
// title case-insensitively. Duplicate detection is deliberately this coarse.
func (s *Store) FindDocumentsByTitleFold(ctx context.Context, title string) ([]*types.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, source_type, source_uri, mime_type, folder, created_at
		FROM documents WHERE lower(trim(title)) = lower(trim(?))
	`, title)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents by title: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// DeleteDocument removes a document; chunks and embeddings cascade.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
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

// ListFolders returns the distinct non-empty folder names with their
// document counts.
func (s *Store) ListFolders(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT folder, COUNT(*) FROM documents
		WHERE folder IS NOT NULL AND folder != ''
		GROUP BY folder
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var folder string
		var count int
		if err := rows.Scan(&folder, &count); err != nil {
			return nil, fmt.Errorf("failed to scan folder row: %w", err)
		}
		out[folder] = count
	}
	return out, rows.Err()
}

// RenameFolder moves every document in oldName to newName and returns the
// number of documents moved.
func (s *Store) RenameFolder(ctx context.Context, oldName, newName string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET folder = ? WHERE folder = ?`, nullIfEmpty(newName), oldName)
	if err != nil {
		return 0, fmt.Errorf("failed to rename folder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// ListChunks returns a document's chunks in index order.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, token_count, created_at
		FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListAllChunks returns every chunk in the corpus, document order then
// index order. Used by batch reindex.
func (s *Store) ListAllChunks(ctx context.Context) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, token_count, created_at
		FROM chunks ORDER BY document_id, chunk_index ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpsertEmbedding stores the vector for a chunk, replacing any previous one.
func (s *Store) UpsertEmbedding(ctx context.Context, emb *types.Embedding) error {
	if emb.CreatedAt.IsZero() {
		emb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (chunk_id, vector, dim, model, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			vector = excluded.vector,
			dim = excluded.dim,
			model = excluded.model,
			created_at = excluded.created_at
	`, emb.ChunkID, emb.Vector, emb.Dim, emb.Model, emb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// UpsertEmbeddings stores a batch of vectors in one transaction.
func (s *Store) UpsertEmbeddings(ctx context.Context, embs []*types.Embedding) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		stmt, err := conn.PrepareContext(ctx, `
			INSERT INTO embeddings (chunk_id, vector, dim, model, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				vector = excluded.vector,
				dim = excluded.dim,
				model = excluded.model,
				created_at = excluded.created_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare embedding upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		now := time.Now().UTC()
		for _, emb := range embs {
			if emb.CreatedAt.IsZero() {
				emb.CreatedAt = now
			}
			if _, err := stmt.ExecContext(ctx, emb.ChunkID, emb.Vector, emb.Dim, emb.Model, emb.CreatedAt); err != nil {
				return fmt.Errorf("failed to upsert embedding for chunk %s: %w", emb.ChunkID, err)
			}
		}
		return nil
	})
}

// CandidateChunk is a chunk joined with its document metadata and stored
// vector, ready for similarity scoring.
type CandidateChunk struct {
	ChunkID    string
	DocumentID string
	ChunkIndex int
	Content    string
	Title      string
	SourceType types.SourceType
	Folder     string
	Vector     []byte
	Dim        int
}

// CandidateChunks loads embedded chunks for retrieval, filtered by document
// ids (exact set) and folder (equality). Chunks without embeddings are
// excluded by the join.
func (s *Store) CandidateChunks(ctx context.Context, docIDs []string, folder string) ([]*CandidateChunk, error) {
	query := `
		SELECT c.id, c.document_id, c.chunk_index, c.content,
		       d.title, d.source_type, COALESCE(d.folder, ''),
		       e.vector, e.dim
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN embeddings e ON e.chunk_id = c.id`

	var conds []string
	var args []any
	if len(docIDs) > 0 {
		placeholders := make([]byte, 0, len(docIDs)*2)
		for i := range docIDs {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args = append(args, docIDs[i])
		}
		conds = append(conds, "c.document_id IN ("+string(placeholders)+")")
	}
	if folder != "" {
		conds = append(conds, "d.folder = ?")
		args = append(args, folder)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CandidateChunk
	for rows.Next() {
		var c CandidateChunk
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.Title, &c.SourceType, &c.Folder, &c.Vector, &c.Dim); err != nil {
			return nil, fmt.Errorf("failed to scan candidate chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CountEmbeddings returns the number of stored vectors.
func (s *Store) CountEmbeddings(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return count, nil
}

func scanDocument(row rowScanner) (*types.Document, error) {
	var doc types.Document
	var sourceURI, mimeType, folder sql.NullString
	err := row.Scan(&doc.ID, &doc.Title, &doc.SourceType, &sourceURI, &mimeType, &folder, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	doc.SourceURI = sourceURI.String
	doc.MimeType = mimeType.String
	doc.Folder = folder.String
	return &doc, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
