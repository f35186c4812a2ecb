// Package store is the document registry: one row per ingested
// government plan, keyed by the stable document id. Chunks live in the
// vector store; this registry carries the metadata the API serves and
// the ingestion pipeline updates.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no document exists under the given id.
var ErrNotFound = errors.New("document not found")

// PersistenceError wraps database failures from the registry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("document registry %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Document is one party's government plan.
type Document struct {
	// ID is the internal identifier, a UUID minted on first insert and
	// stable across re-ingestions.
	ID string `json:"id"`

	// DocID is the stable external identifier admins ingest under,
	// e.g. "pln-plan-2026".
	DocID string `json:"doc_id"`

	// Party is the owning party's slug.
	Party string `json:"party"`

	SourceURL string `json:"source_url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`

	PageCount  int   `json:"page_count"`
	SizeBytes  int64 `json:"size_bytes"`
	ChunkCount int   `json:"chunk_count"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// DownloadedAt and ParsedAt are zero until the corresponding
	// ingestion stage has run.
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`
	ParsedAt     time.Time `json:"parsed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry stores documents through database/sql. The *sql.DB comes
// from the shared pool and is not closed here.
type Registry struct {
	db      *sql.DB
	dialect string
}

const createDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(255) NOT NULL,
    doc_id VARCHAR(255) NOT NULL,
    party VARCHAR(50) NOT NULL,
    source_url TEXT,
    local_path TEXT,
    page_count INTEGER NOT NULL,
    size_bytes BIGINT NOT NULL,
    chunk_count INTEGER NOT NULL,
    metadata TEXT,
    downloaded_at TIMESTAMP NULL,
    parsed_at TIMESTAMP NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (doc_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_party ON documents(party);
`

// NewRegistry creates a registry over db. The schema is created if
// missing.
func NewRegistry(db *sql.DB, dialect string) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":

	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	r := &Registry{
		db:      db,
		dialect: dialect,
	}

	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return r, nil
}

func (r *Registry) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, createDocumentsTableSQL); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}

	return nil
}

// Upsert creates the document or, when a row with the same DocID
// exists, updates it in place keeping the internal ID and CreatedAt.
// The stored version is returned.
func (r *Registry) Upsert(ctx context.Context, doc *Document) (*Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is required")
	}
	if doc.DocID == "" {
		return nil, fmt.Errorf("document doc_id is required")
	}
	if doc.Party == "" {
		return nil, fmt.Errorf("document party is required")
	}

	existing, err := r.Get(ctx, doc.DocID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now()
	stored := *doc
	stored.UpdatedAt = now

	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt

		query := `
UPDATE documents
SET party = ?, source_url = ?, local_path = ?, page_count = ?, size_bytes = ?,
    chunk_count = ?, metadata = ?, downloaded_at = ?, parsed_at = ?, updated_at = ?
WHERE doc_id = ?
`
		if r.dialect == "postgres" {
			query = `
UPDATE documents
SET party = $1, source_url = $2, local_path = $3, page_count = $4, size_bytes = $5,
    chunk_count = $6, metadata = $7, downloaded_at = $8, parsed_at = $9, updated_at = $10
WHERE doc_id = $11
`
		}

		_, err = r.db.ExecContext(ctx, query,
			stored.Party, stored.SourceURL, stored.LocalPath, stored.PageCount, stored.SizeBytes,
			stored.ChunkCount, string(metadataJSON), nullTime(stored.DownloadedAt), nullTime(stored.ParsedAt), now,
			stored.DocID,
		)
		if err != nil {
			return nil, &PersistenceError{Op: "update", Err: err}
		}

		return &stored, nil
	}

	stored.ID = uuid.NewString()
	stored.CreatedAt = now

	query := `
INSERT INTO documents (id, doc_id, party, source_url, local_path, page_count, size_bytes, chunk_count, metadata, downloaded_at, parsed_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	if r.dialect == "postgres" {
		query = `
INSERT INTO documents (id, doc_id, party, source_url, local_path, page_count, size_bytes, chunk_count, metadata, downloaded_at, parsed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	}

	_, err = r.db.ExecContext(ctx, query,
		stored.ID, stored.DocID, stored.Party, stored.SourceURL, stored.LocalPath,
		stored.PageCount, stored.SizeBytes, stored.ChunkCount, string(metadataJSON),
		nullTime(stored.DownloadedAt), nullTime(stored.ParsedAt), now, now,
	)
	if err != nil {
		return nil, &PersistenceError{Op: "insert", Err: err}
	}

	return &stored, nil
}

// Get returns the document under docID, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, docID string) (*Document, error) {
	if docID == "" {
		return nil, fmt.Errorf("doc_id is required")
	}

	query := `
SELECT id, doc_id, party, source_url, local_path, page_count, size_bytes, chunk_count, metadata, downloaded_at, parsed_at, created_at, updated_at
FROM documents
WHERE doc_id = ?
`
	if r.dialect == "postgres" {
		query = `
SELECT id, doc_id, party, source_url, local_path, page_count, size_bytes, chunk_count, metadata, downloaded_at, parsed_at, created_at, updated_at
FROM documents
WHERE doc_id = $1
`
	}

	row := r.db.QueryRowContext(ctx, query, docID)
	doc, err := scanDocument(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get", Err: err}
	}

	return doc, nil
}

// List returns all documents ordered by party, then doc id.
func (r *Registry) List(ctx context.Context) ([]Document, error) {
	query := `
SELECT id, doc_id, party, source_url, local_path, page_count, size_bytes, chunk_count, metadata, downloaded_at, parsed_at, created_at, updated_at
FROM documents
ORDER BY party ASC, doc_id ASC
`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, &PersistenceError{Op: "list", Err: err}
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}

	return docs, nil
}

// Delete removes the document under docID. Chunk removal is the vector
// store's job and happens in the pipeline, not here.
func (r *Registry) Delete(ctx context.Context, docID string) error {
	if docID == "" {
		return fmt.Errorf("doc_id is required")
	}

	query := `DELETE FROM documents WHERE doc_id = ?`
	if r.dialect == "postgres" {
		query = `DELETE FROM documents WHERE doc_id = $1`
	}

	res, err := r.db.ExecContext(ctx, query, docID)
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// Count reports the number of registered documents.
func (r *Registry) Count(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM documents`

	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, &PersistenceError{Op: "count", Err: err}
	}

	return count, nil
}

// Close is a no-op: the underlying connection belongs to the shared
// pool and is closed there.
func (r *Registry) Close() error {
	return nil
}

func scanDocument(scan func(dest ...interface{}) error) (*Document, error) {
	var doc Document
	var metadata string
	var downloadedAt, parsedAt sql.NullTime

	err := scan(
		&doc.ID, &doc.DocID, &doc.Party, &doc.SourceURL, &doc.LocalPath,
		&doc.PageCount, &doc.SizeBytes, &doc.ChunkCount, &metadata,
		&downloadedAt, &parsedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if downloadedAt.Valid {
		doc.DownloadedAt = downloadedAt.Time
	}
	if parsedAt.Valid {
		doc.ParsedAt = parsedAt.Time
	}

	return &doc, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
