// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Civicadata
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/civicadata/plangob/pkg/config"
)

// PgvectorStore keeps the chunk index in Postgres with the pgvector
// extension. Document replacement runs in a transaction, which makes
// it the only backend with a truly atomic swap.
type PgvectorStore struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

// NewPgvectorStore connects to Postgres. The schema is created later
// by EnsureReady, once the embedding dimension is known.
func NewPgvectorStore(ctx context.Context, cfg *config.VectorStoreConfig) (*PgvectorStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgvector url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &PgvectorStore{
		pool:  pool,
		table: cfg.Collection,
	}, nil
}

// Name returns the backend name.
func (s *PgvectorStore) Name() string {
	return "pgvector"
}

// EnsureReady creates the extension, table and indexes.
func (s *PgvectorStore) EnsureReady(ctx context.Context, dimension int) error {
	s.dimension = dimension

	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	party TEXT NOT NULL,
	section TEXT NOT NULL DEFAULT '',
	chunk_index INT NOT NULL DEFAULT 0,
	page INT NOT NULL DEFAULT 0,
	quality REAL NOT NULL DEFAULT 0,
	tokens INT NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	embedding vector(%[2]d) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS %[1]s_document_idx ON %[1]s (document_id);

CREATE INDEX IF NOT EXISTS %[1]s_party_idx ON %[1]s (party);

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexname = '%[1]s_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX %[1]s_embedding_idx ON %[1]s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
	END IF;
END
$$;
`, s.table, dimension)

	_, err := s.pool.Exec(ctx, ddl)
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// The approximate index needs rows to train on; on an empty
		// table some pgvector builds refuse to create it. Searches
		// still work without it.
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// ReplaceDocument deletes and reinserts the document's chunks in one
// transaction.
func (s *PgvectorStore) ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	del := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.table)
	if _, err := tx.Exec(ctx, del, documentID); err != nil {
		return fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	ins := fmt.Sprintf(`
INSERT INTO %s (id, document_id, party, section, chunk_index, page, quality, tokens, content, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table)

	for _, c := range chunks {
		if s.dimension > 0 && len(c.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s: vector dimension mismatch: expected %d, got %d", c.ID, s.dimension, len(c.Embedding))
		}
		if _, err := tx.Exec(ctx, ins,
			c.ID,
			c.DocumentID,
			c.Party,
			c.Section,
			c.Index,
			c.Page,
			c.Quality,
			c.Tokens,
			c.Content,
			pgvector.NewVector(c.Embedding),
		); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DeleteDocument removes all chunks of a document.
func (s *PgvectorStore) DeleteDocument(ctx context.Context, documentID string) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, del, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks of document %s: %w", documentID, err)
	}
	return nil
}

// Search ranks chunks by cosine similarity. The threshold and the
// party filter are pushed down into SQL.
func (s *PgvectorStore) Search(ctx context.Context, q Query) ([]Result, error) {
	query := fmt.Sprintf(`
SELECT id, document_id, party, section, chunk_index, page, quality, tokens, content,
       1 - (embedding <=> $1) AS score
FROM %s
WHERE ($2 = '' OR party = $2)
  AND 1 - (embedding <=> $1) > $3
ORDER BY embedding <=> $1
LIMIT $4`, s.table)

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(q.Vector), q.Party, q.Threshold, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar chunks: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(
			&r.ID,
			&r.DocumentID,
			&r.Party,
			&r.Section,
			&r.Index,
			&r.Page,
			&r.Quality,
			&r.Tokens,
			&r.Content,
			&r.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}
	return results, nil
}

// ListChunks pages through a document's chunks in index order.
func (s *PgvectorStore) ListChunks(ctx context.Context, documentID string, offset, limit int) ([]Chunk, error) {
	query := fmt.Sprintf(`
SELECT id, document_id, party, section, chunk_index, page, quality, tokens, content
FROM %s
WHERE document_id = $1
ORDER BY chunk_index
OFFSET $2 LIMIT $3`, s.table)

	rows, err := s.pool.Query(ctx, query, documentID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of document %s: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(
			&c.ID,
			&c.DocumentID,
			&c.Party,
			&c.Section,
			&c.Index,
			&c.Page,
			&c.Quality,
			&c.Tokens,
			&c.Content,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}
	return chunks, nil
}

// Count reports the number of stored chunks.
func (s *PgvectorStore) Count(ctx context.Context) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() error {
	s.pool.Close()
	return nil
}

// Ensure PgvectorStore implements Store.
var (
	_ Store       = (*PgvectorStore)(nil)
	_ ChunkLister = (*PgvectorStore)(nil)
)
