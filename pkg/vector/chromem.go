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
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/civicadata/plangob/pkg/config"
)

// ChromemStore keeps the chunk index in-process with chromem-go.
// With a persistence directory configured the index survives restarts;
// otherwise it lives in memory only. Suited to development, tests and
// single-node deployments.
type ChromemStore struct {
	db        *chromem.DB
	col       *chromem.Collection
	dimension int

	// mu makes ReplaceDocument atomic with respect to searches.
	mu sync.RWMutex
}

// NewChromemStore creates a chromem-backed store. cfg.URL, when set,
// is the persistence directory.
func NewChromemStore(cfg *config.VectorStoreConfig) (*ChromemStore, error) {
	var db *chromem.DB
	if cfg.URL != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.URL, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db at %s: %w", cfg.URL, err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Chunks arrive with embeddings already attached, so the collection
	// never embeds on its own.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embeddings must be provided, not computed by the store")
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create collection %s: %w", cfg.Collection, err)
	}

	return &ChromemStore{db: db, col: col}, nil
}

// Name returns the backend name.
func (s *ChromemStore) Name() string {
	return "chromem"
}

// EnsureReady records the vector dimension. The collection itself is
// created at construction time.
func (s *ChromemStore) EnsureReady(ctx context.Context, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dimension = dimension
	return nil
}

// ReplaceDocument swaps all chunks of a document under the write lock,
// so concurrent searches see either the old set or the new one.
func (s *ChromemStore) ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deleteDocumentLocked(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(chunks))
	for _, c := range chunks {
		if s.dimension > 0 && len(c.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s: vector dimension mismatch: expected %d, got %d", c.ID, s.dimension, len(c.Embedding))
		}
		docs = append(docs, chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Metadata:  chunkStringMeta(c),
			Embedding: c.Embedding,
		})
	}

	if err := s.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

// DeleteDocument removes all chunks of a document.
func (s *ChromemStore) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteDocumentLocked(ctx, documentID)
}

func (s *ChromemStore) deleteDocumentLocked(ctx context.Context, documentID string) error {
	if s.col.Count() == 0 {
		return nil
	}
	where := map[string]string{metaDocumentID: documentID}
	if err := s.col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("failed to delete chunks of document %s: %w", documentID, err)
	}
	return nil
}

// Search queries the collection and applies the similarity threshold.
func (s *ChromemStore) Search(ctx context.Context, q Query) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection.
	topK := q.TopK
	if topK > count {
		topK = count
	}

	var where map[string]string
	if q.Party != "" {
		where = map[string]string{metaParty: q.Party}
	}

	hits, err := s.col.QueryEmbedding(ctx, q.Vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		score := float64(hit.Similarity)
		if score <= q.Threshold {
			continue
		}
		results = append(results, Result{
			Chunk: chunkFromStringMeta(hit.ID, hit.Content, hit.Metadata),
			Score: score,
		})
	}
	return results, nil
}

// ListChunks pages through a document's chunks in index order. chromem
// has no ordered scan, so positions are addressed through their derived
// ids; the walk stops at the first missing position.
func (s *ChromemStore) ListChunks(ctx context.Context, documentID string, offset, limit int) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := make([]Chunk, 0, limit)
	for i := offset; i < offset+limit; i++ {
		doc, err := s.col.GetByID(ctx, ChunkID(documentID, i))
		if err != nil {
			// Chunk indices are dense, so a miss means the end of the
			// document (or a document never ingested).
			break
		}
		chunks = append(chunks, chunkFromStringMeta(doc.ID, doc.Content, doc.Metadata))
	}
	return chunks, nil
}

// Count reports the number of stored chunks.
func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col.Count(), nil
}

// Close is a no-op; persistence happens on every write.
func (s *ChromemStore) Close() error {
	return nil
}

// chunkStringMeta flattens a chunk into chromem's string-only metadata.
func chunkStringMeta(c Chunk) map[string]string {
	return map[string]string{
		metaDocumentID: c.DocumentID,
		metaParty:      c.Party,
		metaSection:    c.Section,
		metaIndex:      strconv.Itoa(c.Index),
		metaPage:       strconv.Itoa(c.Page),
		metaQuality:    strconv.FormatFloat(c.Quality, 'f', -1, 64),
		metaTokens:     strconv.Itoa(c.Tokens),
	}
}

// chunkFromStringMeta rebuilds a chunk from string metadata. Malformed
// numeric fields decode to zero.
func chunkFromStringMeta(id, content string, meta map[string]string) Chunk {
	c := Chunk{
		ID:         id,
		Content:    content,
		DocumentID: meta[metaDocumentID],
		Party:      meta[metaParty],
		Section:    meta[metaSection],
	}
	c.Index, _ = strconv.Atoi(meta[metaIndex])
	c.Page, _ = strconv.Atoi(meta[metaPage])
	c.Quality, _ = strconv.ParseFloat(meta[metaQuality], 64)
	c.Tokens, _ = strconv.Atoi(meta[metaTokens])
	return c
}

// Ensure ChromemStore implements Store.
var (
	_ Store       = (*ChromemStore)(nil)
	_ ChunkLister = (*ChromemStore)(nil)
)
