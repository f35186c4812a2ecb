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

// Package vector indexes government plan chunks and serves cosine
// similarity search over them. Four interchangeable backends are
// provided: pgvector (Postgres), qdrant, chromem (embedded) and
// pinecone.
package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/civicadata/plangob/pkg/config"
)

// Payload keys shared by the backends that store chunk fields as
// document metadata (chromem, qdrant, pinecone). The pgvector backend
// uses columns of the same names.
const (
	metaDocumentID = "document_id"
	metaParty      = "party"
	metaSection    = "section"
	metaIndex      = "chunk_index"
	metaPage       = "page"
	metaQuality    = "quality"
	metaTokens     = "tokens"
	metaContent    = "content"
)

// Chunk is one indexed passage of a government plan.
type Chunk struct {
	// ID is a stable UUID derived from the document and position, so
	// re-ingesting a plan overwrites rather than duplicates.
	ID string

	// DocumentID ties the chunk to its source plan.
	DocumentID string

	// Party is the owning party slug, e.g. "pln".
	Party string

	// Section is the heading trail the passage sits under.
	Section string

	// Index is the chunk position within the document.
	Index int

	// Page is the first source page the passage appears on.
	Page int

	// Quality is the ingestion quality score in [0,1].
	Quality float64

	// Tokens is the approximate token count of Content.
	Tokens int

	Content   string
	Embedding []float32
}

// Result is a chunk scored against a query vector.
type Result struct {
	Chunk

	// Score is the cosine similarity to the query vector.
	Score float64
}

// Query shapes one similarity search.
type Query struct {
	Vector []float32

	// TopK caps how many chunks come back.
	TopK int

	// Threshold excludes results unless their cosine similarity is
	// strictly above it.
	Threshold float64

	// Party restricts results to one party slug. Empty matches all.
	Party string
}

// Store indexes plan chunks and answers similarity queries.
// Implementations apply Query.Threshold and Query.Party themselves so
// callers see identical behavior across backends.
type Store interface {
	// EnsureReady prepares the backing table or collection for vectors
	// of the given dimension. Safe to call repeatedly.
	EnsureReady(ctx context.Context, dimension int) error

	// ReplaceDocument swaps every stored chunk of a document for the
	// given set in one step, so searches never observe a half-written
	// plan. An empty set clears the document.
	ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error

	// DeleteDocument removes all chunks of a document.
	DeleteDocument(ctx context.Context, documentID string) error

	// Search returns up to TopK chunks ranked by descending cosine
	// similarity.
	Search(ctx context.Context, q Query) ([]Result, error)

	// Count reports how many chunks are stored across all documents.
	Count(ctx context.Context) (int, error)

	// Name identifies the backend.
	Name() string

	// Close releases backend resources.
	Close() error
}

// ChunkLister enumerates a document's chunks in index order, for
// inspection endpoints. All bundled backends implement it.
type ChunkLister interface {
	// ListChunks returns up to limit chunks of the document starting at
	// the given index offset. A missing document yields an empty slice.
	ListChunks(ctx context.Context, documentID string, offset, limit int) ([]Chunk, error)
}

// ChunkID derives the stable store id for a chunk position. The same
// document and index always map to the same id, so re-ingesting a plan
// overwrites its chunks instead of duplicating them, and backends
// without an index-ordered scan can address chunks by position.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", documentID, index))).String()
}

// New creates the store selected by cfg.Backend.
func New(ctx context.Context, cfg *config.VectorStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "pgvector":
		return NewPgvectorStore(ctx, cfg)
	case "qdrant":
		return NewQdrantStore(cfg)
	case "chromem":
		return NewChromemStore(cfg)
	case "pinecone":
		return NewPineconeStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store backend: %s (valid: pgvector, qdrant, chromem, pinecone)", cfg.Backend)
	}
}
