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
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/civicadata/plangob/pkg/config"
)

// PineconeStore keeps the chunk index in a hosted Pinecone index. The
// index itself must exist already; EnsureReady only verifies it.
type PineconeStore struct {
	client    *pinecone.Client
	indexName string
	indexHost string
	dimension int

	mu   sync.Mutex
	conn *pinecone.IndexConnection
}

// NewPineconeStore creates a Pinecone-backed store. cfg.Collection
// names the index and cfg.IndexHost, when set, skips the DescribeIndex
// lookup.
func NewPineconeStore(cfg *config.VectorStoreConfig) (*PineconeStore, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	return &PineconeStore{
		client:    client,
		indexName: cfg.Collection,
		indexHost: cfg.IndexHost,
	}, nil
}

// Name returns the backend name.
func (s *PineconeStore) Name() string {
	return "pinecone"
}

// getConnection dials the index once and reuses the connection.
func (s *PineconeStore) getConnection(ctx context.Context) (*pinecone.IndexConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}

	host := s.indexHost
	if host == "" {
		index, err := s.client.DescribeIndex(ctx, s.indexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %s: %w", s.indexName, err)
		}
		host = index.Host
	}

	conn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      host,
		Namespace: "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}

	s.conn = conn
	return conn, nil
}

// EnsureReady verifies the index exists. Pinecone indexes are created
// via its console or API, not from here.
func (s *PineconeStore) EnsureReady(ctx context.Context, dimension int) error {
	s.dimension = dimension

	indexes, err := s.client.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}
	for _, idx := range indexes {
		if idx.Name == s.indexName {
			return nil
		}
	}
	return fmt.Errorf("index %s does not exist, create it via the Pinecone console or API", s.indexName)
}

// ReplaceDocument deletes the document's vectors, then upserts the new
// set. Pinecone offers no transaction across the two calls.
func (s *PineconeStore) ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	if err := s.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	conn, err := s.getConnection(ctx)
	if err != nil {
		return err
	}

	vectors := make([]*pinecone.Vector, 0, len(chunks))
	for _, c := range chunks {
		if s.dimension > 0 && len(c.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s: vector dimension mismatch: expected %d, got %d", c.ID, s.dimension, len(c.Embedding))
		}
		metadata, err := structpb.NewStruct(map[string]interface{}{
			metaDocumentID: c.DocumentID,
			metaParty:      c.Party,
			metaSection:    c.Section,
			metaIndex:      c.Index,
			metaPage:       c.Page,
			metaQuality:    c.Quality,
			metaTokens:     c.Tokens,
			metaContent:    c.Content,
		})
		if err != nil {
			return fmt.Errorf("chunk %s: failed to convert metadata: %w", c.ID, err)
		}
		vectors = append(vectors, &pinecone.Vector{
			Id:       c.ID,
			Values:   c.Embedding,
			Metadata: metadata,
		})
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}

// DeleteDocument removes all vectors of a document.
func (s *PineconeStore) DeleteDocument(ctx context.Context, documentID string) error {
	conn, err := s.getConnection(ctx)
	if err != nil {
		return err
	}

	filter, err := structpb.NewStruct(map[string]interface{}{
		metaDocumentID: documentID,
	})
	if err != nil {
		return fmt.Errorf("failed to convert filter: %w", err)
	}

	if err := conn.DeleteVectorsByFilter(ctx, filter); err != nil {
		return fmt.Errorf("failed to delete chunks of document %s: %w", documentID, err)
	}
	return nil
}

// Search ranks vectors by cosine similarity. Pinecone has no score
// threshold parameter, so it is applied client-side.
func (s *PineconeStore) Search(ctx context.Context, q Query) ([]Result, error) {
	conn, err := s.getConnection(ctx)
	if err != nil {
		return nil, err
	}

	var metadataFilter *pinecone.MetadataFilter
	if q.Party != "" {
		metadataFilter, err = structpb.NewStruct(map[string]interface{}{
			metaParty: q.Party,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
	}

	queryResponse, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          q.Vector,
		TopK:            uint32(q.TopK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query pinecone: %w", err)
	}

	results := make([]Result, 0, len(queryResponse.Matches))
	for _, match := range queryResponse.Matches {
		if match.Vector == nil {
			continue
		}
		score := float64(match.Score)
		if score <= q.Threshold {
			continue
		}

		metadata := map[string]any{}
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
		}
		results = append(results, Result{
			Chunk: chunkFromAnyMeta(match.Vector.Id, metadata),
			Score: score,
		})
	}
	return results, nil
}

// ListChunks pages through a document's chunks in index order.
// Pinecone cannot scan by metadata, so positions are addressed through
// their derived vector ids.
func (s *PineconeStore) ListChunks(ctx context.Context, documentID string, offset, limit int) ([]Chunk, error) {
	conn, err := s.getConnection(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, limit)
	for i := offset; i < offset+limit; i++ {
		ids = append(ids, ChunkID(documentID, i))
	}

	resp, err := conn.FetchVectors(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunks of document %s: %w", documentID, err)
	}

	chunks := make([]Chunk, 0, len(resp.Vectors))
	for _, id := range ids {
		v, ok := resp.Vectors[id]
		if !ok || v == nil {
			// Indices are dense; the first miss is the end.
			break
		}
		metadata := map[string]any{}
		if v.Metadata != nil {
			metadata = v.Metadata.AsMap()
		}
		chunks = append(chunks, chunkFromAnyMeta(id, metadata))
	}
	return chunks, nil
}

// Count reports the number of stored chunks.
func (s *PineconeStore) Count(ctx context.Context) (int, error) {
	conn, err := s.getConnection(ctx)
	if err != nil {
		return 0, err
	}

	stats, err := conn.DescribeIndexStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to describe index stats: %w", err)
	}
	return int(stats.TotalVectorCount), nil
}

// Close releases the index connection.
func (s *PineconeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// chunkFromAnyMeta rebuilds a chunk from structpb metadata, where all
// numbers come back as float64.
func chunkFromAnyMeta(id string, meta map[string]any) Chunk {
	str := func(key string) string {
		if v, ok := meta[key].(string); ok {
			return v
		}
		return ""
	}
	num := func(key string) float64 {
		if v, ok := meta[key].(float64); ok {
			return v
		}
		return 0
	}

	return Chunk{
		ID:         id,
		DocumentID: str(metaDocumentID),
		Party:      str(metaParty),
		Section:    str(metaSection),
		Index:      int(num(metaIndex)),
		Page:       int(num(metaPage)),
		Quality:    num(metaQuality),
		Tokens:     int(num(metaTokens)),
		Content:    str(metaContent),
	}
}

// Ensure PineconeStore implements Store.
var (
	_ Store       = (*PineconeStore)(nil)
	_ ChunkLister = (*PineconeStore)(nil)
)
