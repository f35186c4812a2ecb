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
	"net"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/civicadata/plangob/pkg/config"
)

// QdrantStore keeps the chunk index in a Qdrant instance over gRPC.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantStore connects to Qdrant. cfg.URL is a host:port pointing
// at the gRPC listener (6334 by default).
func NewQdrantStore(cfg *config.VectorStoreConfig) (*QdrantStore, error) {
	host := cfg.URL
	port := 6334
	if h, p, err := net.SplitHostPort(cfg.URL); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client for %s:%d: %w\n"+
			"  TIP: ensure Qdrant is running and url points at the gRPC port "+
			"(docker run -p 6333:6333 -p 6334:6334 qdrant/qdrant)",
			host, port, err)
	}

	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
	}, nil
}

// Name returns the backend name.
func (s *QdrantStore) Name() string {
	return "qdrant"
}

// EnsureReady creates the collection with cosine distance.
func (s *QdrantStore) EnsureReady(ctx context.Context, dimension int) error {
	s.dimension = dimension

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// ReplaceDocument deletes the document's points, then upserts the new
// set. Both calls wait for the change to apply, so a search issued
// after ReplaceDocument returns sees the new chunks.
func (s *QdrantStore) ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	if err := s.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if s.dimension > 0 && len(c.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s: vector dimension mismatch: expected %d, got %d", c.ID, s.dimension, len(c.Embedding))
		}
		payload, err := chunkPayload(c)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ID),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: payload,
		})
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// DeleteDocument removes all points of a document.
func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: keywordFilter(metaDocumentID, documentID),
			},
		},
		Wait: &wait,
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunks of document %s: %w", documentID, err)
	}
	return nil
}

// Search ranks points by cosine similarity. Qdrant applies the score
// threshold server-side.
func (s *QdrantStore) Search(ctx context.Context, q Query) ([]Result, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         q.Vector,
		Limit:          uint64(q.TopK),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	}
	if q.Threshold > 0 {
		threshold := float32(q.Threshold)
		searchRequest.ScoreThreshold = &threshold
	}
	if q.Party != "" {
		searchRequest.Filter = keywordFilter(metaParty, q.Party)
	}

	pointsClient := s.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	// Qdrant's score_threshold is inclusive; the contract wants strictly
	// above.
	results := convertQdrantResults(searchResult.Result)
	filtered := results[:0]
	for _, r := range results {
		if r.Score > q.Threshold {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// ListChunks pages through a document's chunks in index order. Scroll
// cursors cannot order by payload without a field index, so positions
// are addressed through their derived point ids instead.
func (s *QdrantStore) ListChunks(ctx context.Context, documentID string, offset, limit int) ([]Chunk, error) {
	ids := make([]*qdrant.PointId, 0, limit)
	for i := offset; i < offset+limit; i++ {
		ids = append(ids, qdrant.NewID(ChunkID(documentID, i)))
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            ids,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks of document %s: %w", documentID, err)
	}

	byID := make(map[string]*qdrant.RetrievedPoint, len(points))
	for _, point := range points {
		if point.Id != nil {
			byID[point.Id.GetUuid()] = point
		}
	}

	chunks := make([]Chunk, 0, len(points))
	for i := offset; i < offset+limit; i++ {
		id := ChunkID(documentID, i)
		point, ok := byID[id]
		if !ok {
			// Indices are dense; the first miss is the end.
			break
		}
		payload := point.Payload
		chunks = append(chunks, Chunk{
			ID:         id,
			DocumentID: payload[metaDocumentID].GetStringValue(),
			Party:      payload[metaParty].GetStringValue(),
			Section:    payload[metaSection].GetStringValue(),
			Index:      int(payload[metaIndex].GetIntegerValue()),
			Page:       int(payload[metaPage].GetIntegerValue()),
			Quality:    payload[metaQuality].GetDoubleValue(),
			Tokens:     int(payload[metaTokens].GetIntegerValue()),
			Content:    payload[metaContent].GetStringValue(),
		})
	}
	return chunks, nil
}

// Count reports the number of stored chunks.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	exact := true
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(count), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// chunkPayload converts a chunk to a Qdrant payload.
func chunkPayload(c Chunk) (map[string]*qdrant.Value, error) {
	fields := map[string]any{
		metaDocumentID: c.DocumentID,
		metaParty:      c.Party,
		metaSection:    c.Section,
		metaIndex:      c.Index,
		metaPage:       c.Page,
		metaQuality:    c.Quality,
		metaTokens:     c.Tokens,
		metaContent:    c.Content,
	}

	payload := make(map[string]*qdrant.Value, len(fields))
	for key, value := range fields {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to convert payload value for key %s: %w", key, err)
		}
		payload[key] = val
	}
	return payload, nil
}

// keywordFilter matches points whose payload key equals value.
func keywordFilter(key, value string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: key,
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: value},
						},
					},
				},
			},
		},
	}
}

// convertQdrantResults converts scored points back to chunks. The
// protobuf getters tolerate missing payload keys.
func convertQdrantResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))
	for _, point := range points {
		var id string
		if point.Id != nil && point.Id.PointIdOptions != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		payload := point.Payload
		results = append(results, Result{
			Chunk: Chunk{
				ID:         id,
				DocumentID: payload[metaDocumentID].GetStringValue(),
				Party:      payload[metaParty].GetStringValue(),
				Section:    payload[metaSection].GetStringValue(),
				Index:      int(payload[metaIndex].GetIntegerValue()),
				Page:       int(payload[metaPage].GetIntegerValue()),
				Quality:    payload[metaQuality].GetDoubleValue(),
				Tokens:     int(payload[metaTokens].GetIntegerValue()),
				Content:    payload[metaContent].GetStringValue(),
			},
			Score: float64(point.Score),
		})
	}
	return results
}

// Ensure QdrantStore implements Store.
var (
	_ Store       = (*QdrantStore)(nil)
	_ ChunkLister = (*QdrantStore)(nil)
)
