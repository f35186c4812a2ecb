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

package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/civicadata/plangob/pkg/cache"
	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/observability"
	"github.com/civicadata/plangob/pkg/parties"
	"github.com/civicadata/plangob/pkg/rag"
	"github.com/civicadata/plangob/pkg/store"
	"github.com/civicadata/plangob/pkg/vector"
)

// stubQuerier scripts the pipeline surface and records the requests it
// received, so tests can assert the defaults the server applied.
type stubQuerier struct {
	mu        sync.Mutex
	queryFn   func(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error)
	streamFn  func(ctx context.Context, req rag.QueryRequest) (<-chan rag.StreamEvent, error)
	compareFn func(ctx context.Context, req rag.CompareRequest) (*rag.CompareResponse, error)
	lastQuery rag.QueryRequest
	saved     int64
}

func (s *stubQuerier) Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error) {
	s.mu.Lock()
	s.lastQuery = req
	s.mu.Unlock()
	if s.queryFn != nil {
		return s.queryFn(ctx, req)
	}
	return nil, fmt.Errorf("stubQuerier: no queryFn")
}

func (s *stubQuerier) QueryStream(ctx context.Context, req rag.QueryRequest) (<-chan rag.StreamEvent, error) {
	s.mu.Lock()
	s.lastQuery = req
	s.mu.Unlock()
	if s.streamFn != nil {
		return s.streamFn(ctx, req)
	}
	return nil, fmt.Errorf("stubQuerier: no streamFn")
}

func (s *stubQuerier) Compare(ctx context.Context, req rag.CompareRequest) (*rag.CompareResponse, error) {
	if s.compareFn != nil {
		return s.compareFn(ctx, req)
	}
	return nil, fmt.Errorf("stubQuerier: no compareFn")
}

func (s *stubQuerier) TokensSaved() int64 { return s.saved }

func (s *stubQuerier) last() rag.QueryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

// stubIngester returns scripted results keyed by DocID.
type stubIngester struct {
	mu       sync.Mutex
	results  map[string]rag.IngestResult
	received []rag.IngestRequest
}

func newStubIngester() *stubIngester {
	return &stubIngester{results: make(map[string]rag.IngestResult)}
}

func (s *stubIngester) Ingest(ctx context.Context, req rag.IngestRequest) rag.IngestResult {
	s.mu.Lock()
	s.received = append(s.received, req)
	s.mu.Unlock()
	if res, ok := s.results[req.DocID]; ok {
		return res
	}
	return rag.IngestResult{DocID: req.DocID, Party: req.Party, Status: rag.IngestSuccess, ChunksStored: 3}
}

func (s *stubIngester) IngestBatch(ctx context.Context, reqs []rag.IngestRequest) []rag.IngestResult {
	results := make([]rag.IngestResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, s.Ingest(ctx, req))
	}
	return results
}

// stubDocuments keeps document records in insertion order.
type stubDocuments struct {
	docs []store.Document
	err  error
}

func (s *stubDocuments) Get(ctx context.Context, docID string) (*store.Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	for i := range s.docs {
		if s.docs[i].DocID == docID {
			return &s.docs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *stubDocuments) List(ctx context.Context) ([]store.Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

func (s *stubDocuments) Count(ctx context.Context) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return len(s.docs), nil
}

// stubVectors serves fixed chunks per document and implements the
// lister capability the chunks endpoint needs.
type stubVectors struct {
	chunks map[string][]vector.Chunk
	count  int
}

func newStubVectors() *stubVectors {
	return &stubVectors{chunks: make(map[string][]vector.Chunk)}
}

func (s *stubVectors) EnsureReady(ctx context.Context, dimension int) error { return nil }

func (s *stubVectors) ReplaceDocument(ctx context.Context, documentID string, chunks []vector.Chunk) error {
	s.chunks[documentID] = chunks
	return nil
}

func (s *stubVectors) DeleteDocument(ctx context.Context, documentID string) error {
	delete(s.chunks, documentID)
	return nil
}

func (s *stubVectors) Search(ctx context.Context, q vector.Query) ([]vector.Result, error) {
	return nil, nil
}

func (s *stubVectors) Count(ctx context.Context) (int, error) { return s.count, nil }

func (s *stubVectors) Name() string { return "stub" }

func (s *stubVectors) Close() error { return nil }

func (s *stubVectors) ListChunks(ctx context.Context, documentID string, offset, limit int) ([]vector.Chunk, error) {
	all := s.chunks[documentID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

var (
	_ vector.Store       = (*stubVectors)(nil)
	_ vector.ChunkLister = (*stubVectors)(nil)
)

type serverBed struct {
	cfg     *config.Config
	querier *stubQuerier
	ingest  *stubIngester
	docs    *stubDocuments
	vecs    *stubVectors
	srv     *Server
}

func newServerBed(t *testing.T) *serverBed {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Server.AdminToken = "secret-token"

	partyReg, err := parties.NewRegistry([]config.PartyConfig{
		{Slug: "pln", Name: "Partido Liberación Nacional", Abbreviation: "PLN"},
		{Slug: "pusc", Name: "Partido Unidad Social Cristiana", Abbreviation: "PUSC"},
		{Slug: "fa", Name: "Frente Amplio", Abbreviation: "FA"},
	})
	require.NoError(t, err)

	querier := &stubQuerier{}
	ingest := newStubIngester()
	docs := &stubDocuments{}
	vecs := newStubVectors()

	chat := cache.NewMemoryStore(0)
	comp := cache.NewMemoryStore(0)
	t.Cleanup(func() {
		chat.Close()
		comp.Close()
	})

	srv := NewServer(cfg, querier, ingest, docs, partyReg, vecs, chat, comp, observability.NoopManager())

	return &serverBed{
		cfg:     cfg,
		querier: querier,
		ingest:  ingest,
		docs:    docs,
		vecs:    vecs,
		srv:     srv,
	}
}

// answeredQuerier scripts a fixed successful answer.
func answeredQuerier(answer string) *stubQuerier {
	return &stubQuerier{
		queryFn: func(_ context.Context, req rag.QueryRequest) (*rag.QueryResponse, error) {
			return &rag.QueryResponse{
				Answer: answer,
				Sources: []rag.Source{
					{Party: "pln", Document: "Plan PLN 2026", Page: 12, Similarity: 0.82, Snippet: "Becas estudiantiles."},
				},
				Confidence: 0.8,
				Metadata: rag.ResponseMetadata{
					Model:            "test-model",
					TokensUsed:       120,
					ProcessingTimeMs: 40,
					ChunksRetrieved:  5,
					ChunksUsed:       1,
				},
			}, nil
		},
	}
}

// scriptedStream emits the given events and closes. The channel is
// buffered so a handler that stops at a terminal event leaks nothing.
func scriptedStream(events ...rag.StreamEvent) func(ctx context.Context, req rag.QueryRequest) (<-chan rag.StreamEvent, error) {
	return func(_ context.Context, _ rag.QueryRequest) (<-chan rag.StreamEvent, error) {
		out := make(chan rag.StreamEvent, len(events))
		for _, ev := range events {
			out <- ev
		}
		close(out)
		return out, nil
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
