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

package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/civicadata/plangob/pkg/embedders"
	"github.com/civicadata/plangob/pkg/llms"
	"github.com/civicadata/plangob/pkg/store"
	"github.com/civicadata/plangob/pkg/vector"
)

// stubLLM scripts Complete and Stream. Tests that exercise the full
// pipeline route on the system prompt to tell the enhancement call
// apart from the answer call.
type stubLLM struct {
	mu         sync.Mutex
	completeFn func(ctx context.Context, msgs []llms.Message) (string, llms.Usage, error)
	streamFn   func(ctx context.Context, msgs []llms.Message) (<-chan llms.StreamChunk, error)
	calls      [][]llms.Message
	model      string
	window     int
}

func (s *stubLLM) Complete(ctx context.Context, msgs []llms.Message) (string, llms.Usage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, msgs)
	s.mu.Unlock()
	if s.completeFn != nil {
		return s.completeFn(ctx, msgs)
	}
	return "", llms.Usage{}, fmt.Errorf("stubLLM: no completeFn")
}

func (s *stubLLM) Stream(ctx context.Context, msgs []llms.Message) (<-chan llms.StreamChunk, error) {
	s.mu.Lock()
	s.calls = append(s.calls, msgs)
	s.mu.Unlock()
	if s.streamFn != nil {
		return s.streamFn(ctx, msgs)
	}
	return nil, fmt.Errorf("stubLLM: no streamFn")
}

func (s *stubLLM) ModelName() string {
	if s.model != "" {
		return s.model
	}
	return "stub-model"
}

func (s *stubLLM) ContextWindow() int {
	if s.window > 0 {
		return s.window
	}
	return 8192
}

func (s *stubLLM) Close() error { return nil }

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubLLM) lastCall() []llms.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

// textStream builds a finished LLM stream from deltas.
func textStream(tokens int, deltas ...string) <-chan llms.StreamChunk {
	out := make(chan llms.StreamChunk, len(deltas)+1)
	for _, d := range deltas {
		out <- llms.StreamChunk{Type: llms.ChunkText, Text: d}
	}
	out <- llms.StreamChunk{Type: llms.ChunkDone, Tokens: tokens}
	close(out)
	return out
}

// stubEmbedder maps texts onto a small deterministic vector space.
// embedFn overrides the default, which spreads a word hash over the
// dimensions and normalizes.
type stubEmbedder struct {
	dim      int
	embedFn  func(text string) []float32
	err      error
	batchErr error

	mu      sync.Mutex
	batches [][]string
}

func (s *stubEmbedder) vec(text string) []float32 {
	if s.embedFn != nil {
		return s.embedFn(text)
	}
	v := make([]float32, s.Dimension())
	h := 0
	for _, r := range text {
		h = h*31 + int(r)
	}
	for i := range v {
		v[i] = float32((h>>uint(i%24))&0xff) + 1
	}
	return normalize(v)
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, embedders.Usage, error) {
	if s.err != nil {
		return nil, embedders.Usage{}, s.err
	}
	return s.vec(text), embedders.Usage{}, nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, embedders.Usage, error) {
	s.mu.Lock()
	s.batches = append(s.batches, append([]string(nil), texts...))
	s.mu.Unlock()
	if s.batchErr != nil {
		return nil, embedders.Usage{}, s.batchErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vec(t)
	}
	return out, embedders.Usage{}, nil
}

func (s *stubEmbedder) Dimension() int {
	if s.dim > 0 {
		return s.dim
	}
	return 4
}

func (s *stubEmbedder) ModelName() string { return "stub-embedder" }
func (s *stubEmbedder) Close() error      { return nil }

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

// axisEmbedder assigns each keyword its own axis of the unit basis, so
// retrieval behaves predictably: texts mentioning the same keyword are
// identical, others are orthogonal.
func axisEmbedder(dim int, keywords ...string) *stubEmbedder {
	return &stubEmbedder{
		dim: dim,
		embedFn: func(text string) []float32 {
			v := make([]float32, dim)
			lower := strings.ToLower(text)
			for i, kw := range keywords {
				if i < dim && strings.Contains(lower, kw) {
					v[i] = 1
				}
			}
			empty := true
			for _, x := range v {
				if x != 0 {
					empty = false
					break
				}
			}
			if empty {
				v[dim-1] = 1
			}
			return normalize(v)
		},
	}
}

// stubVectorStore keeps chunks in memory and answers searches by brute
// force cosine, so pipeline tests run against real retrieval behavior.
type stubVectorStore struct {
	mu         sync.Mutex
	docs       map[string][]vector.Chunk
	ensured    []int
	queries    []vector.Query
	searchFn   func(q vector.Query) ([]vector.Result, error)
	replaceErr error
}

func newStubVectorStore() *stubVectorStore {
	return &stubVectorStore{docs: make(map[string][]vector.Chunk)}
}

func (s *stubVectorStore) EnsureReady(_ context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = append(s.ensured, dim)
	return nil
}

func (s *stubVectorStore) ReplaceDocument(_ context.Context, docID string, chunks []vector.Chunk) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docID] = append([]vector.Chunk(nil), chunks...)
	return nil
}

func (s *stubVectorStore) DeleteDocument(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docID)
	return nil
}

func (s *stubVectorStore) Search(_ context.Context, q vector.Query) ([]vector.Result, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	fn := s.searchFn
	s.mu.Unlock()
	if fn != nil {
		return fn(q)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vector.Result
	for _, chunks := range s.docs {
		for _, ck := range chunks {
			if q.Party != "" && ck.Party != q.Party {
				continue
			}
			score := dotProduct(q.Vector, ck.Embedding)
			if score <= q.Threshold {
				continue
			}
			out = append(out, vector.Result{Chunk: ck, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

func (s *stubVectorStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, chunks := range s.docs {
		n += len(chunks)
	}
	return n, nil
}

func (s *stubVectorStore) Name() string { return "stub" }
func (s *stubVectorStore) Close() error { return nil }

func (s *stubVectorStore) chunksFor(docID string) []vector.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vector.Chunk(nil), s.docs[docID]...)
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := 0; i < len(a) && i < len(b); i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// stubDocRegistry is an in-memory DocumentRegistry.
type stubDocRegistry struct {
	mu     sync.Mutex
	docs   map[string]*store.Document
	getErr error
}

func newStubDocRegistry() *stubDocRegistry {
	return &stubDocRegistry{docs: make(map[string]*store.Document)}
}

func (s *stubDocRegistry) Upsert(_ context.Context, doc *store.Document) (*store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	s.docs[doc.DocID] = &cp
	return &cp, nil
}

func (s *stubDocRegistry) Get(_ context.Context, docID string) (*store.Document, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %q not found", docID)
	}
	cp := *doc
	return &cp, nil
}
