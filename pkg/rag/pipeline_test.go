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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicadata/plangob/pkg/cache"
	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/llms"
	"github.com/civicadata/plangob/pkg/parties"
	"github.com/civicadata/plangob/pkg/store"
	"github.com/civicadata/plangob/pkg/vector"
)

type pipelineBed struct {
	cfg  *config.Config
	llm  *stubLLM
	emb  *stubEmbedder
	vs   *stubVectorStore
	reg  *stubDocRegistry
	chat cache.Store
	comp cache.Store
	pl   *Pipeline
}

func newPipelineBed(t *testing.T, emb *stubEmbedder, llm *stubLLM) *pipelineBed {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Chunking.UseTokenizer = false

	partyReg, err := parties.NewRegistry([]config.PartyConfig{
		{Slug: "pln", Name: "Partido Liberación Nacional", Abbreviation: "PLN"},
		{Slug: "pusc", Name: "Partido Unidad Social Cristiana", Abbreviation: "PUSC"},
		{Slug: "fa", Name: "Frente Amplio", Abbreviation: "FA"},
	})
	require.NoError(t, err)

	vs := newStubVectorStore()
	reg := newStubDocRegistry()
	chat := cache.NewMemoryStore(0)
	comp := cache.NewMemoryStore(0)
	t.Cleanup(func() {
		_ = chat.Close()
		_ = comp.Close()
	})

	return &pipelineBed{
		cfg:  cfg,
		llm:  llm,
		emb:  emb,
		vs:   vs,
		reg:  reg,
		chat: chat,
		comp: comp,
		pl:   NewPipeline(cfg, llm, emb, vs, reg, partyReg, chat, comp, nil),
	}
}

// seed stores one document with pre-embedded chunks and its registry
// row, bypassing ingestion.
func (b *pipelineBed) seed(t *testing.T, docID, party, title string, texts ...string) {
	t.Helper()

	chunks := make([]vector.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = vector.Chunk{
			ID:         ChunkID(docID, i),
			DocumentID: docID,
			Party:      party,
			Index:      i,
			Page:       i + 1,
			Quality:    0.9,
			Tokens:     (runeCount(text) + 3) / 4,
			Content:    text,
			Embedding:  b.emb.vec(text),
		}
	}
	require.NoError(t, b.vs.ReplaceDocument(context.Background(), docID, chunks))

	_, err := b.reg.Upsert(context.Background(), &store.Document{
		DocID:    docID,
		Party:    party,
		Metadata: map[string]string{"title": title},
	})
	require.NoError(t, err)
}

// answerLLM fails the enhancement call, degrading it to the raw
// question, and scripts the generation call.
func answerLLM(answer string) *stubLLM {
	return &stubLLM{
		completeFn: func(_ context.Context, msgs []llms.Message) (string, llms.Usage, error) {
			if strings.Contains(msgs[0].Content, "analizador") {
				return "", llms.Usage{}, errors.New("enhancement offline")
			}
			return answer, llms.Usage{PromptTokens: 90, CompletionTokens: 52, TotalTokens: 142}, nil
		},
	}
}

func TestPipeline_QueryWithPartyFilter(t *testing.T) {
	emb := axisEmbedder(3, "salud", "seguridad")
	llm := answerLLM("El PLN propone fortalecer la salud pública y construir más EBAIS.")
	bed := newPipelineBed(t, emb, llm)

	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente para fortalecer los EBAIS de cada cantón.",
		"Aumentaremos la policía comunitaria para mejorar la seguridad de los barrios.")
	bed.seed(t, "pusc-2026", "pusc", "Plan PUSC 2026",
		"La red de salud contará con subsidios para zonas alejadas del valle central.")

	req := QueryRequest{
		Question:    "¿Qué propone el PLN sobre salud?",
		PartyFilter: "PLN",
		TopK:        5,
		MinScore:    0.35,
	}
	resp, err := bed.pl.Query(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "El PLN propone fortalecer la salud pública y construir más EBAIS.", resp.Answer)
	require.Len(t, resp.Sources, 1, "the party filter must keep PUSC out")
	assert.Equal(t, "PLN", resp.Sources[0].Party)
	assert.Equal(t, "Plan PLN 2026", resp.Sources[0].Document)
	assert.Equal(t, 1, resp.Sources[0].Page)
	assert.InDelta(t, 1.0, resp.Sources[0].Similarity, 1e-6)
	assert.NotEmpty(t, resp.Sources[0].Snippet)

	assert.InDelta(t, 0.5, resp.Confidence, 1e-9)
	assert.False(t, resp.Metadata.Cached)
	assert.Equal(t, "stub-model", resp.Metadata.Model)
	assert.Equal(t, 142, resp.Metadata.TokensUsed)
	assert.Equal(t, 1, resp.Metadata.ChunksRetrieved)
	assert.Equal(t, 1, resp.Metadata.ChunksUsed)

	require.Len(t, bed.vs.queries, 1)
	assert.Equal(t, "pln", bed.vs.queries[0].Party)
	assert.Equal(t, 5, bed.vs.queries[0].TopK)
	assert.InDelta(t, 0.35, bed.vs.queries[0].Threshold, 1e-9)

	llmCalls := llm.callCount()

	// The identical question comes out of the cache with no further
	// LLM or vector store traffic.
	hit, err := bed.pl.Query(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, hit.Metadata.Cached)
	assert.Equal(t, resp.Answer, hit.Answer)
	assert.Equal(t, resp.Sources, hit.Sources)
	assert.Equal(t, resp.Confidence, hit.Confidence)
	assert.Equal(t, llmCalls, llm.callCount())
	assert.Len(t, bed.vs.queries, 1)
}

func TestPipeline_CrossPartyQuery(t *testing.T) {
	emb := axisEmbedder(3, "salud", "seguridad")
	llm := answerLLM("PLN apuesta por policía comunitaria; PUSC por cámaras y fiscalías ágiles.")
	bed := newPipelineBed(t, emb, llm)

	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"Aumentaremos la policía comunitaria en los barrios con más violencia para recuperar la seguridad.")
	bed.seed(t, "pusc-2026", "pusc", "Plan PUSC 2026",
		"La seguridad ciudadana exige cámaras nuevas, fiscalías ágiles y jueces disponibles todo el año.")

	resp, err := bed.pl.Query(context.Background(), QueryRequest{
		Question: "¿Qué proponen los partidos sobre seguridad ciudadana?",
		TopK:     5,
		MinScore: 0.35,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Metadata.ChunksRetrieved)
	assert.Equal(t, 2, resp.Metadata.ChunksUsed)
	require.Len(t, resp.Sources, 2)

	got := []string{resp.Sources[0].Party, resp.Sources[1].Party}
	assert.ElementsMatch(t, []string{"PLN", "PUSC"}, got)

	require.Len(t, bed.vs.queries, 1, "no filter means one corpus-wide query")
	assert.Equal(t, "", bed.vs.queries[0].Party)
}

func TestPipeline_EmptyCorpusNotCached(t *testing.T) {
	emb := axisEmbedder(3, "salud", "seguridad")
	llm := answerLLM("irrelevante")
	bed := newPipelineBed(t, emb, llm)

	req := QueryRequest{Question: "¿Hay propuestas sobre minería?", TopK: 5, MinScore: 0.35}
	resp, err := bed.pl.Query(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, NoInfoAnswer, resp.Answer)
	assert.Zero(t, resp.Confidence)
	require.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, resp.Metadata.ChunksRetrieved)
	assert.Equal(t, 1, llm.callCount(), "enhancement runs, generation must not")

	key := cache.ChatKey(req.Question, "", req.TopK, req.MinScore)
	_, ok, err := bed.chat.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok, "no-info answers must not be cached")

	again, err := bed.pl.Query(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, again.Metadata.Cached)
	assert.Equal(t, 2, llm.callCount())
}

func TestPipeline_ValidationErrors(t *testing.T) {
	bed := newPipelineBed(t, &stubEmbedder{}, &stubLLM{})

	tests := []struct {
		name  string
		req   QueryRequest
		field string
	}{
		{"empty question", QueryRequest{Question: "", TopK: 5}, "question"},
		{"whitespace question", QueryRequest{Question: "   \n ", TopK: 5}, "question"},
		{"question too long", QueryRequest{Question: strings.Repeat("a", 2001), TopK: 5}, "question"},
		{"negative topK", QueryRequest{Question: "¿Salud?", TopK: -1}, "topK"},
		{"topK over limit", QueryRequest{Question: "¿Salud?", TopK: 21}, "topK"},
		{"negative minScore", QueryRequest{Question: "¿Salud?", TopK: 5, MinScore: -0.1}, "minScore"},
		{"minScore over one", QueryRequest{Question: "¿Salud?", TopK: 5, MinScore: 1.5}, "minScore"},
		{"unknown party", QueryRequest{Question: "¿Salud?", TopK: 5, PartyFilter: "Partido Inexistente"}, "partyFilter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bed.pl.Query(context.Background(), tt.req)
			require.Error(t, err)

			var iiErr *InvalidInputError
			require.ErrorAs(t, err, &iiErr)
			assert.Equal(t, tt.field, iiErr.Field)
		})
	}

	assert.Zero(t, bed.llm.callCount(), "validation failures stop before any model call")
	assert.Empty(t, bed.vs.queries)
}

func TestPipeline_TopKZeroSkipsEverything(t *testing.T) {
	emb := axisEmbedder(3, "salud")
	bed := newPipelineBed(t, emb, &stubLLM{})
	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente cada año.")

	req := QueryRequest{Question: "¿Qué hay sobre salud?", TopK: 0, MinScore: 0.35}
	resp, err := bed.pl.Query(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, NoInfoAnswer, resp.Answer)
	assert.Zero(t, bed.llm.callCount())
	assert.Empty(t, bed.vs.queries)

	_, ok, err := bed.chat.Get(context.Background(), cache.ChatKey(req.Question, "", 0, req.MinScore))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPipeline_ThresholdOneRetrievesNothing(t *testing.T) {
	emb := axisEmbedder(3, "salud")
	llm := answerLLM("irrelevante")
	bed := newPipelineBed(t, emb, llm)
	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente cada año.")

	resp, err := bed.pl.Query(context.Background(), QueryRequest{
		Question: "¿Qué hay sobre salud?",
		TopK:     5,
		MinScore: 1.0,
	})
	require.NoError(t, err)

	assert.Equal(t, NoInfoAnswer, resp.Answer)
	assert.Zero(t, resp.Confidence)
	require.Len(t, bed.vs.queries, 1)
	assert.InDelta(t, 1.0, bed.vs.queries[0].Threshold, 1e-9)
}

func TestPipeline_ImplicitPartyFilter(t *testing.T) {
	emb := axisEmbedder(3, "salud", "seguridad")
	llm := &stubLLM{
		completeFn: func(_ context.Context, msgs []llms.Message) (string, llms.Usage, error) {
			if strings.Contains(msgs[0].Content, "analizador") {
				return "keywords: salud,ebais\n" +
					"entities: Partido Liberación Nacional\n" +
					"intent: question\n" +
					"enhancedQuery: propuestas de salud de Liberación Nacional", llms.Usage{TotalTokens: 20}, nil
			}
			return "Liberación Nacional propone fortalecer los EBAIS.", llms.Usage{TotalTokens: 80}, nil
		},
	}
	bed := newPipelineBed(t, emb, llm)

	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente para fortalecer los EBAIS.")
	bed.seed(t, "pusc-2026", "pusc", "Plan PUSC 2026",
		"La red de salud contará con subsidios para zonas alejadas.")

	resp, err := bed.pl.Query(context.Background(), QueryRequest{
		Question: "¿Qué dice Liberación Nacional sobre salud?",
		TopK:     5,
		MinScore: 0.35,
	})
	require.NoError(t, err)

	require.Len(t, bed.vs.queries, 1)
	assert.Equal(t, "pln", bed.vs.queries[0].Party,
		"entities naming a party must narrow retrieval to it")
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "PLN", resp.Sources[0].Party)
}

func TestPipeline_ImplicitPartyFilterDisabled(t *testing.T) {
	emb := axisEmbedder(3, "salud", "seguridad")
	llm := &stubLLM{
		completeFn: func(_ context.Context, msgs []llms.Message) (string, llms.Usage, error) {
			if strings.Contains(msgs[0].Content, "analizador") {
				return "keywords: salud\n" +
					"entities: Partido Liberación Nacional\n" +
					"intent: question\n" +
					"enhancedQuery: propuestas de salud", llms.Usage{TotalTokens: 20}, nil
			}
			return "Varias propuestas de salud.", llms.Usage{TotalTokens: 60}, nil
		},
	}
	bed := newPipelineBed(t, emb, llm)
	disabled := false
	bed.cfg.Search.ImplicitPartyFilter = &disabled

	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente para fortalecer los EBAIS.")

	_, err := bed.pl.Query(context.Background(), QueryRequest{
		Question: "¿Qué dice Liberación Nacional sobre salud?",
		TopK:     5,
		MinScore: 0.35,
	})
	require.NoError(t, err)

	require.Len(t, bed.vs.queries, 1)
	assert.Equal(t, "", bed.vs.queries[0].Party)
}

func TestPipeline_StreamHappyPath(t *testing.T) {
	emb := axisEmbedder(3, "salud")
	llm := &stubLLM{
		completeFn: func(_ context.Context, msgs []llms.Message) (string, llms.Usage, error) {
			return "", llms.Usage{}, errors.New("enhancement offline")
		},
		streamFn: func(_ context.Context, msgs []llms.Message) (<-chan llms.StreamChunk, error) {
			return textStream(30, "El PLN ", "propone ", "más EBAIS."), nil
		},
	}
	bed := newPipelineBed(t, emb, llm)
	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente para fortalecer los EBAIS.")

	req := QueryRequest{Question: "¿Qué hay sobre salud?", TopK: 5, MinScore: 0.35}
	events, err := bed.pl.QueryStream(context.Background(), req)
	require.NoError(t, err)

	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 5)

	assert.Equal(t, EventSources, got[0].Type)
	require.Len(t, got[0].Sources, 1)
	assert.Equal(t, "PLN", got[0].Sources[0].Party)

	assert.Equal(t, EventToken, got[1].Type)
	assert.Equal(t, "El PLN ", got[1].Token)
	assert.Equal(t, "propone ", got[2].Token)
	assert.Equal(t, "más EBAIS.", got[3].Token)

	done := got[4]
	assert.Equal(t, EventDone, done.Type)
	assert.InDelta(t, 0.5, done.Confidence, 1e-9)
	require.NotNil(t, done.Metadata)
	assert.Equal(t, 30, done.Metadata.TokensUsed)
	assert.Equal(t, 1, done.Metadata.ChunksRetrieved)
	assert.Equal(t, 1, done.Metadata.ChunksUsed)
	assert.Equal(t, "stub-model", done.Metadata.Model)

	// A completed stream seeds the cache for regular queries.
	resp, err := bed.pl.Query(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Cached)
	assert.Equal(t, "El PLN propone más EBAIS.", resp.Answer)
}

func TestPipeline_StreamReplaysCachedAnswer(t *testing.T) {
	emb := axisEmbedder(3, "salud")
	llm := answerLLM("El PLN propone fortalecer los EBAIS.")
	bed := newPipelineBed(t, emb, llm)
	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente para fortalecer los EBAIS.")

	req := QueryRequest{Question: "¿Qué hay sobre salud?", TopK: 5, MinScore: 0.35}
	first, err := bed.pl.Query(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Metadata.Cached)

	events, err := bed.pl.QueryStream(context.Background(), req)
	require.NoError(t, err)

	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 3, "cache hits replay as sources, one token, done")
	assert.Equal(t, EventSources, got[0].Type)
	assert.Equal(t, EventToken, got[1].Type)
	assert.Equal(t, first.Answer, got[1].Token)
	assert.Equal(t, EventDone, got[2].Type)
	require.NotNil(t, got[2].Metadata)
	assert.True(t, got[2].Metadata.Cached)
}

func TestPipeline_StreamCancelDoesNotCache(t *testing.T) {
	emb := axisEmbedder(3, "salud")
	llm := &stubLLM{
		completeFn: func(_ context.Context, msgs []llms.Message) (string, llms.Usage, error) {
			if strings.Contains(msgs[0].Content, "analizador") {
				return "", llms.Usage{}, errors.New("enhancement offline")
			}
			return "El PLN propone fortalecer los EBAIS.", llms.Usage{TotalTokens: 50}, nil
		},
		streamFn: func(ctx context.Context, msgs []llms.Message) (<-chan llms.StreamChunk, error) {
			ch := make(chan llms.StreamChunk)
			go func() {
				defer close(ch)
				ch <- llms.StreamChunk{Type: llms.ChunkText, Text: "El PLN "}
				ch <- llms.StreamChunk{Type: llms.ChunkText, Text: "propone"}
				// Hold the stream open until the caller walks away,
				// then end it without a done marker.
				<-ctx.Done()
			}()
			return ch, nil
		},
	}
	bed := newPipelineBed(t, emb, llm)
	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente para fortalecer los EBAIS.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := QueryRequest{Question: "¿Qué hay sobre salud?", TopK: 5, MinScore: 0.35}
	events, err := bed.pl.QueryStream(ctx, req)
	require.NoError(t, err)

	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
		if len(got) == 3 { // sources plus two tokens
			cancel()
		}
	}
	for _, ev := range got {
		assert.NotEqual(t, EventDone, ev.Type, "an aborted stream must not finish")
	}

	key := cache.ChatKey(req.Question, "", req.TopK, req.MinScore)
	_, ok, err := bed.chat.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok, "a cancelled stream must leave no cache entry")

	// The same question still works afterwards, computed from scratch.
	resp, err := bed.pl.Query(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Metadata.Cached)
	assert.Equal(t, "El PLN propone fortalecer los EBAIS.", resp.Answer)
}

// failingCacheStore errors on both reads and writes.
type failingCacheStore struct{}

func (failingCacheStore) Get(context.Context, cache.Key) (*cache.Entry, bool, error) {
	return nil, false, errors.New("cache backend down")
}

func (failingCacheStore) Put(context.Context, cache.Entry, *time.Duration) error {
	return errors.New("cache backend down")
}

func (failingCacheStore) Invalidate(context.Context, cache.Key) error { return nil }
func (failingCacheStore) Cleanup(context.Context) (int, error)       { return 0, nil }
func (failingCacheStore) Stats(context.Context) (cache.Stats, error) { return cache.Stats{}, nil }
func (failingCacheStore) Close() error                               { return nil }

func TestPipeline_CacheFailureDegradesToMiss(t *testing.T) {
	emb := axisEmbedder(3, "salud")
	llm := answerLLM("El PLN propone fortalecer los EBAIS.")

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Chunking.UseTokenizer = false
	partyReg, err := parties.NewRegistry(nil)
	require.NoError(t, err)

	vs := newStubVectorStore()
	reg := newStubDocRegistry()
	pl := NewPipeline(cfg, llm, emb, vs, reg, partyReg, failingCacheStore{}, failingCacheStore{}, nil)

	chunk := vector.Chunk{
		ID: ChunkID("pln-2026", 0), DocumentID: "pln-2026", Party: "pln",
		Content:   "La salud pública recibirá presupuesto creciente.",
		Embedding: emb.vec("La salud pública recibirá presupuesto creciente."),
	}
	require.NoError(t, vs.ReplaceDocument(context.Background(), "pln-2026", []vector.Chunk{chunk}))

	req := QueryRequest{Question: "¿Qué hay sobre salud?", TopK: 5, MinScore: 0.35}
	resp, err := pl.Query(context.Background(), req)
	require.NoError(t, err, "a broken cache must not fail the query")
	assert.Equal(t, "El PLN propone fortalecer los EBAIS.", resp.Answer)

	again, err := pl.Query(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, again.Metadata.Cached)
}

func TestPipeline_Compare(t *testing.T) {
	emb := axisEmbedder(3, "salud", "seguridad")
	llm := &stubLLM{
		completeFn: func(_ context.Context, msgs []llms.Message) (string, llms.Usage, error) {
			return "Propone vigilancia preventiva y más empleo joven.", llms.Usage{TotalTokens: 142}, nil
		},
	}
	bed := newPipelineBed(t, emb, llm)

	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"Aumentaremos la policía comunitaria en los barrios con más violencia para recuperar la seguridad.")
	bed.seed(t, "pusc-2026", "pusc", "Plan PUSC 2026",
		"La seguridad ciudadana exige cámaras nuevas, fiscalías ágiles y jueces disponibles todo el año.")

	req := CompareRequest{Topic: "  seguridad ciudadana ", TopK: 5, MinScore: 0.35}
	resp, err := bed.pl.Compare(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "seguridad ciudadana", resp.Topic)
	require.Len(t, resp.Results, 3, "empty party list compares every configured party")

	assert.Equal(t, "pln", resp.Results[0].Party)
	assert.Equal(t, "PLN", resp.Results[0].Abbreviation)
	assert.Equal(t, "Propone vigilancia preventiva y más empleo joven.", resp.Results[0].Answer)
	assert.NotEmpty(t, resp.Results[0].Sources)
	assert.Greater(t, resp.Results[0].Confidence, 0.0)

	assert.Equal(t, "pusc", resp.Results[1].Party)
	assert.NotEmpty(t, resp.Results[1].Sources)

	// No Frente Amplio plan is ingested.
	assert.Equal(t, "fa", resp.Results[2].Party)
	assert.Equal(t, NoInfoAnswer, resp.Results[2].Answer)
	assert.Empty(t, resp.Results[2].Sources)
	assert.Zero(t, resp.Results[2].Confidence)

	assert.Equal(t, 284, resp.Metadata.TokensUsed, "one generation per grounded party")
	assert.Equal(t, 2, llm.callCount(), "comparison skips query enhancement")

	llmCalls := llm.callCount()
	hit, err := bed.pl.Compare(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, hit.Metadata.Cached)
	assert.Equal(t, resp.Results, hit.Results)
	assert.Equal(t, llmCalls, llm.callCount())
}

func TestPipeline_CompareExplicitParties(t *testing.T) {
	emb := axisEmbedder(3, "salud", "seguridad")
	llm := &stubLLM{
		completeFn: func(_ context.Context, msgs []llms.Message) (string, llms.Usage, error) {
			return "Propuesta puntual.", llms.Usage{TotalTokens: 40}, nil
		},
	}
	bed := newPipelineBed(t, emb, llm)
	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"Aumentaremos la policía comunitaria para recuperar la seguridad.")

	resp, err := bed.pl.Compare(context.Background(), CompareRequest{
		Topic:    "seguridad",
		Parties:  []string{"PUSC", "Liberación Nacional", "pusc"},
		TopK:     5,
		MinScore: 0.35,
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 2, "mentions resolving to the same party collapse")
	assert.Equal(t, "pusc", resp.Results[0].Party)
	assert.Equal(t, "pln", resp.Results[1].Party)

	_, err = bed.pl.Compare(context.Background(), CompareRequest{
		Topic:   "seguridad",
		Parties: []string{"Partido Verde"},
		TopK:    5,
	})
	require.Error(t, err)
	var iiErr *InvalidInputError
	require.ErrorAs(t, err, &iiErr)
	assert.Equal(t, "parties", iiErr.Field)
}

func TestPipeline_CompareEmptyCorpusNotCached(t *testing.T) {
	emb := axisEmbedder(3, "seguridad")
	bed := newPipelineBed(t, emb, &stubLLM{})

	req := CompareRequest{Topic: "seguridad", TopK: 5, MinScore: 0.35}
	resp, err := bed.pl.Compare(context.Background(), req)
	require.NoError(t, err)

	for _, row := range resp.Results {
		assert.Equal(t, NoInfoAnswer, row.Answer)
		assert.Empty(t, row.Sources)
	}
	assert.Zero(t, bed.llm.callCount())

	again, err := bed.pl.Compare(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, again.Metadata.Cached,
		"an ungrounded matrix must not be pinned in the never-expiring cache")
}

func TestPipeline_CompareValidation(t *testing.T) {
	bed := newPipelineBed(t, &stubEmbedder{}, &stubLLM{})

	tests := []struct {
		name  string
		req   CompareRequest
		field string
	}{
		{"empty topic", CompareRequest{Topic: "  ", TopK: 5}, "topic"},
		{"topic too long", CompareRequest{Topic: strings.Repeat("s", 2001), TopK: 5}, "topic"},
		{"topK over limit", CompareRequest{Topic: "seguridad", TopK: 99}, "topK"},
		{"bad minScore", CompareRequest{Topic: "seguridad", TopK: 5, MinScore: 2}, "minScore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bed.pl.Compare(context.Background(), tt.req)
			require.Error(t, err)

			var iiErr *InvalidInputError
			require.ErrorAs(t, err, &iiErr)
			assert.Equal(t, tt.field, iiErr.Field)
		})
	}
}

func TestPipeline_Diagnose(t *testing.T) {
	emb := axisEmbedder(3, "salud")
	bed := newPipelineBed(t, emb, &stubLLM{})
	bed.seed(t, "pln-2026", "pln", "Plan PLN 2026",
		"La salud pública recibirá presupuesto creciente cada año.")

	points, err := bed.pl.Diagnose(context.Background(), "salud", "PLN", nil)
	require.NoError(t, err)
	require.Len(t, points, 5)

	require.Len(t, bed.vs.queries, 1)
	assert.Equal(t, "pln", bed.vs.queries[0].Party)
	assert.Equal(t, bed.cfg.Search.MaxTopK, bed.vs.queries[0].TopK)

	_, err = bed.pl.Diagnose(context.Background(), "salud", "Partido Verde", nil)
	var iiErr *InvalidInputError
	require.ErrorAs(t, err, &iiErr)
	assert.Equal(t, "partyFilter", iiErr.Field)

	_, err = bed.pl.Diagnose(context.Background(), "  ", "", nil)
	require.ErrorAs(t, err, &iiErr)
	assert.Equal(t, "question", iiErr.Field)
}
