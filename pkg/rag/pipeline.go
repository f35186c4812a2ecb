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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/civicadata/plangob/pkg/cache"
	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/embedders"
	"github.com/civicadata/plangob/pkg/llms"
	"github.com/civicadata/plangob/pkg/observability"
	"github.com/civicadata/plangob/pkg/parties"
	"github.com/civicadata/plangob/pkg/vector"
)

// QueryRequest is one question against the corpus. TopK and MinScore
// carry the values actually in effect; the HTTP and CLI layers apply
// configuration defaults before building one of these.
type QueryRequest struct {
	Question    string
	PartyFilter string
	TopK        int
	MinScore    float64
}

// ResponseMetadata travels alongside every answer.
type ResponseMetadata struct {
	Cached           bool   `json:"cached"`
	Model            string `json:"model"`
	TokensUsed       int    `json:"tokensUsed,omitempty"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	ChunksRetrieved  int    `json:"chunksRetrieved"`
	ChunksUsed       int    `json:"chunksUsed"`
}

// QueryResponse is the answer to one question.
type QueryResponse struct {
	Answer     string           `json:"answer"`
	Sources    []Source         `json:"sources"`
	Confidence float64          `json:"confidence"`
	Metadata   ResponseMetadata `json:"metadata"`
}

// Stream event types, mirrored by the SSE layer.
const (
	EventToken   = "token"
	EventSources = "sources"
	EventDone    = "done"
	EventError   = "error"
)

// StreamEvent is one event of a streaming query. Sources arrive in a
// dedicated event; clients must tolerate it before or after the first
// token.
type StreamEvent struct {
	Type       string            `json:"type"`
	Token      string            `json:"token,omitempty"`
	Sources    []Source          `json:"sources,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Metadata   *ResponseMetadata `json:"metadata,omitempty"`
	Err        error             `json:"-"`
}

// CompareRequest asks how a set of parties treats one topic. An empty
// Parties list compares all configured parties.
type CompareRequest struct {
	Topic    string
	Parties  []string
	TopK     int
	MinScore float64
}

// PartyComparison is one row of the comparison matrix.
type PartyComparison struct {
	Party        string   `json:"party"`
	Abbreviation string   `json:"abbreviation"`
	Answer       string   `json:"answer"`
	Confidence   float64  `json:"confidence"`
	Sources      []Source `json:"sources"`
}

// CompareResponse is the topic-versus-parties matrix.
type CompareResponse struct {
	Topic    string            `json:"topic"`
	Results  []PartyComparison `json:"results"`
	Metadata ResponseMetadata  `json:"metadata"`
}

// Pipeline wires the query path end to end: cache, enhancement,
// retrieval, context building, generation. Each query is a linear
// flow; a failure at any stage surfaces as a typed error and partial
// results are never returned.
type Pipeline struct {
	cfg       *config.Config
	processor *QueryProcessor
	searcher  *Searcher
	builder   *ContextBuilder
	generator *Generator
	parties   *parties.Registry
	registry  DocumentRegistry
	chatCache cache.Store
	compCache cache.Store
	llm       llms.LLM
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewPipeline(
	cfg *config.Config,
	llm llms.LLM,
	embedder embedders.Embedder,
	vstore vector.Store,
	registry DocumentRegistry,
	partyReg *parties.Registry,
	chatCache, compCache cache.Store,
	metrics *observability.Metrics,
) *Pipeline {
	logger := slog.Default().With("component", "pipeline")
	counter := newTokenCounter(cfg.Chunking.UseTokenizer, logger)
	searchTimeout := time.Duration(cfg.VectorStore.SearchTimeout) * time.Second

	return &Pipeline{
		cfg:       cfg,
		processor: NewQueryProcessor(llm, metrics),
		searcher:  NewSearcher(embedder, vstore, searchTimeout, metrics),
		builder:   NewContextBuilder(cfg.Generation.MinSectionTokens, counter),
		generator: NewGenerator(llm, &cfg.Generation, counter, metrics),
		parties:   partyReg,
		registry:  registry,
		chatCache: chatCache,
		compCache: compCache,
		llm:       llm,
		logger:    logger,
		metrics:   metrics,
	}
}

// Query answers one question, consulting the chat cache first.
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	partySlug, err := p.validate(&req)
	if err != nil {
		p.metrics.RecordQuery(ctx, time.Since(start), false, err)
		return nil, err
	}

	key := cache.ChatKey(req.Question, partySlug, req.TopK, req.MinScore)
	if resp := p.cachedAnswer(ctx, key); resp != nil {
		resp.Metadata.Cached = true
		resp.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
		p.metrics.RecordQuery(ctx, time.Since(start), true, nil)
		return resp, nil
	}

	resp, cacheable, err := p.answer(ctx, req, partySlug)
	if err != nil {
		p.metrics.RecordQuery(ctx, time.Since(start), false, err)
		return nil, err
	}
	resp.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()

	if cacheable && ctx.Err() == nil {
		ttl := time.Duration(p.cfg.Cache.TTLHours) * time.Hour
		p.putAnswer(ctx, key, req, partySlug, resp, &ttl)
	}
	p.metrics.RecordQuery(ctx, time.Since(start), false, nil)
	return resp, nil
}

// answer runs the uncached flow. The second return reports whether the
// response is worth caching; no-info responses are not.
func (p *Pipeline) answer(ctx context.Context, req QueryRequest, partySlug string) (*QueryResponse, bool, error) {
	if req.TopK == 0 {
		return p.noInfo(), false, nil
	}

	enhanced, filter := p.prepare(ctx, req, partySlug)

	results, err := p.searcher.Search(ctx, enhanced.Enhanced, filter, req.TopK, req.MinScore)
	if err != nil {
		return nil, false, err
	}
	if len(results) == 0 {
		return p.noInfo(), false, nil
	}

	contextText, sources := p.buildContext(ctx, results)
	if len(sources) == 0 {
		return p.noInfo(), false, nil
	}

	answer, confidence, usage, err := p.generator.Generate(ctx, contextText, req.Question)
	if err != nil {
		return nil, false, err
	}

	return &QueryResponse{
		Answer:     answer,
		Sources:    sources,
		Confidence: confidence,
		Metadata: ResponseMetadata{
			Model:           p.llm.ModelName(),
			TokensUsed:      usage.TotalTokens,
			ChunksRetrieved: len(results),
			ChunksUsed:      len(sources),
		},
	}, true, nil
}

// QueryStream answers one question as a stream of events: a sources
// event, token deltas, then done. Cache hits and no-info responses
// replay through the same shape. A completed stream is cached like a
// regular answer; a cancelled one writes nothing.
func (p *Pipeline) QueryStream(ctx context.Context, req QueryRequest) (<-chan StreamEvent, error) {
	start := time.Now()

	partySlug, err := p.validate(&req)
	if err != nil {
		p.metrics.RecordQuery(ctx, time.Since(start), false, err)
		return nil, err
	}

	key := cache.ChatKey(req.Question, partySlug, req.TopK, req.MinScore)
	if resp := p.cachedAnswer(ctx, key); resp != nil {
		resp.Metadata.Cached = true
		resp.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
		p.metrics.RecordQuery(ctx, time.Since(start), true, nil)
		return replayStream(resp), nil
	}

	if req.TopK == 0 {
		p.metrics.RecordQuery(ctx, time.Since(start), false, nil)
		return replayStream(p.noInfo()), nil
	}

	enhanced, filter := p.prepare(ctx, req, partySlug)

	results, err := p.searcher.Search(ctx, enhanced.Enhanced, filter, req.TopK, req.MinScore)
	if err != nil {
		p.metrics.RecordQuery(ctx, time.Since(start), false, err)
		return nil, err
	}
	if len(results) == 0 {
		p.metrics.RecordQuery(ctx, time.Since(start), false, nil)
		return replayStream(p.noInfo()), nil
	}

	contextText, sources := p.buildContext(ctx, results)
	if len(sources) == 0 {
		p.metrics.RecordQuery(ctx, time.Since(start), false, nil)
		return replayStream(p.noInfo()), nil
	}

	stream, err := p.generator.GenerateStream(ctx, contextText, req.Question)
	if err != nil {
		p.metrics.RecordQuery(ctx, time.Since(start), false, err)
		return nil, err
	}

	out := make(chan StreamEvent, 8)
	go p.pump(ctx, out, stream, pumpState{
		contextText: contextText,
		sources:     sources,
		req:         req,
		partySlug:   partySlug,
		key:         key,
		retrieved:   len(results),
		start:       start,
	})
	return out, nil
}

type pumpState struct {
	contextText string
	sources     []Source
	req         QueryRequest
	partySlug   string
	key         cache.Key
	retrieved   int
	start       time.Time
}

// pump forwards LLM deltas to the event channel. On a clean finish it
// scores confidence over the assembled answer and caches the result;
// on cancellation it simply stops, leaving the cache untouched.
func (p *Pipeline) pump(ctx context.Context, out chan<- StreamEvent, stream <-chan llms.StreamChunk, st pumpState) {
	defer close(out)

	send := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(StreamEvent{Type: EventSources, Sources: st.sources}) {
		p.metrics.RecordQuery(ctx, time.Since(st.start), false, ctx.Err())
		return
	}

	var assembled strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkText:
			assembled.WriteString(chunk.Text)
			if !send(StreamEvent{Type: EventToken, Token: chunk.Text}) {
				p.metrics.RecordQuery(ctx, time.Since(st.start), false, ctx.Err())
				return
			}

		case llms.ChunkError:
			p.logger.Error("Streaming generation failed", "error", chunk.Error)
			p.metrics.RecordQuery(ctx, time.Since(st.start), false, chunk.Error)
			send(StreamEvent{Type: EventError, Err: chunk.Error})
			return

		case llms.ChunkDone:
			answer := strings.TrimSpace(assembled.String())
			confidence := Confidence(st.contextText, answer)
			resp := &QueryResponse{
				Answer:     answer,
				Sources:    st.sources,
				Confidence: confidence,
				Metadata: ResponseMetadata{
					Model:            p.llm.ModelName(),
					TokensUsed:       chunk.Tokens,
					ProcessingTimeMs: time.Since(st.start).Milliseconds(),
					ChunksRetrieved:  st.retrieved,
					ChunksUsed:       len(st.sources),
				},
			}
			if ctx.Err() == nil {
				ttl := time.Duration(p.cfg.Cache.TTLHours) * time.Hour
				p.putAnswer(ctx, st.key, st.req, st.partySlug, resp, &ttl)
			}
			p.metrics.RecordQuery(ctx, time.Since(st.start), false, nil)
			send(StreamEvent{Type: EventDone, Confidence: confidence, Metadata: &resp.Metadata})
			return
		}
	}

	// Stream closed without a done marker: the provider aborted,
	// usually on cancellation. Nothing is cached.
	p.metrics.RecordQuery(ctx, time.Since(st.start), false, ctx.Err())
}

// replayStream serves an already-complete response through the
// streaming shape: sources, the whole answer as one token, done.
func replayStream(resp *QueryResponse) <-chan StreamEvent {
	out := make(chan StreamEvent, 3)
	out <- StreamEvent{Type: EventSources, Sources: resp.Sources}
	out <- StreamEvent{Type: EventToken, Token: resp.Answer}
	out <- StreamEvent{Type: EventDone, Confidence: resp.Confidence, Metadata: &resp.Metadata}
	close(out)
	return out
}

// Compare builds the topic-versus-parties matrix, one retrieval and
// generation per party, sequentially. Comparison entries never expire;
// admins precompute them and re-ingestion is the natural invalidation
// point.
func (p *Pipeline) Compare(ctx context.Context, req CompareRequest) (*CompareResponse, error) {
	start := time.Now()

	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, NewInvalidInput("topic", "is required")
	}
	if max := p.cfg.Search.MaxQuestionLen; runeCount(topic) > max {
		return nil, NewInvalidInput("topic", fmt.Sprintf("exceeds %d characters", max))
	}
	if req.TopK < 0 || req.TopK > p.cfg.Search.MaxTopK {
		return nil, NewInvalidInput("topK", fmt.Sprintf("must be between 0 and %d", p.cfg.Search.MaxTopK))
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		return nil, NewInvalidInput("minScore", "must be within [0,1]")
	}

	slugs, err := p.resolveParties(req.Parties)
	if err != nil {
		return nil, err
	}

	key := cache.ComparisonKey(topic, slugs)
	if resp := p.cachedComparison(ctx, key); resp != nil {
		resp.Metadata.Cached = true
		resp.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
		return resp, nil
	}

	results := make([]PartyComparison, 0, len(slugs))
	tokensUsed := 0
	grounded := false
	for _, slug := range slugs {
		row, usage, err := p.compareParty(ctx, topic, slug, req.TopK, req.MinScore)
		if err != nil {
			return nil, err
		}
		tokensUsed += usage.TotalTokens
		if len(row.Sources) > 0 {
			grounded = true
		}
		results = append(results, row)
	}

	resp := &CompareResponse{
		Topic:   topic,
		Results: results,
		Metadata: ResponseMetadata{
			Model:            p.llm.ModelName(),
			TokensUsed:       tokensUsed,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		},
	}

	// An all-no-info matrix is what an empty corpus produces; caching
	// it forever would pin that emptiness.
	if grounded && ctx.Err() == nil {
		p.putComparison(ctx, key, topic, resp)
	}
	return resp, nil
}

func (p *Pipeline) compareParty(ctx context.Context, topic, slug string, topK int, minScore float64) (PartyComparison, llms.Usage, error) {
	party, _ := p.parties.Get(slug)
	row := PartyComparison{
		Party:        slug,
		Abbreviation: party.Abbreviation,
		Answer:       NoInfoAnswer,
		Sources:      []Source{},
	}

	results, err := p.searcher.Search(ctx, topic, []string{slug}, topK, minScore)
	if err != nil {
		return row, llms.Usage{}, err
	}
	if len(results) == 0 {
		return row, llms.Usage{}, nil
	}

	contextText, sources := p.buildContext(ctx, results)
	if len(sources) == 0 {
		return row, llms.Usage{}, nil
	}

	name := party.Name
	if name == "" {
		name = slug
	}
	question := fmt.Sprintf("¿Qué propone %s sobre %s?", name, topic)
	answer, confidence, usage, err := p.generator.Generate(ctx, contextText, question)
	if err != nil {
		return row, llms.Usage{}, err
	}

	row.Answer = answer
	row.Confidence = confidence
	row.Sources = sources
	return row, usage, nil
}

// Diagnose reports how many chunks one question retrieves at several
// candidate thresholds, for retuning the similarity cutoff.
func (p *Pipeline) Diagnose(ctx context.Context, question, partyFilter string, thresholds []float64) ([]SweepPoint, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, NewInvalidInput("question", "is required")
	}
	var filter []string
	if partyFilter != "" {
		slug, ok := p.parties.Match(partyFilter)
		if !ok {
			return nil, NewInvalidInput("partyFilter", fmt.Sprintf("unknown party %q", partyFilter))
		}
		filter = []string{slug}
	}
	return p.searcher.ThresholdSweep(ctx, q, filter, p.cfg.Search.MaxTopK, thresholds)
}

// TokensSaved reports the processor's cumulative token-savings
// estimate.
func (p *Pipeline) TokensSaved() int64 { return p.processor.TokensSaved() }

func (p *Pipeline) validate(req *QueryRequest) (string, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return "", NewInvalidInput("question", "is required")
	}
	if max := p.cfg.Search.MaxQuestionLen; runeCount(req.Question) > max {
		return "", NewInvalidInput("question", fmt.Sprintf("exceeds %d characters", max))
	}
	if req.TopK < 0 || req.TopK > p.cfg.Search.MaxTopK {
		return "", NewInvalidInput("topK", fmt.Sprintf("must be between 0 and %d", p.cfg.Search.MaxTopK))
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		return "", NewInvalidInput("minScore", "must be within [0,1]")
	}
	if req.PartyFilter == "" {
		return "", nil
	}
	slug, ok := p.parties.Match(req.PartyFilter)
	if !ok {
		return "", NewInvalidInput("partyFilter", fmt.Sprintf("unknown party %q", req.PartyFilter))
	}
	return slug, nil
}

// prepare runs query enhancement and applies the implicit party
// filter: with no explicit filter, entities naming known parties
// narrow retrieval to them.
func (p *Pipeline) prepare(ctx context.Context, req QueryRequest, partySlug string) (EnhancedQuery, []string) {
	enhanced := p.processor.Process(ctx, req.Question)
	if partySlug != "" {
		return enhanced, []string{partySlug}
	}
	if p.cfg.Search.ImplicitPartyFilter != nil && !*p.cfg.Search.ImplicitPartyFilter {
		return enhanced, nil
	}
	if matched := p.parties.MatchAll(enhanced.Entities); len(matched) > 0 {
		p.logger.Debug("Applying implicit party filter", "parties", matched)
		return enhanced, matched
	}
	return enhanced, nil
}

func (p *Pipeline) buildContext(ctx context.Context, results []vector.Result) (string, []Source) {
	titles := p.documentTitles(ctx, results)
	abbrs := make(map[string]string)
	for _, r := range results {
		if _, ok := abbrs[r.Party]; ok {
			continue
		}
		if party, ok := p.parties.Get(r.Party); ok {
			abbrs[r.Party] = party.Abbreviation
		}
	}
	return p.builder.Build(results, titles, abbrs, p.generator.ContextBudget())
}

// documentTitles resolves display titles for the documents behind the
// results. A failed lookup falls back to the raw document id.
func (p *Pipeline) documentTitles(ctx context.Context, results []vector.Result) map[string]string {
	titles := make(map[string]string)
	for _, r := range results {
		if _, ok := titles[r.DocumentID]; ok {
			continue
		}
		doc, err := p.registry.Get(ctx, r.DocumentID)
		if err != nil || doc == nil {
			if err != nil {
				p.logger.Debug("Document title lookup failed", "doc_id", r.DocumentID, "error", err)
			}
			titles[r.DocumentID] = r.DocumentID
			continue
		}
		title := doc.Metadata["title"]
		if title == "" {
			title = r.DocumentID
		}
		titles[r.DocumentID] = title
	}
	return titles
}

func (p *Pipeline) noInfo() *QueryResponse {
	return &QueryResponse{
		Answer:     NoInfoAnswer,
		Sources:    []Source{},
		Confidence: 0,
		Metadata:   ResponseMetadata{Model: p.llm.ModelName()},
	}
}

func (p *Pipeline) opTimeout() time.Duration {
	return time.Duration(p.cfg.Cache.OpTimeout) * time.Second
}

// cachedAnswer reads the chat cache under the short op timeout. A slow
// or failing cache degrades to a miss, never to a failed query.
func (p *Pipeline) cachedAnswer(ctx context.Context, key cache.Key) *QueryResponse {
	cctx, cancel := context.WithTimeout(ctx, p.opTimeout())
	defer cancel()

	entry, ok, err := p.chatCache.Get(cctx, key)
	if err != nil {
		p.logger.Warn("Chat cache read failed", "error", err)
	}
	if err != nil || !ok {
		p.metrics.RecordCacheMiss(ctx, cache.BucketChat)
		return nil
	}

	var resp QueryResponse
	if err := json.Unmarshal(entry.Payload, &resp); err != nil {
		p.logger.Warn("Chat cache entry corrupt", "error", err)
		p.metrics.RecordCacheMiss(ctx, cache.BucketChat)
		return nil
	}
	p.metrics.RecordCacheHit(ctx, cache.BucketChat)
	return &resp
}

// putAnswer writes a completed response to the chat cache. The write
// survives the request context being cancelled a moment later; the
// caller has already decided the answer completed.
func (p *Pipeline) putAnswer(ctx context.Context, key cache.Key, req QueryRequest, partySlug string, resp *QueryResponse, ttl *time.Duration) {
	payload, err := json.Marshal(resp)
	if err != nil {
		p.logger.Warn("Answer serialization for cache failed", "error", err)
		return
	}
	entry := cache.Entry{
		Key:        key,
		Question:   req.Question,
		Party:      partySlug,
		Payload:    payload,
		Model:      resp.Metadata.Model,
		TokensUsed: resp.Metadata.TokensUsed,
		ComputedAt: time.Now(),
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opTimeout())
	defer cancel()
	if err := p.chatCache.Put(cctx, entry, ttl); err != nil {
		p.logger.Warn("Chat cache write failed", "error", err)
	}
}

func (p *Pipeline) cachedComparison(ctx context.Context, key cache.Key) *CompareResponse {
	cctx, cancel := context.WithTimeout(ctx, p.opTimeout())
	defer cancel()

	entry, ok, err := p.compCache.Get(cctx, key)
	if err != nil {
		p.logger.Warn("Comparison cache read failed", "error", err)
	}
	if err != nil || !ok {
		p.metrics.RecordCacheMiss(ctx, cache.BucketComparisons)
		return nil
	}

	var resp CompareResponse
	if err := json.Unmarshal(entry.Payload, &resp); err != nil {
		p.logger.Warn("Comparison cache entry corrupt", "error", err)
		p.metrics.RecordCacheMiss(ctx, cache.BucketComparisons)
		return nil
	}
	p.metrics.RecordCacheHit(ctx, cache.BucketComparisons)
	return &resp
}

func (p *Pipeline) putComparison(ctx context.Context, key cache.Key, topic string, resp *CompareResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		p.logger.Warn("Comparison serialization for cache failed", "error", err)
		return
	}
	entry := cache.Entry{
		Key:        key,
		Question:   topic,
		Payload:    payload,
		Model:      resp.Metadata.Model,
		TokensUsed: resp.Metadata.TokensUsed,
		ComputedAt: time.Now(),
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opTimeout())
	defer cancel()
	if err := p.compCache.Put(cctx, entry, nil); err != nil {
		p.logger.Warn("Comparison cache write failed", "error", err)
	}
}

func (p *Pipeline) resolveParties(terms []string) ([]string, error) {
	if len(terms) == 0 {
		return p.parties.Slugs(), nil
	}
	slugs := make([]string, 0, len(terms))
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		slug, ok := p.parties.Match(t)
		if !ok {
			return nil, NewInvalidInput("parties", fmt.Sprintf("unknown party %q", t))
		}
		if !seen[slug] {
			seen[slug] = true
			slugs = append(slugs, slug)
		}
	}
	return slugs, nil
}
