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
	"log/slog"
	"time"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/embedders"
	"github.com/civicadata/plangob/pkg/observability"
	"github.com/civicadata/plangob/pkg/store"
	"github.com/civicadata/plangob/pkg/vector"
)

// DocumentRegistry is the slice of the document store the ingestion
// and query paths need.
type DocumentRegistry interface {
	Upsert(ctx context.Context, doc *store.Document) (*store.Document, error)
	Get(ctx context.Context, docID string) (*store.Document, error)
}

// IngestRequest identifies one plan to ingest. Either URL or LocalPath
// must be set; LocalPath skips the download stage and reads the file
// as-is.
type IngestRequest struct {
	URL       string `json:"url,omitempty"`
	DocID     string `json:"docId"`
	Party     string `json:"party"`
	Title     string `json:"title,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
}

type IngestStatus string

const (
	// IngestSuccess means the document and its chunks are live.
	IngestSuccess IngestStatus = "success"

	// IngestPartial means embedding failed after the retry budget;
	// nothing was persisted and any previous version remains intact.
	IngestPartial IngestStatus = "partial"

	// IngestFailed covers download, extraction and persistence
	// failures; nothing new was persisted.
	IngestFailed IngestStatus = "failed"
)

// StageTimings breaks an ingestion down per stage, in milliseconds.
type StageTimings struct {
	DownloadMs int64 `json:"downloadMs"`
	ExtractMs  int64 `json:"extractMs"`
	CleanMs    int64 `json:"cleanMs"`
	ChunkMs    int64 `json:"chunkMs"`
	ScoreMs    int64 `json:"scoreMs"`
	EmbedMs    int64 `json:"embedMs"`
	PersistMs  int64 `json:"persistMs"`
}

// QualitySummary describes the overall-quality distribution of the
// stored chunks.
type QualitySummary struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// IngestResult reports one document's ingestion.
type IngestResult struct {
	DocID           string         `json:"docId"`
	Party           string         `json:"party"`
	Status          IngestStatus   `json:"status"`
	ChunksStored    int            `json:"chunksStored"`
	ChunksDropped   int            `json:"chunksDropped"`
	Pages           int            `json:"pages,omitempty"`
	AvgTokens       float64        `json:"avgTokens,omitempty"`
	EmbeddingTokens int            `json:"embeddingTokens,omitempty"`
	Quality         QualitySummary `json:"quality"`
	Timings         StageTimings   `json:"timings"`
	Error           string         `json:"error,omitempty"`
}

// Ingestor runs the full document pipeline: download, extract, clean,
// chunk, score, embed, persist. Per document the pipeline is
// all-or-nothing: a failure at any stage leaves the previously
// ingested version (if any) untouched.
type Ingestor struct {
	downloader *Downloader
	extractor  *Extractor
	chunker    *Chunker
	scorer     *QualityScorer
	embedder   embedders.Embedder
	store      vector.Store
	registry   DocumentRegistry
	minQuality float64
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewIngestor(
	cfg *config.Config,
	embedder embedders.Embedder,
	vstore vector.Store,
	registry DocumentRegistry,
	metrics *observability.Metrics,
) (*Ingestor, error) {
	chunker, err := NewChunker(&cfg.Chunking)
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		downloader: NewDownloader(&cfg.Download),
		extractor:  NewExtractor(),
		chunker:    chunker,
		scorer:     NewQualityScorer(cfg.Chunking.Size),
		embedder:   embedder,
		store:      vstore,
		registry:   registry,
		minQuality: cfg.Search.MinQualityScore,
		logger:     slog.Default().With("component", "ingestor"),
		metrics:    metrics,
	}, nil
}

// Ingest runs the pipeline for one document. The returned result
// always carries the status and per-stage timings; errors are recorded
// in the result rather than returned, so batch callers keep going.
func (ing *Ingestor) Ingest(ctx context.Context, req IngestRequest) IngestResult {
	return ing.ingest(ctx, req, nil)
}

func (ing *Ingestor) ingest(ctx context.Context, req IngestRequest, pre *DownloadOutcome) IngestResult {
	res := IngestResult{DocID: req.DocID, Party: req.Party}

	if err := validateIngestRequest(req); err != nil {
		return ing.fail(ctx, res, StageDownload, err)
	}

	path := req.LocalPath
	var sizeBytes int64
	downloadedAt := time.Now()
	switch {
	case path != "":
		// Local file, nothing to fetch.

	case pre != nil:
		if pre.Err != nil {
			return ing.fail(ctx, res, StageDownload, pre.Err)
		}
		path = pre.Result.Path
		sizeBytes = pre.Result.SizeBytes
		downloadedAt = pre.Result.DownloadedAt
		res.Timings.DownloadMs = pre.Result.DurationMs

	default:
		start := time.Now()
		dl, err := ing.downloader.Download(ctx, DownloadRequest{URL: req.URL, DocID: req.DocID})
		res.Timings.DownloadMs = time.Since(start).Milliseconds()
		if err != nil {
			return ing.fail(ctx, res, StageDownload, err)
		}
		path = dl.Path
		sizeBytes = dl.SizeBytes
		downloadedAt = dl.DownloadedAt
	}

	start := time.Now()
	ext, err := ing.extractor.Extract(ctx, path)
	res.Timings.ExtractMs = time.Since(start).Milliseconds()
	if err != nil {
		return ing.fail(ctx, res, StageExtract, err)
	}
	res.Pages = ext.PageCount
	if sizeBytes == 0 {
		sizeBytes = ext.SizeBytes
	}

	start = time.Now()
	text, pages := Clean(ext.Raw)
	res.Timings.CleanMs = time.Since(start).Milliseconds()
	if text == "" {
		return ing.fail(ctx, res, StageClean, fmt.Errorf("document %s has no text content", req.DocID))
	}

	start = time.Now()
	chunks := ing.chunker.Chunk(req.DocID, req.Party, text, pages)
	res.Timings.ChunkMs = time.Since(start).Milliseconds()

	start = time.Now()
	var kept []Chunk
	for i := range chunks {
		ing.scorer.Annotate(&chunks[i])
		if chunks[i].Quality.Overall < ing.minQuality {
			res.ChunksDropped++
			continue
		}
		kept = append(kept, chunks[i])
	}
	// Stored chunk indices must stay contiguous across re-ingestions,
	// so dropped chunks do not leave gaps.
	for i := range kept {
		kept[i].Index = i
	}
	res.Timings.ScoreMs = time.Since(start).Milliseconds()

	if len(kept) > 0 {
		texts := make([]string, len(kept))
		for i := range kept {
			texts[i] = kept[i].Content
		}
		start = time.Now()
		vecs, usage, err := ing.embedder.EmbedBatch(ctx, texts)
		res.Timings.EmbedMs = time.Since(start).Milliseconds()
		if err != nil {
			res.Status = IngestPartial
			res.Error = NewPipelineError(StageEmbed, err).Error()
			ing.logger.Error("Embedding failed, nothing persisted",
				"doc_id", req.DocID, "chunks", len(kept), "error", err)
			return ing.finish(ctx, res)
		}
		res.EmbeddingTokens = usage.TotalTokens
		ing.metrics.RecordEmbedding(ctx, ing.embedder.ModelName(), time.Since(start), len(texts))

		dim := ing.embedder.Dimension()
		for i := range vecs {
			if len(vecs[i]) != dim {
				res.Status = IngestPartial
				res.Error = NewPipelineError(StageEmbed,
					fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(vecs[i]), dim)).Error()
				return ing.finish(ctx, res)
			}
			kept[i].Embedding = vecs[i]
		}
	}

	start = time.Now()
	if err := ing.persist(ctx, req, kept, ext, sizeBytes, downloadedAt); err != nil {
		res.Timings.PersistMs = time.Since(start).Milliseconds()
		return ing.fail(ctx, res, StagePersist, err)
	}
	res.Timings.PersistMs = time.Since(start).Milliseconds()

	res.Status = IngestSuccess
	res.ChunksStored = len(kept)
	res.AvgTokens, res.Quality = summarize(kept)

	ing.logger.Info("Ingested document",
		"doc_id", req.DocID,
		"party", req.Party,
		"pages", res.Pages,
		"chunks", res.ChunksStored,
		"dropped", res.ChunksDropped)
	return ing.finish(ctx, res)
}

// IngestBatch downloads the remote plans up front with the configured
// download concurrency, then processes documents one at a time;
// embedding providers rate-limit hard enough that parallel documents
// hurt more than they help. One document's failure does not stop the
// rest.
func (ing *Ingestor) IngestBatch(ctx context.Context, reqs []IngestRequest) []IngestResult {
	prefetched := ing.prefetch(ctx, reqs)

	results := make([]IngestResult, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			results[i] = IngestResult{
				DocID:  req.DocID,
				Party:  req.Party,
				Status: IngestFailed,
				Error:  err.Error(),
			}
			continue
		}
		results[i] = ing.ingest(ctx, req, prefetched[i])
	}
	return results
}

// prefetch fetches every remote plan in the batch through
// DownloadBatch. Outcomes line up with reqs; entries stay nil for
// local files and for requests that fail validation, which surface
// their errors inside ingest instead.
func (ing *Ingestor) prefetch(ctx context.Context, reqs []IngestRequest) []*DownloadOutcome {
	outcomes := make([]*DownloadOutcome, len(reqs))

	var dlReqs []DownloadRequest
	var at []int
	for i, req := range reqs {
		if req.URL == "" || req.LocalPath != "" || validateIngestRequest(req) != nil {
			continue
		}
		dlReqs = append(dlReqs, DownloadRequest{URL: req.URL, DocID: req.DocID})
		at = append(at, i)
	}
	if len(dlReqs) == 0 {
		return outcomes
	}

	batch := ing.downloader.DownloadBatch(ctx, dlReqs)
	for j := range batch {
		outcomes[at[j]] = &batch[j]
	}
	return outcomes
}

// persist replaces the document's chunks in the vector store, then
// upserts the registry row. The chunk replacement is atomic per
// document; a registry failure after it leaves the row stale until the
// next successful ingest.
func (ing *Ingestor) persist(ctx context.Context, req IngestRequest, kept []Chunk, ext *Extraction, sizeBytes int64, downloadedAt time.Time) error {
	if err := ing.store.EnsureReady(ctx, ing.embedder.Dimension()); err != nil {
		return err
	}

	vchunks := make([]vector.Chunk, len(kept))
	for i, ck := range kept {
		vchunks[i] = vector.Chunk{
			ID:         ChunkID(req.DocID, ck.Index),
			DocumentID: req.DocID,
			Party:      ck.Party,
			Index:      ck.Index,
			Page:       ck.Page,
			Quality:    ck.Quality.Overall,
			Tokens:     ck.TokenCount,
			Content:    ck.Content,
			Embedding:  ck.Embedding,
		}
	}
	if err := ing.store.ReplaceDocument(ctx, req.DocID, vchunks); err != nil {
		return err
	}

	doc := &store.Document{
		DocID:        req.DocID,
		Party:        req.Party,
		SourceURL:    req.URL,
		LocalPath:    req.LocalPath,
		PageCount:    ext.PageCount,
		SizeBytes:    sizeBytes,
		ChunkCount:   len(kept),
		DownloadedAt: downloadedAt,
		ParsedAt:     time.Now(),
	}
	if req.Title != "" {
		doc.Metadata = map[string]string{"title": req.Title}
	}
	if _, err := ing.registry.Upsert(ctx, doc); err != nil {
		return err
	}
	return nil
}

func (ing *Ingestor) fail(ctx context.Context, res IngestResult, stage string, err error) IngestResult {
	res.Status = IngestFailed
	res.Error = NewPipelineError(stage, err).Error()
	ing.logger.Error("Ingestion failed",
		"doc_id", res.DocID,
		"stage", stage,
		"error", err)
	return ing.finish(ctx, res)
}

func (ing *Ingestor) finish(ctx context.Context, res IngestResult) IngestResult {
	ing.metrics.RecordIngestion(ctx, res.Party, string(res.Status), res.ChunksStored, res.ChunksDropped)
	return res
}

func validateIngestRequest(req IngestRequest) error {
	if !docIDPattern.MatchString(req.DocID) {
		return NewInvalidInput("docId", "must be a short identifier of letters, digits, dots, dashes")
	}
	if req.Party == "" {
		return NewInvalidInput("party", "is required")
	}
	if req.URL == "" && req.LocalPath == "" {
		return NewInvalidInput("url", "either url or localPath is required")
	}
	if req.URL != "" && req.LocalPath != "" {
		return NewInvalidInput("url", "url and localPath are mutually exclusive")
	}
	return nil
}

func summarize(kept []Chunk) (float64, QualitySummary) {
	if len(kept) == 0 {
		return 0, QualitySummary{}
	}
	sum := QualitySummary{Min: 1}
	tokens := 0
	for _, ck := range kept {
		tokens += ck.TokenCount
		q := ck.Quality.Overall
		if q < sum.Min {
			sum.Min = q
		}
		if q > sum.Max {
			sum.Max = q
		}
		sum.Avg += q
	}
	sum.Avg /= float64(len(kept))
	return float64(tokens) / float64(len(kept)), sum
}
