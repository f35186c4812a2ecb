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
	"log/slog"
	"sort"
	"time"

	"github.com/civicadata/plangob/pkg/embedders"
	"github.com/civicadata/plangob/pkg/observability"
	"github.com/civicadata/plangob/pkg/vector"
)

// Searcher embeds query text and runs similarity search over the
// chunk index. Results come back ordered by similarity descending and
// are not re-ranked here; the context builder decides what to keep.
type Searcher struct {
	embedder embedders.Embedder
	store    vector.Store
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func NewSearcher(embedder embedders.Embedder, store vector.Store, searchTimeout time.Duration, metrics *observability.Metrics) *Searcher {
	return &Searcher{
		embedder: embedder,
		store:    store,
		timeout:  searchTimeout,
		logger:   slog.Default().With("component", "searcher"),
		metrics:  metrics,
	}
}

// Search retrieves up to topK chunks above the similarity threshold.
// An empty parties slice searches the whole corpus; multiple parties
// are searched one by one and merged, since the store filters on a
// single party per query. topK of zero skips retrieval entirely.
func (s *Searcher) Search(ctx context.Context, text string, parties []string, topK int, threshold float64) ([]vector.Result, error) {
	if topK == 0 {
		return nil, nil
	}

	start := time.Now()
	vec, _, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, NewPipelineError(StageEmbed, err)
	}
	s.metrics.RecordEmbedding(ctx, s.embedder.ModelName(), time.Since(start), 1)

	partyKeys := []string{""}
	if len(parties) > 0 {
		partyKeys = parties
	}

	seen := make(map[string]bool)
	var merged []vector.Result
	for _, party := range partyKeys {
		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		sstart := time.Now()
		results, err := s.store.Search(sctx, vector.Query{
			Vector:    vec,
			TopK:      topK,
			Threshold: threshold,
			Party:     party,
		})
		cancel()
		if err != nil {
			return nil, NewPipelineError(StageSearch, err)
		}
		s.metrics.RecordSearch(ctx, s.store.Name(), time.Since(sstart), len(results))

		for _, r := range results {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			merged = append(merged, r)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.ID < b.ID
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}

	s.logger.Debug("Search complete",
		"results", len(merged),
		"parties", len(parties),
		"threshold", threshold)
	return merged, nil
}

// SweepPoint reports retrieval at one candidate threshold.
type SweepPoint struct {
	Threshold float64 `json:"threshold"`
	Results   int     `json:"results"`
	Top       float64 `json:"topSimilarity,omitempty"`
}

// ThresholdSweep runs one query and reports how many chunks would
// clear each candidate threshold, so an operator can retune the
// cutoff after corpus changes. The store is queried once, at the
// lowest threshold; the rest is bucketed locally.
func (s *Searcher) ThresholdSweep(ctx context.Context, text string, parties []string, topK int, thresholds []float64) ([]SweepPoint, error) {
	if len(thresholds) == 0 {
		thresholds = []float64{0.25, 0.30, 0.35, 0.40, 0.45}
	}
	floor := thresholds[0]
	for _, t := range thresholds[1:] {
		if t < floor {
			floor = t
		}
	}

	results, err := s.Search(ctx, text, parties, topK, floor)
	if err != nil {
		return nil, err
	}

	points := make([]SweepPoint, len(thresholds))
	for i, t := range thresholds {
		p := SweepPoint{Threshold: t}
		for _, r := range results {
			if r.Score > t {
				p.Results++
				if r.Score > p.Top {
					p.Top = r.Score
				}
			}
		}
		points[i] = p
	}
	return points, nil
}
