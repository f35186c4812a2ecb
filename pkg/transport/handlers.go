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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/civicadata/plangob/pkg/cache"
	"github.com/civicadata/plangob/pkg/parties"
	"github.com/civicadata/plangob/pkg/rag"
	"github.com/civicadata/plangob/pkg/store"
	"github.com/civicadata/plangob/pkg/vector"
)

// Request bodies above this size are rejected outright; the largest
// legitimate payload is a batch ingest manifest.
const maxBodyBytes = 1 << 20

type chatRequest struct {
	Question    string   `json:"question"`
	PartyFilter string   `json:"partyFilter,omitempty"`
	TopK        int      `json:"topK,omitempty"`
	MinScore    *float64 `json:"minScore,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type compareRequest struct {
	Topic    string   `json:"topic"`
	Parties  []string `json:"parties,omitempty"`
	TopK     int      `json:"topK,omitempty"`
	MinScore *float64 `json:"minScore,omitempty"`
}

type batchIngestRequest struct {
	Documents []rag.IngestRequest `json:"documents"`
}

type batchIngestResponse struct {
	Results   []rag.IngestResult `json:"results"`
	Succeeded int                `json:"succeeded"`
	Partial   int                `json:"partial"`
	Failed    int                `json:"failed"`
}

type partyListResponse struct {
	Parties []parties.Party `json:"parties"`
	Total   int             `json:"total"`
	Offset  int             `json:"offset"`
	Limit   int             `json:"limit"`
}

type documentListResponse struct {
	Documents []store.Document `json:"documents"`
	Total     int              `json:"total"`
}

type chunkView struct {
	ID      string  `json:"id"`
	Party   string  `json:"party"`
	Section string  `json:"section,omitempty"`
	Index   int     `json:"index"`
	Page    int     `json:"page,omitempty"`
	Quality float64 `json:"quality"`
	Tokens  int     `json:"tokens"`
	Content string  `json:"content"`
}

type chunkListResponse struct {
	DocumentID string      `json:"documentId"`
	Chunks     []chunkView `json:"chunks"`
	Offset     int         `json:"offset"`
	Limit      int         `json:"limit"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, queryReq, err := s.decodeChatRequest(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The stream flag turns this endpoint into an alias of /chat/stream.
	if req.Stream {
		s.streamChat(w, r, queryReq)
		return
	}

	resp, err := s.pipeline.Query(r.Context(), queryReq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.pipeline.Compare(r.Context(), rag.CompareRequest{
		Topic:    req.Topic,
		Parties:  req.Parties,
		TopK:     s.effectiveTopK(req.TopK),
		MinScore: s.effectiveMinScore(req.MinScore),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListParties(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := paginationParams(r, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	all := s.parties.All()
	page := all[clamp(offset, len(all)):clamp(offset+limit, len(all))]

	writeJSON(w, http.StatusOK, partyListResponse{
		Parties: page,
		Total:   len(all),
		Offset:  offset,
		Limit:   limit,
	})
}

func (s *Server) handleGetParty(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	party, ok := s.parties.Get(slug)
	if !ok {
		s.writeError(w, r, rag.NewNotFound("party", slug))
		return
	}
	writeJSON(w, http.StatusOK, party)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.documents.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentListResponse{
		Documents: docs,
		Total:     len(docs),
	})
}

func (s *Server) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	offset, limit, err := paginationParams(r, 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.documents.Get(r.Context(), docID); err != nil {
		s.writeError(w, r, err)
		return
	}

	lister, ok := s.vectors.(vector.ChunkLister)
	if !ok {
		s.writeError(w, r, fmt.Errorf("vector store %s cannot enumerate chunks", s.vectors.Name()))
		return
	}

	chunks, err := lister.ListChunks(r.Context(), docID, offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]chunkView, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, chunkView{
			ID:      c.ID,
			Party:   c.Party,
			Section: c.Section,
			Index:   c.Index,
			Page:    c.Page,
			Quality: c.Quality,
			Tokens:  c.Tokens,
			Content: c.Content,
		})
	}

	writeJSON(w, http.StatusOK, chunkListResponse{
		DocumentID: docID,
		Chunks:     views,
		Offset:     offset,
		Limit:      limit,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req rag.IngestRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result := s.ingestor.Ingest(r.Context(), req)
	status := http.StatusOK
	if result.Status == rag.IngestFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchIngestRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Documents) == 0 {
		s.writeError(w, r, rag.NewInvalidInput("documents", "at least one document is required"))
		return
	}

	results := s.ingestor.IngestBatch(r.Context(), req.Documents)

	resp := batchIngestResponse{Results: results}
	for _, res := range results {
		switch res.Status {
		case rag.IngestSuccess:
			resp.Succeeded++
		case rag.IngestPartial:
			resp.Partial++
		default:
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type storeHealth struct {
	Backend string `json:"backend"`
	Ok      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

type cacheHealth struct {
	Chat        cache.Stats `json:"chat"`
	Comparisons cache.Stats `json:"comparisons"`
}

type healthResponse struct {
	Status      string      `json:"status"`
	UptimeS     int64       `json:"uptime_s"`
	Parties     int         `json:"parties"`
	Documents   int         `json:"documents"`
	Chunks      int         `json:"chunks"`
	VectorStore storeHealth `json:"vector_store"`
	Cache       cacheHealth `json:"cache"`
	TokensSaved int64       `json:"tokens_saved"`
}

// handleHealth is liveness plus cheap diagnostics. Probe failures mark
// the response degraded but never turn it into an error: the process
// is demonstrably alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		Status:      "ok",
		UptimeS:     int64(time.Since(s.startedAt).Seconds()),
		Parties:     s.parties.Count(),
		TokensSaved: s.pipeline.TokensSaved(),
		VectorStore: storeHealth{Backend: s.vectors.Name(), Ok: true},
	}

	if n, err := s.documents.Count(ctx); err == nil {
		resp.Documents = n
	} else {
		resp.Status = "degraded"
		s.logger.Warn("Health: document count failed", "error", err)
	}

	if n, err := s.vectors.Count(ctx); err == nil {
		resp.Chunks = n
	} else {
		resp.Status = "degraded"
		resp.VectorStore.Ok = false
		resp.VectorStore.Error = err.Error()
	}

	if stats, err := s.chatCache.Stats(ctx); err == nil {
		resp.Cache.Chat = stats
	}
	if stats, err := s.compCache.Stats(ctx); err == nil {
		resp.Cache.Comparisons = stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// decodeChatRequest parses the shared chat body and applies the
// configured retrieval defaults.
func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, rag.QueryRequest, error) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		return req, rag.QueryRequest{}, err
	}

	return req, rag.QueryRequest{
		Question:    req.Question,
		PartyFilter: req.PartyFilter,
		TopK:        s.effectiveTopK(req.TopK),
		MinScore:    s.effectiveMinScore(req.MinScore),
	}, nil
}

func (s *Server) effectiveTopK(topK int) int {
	if topK == 0 {
		return s.cfg.Search.TopK
	}
	return topK
}

func (s *Server) effectiveMinScore(minScore *float64) float64 {
	if minScore == nil {
		return s.cfg.Search.Threshold
	}
	return *minScore
}

// decodeBody parses a JSON body, rejecting unknown fields and bodies
// over the size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return rag.NewInvalidInput("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

func paginationParams(r *http.Request, defaultLimit int) (offset, limit int, err error) {
	limit = defaultLimit

	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, rag.NewInvalidInput("offset", "must be a non-negative integer")
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 200 {
			return 0, 0, rag.NewInvalidInput("limit", "must be an integer between 1 and 200")
		}
	}
	return offset, limit, nil
}

func clamp(n, max int) int {
	if n > max {
		return max
	}
	return n
}

// writeError maps pipeline errors onto HTTP statuses: invalid input to
// 400 with the offending field, missing resources to 404, transient
// upstream failures to 503 with Retry-After, anything else to 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *rag.InvalidInputError
	var notFound *rag.NotFoundError

	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: invalid.Reason, Field: invalid.Field})

	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})

	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})

	case rag.IsRetryable(err):
		s.logger.Warn("Upstream unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Retryable: true})

	default:
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
