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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicadata/plangob/pkg/httpclient"
	"github.com/civicadata/plangob/pkg/rag"
	"github.com/civicadata/plangob/pkg/store"
	"github.com/civicadata/plangob/pkg/vector"
)

func doJSON(t *testing.T, handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func adminHeader(bed *serverBed) map[string]string {
	return map[string]string{"Authorization": "Bearer " + bed.cfg.Server.AdminToken}
}

func TestHandleChat(t *testing.T) {
	bed := newServerBed(t)
	bed.querier.queryFn = answeredQuerier("El PLN propone becas.").queryFn
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/chat", `{"question":"¿Qué propone el PLN en educación?"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp rag.QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "El PLN propone becas.", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "pln", resp.Sources[0].Party)
	assert.InDelta(t, 0.8, resp.Confidence, 1e-9)

	// Configuration defaults fill in the optional knobs.
	got := bed.querier.last()
	assert.Equal(t, 5, got.TopK)
	assert.InDelta(t, 0.35, got.MinScore, 1e-9)
}

func TestHandleChat_ExplicitParams(t *testing.T) {
	bed := newServerBed(t)
	bed.querier.queryFn = answeredQuerier("ok").queryFn
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/chat",
		`{"question":"educación","partyFilter":"pln","topK":7,"minScore":0}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := bed.querier.last()
	assert.Equal(t, "pln", got.PartyFilter)
	assert.Equal(t, 7, got.TopK)
	// An explicit zero is honored, not replaced by the default.
	assert.Zero(t, got.MinScore)
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/chat", `{"question": `, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "body", resp.Field)
}

func TestHandleChat_UnknownField(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/chat", `{"question":"x","quesion_typo":"y"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChat_PipelineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantField  string
		retryable  bool
	}{
		{
			name:       "invalid input maps to 400 with field",
			err:        rag.NewInvalidInput("question", "question is required"),
			wantStatus: http.StatusBadRequest,
			wantField:  "question",
		},
		{
			name:       "unknown party maps to 404",
			err:        rag.NewNotFound("party", "xyz"),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "retryable upstream maps to 503",
			err:        &httpclient.RetryableError{StatusCode: 429, Message: "rate limited"},
			wantStatus: http.StatusServiceUnavailable,
			retryable:  true,
		},
		{
			name:       "anything else maps to 500",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bed := newServerBed(t)
			bed.querier.queryFn = func(context.Context, rag.QueryRequest) (*rag.QueryResponse, error) {
				return nil, tt.err
			}
			handler := bed.srv.Handler()

			rec := doJSON(t, handler, http.MethodPost, "/api/chat", `{"question":"x"}`, nil)
			require.Equal(t, tt.wantStatus, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantField, resp.Field)
			assert.Equal(t, tt.retryable, resp.Retryable)
			if tt.retryable {
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
			if tt.wantStatus == http.StatusInternalServerError {
				// Internal details stay out of the response body.
				assert.Equal(t, "internal server error", resp.Error)
			}
		})
	}
}

func TestHandleCompare(t *testing.T) {
	bed := newServerBed(t)
	var gotReq rag.CompareRequest
	bed.querier.compareFn = func(_ context.Context, req rag.CompareRequest) (*rag.CompareResponse, error) {
		gotReq = req
		return &rag.CompareResponse{
			Topic: req.Topic,
			Results: []rag.PartyComparison{
				{Party: "Partido Liberación Nacional", Abbreviation: "PLN", Answer: "Becas.", Confidence: 0.7},
				{Party: "Frente Amplio", Abbreviation: "FA", Answer: "Educación pública.", Confidence: 0.6},
			},
		}, nil
	}
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/compare", `{"topic":"educación","parties":["pln","fa"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rag.CompareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "educación", resp.Topic)
	assert.Len(t, resp.Results, 2)

	assert.Equal(t, []string{"pln", "fa"}, gotReq.Parties)
	assert.Equal(t, 5, gotReq.TopK)
	assert.InDelta(t, 0.35, gotReq.MinScore, 1e-9)
}

func TestHandleListParties(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/parties", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp partyListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Parties, 3)
	// Configuration order is authoritative.
	assert.Equal(t, "pln", resp.Parties[0].Slug)
	assert.Equal(t, "pusc", resp.Parties[1].Slug)
	assert.Equal(t, "fa", resp.Parties[2].Slug)
}

func TestHandleListParties_Pagination(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/parties?offset=1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp partyListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Parties, 1)
	assert.Equal(t, "pusc", resp.Parties[0].Slug)

	rec = doJSON(t, handler, http.MethodGet, "/api/parties?offset=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Parties)

	rec = doJSON(t, handler, http.MethodGet, "/api/parties?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/parties?offset=-2", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetParty(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/parties/pln", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Partido Liberación Nacional")

	rec = doJSON(t, handler, http.MethodGet, "/api/parties/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListDocuments(t *testing.T) {
	bed := newServerBed(t)
	bed.docs.docs = []store.Document{
		{ID: "uuid-1", DocID: "pln-2026", Party: "pln", ChunkCount: 42, PageCount: 120},
		{ID: "uuid-2", DocID: "fa-2026", Party: "fa", ChunkCount: 17, PageCount: 64},
	}
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/documents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp documentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Documents, 2)
	assert.Equal(t, 42, resp.Documents[0].ChunkCount)
}

func TestHandleDocumentChunks(t *testing.T) {
	bed := newServerBed(t)
	bed.docs.docs = []store.Document{{ID: "uuid-1", DocID: "pln-2026", Party: "pln"}}
	for i := 0; i < 5; i++ {
		bed.vecs.chunks["pln-2026"] = append(bed.vecs.chunks["pln-2026"], vector.Chunk{
			ID:         vector.ChunkID("pln-2026", i),
			DocumentID: "pln-2026",
			Party:      "pln",
			Index:      i,
			Page:       i + 1,
			Quality:    0.9,
			Tokens:     100,
			Content:    "Sección del plan.",
		})
	}
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/documents/pln-2026/chunks?offset=2&limit=2", "", adminHeader(bed))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chunkListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pln-2026", resp.DocumentID)
	require.Len(t, resp.Chunks, 2)
	assert.Equal(t, 2, resp.Chunks[0].Index)
	assert.Equal(t, 3, resp.Chunks[1].Index)
	assert.Equal(t, 2, resp.Offset)
	assert.Equal(t, 2, resp.Limit)
}

func TestHandleDocumentChunks_UnknownDocument(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/documents/ghost/chunks", "", adminHeader(bed))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminGuard(t *testing.T) {
	bed := newServerBed(t)
	bed.docs.docs = []store.Document{{ID: "uuid-1", DocID: "pln-2026", Party: "pln"}}
	handler := bed.srv.Handler()

	t.Run("missing token", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/ingest", `{"docId":"pln-2026","party":"pln","url":"https://example.com/plan.pdf"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("wrong token", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/ingest", `{"docId":"pln-2026","party":"pln"}`,
			map[string]string{"Authorization": "Bearer wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("no token configured disables the endpoints", func(t *testing.T) {
		disabled := newServerBed(t)
		disabled.cfg.Server.AdminToken = ""
		rec := doJSON(t, disabled.srv.Handler(), http.MethodPost, "/api/ingest", `{"docId":"x","party":"pln"}`,
			map[string]string{"Authorization": "Bearer anything"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("public routes stay open", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/parties", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleIngest(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/ingest",
		`{"docId":"pln-2026","party":"pln","url":"https://example.com/plan.pdf","title":"Plan PLN"}`,
		adminHeader(bed))
	require.Equal(t, http.StatusOK, rec.Code)

	var res rag.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, rag.IngestSuccess, res.Status)
	assert.Equal(t, 3, res.ChunksStored)

	require.Len(t, bed.ingest.received, 1)
	assert.Equal(t, "pln-2026", bed.ingest.received[0].DocID)
	assert.Equal(t, "Plan PLN", bed.ingest.received[0].Title)
}

func TestHandleIngest_Failed(t *testing.T) {
	bed := newServerBed(t)
	bed.ingest.results["bad-doc"] = rag.IngestResult{
		DocID: "bad-doc", Party: "pln", Status: rag.IngestFailed, Error: "download failed: HTTP 404",
	}
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/ingest", `{"docId":"bad-doc","party":"pln"}`, adminHeader(bed))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var res rag.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, rag.IngestFailed, res.Status)
	assert.Contains(t, res.Error, "HTTP 404")
}

func TestHandleIngestBatch(t *testing.T) {
	bed := newServerBed(t)
	bed.ingest.results["fa-2026"] = rag.IngestResult{DocID: "fa-2026", Status: rag.IngestFailed, Error: "parse failed"}
	bed.ingest.results["pusc-2026"] = rag.IngestResult{DocID: "pusc-2026", Status: rag.IngestPartial, ChunksStored: 1}
	handler := bed.srv.Handler()

	body := `{"documents":[
		{"docId":"pln-2026","party":"pln"},
		{"docId":"pusc-2026","party":"pusc"},
		{"docId":"fa-2026","party":"fa"}
	]}`
	rec := doJSON(t, handler, http.MethodPost, "/api/ingest/batch", body, adminHeader(bed))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp batchIngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 3)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Partial)
	assert.Equal(t, 1, resp.Failed)
}

func TestHandleIngestBatch_Empty(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/ingest/batch", `{"documents":[]}`, adminHeader(bed))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	bed := newServerBed(t)
	bed.docs.docs = []store.Document{{DocID: "pln-2026", Party: "pln"}}
	bed.vecs.count = 42
	bed.querier.saved = 1234
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Parties)
	assert.Equal(t, 1, resp.Documents)
	assert.Equal(t, 42, resp.Chunks)
	assert.Equal(t, int64(1234), resp.TokensSaved)
	assert.Equal(t, "stub", resp.VectorStore.Backend)
	assert.True(t, resp.VectorStore.Ok)
}

func TestHandleHealth_Degraded(t *testing.T) {
	bed := newServerBed(t)
	bed.docs.err = &store.PersistenceError{Op: "count", Err: context.DeadlineExceeded}
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestCORSPreflight(t *testing.T) {
	bed := newServerBed(t)
	handler := bed.srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://plangob.cr")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://plangob.cr", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRecoverMiddleware(t *testing.T) {
	bed := newServerBed(t)
	bed.querier.queryFn = func(context.Context, rag.QueryRequest) (*rag.QueryResponse, error) {
		panic("boom")
	}
	handler := bed.srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/chat", `{"question":"x"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestServerShutdown_NoStart(t *testing.T) {
	bed := newServerBed(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, bed.srv.Shutdown(ctx))
}
