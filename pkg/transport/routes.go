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
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/civicadata/plangob/pkg/observability"
)

// Handler builds the route tree. Middleware order: request id, then
// recovery, then observability so panics and metrics cover every
// route, then request logging, then CORS so preflights short-circuit
// before hitting handlers.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(s.recoverMiddleware)
	r.Use(observability.HTTPMiddleware(s.obs.Tracer(), s.obs.Metrics()))
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Post("/compare", s.handleCompare)

		r.Get("/parties", s.handleListParties)
		r.Get("/parties/{slug}", s.handleGetParty)
		r.Get("/documents", s.handleListDocuments)

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/documents/{id}/chunks", s.handleDocumentChunks)
			r.Post("/ingest", s.handleIngest)
			r.Post("/ingest/batch", s.handleIngestBatch)
		})
	})

	r.Method(http.MethodGet, s.obs.MetricsEndpoint(), s.obs.Metrics().Handler())

	return r
}
