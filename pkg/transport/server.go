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
	"log/slog"
	"net/http"
	"time"

	"github.com/civicadata/plangob/pkg/cache"
	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/observability"
	"github.com/civicadata/plangob/pkg/parties"
	"github.com/civicadata/plangob/pkg/rag"
	"github.com/civicadata/plangob/pkg/store"
	"github.com/civicadata/plangob/pkg/vector"
)

// Querier is the query-path surface the chat, compare and health
// handlers consume.
type Querier interface {
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error)
	QueryStream(ctx context.Context, req rag.QueryRequest) (<-chan rag.StreamEvent, error)
	Compare(ctx context.Context, req rag.CompareRequest) (*rag.CompareResponse, error)
	TokensSaved() int64
}

// Ingester runs document ingestions for the admin endpoints.
type Ingester interface {
	Ingest(ctx context.Context, req rag.IngestRequest) rag.IngestResult
	IngestBatch(ctx context.Context, reqs []rag.IngestRequest) []rag.IngestResult
}

// DocumentStore lists and resolves ingested document records.
type DocumentStore interface {
	Get(ctx context.Context, docID string) (*store.Document, error)
	List(ctx context.Context) ([]store.Document, error)
	Count(ctx context.Context) (int, error)
}

// Server hosts the HTTP API over the query pipeline, the ingestor and
// the backing stores.
type Server struct {
	cfg       *config.Config
	pipeline  Querier
	ingestor  Ingester
	documents DocumentStore
	parties   *parties.Registry
	vectors   vector.Store
	chatCache cache.Store
	compCache cache.Store
	obs       *observability.Manager
	logger    *slog.Logger

	server    *http.Server
	startedAt time.Time
}

// NewServer wires the API around already-constructed components. The
// observability manager must never be nil; use NoopManager when
// tracing and metrics are disabled.
func NewServer(
	cfg *config.Config,
	pipeline Querier,
	ingestor Ingester,
	documents DocumentStore,
	partyReg *parties.Registry,
	vstore vector.Store,
	chatCache, compCache cache.Store,
	obs *observability.Manager,
) *Server {
	return &Server{
		cfg:       cfg,
		pipeline:  pipeline,
		ingestor:  ingestor,
		documents: documents,
		parties:   partyReg,
		vectors:   vstore,
		chatCache: chatCache,
		compCache: compCache,
		obs:       obs,
		logger:    slog.Default().With("component", "http"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is canceled or the listener fails, then shuts
// down gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	tls := s.cfg.Server.TLS
	useTLS := tls != nil && config.BoolValue(tls.Enabled, false)

	s.logger.Info("HTTP server starting", "address", s.server.Addr, "tls", useTLS)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests, bounded by the configured
// shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.cfg.Server.Address()
}
