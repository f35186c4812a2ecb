// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Civicadata

// Package transport serves the HTTP API.
//
// Routes live under /api: chat (plain and SSE streaming), party
// comparison, party and document listings, and token-guarded ingestion.
// Prometheus metrics are exposed separately under /metrics.
package transport
