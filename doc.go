// Package plangob is a retrieval-augmented question answering backend
// over the government plans of Costa Rican political parties.
//
// It ingests plan documents (PDF, DOCX, plain text), chunks them along
// section boundaries, embeds the chunks, and serves grounded answers
// with citations through an HTTP API and a CLI.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/civicadata/plangob/cmd/plangob@latest
//
// Create a configuration:
//
//	llm:
//	  provider: openai
//	  model: gpt-4o-mini
//	  api_key: ${OPENAI_API_KEY}
//
//	embedder:
//	  provider: openai
//	  model: text-embedding-3-small
//
//	vector_store:
//	  backend: chromem
//	  url: ./.plangob/vectors
//
// Ingest plans and start the server:
//
//	plangob ingest --batch plans.yaml
//	plangob serve --config plangob.yaml
//
// # Packages
//
// The implementation lives under pkg/:
//
//	import (
//	    "github.com/civicadata/plangob/pkg/rag"       // ingestion and query pipelines
//	    "github.com/civicadata/plangob/pkg/vector"    // vector store backends
//	    "github.com/civicadata/plangob/pkg/transport" // HTTP API
//	    "github.com/civicadata/plangob/pkg/config"    // configuration
//	)
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package plangob
