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
	"errors"
	"fmt"

	"github.com/civicadata/plangob/pkg/httpclient"
)

// DownloadErrorKind classifies a terminal download failure.
type DownloadErrorKind string

const (
	DownloadTimeout    DownloadErrorKind = "timeout"
	DownloadNetwork    DownloadErrorKind = "network"
	DownloadValidation DownloadErrorKind = "validation"
	DownloadFilesystem DownloadErrorKind = "filesystem"
	DownloadUnknown    DownloadErrorKind = "unknown"
)

// DownloadError reports why fetching a plan failed after the retry
// budget was spent.
type DownloadError struct {
	DocID     string            // Document being fetched
	URL       string            // Source URL
	Kind      DownloadErrorKind // Failure classification
	Status    int               // HTTP status for network failures, 0 otherwise
	Transient bool              // Whether retrying later could succeed
	Err       error             // Underlying error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	msg := fmt.Sprintf("download failed for %s (%s)", e.DocID, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" [HTTP %d]", e.Status)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// NewDownloadError creates a new DownloadError.
func NewDownloadError(docID, url string, kind DownloadErrorKind, status int, transient bool, err error) *DownloadError {
	return &DownloadError{
		DocID:     docID,
		URL:       url,
		Kind:      kind,
		Status:    status,
		Transient: transient,
		Err:       err,
	}
}

// ExtractionError reports an unreadable or unsupported document.
type ExtractionError struct {
	Path    string // File that failed
	Format  string // Detected or attempted format
	Message string // Error message
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extraction failed for %s (%s): %s", e.Path, e.Format, e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// NewExtractionError creates a new ExtractionError.
func NewExtractionError(path, format, message string, err error) *ExtractionError {
	return &ExtractionError{
		Path:    path,
		Format:  format,
		Message: message,
		Err:     err,
	}
}

// InvalidInputError rejects a malformed request before any work is
// done. The transport layer renders it as a 400 with the field named.
type InvalidInputError struct {
	Field  string // Offending request field
	Reason string // Human-readable reason
}

// Error implements the error interface.
func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// NewInvalidInput creates a new InvalidInputError.
func NewInvalidInput(field, reason string) *InvalidInputError {
	return &InvalidInputError{Field: field, Reason: reason}
}

// NotFoundError reports a referenced document or party that does not
// exist. The transport layer renders it as a 404.
type NotFoundError struct {
	Resource string // "document" or "party"
	ID       string // The identifier that missed
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFound creates a new NotFoundError.
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ContextOverflowError means the assembled prompt exceeds what the
// model can take. The context builder budgets to prevent this, so
// seeing one indicates its budget math went wrong; retrying without a
// smaller context cannot help.
type ContextOverflowError struct {
	PromptTokens int // Tokens the prompt needs
	Budget       int // Tokens the model leaves for it
}

// Error implements the error interface.
func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow: prompt needs %d tokens, budget is %d", e.PromptTokens, e.Budget)
}

// PipelineError marks which stage of a query or ingestion run failed.
type PipelineError struct {
	Stage string // Stage* constant
	Err   error  // Underlying error
}

// Pipeline stage names carried by PipelineError.
const (
	StageDownload = "download"
	StageExtract  = "extract"
	StageClean    = "clean"
	StageChunk    = "chunk"
	StageScore    = "score"
	StageEmbed    = "embed"
	StagePersist  = "persist"
	StageProcess  = "process"
	StageSearch   = "search"
	StageBuild    = "build"
	StageGenerate = "generate"
)

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(stage string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Err: err}
}

// IsRetryable reports whether err describes an upstream condition worth
// retrying later, such as a rate limit or a transient network failure.
// The transport layer uses this to pick 503 over 500.
func IsRetryable(err error) bool {
	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		return true
	}
	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		return dlErr.Transient
	}
	return false
}
