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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/civicadata/plangob/pkg/config"
	"github.com/civicadata/plangob/pkg/httpclient"
)

// pdfMagic is the byte signature every response body must open with.
var pdfMagic = []byte("%PDF-")

// docIDPattern keeps document ids safe to embed in file names.
var docIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// DownloadRequest asks for one plan to be fetched and stored locally.
type DownloadRequest struct {
	URL   string `json:"url"`
	DocID string `json:"doc_id"`
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	DocID        string    `json:"doc_id"`
	URL          string    `json:"url"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"size_bytes"`
	DownloadedAt time.Time `json:"downloaded_at"`
	DurationMs   int64     `json:"duration_ms"`
}

// DownloadOutcome pairs a batch request with its result or error.
type DownloadOutcome struct {
	Request DownloadRequest
	Result  *DownloadResult
	Err     error
}

// Downloader fetches plan PDFs over HTTP and writes them atomically
// under the configured directory. Transient failures are retried with
// exponential backoff by the underlying client; terminal failures come
// back classified as DownloadError.
type Downloader struct {
	cfg    *config.DownloadConfig
	client *httpclient.Client
	logger *slog.Logger
}

// NewDownloader creates a downloader from configuration.
func NewDownloader(cfg *config.DownloadConfig) *Downloader {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.Retries),
		httpclient.WithBaseDelay(time.Second),
	)

	return &Downloader{
		cfg:    cfg,
		client: client,
		logger: slog.Default().With("component", "downloader"),
	}
}

// Download fetches one plan. The body must start with the PDF magic
// bytes; anything else fails validation without touching disk. The
// file lands at <dir>/<docID>.pdf via a temp-file rename so a crashed
// download never leaves a half-written plan behind.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	start := time.Now()

	if err := validateDownloadRequest(req); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return nil, NewDownloadError(req.DocID, req.URL, DownloadFilesystem, 0, false,
			fmt.Errorf("failed to create download dir: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, NewDownloadError(req.DocID, req.URL, DownloadValidation, 0, false, err)
	}
	httpReq.Header.Set("Accept", "application/pdf")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, d.classify(req, resp, err)
	}
	defer resp.Body.Close()

	// The magic check reads from the stream, so peek before copying.
	peek := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(resp.Body, peek); err != nil {
		return nil, NewDownloadError(req.DocID, req.URL, DownloadValidation, 0, false,
			fmt.Errorf("response too short for a PDF: %w", err))
	}
	if !bytes.Equal(peek, pdfMagic) {
		return nil, NewDownloadError(req.DocID, req.URL, DownloadValidation, 0, false,
			fmt.Errorf("response does not start with %%PDF-"))
	}

	path := filepath.Join(d.cfg.Dir, req.DocID+".pdf")
	size, kind, err := d.writeAtomic(path, peek, resp.Body)
	if err != nil {
		return nil, NewDownloadError(req.DocID, req.URL, kind, 0, false, err)
	}

	result := &DownloadResult{
		DocID:        req.DocID,
		URL:          req.URL,
		Path:         path,
		SizeBytes:    size,
		DownloadedAt: time.Now().UTC(),
		DurationMs:   time.Since(start).Milliseconds(),
	}

	d.logger.Info("Downloaded plan",
		"doc_id", req.DocID,
		"size_bytes", size,
		"duration_ms", result.DurationMs)

	return result, nil
}

// DownloadBatch fetches several plans with bounded concurrency. One
// failed download never aborts the rest; outcomes come back in request
// order, each carrying its own result or classified error.
func (d *Downloader) DownloadBatch(ctx context.Context, reqs []DownloadRequest) []DownloadOutcome {
	outcomes := make([]DownloadOutcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	for i, req := range reqs {
		g.Go(func() error {
			result, err := d.Download(ctx, req)
			outcomes[i] = DownloadOutcome{Request: req, Result: result, Err: err}
			return nil
		})
	}

	// The closures never return errors; outcomes carry them instead.
	_ = g.Wait()

	return outcomes
}

// writeAtomic streams body bytes into a temp file next to the target
// and renames it into place, enforcing the size cap on the way.
func (d *Downloader) writeAtomic(path string, head []byte, body io.Reader) (int64, DownloadErrorKind, error) {
	maxBytes := int64(d.cfg.MaxSizeMB) * 1024 * 1024

	tmp, err := os.CreateTemp(d.cfg.Dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, DownloadFilesystem, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(head); err != nil {
		return 0, DownloadFilesystem, err
	}

	reader := body
	if maxBytes > 0 {
		// Copy one byte past the cap so an oversized body is detectable.
		reader = io.LimitReader(body, maxBytes-int64(len(head))+1)
	}
	n, err := io.Copy(tmp, reader)
	if err != nil {
		return 0, DownloadFilesystem, err
	}

	size := int64(len(head)) + n
	if maxBytes > 0 && size > maxBytes {
		return 0, DownloadValidation, fmt.Errorf("response exceeds %d MB limit", d.cfg.MaxSizeMB)
	}

	if err := tmp.Close(); err != nil {
		return 0, DownloadFilesystem, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, DownloadFilesystem, err
	}

	return size, "", nil
}

// classify turns a transport-level failure into a DownloadError with
// the kind and transience the ingestion result reports.
func (d *Downloader) classify(req DownloadRequest, resp *http.Response, err error) *DownloadError {
	if resp != nil {
		resp.Body.Close()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewDownloadError(req.DocID, req.URL, DownloadTimeout, 0, true, err)

	case errors.Is(err, context.Canceled):
		return NewDownloadError(req.DocID, req.URL, DownloadUnknown, 0, false, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewDownloadError(req.DocID, req.URL, DownloadTimeout, 0, true, err)
	}

	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		// The retry budget is spent; what remains is still transient.
		if retryErr.StatusCode != 0 {
			return NewDownloadError(req.DocID, req.URL, DownloadNetwork, retryErr.StatusCode, true, err)
		}
		if isTimeout(retryErr.Err) {
			return NewDownloadError(req.DocID, req.URL, DownloadTimeout, 0, true, err)
		}
		return NewDownloadError(req.DocID, req.URL, DownloadNetwork, 0, true, err)
	}

	// Non-retryable HTTP statuses (404, 403, ...) surface as a plain
	// error alongside the response.
	if resp != nil {
		return NewDownloadError(req.DocID, req.URL, DownloadNetwork, resp.StatusCode, resp.StatusCode >= 500, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewDownloadError(req.DocID, req.URL, DownloadNetwork, 0, true, err)
	}

	return NewDownloadError(req.DocID, req.URL, DownloadUnknown, 0, false, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func validateDownloadRequest(req DownloadRequest) *DownloadError {
	if req.DocID == "" || !docIDPattern.MatchString(req.DocID) {
		return NewDownloadError(req.DocID, req.URL, DownloadValidation, 0, false,
			fmt.Errorf("doc id %q must match %s", req.DocID, docIDPattern))
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return NewDownloadError(req.DocID, req.URL, DownloadValidation, 0, false, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewDownloadError(req.DocID, req.URL, DownloadValidation, 0, false,
			fmt.Errorf("unsupported URL scheme %q", u.Scheme))
	}
	if strings.TrimSpace(u.Host) == "" {
		return NewDownloadError(req.DocID, req.URL, DownloadValidation, 0, false,
			fmt.Errorf("URL has no host"))
	}

	return nil
}
