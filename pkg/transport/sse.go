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
	"fmt"
	"net/http"
	"time"

	"github.com/civicadata/plangob/pkg/rag"
)

type sseTokenFrame struct {
	Token string `json:"token"`
}

type sseSourcesFrame struct {
	Sources []rag.Source `json:"sources"`
}

type sseDoneFrame struct {
	Confidence float64               `json:"confidence"`
	Metadata   *rag.ResponseMetadata `json:"metadata,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	_, queryReq, err := s.decodeChatRequest(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamChat(w, r, queryReq)
}

// streamChat relays pipeline events as server-sent events, one frame
// per event. Validation and retrieval errors surface as plain JSON
// errors since no SSE bytes have gone out yet; past that point errors
// become a terminal error event. The request context ties the client
// to the pipeline: a dropped connection cancels generation upstream.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req rag.QueryRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("response writer does not support streaming"))
		return
	}

	events, err := s.pipeline.QueryStream(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The server write timeout is sized for one-shot answers and would
	// cut long generations mid-stream.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	for ev := range events {
		switch ev.Type {
		case rag.EventSources:
			s.sendSSE(w, flusher, rag.EventSources, sseSourcesFrame{Sources: ev.Sources})

		case rag.EventToken:
			s.sendSSE(w, flusher, rag.EventToken, sseTokenFrame{Token: ev.Token})

		case rag.EventDone:
			s.sendSSE(w, flusher, rag.EventDone, sseDoneFrame{
				Confidence: ev.Confidence,
				Metadata:   ev.Metadata,
			})
			return

		case rag.EventError:
			s.sendSSEError(w, flusher, ev.Err)
			return
		}
	}
}

// sendSSE writes one event frame and flushes it so tokens reach the
// client as they are generated.
func (s *Server) sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal SSE payload", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func (s *Server) sendSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	frame := map[string]any{
		"error": map[string]any{
			"message":   err.Error(),
			"retryable": rag.IsRetryable(err),
		},
	}
	s.sendSSE(w, flusher, rag.EventError, frame)
}
