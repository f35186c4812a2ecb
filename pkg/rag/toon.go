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
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeTOON renders an enhanced query in the compact line format the
// query processor asks the model for. Compared to JSON it drops the
// quoting and bracket overhead, which is where the token savings come
// from.
func EncodeTOON(q EnhancedQuery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "keywords: %s\n", strings.Join(q.Keywords, ","))
	fmt.Fprintf(&b, "entities: %s\n", strings.Join(q.Entities, ","))
	fmt.Fprintf(&b, "intent: %s\n", q.Intent)
	fmt.Fprintf(&b, "enhancedQuery: %s", oneLine(q.Enhanced))
	return b.String()
}

// ParseEnhanced reads a model response in TOON, fenced TOON, or JSON.
// It is deliberately forgiving: unknown keys and stray lines are
// ignored, and an unrecognized intent degrades to "question". It fails
// only when no recognized key is present at all, so the caller can
// fall back to the raw query.
func ParseEnhanced(raw string) (EnhancedQuery, error) {
	s := stripFence(raw)
	if s == "" {
		return EnhancedQuery{}, fmt.Errorf("empty enhanced-query response")
	}

	if strings.HasPrefix(s, "{") {
		var q EnhancedQuery
		if err := json.Unmarshal([]byte(s), &q); err == nil {
			q.Intent = normalizeIntent(q.Intent)
			return q, nil
		}
	}

	var q EnhancedQuery
	matched := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		switch key {
		case "keywords":
			q.Keywords = splitCSV(val)
			matched = true
		case "entities":
			q.Entities = splitCSV(val)
			matched = true
		case "intent":
			q.Intent = val
			matched = true
		case "enhancedQuery":
			q.Enhanced = val
			matched = true
		}
	}
	if !matched {
		return EnhancedQuery{}, fmt.Errorf("no recognized keys in enhanced-query response")
	}
	q.Intent = normalizeIntent(q.Intent)
	return q, nil
}

func normalizeIntent(s string) string {
	switch s {
	case IntentQuestion, IntentComparison, IntentLookup, IntentOpinionProbe:
		return s
	}
	return IntentQuestion
}

func splitCSV(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// stripFence removes a surrounding markdown code fence, with or
// without a language tag.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	i := strings.Index(s, "\n")
	if i < 0 {
		return ""
	}
	s = s[i+1:]
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
