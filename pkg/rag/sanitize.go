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
	"regexp"
	"strings"
)

var (
	// roleMarkerRe matches chat role prefixes at line starts, in both
	// the languages our users write in.
	roleMarkerRe = regexp.MustCompile(`(?im)^\s*(system|assistant|user|sistema|asistente|usuario)\s*:\s*`)

	// overrideRe matches the usual instruction-override phrasings.
	overrideRe = regexp.MustCompile(`(?i)(ignore (all )?previous instructions|disregard (all )?previous instructions|forget (your|all) instructions|you are now|ignora (todas )?las instrucciones anteriores|olvida (tus|todas las) instrucciones|ahora eres)`)

	// mdRuleRe matches markdown fences and horizontal rules on their
	// own line, which could fake prompt structure.
	mdRuleRe = regexp.MustCompile("(?m)^[ \t]*(`{3,}|-{3,}|={3,}|\\*{3,})[ \t]*$")
)

// SanitizeUserInput strips prompt-structure tokens from user text
// before it reaches an LLM prompt. Prompts wrap untrusted text in
// sentinel markers built from angle-bracket runs; input carrying those
// runs, chat role prefixes, or instruction-override phrasing has them
// removed rather than being rejected, so odd questions still get
// answered.
func SanitizeUserInput(s string) string {
	s = strings.ReplaceAll(s, "<<<", "")
	s = strings.ReplaceAll(s, ">>>", "")
	s = roleMarkerRe.ReplaceAllString(s, "")
	s = overrideRe.ReplaceAllString(s, "")
	s = mdRuleRe.ReplaceAllString(s, "")
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = newlineSpaceRe.ReplaceAllString(s, "\n")
	s = newlineRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
