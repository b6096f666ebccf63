// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON performs best-effort extraction of a JSON document from
// model output. Models frequently wrap JSON in commentary or fenced code
// blocks; this strips leading/trailing prose, unfences triple-backtick
// blocks, and parses the outermost object or array.
//
// Returns the raw JSON and true on success, nil and false otherwise.
func ExtractJSON(content string) (json.RawMessage, bool) {
	s := strings.TrimSpace(content)
	if s == "" {
		return nil, false
	}

	// Fenced block takes priority: the model was explicit about where
	// the document lives.
	if fenced, ok := unfence(s); ok {
		s = fenced
	}

	// Fast path: the whole remainder is valid JSON.
	if raw, ok := validJSON(s); ok {
		return raw, true
	}

	// Slow path: locate the outermost balanced object or array.
	if candidate := outermostDocument(s); candidate != "" {
		if raw, ok := validJSON(candidate); ok {
			return raw, true
		}
	}

	return nil, false
}

// unfence extracts the body of the first triple-backtick block.
func unfence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	body := s[start+3:]
	// Skip a language tag such as "json" on the fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(body[:nl])
		if firstLine == "json" || firstLine == "JSON" || firstLine == "" {
			body = body[nl+1:]
		}
	}
	end := strings.Index(body, "```")
	if end < 0 {
		return strings.TrimSpace(body), true
	}
	return strings.TrimSpace(body[:end]), true
}

// outermostDocument returns the substring spanning the first opening
// brace/bracket to its balanced closer, respecting string literals.
func outermostDocument(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if s[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func validJSON(s string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	// Only accept documents, not bare scalars: a stray "42" in prose is
	// valid JSON but never what a schema-declaring caller wants.
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, false
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}
