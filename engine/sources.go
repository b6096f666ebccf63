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

package engine

import (
	"context"
	"net/url"
	"regexp"
	"strings"
)

// SourceProvider enriches a result with citations beyond what the
// agent's provider response carried. Implementations may call search
// or retrieval backends; the default implementation does not.
type SourceProvider interface {
	Gather(ctx context.Context, analysis *Analysis, answer string) ([]Source, error)
}

// ProviderSources is the default SourceProvider. It performs no
// external retrieval: it extracts citation-shaped references from the
// final answer text, so links a synthesis step introduced or reworded
// still surface as citations.
type ProviderSources struct{}

func (ProviderSources) Gather(_ context.Context, analysis *Analysis, answer string) ([]Source, error) {
	return extractSources(answer, sourceKindFor(analysis)), nil
}

var (
	markdownLinkRe = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	bareURLRe      = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
)

// extractSources pulls citation-shaped references out of answer text:
// markdown links first, then bare URLs not already covered by a link.
func extractSources(answer string, kind SourceKind) []Source {
	var sources []Source
	seen := make(map[string]bool)

	for _, match := range markdownLinkRe.FindAllStringSubmatch(answer, -1) {
		u := trimURLPunct(match[2])
		if seen[u] {
			continue
		}
		seen[u] = true
		sources = append(sources, Source{Title: match[1], URL: u, Kind: kind})
	}

	stripped := markdownLinkRe.ReplaceAllString(answer, "")
	for _, raw := range bareURLRe.FindAllString(stripped, -1) {
		u := trimURLPunct(raw)
		if seen[u] || !validSourceURL(u) {
			continue
		}
		seen[u] = true
		sources = append(sources, Source{URL: u, Kind: kind})
	}
	return sources
}

// trimURLPunct drops sentence punctuation that regexes drag in when a
// URL ends a clause.
func trimURLPunct(u string) string {
	return strings.TrimRight(u, ".,;:!?")
}

// sourceKindFor picks the citation kind from the analysis, defaulting
// to web.
func sourceKindFor(analysis *Analysis) SourceKind {
	if analysis != nil && len(analysis.ExpectedSourceKinds) > 0 {
		return analysis.ExpectedSourceKinds[0]
	}
	return SourceKindWeb
}

// mergeSources combines per-execution citations with gathered ones,
// dropping duplicates and entries without a usable URL or title.
func mergeSources(executions []*Execution, gathered []Source) []Source {
	var merged []Source
	seen := make(map[string]bool)

	add := func(src Source) {
		if src.URL == "" && src.Title == "" {
			return
		}
		if src.URL != "" && !validSourceURL(src.URL) {
			return
		}
		key := src.URL
		if key == "" {
			key = "title:" + strings.ToLower(src.Title)
		}
		if seen[key] {
			return
		}
		seen[key] = true
		merged = append(merged, src)
	}

	for _, exec := range executions {
		if exec == nil || exec.Outcome != OutcomeOK {
			continue
		}
		for _, src := range exec.Sources {
			add(src)
		}
	}
	for _, src := range gathered {
		add(src)
	}
	return merged
}

func validSourceURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
