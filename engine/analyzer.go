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
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode"

	"axonflow/engine/llm"
	"axonflow/engine/shared/logger"
)

const (
	// DefaultSemanticDeadline is the hard budget for the semantic path.
	DefaultSemanticDeadline = 1500 * time.Millisecond

	// defaultCandidateLimit truncates the candidate list.
	defaultCandidateLimit = 4

	// semanticTriggerConfidence: below this heuristic confidence the
	// semantic path refines the analysis when enabled.
	semanticTriggerConfidence = 0.55

	// complexityGreyLow/High bound the zone where auto mode consults
	// the semantic path.
	complexityGreyLow  = 0.45
	complexityGreyHigh = 0.75
)

var (
	codeFenceRe   = regexp.MustCompile("(?s)^\\s*```")
	codeTokenRe   = regexp.MustCompile(`\b(func|def|class|struct|panic|stacktrace|compile|segfault|NullPointerException)\b`)
	comparisonRe  = regexp.MustCompile(`(?i)\b(vs\.?|versus|compare|comparison|difference between|differences)\b`)
	currentRe     = regexp.MustCompile(`(?i)\b(latest|news|today|this week|breaking|20\d\d)\b`)
	definitionRe  = regexp.MustCompile(`(?i)^\s*(define|what is|what are|meaning of|definition of)\b`)
	howToRe       = regexp.MustCompile(`(?i)^\s*(how (do|to|can|should)|steps to|guide to)\b`)
	researchRe    = regexp.MustCompile(`(?i)\b(summarize|analyze|causes of|history of|research|literature|study|studies)\b`)
	creativeRe    = regexp.MustCompile(`(?i)\b(write (a|an|me)|poem|story|slogan|lyrics|brainstorm)\b`)
	joinerRe      = regexp.MustCompile(`(?i)\b(and|also|then|additionally|as well as)\b`)
	sentenceEndRe = regexp.MustCompile(`[.!?]+`)
	wordRe        = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9_\-']*`)
)

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "and": true, "or": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "it": true, "this": true,
	"that": true, "what": true, "how": true, "do": true, "does": true, "can": true,
	"i": true, "you": true, "me": true, "my": true, "please": true,
}

// intentCapabilities maps each intent to the capabilities that should
// serve it, used to merge heuristic signals with registry scoring.
var intentCapabilities = map[Intent][]Capability{
	IntentInformationSeeking: {CapabilityResearch, CapabilitySummarize},
	IntentCurrentEvents:      {CapabilityNews, CapabilityResearch},
	IntentNews:               {CapabilityNews},
	IntentHowTo:              {CapabilityResearch, CapabilityContentGen},
	IntentComparison:         {CapabilityResearch, CapabilityAnalysis},
	IntentDefinition:         {CapabilityResearch, CapabilitySummarize},
	IntentResearch:           {CapabilityResearch, CapabilityAcademic},
	IntentCode:               {CapabilityCodeGen, CapabilityAnalysis},
	IntentCreative:           {CapabilityCreative, CapabilityContentGen},
	IntentOther:              nil,
}

var intentSourceKinds = map[Intent][]SourceKind{
	IntentCurrentEvents: {SourceKindNews, SourceKindWeb},
	IntentNews:          {SourceKindNews},
	IntentResearch:      {SourceKindAcademic, SourceKindWeb},
	IntentComparison:    {SourceKindWeb, SourceKindAcademic},
	IntentCode:          {SourceKindCode},
	IntentDefinition:    {SourceKindWeb},
	IntentHowTo:         {SourceKindWeb},
}

// SemanticRefiner runs the optional provider-backed analysis path. It
// must honor its context deadline; any error falls back to heuristics.
type SemanticRefiner func(ctx context.Context, query string) (*Analysis, error)

// Analyzer produces an Analysis for each admitted query. The heuristic
// path is pure computation with no I/O; the semantic path, when
// enabled, makes one bounded provider call.
type Analyzer struct {
	registry *AgentRegistry
	refiner  SemanticRefiner

	semanticEnabled  bool
	semanticDeadline time.Duration
	candidateLimit   int

	logger *logger.Logger
}

// AnalyzerOption configures the analyzer.
type AnalyzerOption func(*Analyzer)

// WithSemanticRefiner enables the semantic path with the given refiner.
func WithSemanticRefiner(refiner SemanticRefiner, deadline time.Duration) AnalyzerOption {
	return func(a *Analyzer) {
		a.refiner = refiner
		a.semanticEnabled = refiner != nil
		if deadline > 0 {
			a.semanticDeadline = deadline
		}
	}
}

// WithCandidateLimit overrides the candidate list truncation.
func WithCandidateLimit(k int) AnalyzerOption {
	return func(a *Analyzer) {
		if k > 0 {
			a.candidateLimit = k
		}
	}
}

// NewAnalyzer creates an analyzer over the given registry.
func NewAnalyzer(registry *AgentRegistry, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		registry:         registry,
		semanticDeadline: DefaultSemanticDeadline,
		candidateLimit:   defaultCandidateLimit,
		logger:           logger.New("query-analyzer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies the query and ranks candidate agents.
func (a *Analyzer) Analyze(ctx context.Context, query Query) *Analysis {
	analysis, confidence := a.heuristic(query.Text)

	if a.shouldRefine(query.Mode, confidence, analysis.Complexity) {
		refineCtx, cancel := context.WithTimeout(ctx, a.semanticDeadline)
		refined, err := a.refiner(refineCtx, query.Text)
		cancel()
		if err == nil && refined != nil && refined.Intent != "" {
			analysis.Intent = refined.Intent
			if refined.Complexity > 0 {
				analysis.Complexity = clamp01(refined.Complexity)
			}
			if len(refined.Entities) > 0 {
				analysis.Entities = refined.Entities
			}
			analysis.NeedsCollaboration = analysis.NeedsCollaboration || refined.NeedsCollaboration
			analysis.Semantic = true
		} else if err != nil {
			a.logger.Debug("", "semantic analysis fell back to heuristics", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	a.attachCandidates(analysis)
	return analysis
}

func (a *Analyzer) shouldRefine(mode Mode, confidence, complexity float64) bool {
	if !a.semanticEnabled {
		return false
	}
	if confidence < semanticTriggerConfidence {
		return true
	}
	return mode == ModeAuto && complexity >= complexityGreyLow && complexity <= complexityGreyHigh
}

// heuristic runs the fast path and returns the analysis with an
// internal confidence estimate for the classification itself.
func (a *Analyzer) heuristic(text string) (*Analysis, float64) {
	trimmed := strings.TrimSpace(text)

	intent := IntentInformationSeeking
	confidence := 0.5

	switch {
	case codeFenceRe.MatchString(trimmed) || codeTokenRe.MatchString(trimmed):
		intent, confidence = IntentCode, 0.85
	case comparisonRe.MatchString(trimmed):
		intent, confidence = IntentComparison, 0.8
	case definitionRe.MatchString(trimmed):
		intent, confidence = IntentDefinition, 0.8
	case howToRe.MatchString(trimmed):
		intent, confidence = IntentHowTo, 0.75
	case currentRe.MatchString(trimmed):
		intent, confidence = IntentCurrentEvents, 0.7
	case creativeRe.MatchString(trimmed):
		intent, confidence = IntentCreative, 0.7
	case researchRe.MatchString(trimmed):
		intent, confidence = IntentResearch, 0.65
	}

	sentences := countSentences(trimmed)
	joiners := len(joinerRe.FindAllString(trimmed, -1))
	words := wordRe.FindAllString(trimmed, -1)

	complexity := complexityScore(len(words), sentences, joiners)

	needsCollab := sentences >= 2 && joiners >= 2
	if intent == IntentComparison {
		needsCollab = true
	}

	analysis := &Analysis{
		Intent:              intent,
		Complexity:          complexity,
		Entities:            extractEntities(trimmed),
		Keywords:            extractKeywords(words),
		ExpectedSourceKinds: intentSourceKinds[intent],
		NeedsCollaboration:  needsCollab,
		EstimatedLatencyMs:  estimateLatencyMs(complexity, needsCollab),
	}
	return analysis, confidence
}

// attachCandidates merges intent-derived capabilities with registry
// scoring and sets collaboration when the top candidates are close but
// serve disjoint capability clusters.
func (a *Analyzer) attachCandidates(analysis *Analysis) {
	wanted := intentCapabilities[analysis.Intent]
	candidates := a.registry.Candidates(analysis.Intent, wanted, a.candidateLimit)
	analysis.CandidateAgents = candidates

	if len(candidates) >= 2 && !analysis.NeedsCollaboration {
		top, second := candidates[0], candidates[1]
		if top.Score-second.Score <= 0.1 && a.disjointClusters(top.AgentID, second.AgentID) {
			analysis.NeedsCollaboration = true
		}
	}
}

func (a *Analyzer) disjointClusters(agentA, agentB string) bool {
	da, errA := a.registry.Get(agentA)
	db, errB := a.registry.Get(agentB)
	if errA != nil || errB != nil {
		return false
	}

	set := make(map[Capability]bool, len(da.Capabilities))
	for _, c := range da.Capabilities {
		set[c] = true
	}
	for _, c := range db.Capabilities {
		if set[c] {
			return false
		}
	}
	return true
}

func complexityScore(words, sentences, joiners int) float64 {
	score := float64(words) / 120.0
	score += 0.15 * float64(sentences-1)
	score += 0.1 * float64(joiners)
	return clamp01(score)
}

func countSentences(text string) int {
	n := len(sentenceEndRe.FindAllString(text, -1))
	if n == 0 {
		return 1
	}
	return n
}

func estimateLatencyMs(complexity float64, collaborative bool) int {
	base := 1500 + int(complexity*6000)
	if collaborative {
		base += 2500
	}
	return base
}

// extractEntities pulls capitalized multi-word runs and numbers, a
// cheap stand-in for NER that is good enough for routing.
func extractEntities(text string) []string {
	var entities []string
	seen := make(map[string]bool)

	tokens := strings.Fields(text)
	var run []string
	flush := func() {
		if len(run) > 0 {
			entity := strings.Join(run, " ")
			if !seen[entity] {
				seen[entity] = true
				entities = append(entities, entity)
			}
			run = nil
		}
	}

	for i, tok := range tokens {
		cleaned := strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if cleaned == "" {
			flush()
			continue
		}

		first := []rune(cleaned)[0]
		isNumber := unicode.IsDigit(first)
		isCapitalized := unicode.IsUpper(first) && i > 0 // skip sentence-initial caps

		if isNumber || isCapitalized {
			run = append(run, cleaned)
		} else {
			flush()
		}
	}
	flush()
	return entities
}

func extractKeywords(words []string) []string {
	var keywords []string
	seen := make(map[string]bool)
	for _, w := range words {
		lower := strings.ToLower(w)
		if stopwords[lower] || len(lower) < 3 || seen[lower] {
			continue
		}
		seen[lower] = true
		keywords = append(keywords, lower)
		if len(keywords) >= 12 {
			break
		}
	}
	return keywords
}

// semanticAnalysisSchema is the strict JSON shape requested from the
// refiner provider.
type semanticAnalysisSchema struct {
	Intent             string   `json:"intent"`
	Complexity         float64  `json:"complexity"`
	Entities           []string `json:"entities"`
	NeedsCollaboration bool     `json:"needs_collaboration"`
}

const semanticSystemPrompt = `You classify user queries for an agent router. Respond with only a JSON object of the form {"intent": one of [information_seeking,current_events,how_to,comparison,definition,news,research,code,creative,other], "complexity": number 0..1, "entities": [strings], "needs_collaboration": bool}. No prose.`

// NewAdapterRefiner builds a SemanticRefiner over the provider adapter
// using a shared-key handle for a small, fast provider.
func NewAdapterRefiner(adapter *llm.Adapter, providerID string, handle *llm.CredentialHandle) SemanticRefiner {
	return func(ctx context.Context, query string) (*Analysis, error) {
		resp, err := adapter.Complete(ctx, providerID, handle, llm.CompletionRequest{
			Prompt:       query,
			SystemPrompt: semanticSystemPrompt,
			MaxTokens:    256,
			Temperature:  0,
			WantJSON:     true,
		})
		if err != nil {
			return nil, err
		}

		var parsed semanticAnalysisSchema
		if err := json.Unmarshal(resp.JSON, &parsed); err != nil {
			return nil, err
		}

		return &Analysis{
			Intent:             Intent(parsed.Intent),
			Complexity:         parsed.Complexity,
			Entities:           parsed.Entities,
			NeedsCollaboration: parsed.NeedsCollaboration,
		}, nil
	}
}
