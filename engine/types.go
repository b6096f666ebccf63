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

// Package engine is the query routing core: it admits natural-language
// queries, analyzes them, selects capability-matched agents, dispatches
// one or many provider-backed executions under bounded concurrency, and
// merges the outcomes into a single result.
package engine

import (
	"time"
)

// Mode selects the dispatch strategy for a query.
type Mode string

const (
	// ModeAuto lets the analyzer decide between single and collaborative.
	ModeAuto Mode = "auto"

	// ModeSingle dispatches the top-ranked agent only.
	ModeSingle Mode = "single"

	// ModeCollaborative fans out to the top-n agents and merges.
	ModeCollaborative Mode = "collaborative"

	// ModeStreaming dispatches a single agent with chunked delivery.
	ModeStreaming Mode = "streaming"
)

// Intent is the analyzer's classification of what a query wants.
type Intent string

const (
	IntentInformationSeeking Intent = "information_seeking"
	IntentCurrentEvents      Intent = "current_events"
	IntentHowTo              Intent = "how_to"
	IntentComparison         Intent = "comparison"
	IntentDefinition         Intent = "definition"
	IntentNews               Intent = "news"
	IntentResearch           Intent = "research"
	IntentCode               Intent = "code"
	IntentCreative           Intent = "creative"
	IntentOther              Intent = "other"
)

// Capability tags match agents to intents.
type Capability string

const (
	CapabilityResearch   Capability = "research"
	CapabilityCodeGen    Capability = "code_gen"
	CapabilitySummarize  Capability = "summarize"
	CapabilityAnalysis   Capability = "analysis"
	CapabilityCreative   Capability = "creative"
	CapabilityAcademic   Capability = "academic"
	CapabilityContentGen Capability = "content_gen"
	CapabilityDocument   Capability = "document"
	CapabilityNews       Capability = "news"
)

// Specialization is an agent's primary discipline.
type Specialization string

const (
	SpecializationResearch      Specialization = "research"
	SpecializationCoding        Specialization = "coding"
	SpecializationAcademic      Specialization = "academic"
	SpecializationCreative      Specialization = "creative"
	SpecializationAnalysis      Specialization = "analysis"
	SpecializationContentGen    Specialization = "content_gen"
	SpecializationDocument      Specialization = "document"
	SpecializationOrchestration Specialization = "orchestration"
)

// Query is an admitted request. Immutable after admission.
type Query struct {
	Text        string                 `json:"query"`
	SubmittedAt time.Time              `json:"submittedAt"`
	SubmittedBy string                 `json:"userId"`
	SessionID   string                 `json:"sessionId,omitempty"`
	Mode        Mode                   `json:"mode,omitempty"`
	Hints       map[string]interface{} `json:"context,omitempty"`
}

// CandidateAgent is one (agent, score) pair in an analysis.
type CandidateAgent struct {
	AgentID string  `json:"agentId"`
	Score   float64 `json:"score"`
}

// SourceKind classifies where supporting evidence is expected from.
type SourceKind string

const (
	SourceKindWeb      SourceKind = "web"
	SourceKindAcademic SourceKind = "academic"
	SourceKindCode     SourceKind = "code"
	SourceKindNews     SourceKind = "news"
	SourceKindInternal SourceKind = "internal"
)

// Analysis is the structured interpretation of a query produced before
// dispatch.
type Analysis struct {
	Intent              Intent           `json:"intent"`
	Complexity          float64          `json:"complexity"`
	Entities            []string         `json:"entities"`
	Keywords            []string         `json:"keywords"`
	ExpectedSourceKinds []SourceKind     `json:"expectedSourceKinds"`
	NeedsCollaboration  bool             `json:"needsCollaboration"`
	EstimatedLatencyMs  int              `json:"estimatedLatencyMs"`
	CandidateAgents     []CandidateAgent `json:"candidateAgents"`

	// Semantic marks analyses refined by a provider call rather than
	// heuristics alone.
	Semantic bool `json:"semantic,omitempty"`
}

// AgentDescriptor declares an agent's capabilities and limits. Created
// at startup from the catalog; mutated only by admin operations.
type AgentDescriptor struct {
	ID                 string          `yaml:"id" json:"id"`
	DisplayName        string          `yaml:"display_name" json:"displayName"`
	Specialization     Specialization  `yaml:"specialization" json:"specialization"`
	Capabilities       []Capability    `yaml:"capabilities" json:"capabilities"`
	PreferredProviders []string        `yaml:"preferred_providers" json:"preferredProviders"`
	MaxConcurrency     int             `yaml:"max_concurrency" json:"maxConcurrency"`
	DefaultTimeoutMs   int             `yaml:"default_timeout_ms" json:"defaultTimeoutMs"`
	SystemPrompt       string          `yaml:"system_prompt,omitempty" json:"-"`
	Coordinator        bool            `yaml:"coordinator,omitempty" json:"coordinator,omitempty"`
}

// AgentStats holds an agent's live performance counters. Written by a
// single writer per agent; read through snapshots.
type AgentStats struct {
	TotalTasks      int64     `json:"totalTasks"`
	SuccessfulTasks int64     `json:"successfulTasks"`
	AvgLatencyMs    float64   `json:"avgLatencyMs"`
	SuccessRate     float64   `json:"successRate"`
	Utilization     float64   `json:"utilization"`
	QualityWeight   float64   `json:"qualityWeight"`
	InFlight        int       `json:"inFlight"`
	LastUsedAt      time.Time `json:"lastUsedAt"`
}

// ExecutionOutcome is the terminal state of a single dispatch.
type ExecutionOutcome string

const (
	OutcomeOK              ExecutionOutcome = "ok"
	OutcomeTimeout         ExecutionOutcome = "timeout"
	OutcomeProviderError   ExecutionOutcome = "provider_error"
	OutcomeCredentialError ExecutionOutcome = "credential_error"
	OutcomeCancelled       ExecutionOutcome = "cancelled"
)

// ExecutionState is the lifecycle position of a dispatch. Transitions
// only move forward: created, queued, running, then one terminal state.
type ExecutionState string

const (
	StateCreated   ExecutionState = "created"
	StateQueued    ExecutionState = "queued"
	StateRunning   ExecutionState = "running"
	StateSucceeded ExecutionState = "succeeded"
	StateFailed    ExecutionState = "failed"
	StateTimedOut  ExecutionState = "timedout"
	StateCancelled ExecutionState = "cancelled"
)

// Execution is the per-dispatch record.
type Execution struct {
	ID           string           `json:"id"`
	QueryID      string           `json:"queryId"`
	AgentID      string           `json:"agentId"`
	ProviderID   string           `json:"providerId"`
	State        ExecutionState   `json:"state"`
	Outcome      ExecutionOutcome `json:"outcome,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	FinishedAt   time.Time        `json:"finishedAt,omitempty"`
	TokensIn     int              `json:"tokensIn,omitempty"`
	TokensOut    int              `json:"tokensOut,omitempty"`
	LatencyMs    int64            `json:"latencyMs,omitempty"`
	AttemptCount int              `json:"attemptCount,omitempty"`
	Err          error            `json:"-"`

	// Answer carries the agent's output for merging; empty unless
	// Outcome is ok.
	Answer     string  `json:"-"`
	Confidence float64 `json:"-"`
	Sources    []Source `json:"-"`
}

// Terminal reports whether the execution reached a final state.
func (e *Execution) Terminal() bool {
	switch e.State {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Source is a citation attached to a result. Only sources that
// originated from a provider response are emitted.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Kind  SourceKind `json:"kind,omitempty"`
}

// Result is the synthesized answer for a query.
type Result struct {
	QueryID          string   `json:"queryId"`
	AnswerText       string   `json:"answerText"`
	Citations        []Source `json:"citations,omitempty"`
	AgentsUsed       []string `json:"agentsUsed"`
	Confidence       float64  `json:"confidence"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	Mode             Mode     `json:"mode"`
}

// FeedbackRecord is a user rating of a previous result.
type FeedbackRecord struct {
	RequestID string    `bson:"request_id" json:"requestId"`
	UserID    string    `bson:"user_id" json:"userId"`
	AgentID   string    `bson:"agent_id" json:"agentId"`
	Rating    int       `bson:"rating" json:"rating"`
	Text      string    `bson:"text,omitempty" json:"text,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// AgentInfo pairs a descriptor with a stats snapshot for the surface.
type AgentInfo struct {
	Descriptor AgentDescriptor `json:"descriptor"`
	Stats      AgentStats      `json:"stats"`
}

// SystemStatus summarizes engine health for the status endpoint.
type SystemStatus struct {
	State     string       `json:"state"`
	Agents    []AgentInfo  `json:"agents"`
	Providers []string     `json:"providers"`
	Inflight  int64        `json:"inflight"`
	UptimeSec int64        `json:"uptimeSec"`
}
