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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"axonflow/engine/common/usage"
	"axonflow/engine/llm"
	"axonflow/engine/shared/logger"
)

// Defaults for the engine configuration.
const (
	DefaultMaxQueryChars       = 8000
	DefaultMaxInflightGlobal   = 64
	DefaultMaxInflightPerUser  = 8
	DefaultRequestDeadline     = 30 * time.Second
	DefaultStreamingDeadline   = 60 * time.Second
	DefaultMaxCollaborators    = 3
	DefaultWinnerGap           = 0.15
	DefaultProviderRateBudget  = 120
	DefaultProviderCooldown    = 15 * time.Second

	// collaborativeComplexity and collaborativeLatencyMs push auto mode
	// into collaboration for heavy queries.
	collaborativeComplexity = 0.7
	collaborativeLatencyMs  = 6000
)

// CredentialResolver resolves a usable credential handle for a user
// and provider. Implemented by credentials.Resolver.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID, providerID string) (*llm.CredentialHandle, error)
}

// ProviderClient is the slice of the provider adapter the engine
// dispatches through. Implemented by llm.Adapter.
type ProviderClient interface {
	Complete(ctx context.Context, providerID string, handle *llm.CredentialHandle, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteStream(ctx context.Context, providerID string, handle *llm.CredentialHandle, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error)
}

// Config tunes engine admission and dispatch behavior. The zero value
// is usable; zero fields take the package defaults.
type Config struct {
	MaxQueryChars      int
	MaxInflightGlobal  int
	MaxInflightPerUser int
	RequestDeadline    time.Duration
	StreamingDeadline  time.Duration
	MaxCollaborators   int
	WinnerGap          float64
	ProviderRateBudget int
	ProviderCooldown   time.Duration

	// ProviderRateBudgets overrides ProviderRateBudget per provider id.
	ProviderRateBudgets map[string]int

	// CancelOnFirstFullAnswer cancels sibling executions as soon as one
	// collaborator returns a complete answer. Off by default: sibling
	// answers improve synthesis quality.
	CancelOnFirstFullAnswer bool
}

func (c *Config) applyDefaults() {
	if c.MaxQueryChars <= 0 {
		c.MaxQueryChars = DefaultMaxQueryChars
	}
	if c.MaxInflightGlobal <= 0 {
		c.MaxInflightGlobal = DefaultMaxInflightGlobal
	}
	if c.MaxInflightPerUser <= 0 {
		c.MaxInflightPerUser = DefaultMaxInflightPerUser
	}
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = DefaultRequestDeadline
	}
	if c.StreamingDeadline <= 0 {
		c.StreamingDeadline = DefaultStreamingDeadline
	}
	if c.MaxCollaborators <= 0 {
		c.MaxCollaborators = DefaultMaxCollaborators
	}
	if c.WinnerGap <= 0 {
		c.WinnerGap = DefaultWinnerGap
	}
	if c.ProviderRateBudget <= 0 {
		c.ProviderRateBudget = DefaultProviderRateBudget
	}
	if c.ProviderCooldown <= 0 {
		c.ProviderCooldown = DefaultProviderCooldown
	}
}

// Engine routes queries to agents: admission, analysis, credential
// resolution, bounded dispatch and result merging.
type Engine struct {
	cfg      Config
	registry *AgentRegistry
	analyzer *Analyzer
	resolver CredentialResolver
	client   ProviderClient
	tracker  *Tracker
	quota    QuotaChecker
	audit    *AuditSink
	sources  SourceProvider
	usage    *usage.Recorder

	providers []string
	gate      *providerGate
	inflight  atomic.Int64

	userMu       sync.Mutex
	userInflight map[string]int

	startedAt time.Time
	logger    *logger.Logger
}

// EngineOption configures optional collaborators.
type EngineOption func(*Engine)

// WithQuota installs a per-user admission quota.
func WithQuota(q QuotaChecker) EngineOption {
	return func(e *Engine) { e.quota = q }
}

// WithAuditSink installs the execution summary sink.
func WithAuditSink(sink *AuditSink) EngineOption {
	return func(e *Engine) { e.audit = sink }
}

// WithUsageRecorder installs per-call token accounting.
func WithUsageRecorder(rec *usage.Recorder) EngineOption {
	return func(e *Engine) { e.usage = rec }
}

// WithSourceProvider overrides the default citation gatherer.
func WithSourceProvider(sp SourceProvider) EngineOption {
	return func(e *Engine) { e.sources = sp }
}

// WithProviderNames records the configured provider ids for the status
// surface.
func WithProviderNames(names []string) EngineOption {
	return func(e *Engine) { e.providers = names }
}

// New assembles an engine. registry, analyzer, resolver and client are
// required; the rest default to no-ops.
func New(cfg Config, registry *AgentRegistry, analyzer *Analyzer, resolver CredentialResolver, client ProviderClient, tracker *Tracker, opts ...EngineOption) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:          cfg,
		registry:     registry,
		analyzer:     analyzer,
		resolver:     resolver,
		client:       client,
		tracker:      tracker,
		sources:      ProviderSources{},
		gate:         newProviderGate(cfg.ProviderRateBudget, cfg.ProviderCooldown),
		userInflight: make(map[string]int),
		startedAt:    time.Now().UTC(),
		logger:       logger.New("engine"),
	}
	for providerID, budget := range cfg.ProviderRateBudgets {
		e.gate.setBudget(providerID, budget)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze runs query analysis without dispatching. Safe to call
// repeatedly; analysis does not move agent stats.
func (e *Engine) Analyze(ctx context.Context, query Query) (*Analysis, error) {
	if strings.TrimSpace(query.Text) == "" {
		return nil, NewError(ErrKindBadInput, "query text is required")
	}
	if len(query.Text) > e.cfg.MaxQueryChars {
		return nil, NewError(ErrKindBadInput,
			fmt.Sprintf("query exceeds %d characters", e.cfg.MaxQueryChars))
	}
	return e.analyzer.Analyze(ctx, query), nil
}

// Process runs a query end to end and returns the merged result.
func (e *Engine) Process(ctx context.Context, query Query) (*Result, error) {
	return e.process(ctx, query, nil)
}

// ProcessStream runs a query in streaming mode: chunks are forwarded
// to the handler as the provider produces them, and the final merged
// result is returned when the stream completes. Streaming dispatch is
// single-agent; collaboration would interleave unrelated chunks.
func (e *Engine) ProcessStream(ctx context.Context, query Query, handler llm.StreamHandler) (*Result, error) {
	query.Mode = ModeStreaming
	return e.process(ctx, query, handler)
}

func (e *Engine) process(ctx context.Context, query Query, stream llm.StreamHandler) (*Result, error) {
	requestID := uuid.New().String()
	started := time.Now()

	if err := e.admit(ctx, query, requestID); err != nil {
		e.recordTerminal(requestID, query, nil, nil, started, err)
		return nil, err
	}
	if err := e.acquireUserSlot(query.SubmittedBy, requestID); err != nil {
		e.recordTerminal(requestID, query, nil, nil, started, err)
		return nil, err
	}
	defer e.releaseUserSlot(query.SubmittedBy)

	e.inflight.Add(1)
	defer e.inflight.Add(-1)
	if e.tracker != nil {
		e.tracker.QueryStarted()
		defer e.tracker.QueryFinished()
	}

	// Streaming queries hold a connection open for chunked delivery and
	// get the longer deadline.
	deadline := e.cfg.RequestDeadline
	if stream != nil {
		deadline = e.cfg.StreamingDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	analysis := e.analyzer.Analyze(ctx, query)
	mode := e.selectMode(query.Mode, analysis)

	if len(analysis.CandidateAgents) == 0 {
		err := requestError(NewError(ErrKindInternal, "no agents available for this query"), requestID)
		e.recordTerminal(requestID, query, analysis, nil, started, err)
		return nil, err
	}

	var executions []*Execution
	if mode == ModeCollaborative {
		executions = e.dispatchCollaborative(ctx, requestID, query, analysis)
	} else {
		// A candidate whose providers are all cooling down is skipped in
		// favor of the next one rather than failing the query.
		for _, candidate := range analysis.CandidateAgents {
			exec := e.dispatch(ctx, requestID, query, analysis, candidate, stream)
			executions = append(executions, exec)
			if !errors.Is(exec.Err, errProvidersCooling) {
				break
			}
		}
	}

	result, err := e.merge(ctx, requestID, mode, query, analysis, executions)
	if result != nil {
		result.ProcessingTimeMs = time.Since(started).Milliseconds()
	}
	e.recordTerminal(requestID, query, analysis, executions, started, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) admit(ctx context.Context, query Query, requestID string) error {
	if strings.TrimSpace(query.Text) == "" {
		return requestError(NewError(ErrKindBadInput, "query text is required"), requestID)
	}
	if len(query.Text) > e.cfg.MaxQueryChars {
		return requestError(NewError(ErrKindBadInput,
			fmt.Sprintf("query exceeds %d characters", e.cfg.MaxQueryChars)), requestID)
	}
	if query.SubmittedBy == "" {
		return requestError(NewError(ErrKindUnauthenticated, "user id is required"), requestID)
	}
	if deadline, ok := ctx.Deadline(); ok && !deadline.After(time.Now()) {
		return requestError(NewError(ErrKindBadInput, "request deadline already expired"), requestID)
	}

	if e.quota != nil {
		if err := e.quota.Allow(ctx, query.SubmittedBy); err != nil {
			var engineErr *Error
			if errors.As(err, &engineErr) {
				return requestError(engineErr, requestID)
			}
			return requestError(WrapError(ErrKindInternal, "quota check failed", err), requestID)
		}
	}

	if e.inflight.Load() >= int64(e.cfg.MaxInflightGlobal) {
		return requestError(NewError(ErrKindOverloaded, "engine at capacity, retry later"), requestID)
	}
	return nil
}

func (e *Engine) acquireUserSlot(userID, requestID string) error {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	if e.userInflight[userID] >= e.cfg.MaxInflightPerUser {
		return requestError(NewError(ErrKindOverloaded, "too many queries in flight for this user"), requestID)
	}
	e.userInflight[userID]++
	return nil
}

func (e *Engine) releaseUserSlot(userID string) {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	if e.userInflight[userID] <= 1 {
		delete(e.userInflight, userID)
	} else {
		e.userInflight[userID]--
	}
}

// selectMode resolves auto into single or collaborative. Explicit
// modes are honored as requested.
func (e *Engine) selectMode(requested Mode, analysis *Analysis) Mode {
	switch requested {
	case ModeSingle, ModeCollaborative, ModeStreaming:
		return requested
	}
	if analysis.NeedsCollaboration ||
		analysis.Complexity >= collaborativeComplexity ||
		analysis.EstimatedLatencyMs >= collaborativeLatencyMs {
		return ModeCollaborative
	}
	return ModeSingle
}

func (e *Engine) dispatchCollaborative(ctx context.Context, requestID string, query Query, analysis *Analysis) []*Execution {
	candidates := analysis.CandidateAgents
	if len(candidates) > e.cfg.MaxCollaborators {
		candidates = candidates[:e.cfg.MaxCollaborators]
	}

	collabCtx := ctx
	var cancelSiblings context.CancelFunc
	if e.cfg.CancelOnFirstFullAnswer {
		collabCtx, cancelSiblings = context.WithCancel(ctx)
		defer cancelSiblings()
	}

	executions := make([]*Execution, len(candidates))
	var wg sync.WaitGroup
	for i, candidate := range candidates {
		wg.Add(1)
		go func(i int, candidate CandidateAgent) {
			defer wg.Done()
			exec := e.dispatch(collabCtx, requestID, query, analysis, candidate, nil)
			executions[i] = exec
			if e.cfg.CancelOnFirstFullAnswer && exec.Outcome == OutcomeOK {
				cancelSiblings()
			}
		}(i, candidate)
	}
	wg.Wait()
	return executions
}

// dispatch runs one agent execution through its full lifecycle. The
// returned execution is always terminal and has been recorded.
func (e *Engine) dispatch(ctx context.Context, requestID string, query Query, analysis *Analysis, candidate CandidateAgent, stream llm.StreamHandler) *Execution {
	exec := &Execution{
		ID:      uuid.New().String(),
		QueryID: requestID,
		AgentID: candidate.AgentID,
		State:   StateCreated,
	}
	defer func() {
		if e.tracker != nil {
			e.tracker.RecordExecution(exec)
		}
	}()

	desc, err := e.registry.Get(candidate.AgentID)
	if err != nil {
		e.finish(exec, StateFailed, OutcomeProviderError, WrapError(ErrKindInternal, "agent disappeared from registry", err))
		return exec
	}

	// Credential resolution happens before any provider traffic. A user
	// with no usable key for any preferred provider fails here without
	// a single provider call. Providers in cooldown are passed over for
	// the next preferred provider.
	providerID, handle, resolveErr := e.resolveProvider(ctx, query.SubmittedBy, desc.PreferredProviders)
	if resolveErr != nil {
		if errors.Is(resolveErr, errProvidersCooling) {
			e.finish(exec, StateFailed, OutcomeProviderError, resolveErr)
		} else {
			e.finish(exec, StateFailed, OutcomeCredentialError, resolveErr)
		}
		return exec
	}
	exec.ProviderID = providerID

	exec.State = StateQueued
	if err := e.registry.Acquire(ctx, candidate.AgentID); err != nil {
		e.finish(exec, stateForContextErr(ctx), outcomeForContextErr(ctx),
			WrapError(kindForContextErr(ctx), "timed out waiting for an agent slot", err))
		return exec
	}
	defer e.registry.Release(candidate.AgentID)

	exec.State = StateRunning
	exec.StartedAt = time.Now().UTC()

	callCtx := ctx
	if desc.DefaultTimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(desc.DefaultTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req := llm.CompletionRequest{
		Prompt:       query.Text,
		SystemPrompt: desc.SystemPrompt,
		Temperature:  -1,
	}

	// AttemptCount counts provider invocations: one per loop iteration,
	// plus any retries the adapter absorbed internally on a successful
	// call (CompletionResponse.Attempts).
	var resp *llm.CompletionResponse
	var callErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if stream != nil {
			resp, callErr = e.client.CompleteStream(callCtx, providerID, handle, req, stream)
		} else {
			resp, callErr = e.client.Complete(callCtx, providerID, handle, req)
		}
		if callErr == nil {
			if resp.Attempts > 1 {
				exec.AttemptCount += resp.Attempts
			} else {
				exec.AttemptCount++
			}
			break
		}
		exec.AttemptCount++
		if !transientError(callErr) || callCtx.Err() != nil {
			break
		}
	}

	exec.FinishedAt = time.Now().UTC()
	exec.LatencyMs = exec.FinishedAt.Sub(exec.StartedAt).Milliseconds()

	if callErr != nil {
		e.finishProviderError(callCtx, exec, providerID, callErr)
		return exec
	}

	exec.TokensIn = resp.Usage.PromptTokens
	exec.TokensOut = resp.Usage.CompletionTokens
	exec.Answer = resp.Content
	exec.Confidence = e.confidence(candidate.Score, resp, analysis)
	exec.Sources = extractSources(resp.Content, sourceKindFor(analysis))
	exec.State = StateSucceeded
	exec.Outcome = OutcomeOK

	if e.usage != nil {
		if err := e.usage.RecordCompletion(usage.CompletionEvent{
			RequestID:        requestID,
			UserID:           query.SubmittedBy,
			AgentID:          candidate.AgentID,
			Provider:         providerID,
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			LatencyMs:        exec.LatencyMs,
			SharedKey:        handle.Shared,
		}); err != nil {
			e.logger.Warn(requestID, "usage recording failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return exec
}

// errProvidersCooling marks a dispatch that found credentials but every
// usable provider gated by budget or cooldown.
var errProvidersCooling = errors.New("all usable providers are cooling down")

// resolveProvider walks the agent's preferred providers and returns the
// first one the user holds a usable credential for and whose rate gate
// admits the call. Gated providers are skipped, not failed.
func (e *Engine) resolveProvider(ctx context.Context, userID string, preferred []string) (string, *llm.CredentialHandle, error) {
	var lastErr error
	gated := false
	for _, providerID := range preferred {
		if e.gate.cooling(providerID) {
			gated = true
			continue
		}
		handle, err := e.resolver.Resolve(ctx, userID, providerID)
		if err != nil {
			lastErr = err
			continue
		}
		if !e.gate.allow(providerID) {
			gated = true
			continue
		}
		return providerID, handle, nil
	}
	if gated {
		return "", nil, WrapError(ErrKindOverloaded,
			"preferred providers are rate limited, retry later", errProvidersCooling)
	}
	return "", nil, WrapError(ErrKindNoCredential,
		"no usable credential for any preferred provider", lastErr)
}

func (e *Engine) finish(exec *Execution, state ExecutionState, outcome ExecutionOutcome, err error) {
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.FinishedAt.IsZero() {
		exec.FinishedAt = time.Now().UTC()
	}
	exec.State = state
	exec.Outcome = outcome
	exec.Err = err
}

func (e *Engine) finishProviderError(ctx context.Context, exec *Execution, providerID string, callErr error) {
	var provErr *llm.ProviderError
	switch {
	case errors.As(callErr, &provErr):
		switch provErr.Class() {
		case llm.ErrorClassAuth:
			e.finish(exec, StateFailed, OutcomeCredentialError,
				WrapError(ErrKindCredentialInvalid, "provider rejected the credential", callErr))
		case llm.ErrorClassQuota:
			e.gate.trip(providerID)
			e.finish(exec, StateFailed, OutcomeProviderError,
				WrapError(ErrKindOverloaded, "provider rate limit hit", callErr))
		case llm.ErrorClassContentPolicy:
			e.finish(exec, StateFailed, OutcomeProviderError,
				WrapError(ErrKindContentPolicy, "provider refused the content", callErr))
		case llm.ErrorClassTransient:
			e.finish(exec, StateFailed, OutcomeProviderError,
				WrapError(ErrKindProviderTransient, "provider call failed", callErr))
		default:
			e.finish(exec, StateFailed, OutcomeProviderError,
				WrapError(ErrKindProviderPermanent, "provider call failed", callErr))
		}
	case errors.Is(callErr, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.finish(exec, StateTimedOut, OutcomeTimeout,
			WrapError(ErrKindTimeout, "agent execution timed out", callErr))
	case errors.Is(callErr, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		e.finish(exec, StateCancelled, OutcomeCancelled,
			WrapError(ErrKindCancelled, "agent execution cancelled", callErr))
	default:
		e.finish(exec, StateFailed, OutcomeProviderError,
			WrapError(ErrKindProviderTransient, "provider call failed", callErr))
	}
}

// merge folds terminal executions into a single result.
func (e *Engine) merge(ctx context.Context, requestID string, mode Mode, query Query, analysis *Analysis, executions []*Execution) (*Result, error) {
	var successes []*Execution
	for _, exec := range executions {
		if exec != nil && exec.Outcome == OutcomeOK {
			successes = append(successes, exec)
		}
	}

	if len(successes) == 0 {
		return nil, e.aggregateFailure(requestID, executions)
	}

	sort.SliceStable(successes, func(i, j int) bool {
		return successes[i].Confidence > successes[j].Confidence
	})
	winner := successes[0]

	answer := winner.Answer
	confidence := winner.Confidence
	agentsUsed := make([]string, 0, len(successes))
	for _, exec := range successes {
		agentsUsed = append(agentsUsed, exec.AgentID)
	}

	// Close races between collaborators go through the coordinator for
	// synthesis; a clear winner is returned as-is.
	if mode == ModeCollaborative && len(successes) >= 2 &&
		winner.Confidence-successes[1].Confidence < e.cfg.WinnerGap {
		if synthesized, synthExec := e.synthesize(ctx, requestID, query, analysis, successes); synthesized != "" {
			answer = synthesized
			confidence = clamp01(confidence + 0.05)
			agentsUsed = append(agentsUsed, synthExec.AgentID)
		}
	}

	gathered, err := e.sources.Gather(ctx, analysis, answer)
	if err != nil {
		e.logger.Warn(requestID, "source gathering failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return &Result{
		QueryID:    requestID,
		AnswerText: answer,
		Citations:  mergeSources(executions, gathered),
		AgentsUsed: agentsUsed,
		Confidence: confidence,
		Mode:       mode,
	}, nil
}

// synthesize asks the coordinator agent to merge collaborator answers.
// Failure falls back to the raw winner; synthesis never fails a query
// that already has usable answers.
func (e *Engine) synthesize(ctx context.Context, requestID string, query Query, analysis *Analysis, successes []*Execution) (string, *Execution) {
	coordinator, err := e.registry.Coordinator()
	if err != nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Combine the following agent answers into one coherent response to the question.\n\n")
	sb.WriteString("Question: ")
	sb.WriteString(query.Text)
	sb.WriteString("\n\n")
	for i, exec := range successes {
		fmt.Fprintf(&sb, "Answer %d (from %s):\n%s\n\n", i+1, exec.AgentID, exec.Answer)
	}

	synthQuery := query
	synthQuery.Text = sb.String()
	exec := e.dispatch(ctx, requestID, synthQuery, analysis, CandidateAgent{AgentID: coordinator.ID, Score: 1.0}, nil)
	if exec.Outcome != OutcomeOK {
		return "", nil
	}
	return exec.Answer, exec
}

// aggregateFailure derives the surfaced error from a fully failed
// dispatch round, keeping per-agent causes for the log trail.
func (e *Engine) aggregateFailure(requestID string, executions []*Execution) error {
	agg := &AggregateError{RequestID: requestID, Causes: make(map[string]error)}
	counts := make(map[ExecutionOutcome]int)
	var sample *Execution
	for _, exec := range executions {
		if exec == nil {
			continue
		}
		counts[exec.Outcome]++
		if exec.Err != nil {
			agg.Causes[exec.AgentID] = exec.Err
		}
		if sample == nil || outcomePriority(exec.Outcome) > outcomePriority(sample.Outcome) {
			sample = exec
		}
	}

	kind := ErrKindProviderTransient
	message := "all agent executions failed"
	if sample != nil {
		var engineErr *Error
		if errors.As(sample.Err, &engineErr) {
			kind = engineErr.Kind
		} else {
			switch sample.Outcome {
			case OutcomeCredentialError:
				kind = ErrKindNoCredential
			case OutcomeTimeout:
				kind = ErrKindTimeout
			case OutcomeCancelled:
				kind = ErrKindCancelled
			}
		}
	}

	err := WrapError(kind, message, agg)
	err.RequestID = requestID
	return err
}

// outcomePriority orders failure outcomes for picking the surfaced
// kind: cancellation beats timeout beats credential beats provider.
func outcomePriority(outcome ExecutionOutcome) int {
	switch outcome {
	case OutcomeCancelled:
		return 4
	case OutcomeTimeout:
		return 3
	case OutcomeCredentialError:
		return 2
	default:
		return 1
	}
}

// confidence blends agent reputation with answer-shape heuristics.
func (e *Engine) confidence(agentScore float64, resp *llm.CompletionResponse, analysis *Analysis) float64 {
	structured := 0.0
	if len(resp.JSON) > 0 {
		structured = 1.0
	}

	coverage := keywordCoverage(resp.Content, analysis.Keywords)

	words := len(strings.Fields(resp.Content))
	length := float64(words) / 80.0
	if length > 1 {
		length = 1
	}

	return clamp01(0.4*agentScore + 0.3*structured + 0.2*coverage + 0.1*length)
}

func keywordCoverage(answer string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0.5
	}
	lower := strings.ToLower(answer)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func (e *Engine) recordTerminal(requestID string, query Query, analysis *Analysis, executions []*Execution, started time.Time, err error) {
	mode := query.Mode
	intent := ""
	if analysis != nil {
		intent = string(analysis.Intent)
	}

	status := "ok"
	outcome := "ok"
	errKind := ""
	if err != nil {
		status = "error"
		outcome = "error"
		var engineErr *Error
		if errors.As(err, &engineErr) {
			errKind = string(engineErr.Kind)
		}
	}
	if e.tracker != nil {
		e.tracker.RecordQuery(mode, status)
	}
	if e.audit == nil {
		return
	}

	rec := AuditRecord{
		RequestID: requestID,
		UserID:    query.SubmittedBy,
		Mode:      string(mode),
		Intent:    intent,
		Outcome:   outcome,
		ErrorKind: errKind,
		LatencyMs: time.Since(started).Milliseconds(),
	}
	for _, exec := range executions {
		if exec == nil {
			continue
		}
		rec.AgentsUsed = append(rec.AgentsUsed, exec.AgentID)
		if exec.ProviderID != "" {
			rec.Providers = append(rec.Providers, exec.ProviderID)
		}
		rec.TokensIn += exec.TokensIn
		rec.TokensOut += exec.TokensOut
		if exec.AttemptCount > rec.AttemptCount {
			rec.AttemptCount = exec.AttemptCount
		}
		if exec.Confidence > rec.Confidence {
			rec.Confidence = exec.Confidence
		}
	}
	e.audit.Record(rec)
}

// Status reports the engine's live state for the status surface.
func (e *Engine) Status() SystemStatus {
	return SystemStatus{
		State:     "ok",
		Agents:    e.registry.List(),
		Providers: e.providers,
		Inflight:  e.inflight.Load(),
		UptimeSec: int64(time.Since(e.startedAt).Seconds()),
	}
}

// Performance returns the tracker snapshot.
func (e *Engine) Performance() PerformanceSnapshot {
	if e.tracker == nil {
		return PerformanceSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return e.tracker.Snapshot()
}

// Feedback records a user rating against an agent.
func (e *Engine) Feedback(ctx context.Context, rec FeedbackRecord) (bool, error) {
	if e.tracker == nil {
		return false, NewError(ErrKindInternal, "feedback tracking is not configured")
	}
	return e.tracker.RecordFeedback(ctx, rec)
}

func requestError(err *Error, requestID string) *Error {
	err.RequestID = requestID
	return err
}

func transientError(err error) bool {
	var provErr *llm.ProviderError
	return errors.As(err, &provErr) && provErr.Class() == llm.ErrorClassTransient
}

func stateForContextErr(ctx context.Context) ExecutionState {
	if errors.Is(ctx.Err(), context.Canceled) {
		return StateCancelled
	}
	return StateTimedOut
}

func outcomeForContextErr(ctx context.Context) ExecutionOutcome {
	if errors.Is(ctx.Err(), context.Canceled) {
		return OutcomeCancelled
	}
	return OutcomeTimeout
}

func kindForContextErr(ctx context.Context) ErrorKind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrKindCancelled
	}
	return ErrKindTimeout
}

// providerGate is a per-provider call budget with a cooldown tripped
// by provider-side rate limiting. Each provider gets its own per-minute
// budget; providers without one use the default.
type providerGate struct {
	mu            sync.Mutex
	defaultBudget int
	cooldown      time.Duration

	budgets     map[string]int
	counts      map[string]int
	windowStart map[string]time.Time
	coolUntil   map[string]time.Time
}

func newProviderGate(defaultBudget int, cooldown time.Duration) *providerGate {
	return &providerGate{
		defaultBudget: defaultBudget,
		cooldown:      cooldown,
		budgets:       make(map[string]int),
		counts:        make(map[string]int),
		windowStart:   make(map[string]time.Time),
		coolUntil:     make(map[string]time.Time),
	}
}

func (g *providerGate) setBudget(providerID string, budget int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if budget > 0 {
		g.budgets[providerID] = budget
	}
}

func (g *providerGate) budgetFor(providerID string) int {
	if budget, ok := g.budgets[providerID]; ok {
		return budget
	}
	return g.defaultBudget
}

// cooling reports whether the provider is in cooldown without consuming
// budget. Used to pass over a gated provider during selection.
func (g *providerGate) cooling(providerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.coolUntil[providerID]
	return ok && time.Now().Before(until)
}

func (g *providerGate) allow(providerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if until, ok := g.coolUntil[providerID]; ok && now.Before(until) {
		return false
	}

	if start, ok := g.windowStart[providerID]; !ok || now.Sub(start) >= time.Minute {
		g.windowStart[providerID] = now
		g.counts[providerID] = 0
	}

	g.counts[providerID]++
	if g.counts[providerID] > g.budgetFor(providerID) {
		g.coolUntil[providerID] = now.Add(g.cooldown)
		return false
	}
	return true
}

// trip starts a cooldown immediately, used when the provider itself
// reports rate limiting.
func (g *providerGate) trip(providerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.coolUntil[providerID] = time.Now().Add(g.cooldown)
}
