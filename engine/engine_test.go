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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/engine/llm"
)

type fakeResolver struct {
	handles map[string]*llm.CredentialHandle // provider id -> handle
	calls   atomic.Int64
}

func (f *fakeResolver) Resolve(_ context.Context, userID, providerID string) (*llm.CredentialHandle, error) {
	f.calls.Add(1)
	if handle, ok := f.handles[providerID]; ok {
		return handle, nil
	}
	return nil, NewError(ErrKindNoCredential, "no credential for "+providerID)
}

type fakeClient struct {
	calls    atomic.Int64
	response func(providerID string, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (f *fakeClient) Complete(ctx context.Context, providerID string, _ *llm.CredentialHandle, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.response(providerID, req)
}

func (f *fakeClient) CompleteStream(ctx context.Context, providerID string, handle *llm.CredentialHandle, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	resp, err := f.Complete(ctx, providerID, handle, req)
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		if err := handler(llm.StreamChunk{Content: word}); err != nil {
			return nil, err
		}
	}
	if err := handler(llm.StreamChunk{Done: true}); err != nil {
		return nil, err
	}
	return resp, nil
}

func staticResponse(content string) func(string, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(string, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content: content,
			Usage:   llm.UsageStats{PromptTokens: 100, CompletionTokens: 50},
		}, nil
	}
}

func anthropicHandle() *llm.CredentialHandle {
	return &llm.CredentialHandle{ProviderID: "anthropic", UserID: "user-1", Material: "sk-test", Fingerprint: "abcd1234"}
}

func newTestEngine(t *testing.T, cfg Config, resolver *fakeResolver, client *fakeClient, agents ...AgentDescriptor) *Engine {
	t.Helper()
	registry := newTestRegistryWithAgents(t, agents...)
	analyzer := NewAnalyzer(registry)
	tracker := NewTracker(registry, newFakeFeedbackStore())
	return New(cfg, registry, analyzer, resolver, client, tracker)
}

func TestProcessSingleAgentSuccess(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &fakeClient{response: staticResponse("Bloom filters are probabilistic set membership structures.")}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("researcher"))

	result, err := eng.Process(context.Background(), Query{Text: "What is a bloom filter", SubmittedBy: "user-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, result.QueryID)
	assert.Equal(t, ModeSingle, result.Mode)
	assert.Equal(t, []string{"researcher"}, result.AgentsUsed)
	assert.Contains(t, result.AnswerText, "Bloom filters")
	assert.Greater(t, result.Confidence, 0.0)
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestProcessRejectsEmptyQuery(t *testing.T) {
	eng := newTestEngine(t, Config{}, &fakeResolver{}, &fakeClient{}, researchAgent("researcher"))

	_, err := eng.Process(context.Background(), Query{Text: "   ", SubmittedBy: "user-1"})

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindBadInput, engineErr.Kind)
	assert.NotEmpty(t, engineErr.RequestID)
}

func TestProcessRejectsMissingUser(t *testing.T) {
	eng := newTestEngine(t, Config{}, &fakeResolver{}, &fakeClient{}, researchAgent("researcher"))

	_, err := eng.Process(context.Background(), Query{Text: "hello"})

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindUnauthenticated, engineErr.Kind)
}

func TestProcessRejectsExpiredDeadline(t *testing.T) {
	eng := newTestEngine(t, Config{}, &fakeResolver{}, &fakeClient{}, researchAgent("researcher"))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := eng.Process(ctx, Query{Text: "hello", SubmittedBy: "user-1"})

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindBadInput, engineErr.Kind)
}

func TestProcessCredentialRefusalMakesNoProviderCalls(t *testing.T) {
	// User has no credential anywhere and no shared-key opt-in: the
	// request fails before a single provider call.
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{}}
	client := &fakeClient{response: staticResponse("never reached")}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("researcher"))

	_, err := eng.Process(context.Background(), Query{Text: "What is a bloom filter", SubmittedBy: "user-1"})

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindNoCredential, engineErr.Kind)
	assert.Equal(t, 403, engineErr.Kind.HTTPStatus())
	assert.Equal(t, int64(0), client.calls.Load())
}

func TestProcessRetriesTransientOnce(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}

	var attempts atomic.Int64
	client := &fakeClient{response: func(string, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if attempts.Add(1) == 1 {
			return nil, &llm.ProviderError{Provider: "anthropic", Code: llm.ErrCodeServerError, Message: "overloaded"}
		}
		return &llm.CompletionResponse{Content: "recovered answer"}, nil
	}}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("researcher"))

	result, err := eng.Process(context.Background(), Query{Text: "What is a bloom filter", SubmittedBy: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "recovered answer", result.AnswerText)
	assert.Equal(t, int64(2), client.calls.Load())
}

func TestProcessDoesNotRetryPermanentError(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &fakeClient{response: func(string, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, &llm.ProviderError{Provider: "anthropic", Code: llm.ErrCodeInvalidRequest, Message: "bad request"}
	}}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("researcher"))

	_, err := eng.Process(context.Background(), Query{Text: "What is a bloom filter", SubmittedBy: "user-1"})
	require.Error(t, err)
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestProcessAuthErrorSurfacesCredentialInvalid(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &fakeClient{response: func(string, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, &llm.ProviderError{Provider: "anthropic", Code: llm.ErrCodeAuth, Message: "invalid key"}
	}}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("researcher"))

	_, err := eng.Process(context.Background(), Query{Text: "What is a bloom filter", SubmittedBy: "user-1"})

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindCredentialInvalid, engineErr.Kind)
}

func TestProcessOverloadRejection(t *testing.T) {
	eng := newTestEngine(t, Config{MaxInflightGlobal: 1}, &fakeResolver{}, &fakeClient{}, researchAgent("researcher"))
	eng.inflight.Store(1)

	_, err := eng.Process(context.Background(), Query{Text: "hello", SubmittedBy: "user-1"})

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindOverloaded, engineErr.Kind)
	assert.Equal(t, 429, engineErr.Kind.HTTPStatus())
}

func TestProcessQuotaRejection(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &fakeClient{response: staticResponse("fine")}

	registry := newTestRegistryWithAgents(t, researchAgent("researcher"))
	eng := New(Config{}, registry, NewAnalyzer(registry), resolver, client,
		NewTracker(registry, nil), WithQuota(NewMemoryQuota(1)))

	_, err := eng.Process(context.Background(), Query{Text: "first", SubmittedBy: "user-1"})
	require.NoError(t, err)

	_, err = eng.Process(context.Background(), Query{Text: "second", SubmittedBy: "user-1"})
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindOverloaded, engineErr.Kind)
}

func TestProcessCollaborativeMergesAnswers(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{
		"anthropic": anthropicHandle(),
		"openai":    {ProviderID: "openai", UserID: "user-1", Material: "sk-oai", Fingerprint: "efgh5678"},
	}}
	client := &fakeClient{response: staticResponse("A detailed comparison of databases covering consistency and throughput tradeoffs in distributed systems over many words to look substantial.")}

	coordinator := AgentDescriptor{
		ID:                 "coordinator",
		Specialization:     SpecializationOrchestration,
		Capabilities:       []Capability{CapabilitySummarize},
		PreferredProviders: []string{"anthropic"},
		Coordinator:        true,
	}
	eng := newTestEngine(t, Config{}, resolver, client,
		researchAgent("res-a"), researchAgent("res-b"), coordinator)

	result, err := eng.Process(context.Background(), Query{
		Text:        "PostgreSQL vs MongoDB for time series",
		SubmittedBy: "user-1",
		Mode:        ModeCollaborative,
	})
	require.NoError(t, err)

	assert.Equal(t, ModeCollaborative, result.Mode)
	assert.GreaterOrEqual(t, len(result.AgentsUsed), 2)
}

func TestProcessCollaborativeAllFailAggregates(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &fakeClient{response: func(string, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, &llm.ProviderError{Provider: "anthropic", Code: llm.ErrCodeInvalidRequest, Message: "rejected"}
	}}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("res-a"), researchAgent("res-b"))

	_, err := eng.Process(context.Background(), Query{
		Text:        "PostgreSQL vs MongoDB for time series",
		SubmittedBy: "user-1",
		Mode:        ModeCollaborative,
	})
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.NotEmpty(t, agg.Causes)
}

func TestProcessCancellation(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}

	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{response: func(string, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		cancel()
		return nil, ctx.Err()
	}}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("researcher"))

	_, err := eng.Process(ctx, Query{Text: "slow question", SubmittedBy: "user-1"})

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindCancelled, engineErr.Kind)
	assert.Equal(t, 499, engineErr.Kind.HTTPStatus())
}

func TestProcessStreamForwardsChunks(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &fakeClient{response: staticResponse("streamed answer text")}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("researcher"))

	var chunks []string
	var sawDone bool
	result, err := eng.ProcessStream(context.Background(), Query{Text: "stream me", SubmittedBy: "user-1"},
		func(chunk llm.StreamChunk) error {
			if chunk.Done {
				sawDone = true
			} else {
				chunks = append(chunks, chunk.Content)
			}
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, ModeStreaming, result.Mode)
	assert.True(t, sawDone)
	assert.Equal(t, "streamed answer text", strings.Join(chunks, ""))
}

func TestSelectMode(t *testing.T) {
	eng := newTestEngine(t, Config{}, &fakeResolver{}, &fakeClient{}, researchAgent("researcher"))

	assert.Equal(t, ModeSingle, eng.selectMode(ModeSingle, &Analysis{NeedsCollaboration: true}))
	assert.Equal(t, ModeCollaborative, eng.selectMode(ModeCollaborative, &Analysis{}))
	assert.Equal(t, ModeCollaborative, eng.selectMode(ModeAuto, &Analysis{NeedsCollaboration: true}))
	assert.Equal(t, ModeCollaborative, eng.selectMode(ModeAuto, &Analysis{Complexity: 0.8}))
	assert.Equal(t, ModeCollaborative, eng.selectMode(ModeAuto, &Analysis{EstimatedLatencyMs: 9000}))
	assert.Equal(t, ModeSingle, eng.selectMode(ModeAuto, &Analysis{Complexity: 0.2, EstimatedLatencyMs: 2000}))
}

func TestProviderGateBudgetAndCooldown(t *testing.T) {
	gate := newProviderGate(2, 50*time.Millisecond)

	assert.True(t, gate.allow("anthropic"))
	assert.True(t, gate.allow("anthropic"))
	assert.False(t, gate.allow("anthropic"))

	// Other providers are unaffected.
	assert.True(t, gate.allow("openai"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, gate.allow("anthropic"))
}

func TestProviderGateTrip(t *testing.T) {
	gate := newProviderGate(100, 50*time.Millisecond)

	gate.trip("anthropic")
	assert.False(t, gate.allow("anthropic"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, gate.allow("anthropic"))
}

func TestProviderGatePerProviderBudgets(t *testing.T) {
	gate := newProviderGate(2, 50*time.Millisecond)
	gate.setBudget("openai", 1)

	// openai trips after its own budget of 1.
	assert.True(t, gate.allow("openai"))
	assert.False(t, gate.allow("openai"))
	assert.True(t, gate.cooling("openai"))

	// anthropic still runs on the default budget of 2.
	assert.True(t, gate.allow("anthropic"))
	assert.True(t, gate.allow("anthropic"))
	assert.False(t, gate.allow("anthropic"))
}

func TestEngineAppliesConfiguredProviderBudgets(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &fakeClient{response: staticResponse("ok")}
	eng := newTestEngine(t, Config{ProviderRateBudgets: map[string]int{"anthropic": 1}},
		resolver, client, researchAgent("researcher"))

	assert.True(t, eng.gate.allow("anthropic"))
	assert.False(t, eng.gate.allow("anthropic"))
}

func TestResolveProviderSkipsCoolingProvider(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{
		"anthropic": anthropicHandle(),
		"openai":    {ProviderID: "openai", UserID: "user-1", Material: "sk-oa", Fingerprint: "ef015678"},
	}}
	var usedProvider atomic.Value
	client := &fakeClient{response: func(providerID string, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		usedProvider.Store(providerID)
		return &llm.CompletionResponse{Content: "answered from fallback"}, nil
	}}

	agent := AgentDescriptor{
		ID:                 "researcher",
		Specialization:     SpecializationResearch,
		Capabilities:       []Capability{CapabilityResearch, CapabilitySummarize},
		PreferredProviders: []string{"anthropic", "openai"},
	}
	eng := newTestEngine(t, Config{}, resolver, client, agent)
	eng.gate.trip("anthropic")

	result, err := eng.Process(context.Background(), Query{Text: "What is a bloom filter", SubmittedBy: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, "openai", usedProvider.Load())
	assert.Contains(t, result.AnswerText, "fallback")
}

func TestSingleModeFallsBackPastCoolingCandidate(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{
		"anthropic": anthropicHandle(),
		"openai":    {ProviderID: "openai", UserID: "user-1", Material: "sk-oa", Fingerprint: "ef015678"},
	}}
	client := &fakeClient{response: staticResponse("answered by the second agent")}

	first := researchAgent("aaa-researcher")
	second := researchAgent("bbb-researcher")
	second.PreferredProviders = []string{"openai"}

	eng := newTestEngine(t, Config{}, resolver, client, first, second)
	eng.gate.trip("anthropic")

	result, err := eng.Process(context.Background(), Query{Text: "What is a bloom filter", SubmittedBy: "user-1"})
	require.NoError(t, err)

	// The anthropic-only agent is passed over while its provider cools,
	// and the query settles on the openai-backed agent.
	assert.Equal(t, []string{"bbb-researcher"}, result.AgentsUsed)
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestAttemptCountIncludesAdapterRetries(t *testing.T) {
	mock := llm.NewMockProvider("anthropic", llm.ProviderTypeAnthropic)
	mock.Script = []llm.MockCall{
		{Err: llm.NewProviderError("anthropic", llm.ErrCodeServerError, "upstream hiccup")},
		{Response: &llm.CompletionResponse{Content: "recovered", Model: "mock-model", FinishReason: llm.FinishReasonStop,
			Usage: llm.UsageStats{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}}},
	}

	fm := llm.NewFactoryManager()
	fm.Register(llm.ProviderTypeAnthropic, func(llm.ProviderConfig) (llm.Provider, error) {
		return mock, nil
	})
	providerRegistry := llm.NewRegistry(llm.WithFactoryManager(fm))
	require.NoError(t, providerRegistry.Register(llm.ProviderConfig{
		Name: "anthropic", Type: llm.ProviderTypeAnthropic, Enabled: true,
	}))
	adapter := llm.NewAdapter(providerRegistry, llm.WithRetryConfig(llm.RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		RetryIf:        llm.DefaultRetryable,
	}))

	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	agents := newTestRegistryWithAgents(t, researchAgent("researcher"))
	eng := New(Config{}, agents, NewAnalyzer(agents), resolver, adapter, NewTracker(agents, newFakeFeedbackStore()))

	query := Query{Text: "What is a bloom filter", SubmittedBy: "user-1"}
	analysis := NewAnalyzer(agents).Analyze(context.Background(), query)
	require.NotEmpty(t, analysis.CandidateAgents)

	exec := eng.dispatch(context.Background(), "req-attempts", query, analysis, analysis.CandidateAgents[0], nil)

	// The adapter absorbed one transient failure before succeeding, so
	// the execution reports both provider invocations.
	assert.Equal(t, OutcomeOK, exec.Outcome)
	assert.Equal(t, 2, exec.AttemptCount)
	assert.Equal(t, 2, mock.Calls())
}

func TestPerUserInflightLimit(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	client := &fakeClient{response: func(string, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		once.Do(func() { close(entered) })
		<-release
		return &llm.CompletionResponse{Content: "done"}, nil
	}}
	eng := newTestEngine(t, Config{MaxInflightPerUser: 1}, resolver, client, researchAgent("researcher"))

	firstDone := make(chan error, 1)
	go func() {
		_, err := eng.Process(context.Background(), Query{Text: "long running query", SubmittedBy: "user-1"})
		firstDone <- err
	}()
	<-entered

	_, err := eng.Process(context.Background(), Query{Text: "second query", SubmittedBy: "user-1"})
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindOverloaded, engineErr.Kind)

	close(release)
	require.NoError(t, <-firstDone)

	// The slot freed up, so the same user can submit again.
	_, err = eng.Process(context.Background(), Query{Text: "third query", SubmittedBy: "user-1"})
	require.NoError(t, err)
}

// slowClient answers after a fixed delay, honoring context deadlines.
type slowClient struct {
	delay time.Duration
}

func (s *slowClient) Complete(ctx context.Context, _ string, _ *llm.CredentialHandle, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return &llm.CompletionResponse{Content: "slow answer"}, nil
	}
}

func (s *slowClient) CompleteStream(ctx context.Context, providerID string, handle *llm.CredentialHandle, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	resp, err := s.Complete(ctx, providerID, handle, req)
	if err != nil {
		return nil, err
	}
	if err := handler(llm.StreamChunk{Content: resp.Content}); err != nil {
		return nil, err
	}
	if err := handler(llm.StreamChunk{Done: true}); err != nil {
		return nil, err
	}
	return resp, nil
}

func TestStreamingDeadlineBoundsStreamingQueries(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &slowClient{delay: 200 * time.Millisecond}
	registry := newTestRegistryWithAgents(t, researchAgent("researcher"))
	eng := New(Config{StreamingDeadline: 30 * time.Millisecond}, registry, NewAnalyzer(registry),
		resolver, client, NewTracker(registry, newFakeFeedbackStore()))

	_, err := eng.ProcessStream(context.Background(), Query{Text: "stream me", SubmittedBy: "user-1"},
		func(llm.StreamChunk) error { return nil })
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, ErrKindTimeout, engineErr.Kind)

	// The non-streaming path runs under the request deadline and is not
	// cut off by the shorter streaming one.
	result, err := eng.Process(context.Background(), Query{Text: "take your time", SubmittedBy: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "slow answer", result.AnswerText)
}

func TestProcessExtractsCitationsFromAnswer(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	client := &fakeClient{response: staticResponse("Bloom filters are described at https://example.org/bloom-paper.")}
	eng := newTestEngine(t, Config{}, resolver, client, researchAgent("researcher"))

	result, err := eng.Process(context.Background(), Query{Text: "What is a bloom filter", SubmittedBy: "user-1"})
	require.NoError(t, err)

	require.NotEmpty(t, result.Citations)
	assert.Equal(t, "https://example.org/bloom-paper", result.Citations[0].URL)
}

func TestConfidenceBlending(t *testing.T) {
	eng := newTestEngine(t, Config{}, &fakeResolver{}, &fakeClient{}, researchAgent("researcher"))

	analysis := &Analysis{Keywords: []string{"kafka", "throughput"}}
	covered := eng.confidence(0.8, &llm.CompletionResponse{
		Content: strings.Repeat("kafka throughput benchmarks ", 30),
	}, analysis)
	uncovered := eng.confidence(0.8, &llm.CompletionResponse{Content: "unrelated"}, analysis)

	assert.Greater(t, covered, uncovered)
	assert.LessOrEqual(t, covered, 1.0)
}

func TestStatusReportsInflightAndAgents(t *testing.T) {
	registry := newTestRegistryWithAgents(t, researchAgent("researcher"))
	eng := New(Config{}, registry, NewAnalyzer(registry), &fakeResolver{}, &fakeClient{},
		NewTracker(registry, nil), WithProviderNames([]string{"anthropic", "openai"}))

	status := eng.Status()
	assert.Equal(t, "ok", status.State)
	assert.Len(t, status.Agents, 1)
	assert.Equal(t, []string{"anthropic", "openai"}, status.Providers)
	assert.Equal(t, int64(0), status.Inflight)
}

func TestFeedbackThroughEngine(t *testing.T) {
	resolver := &fakeResolver{handles: map[string]*llm.CredentialHandle{"anthropic": anthropicHandle()}}
	eng := newTestEngine(t, Config{}, resolver, &fakeClient{response: staticResponse("ok")}, researchAgent("researcher"))

	inserted, err := eng.Feedback(context.Background(), FeedbackRecord{
		RequestID: "req-1", UserID: "user-1", AgentID: "researcher", Rating: 4,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = eng.Feedback(context.Background(), FeedbackRecord{
		RequestID: "req-1", UserID: "user-1", AgentID: "researcher", Rating: 4,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}
