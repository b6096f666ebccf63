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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `agents:
  - id: researcher
    display_name: Research Agent
    specialization: research
    capabilities: [research, summarize]
    preferred_providers: [anthropic, openai]
    max_concurrency: 2
    default_timeout_ms: 20000
  - id: coder
    display_name: Code Agent
    specialization: coding
    capabilities: [code_gen, analysis]
    preferred_providers: [openai]
  - id: coordinator
    display_name: Coordinator
    specialization: orchestration
    capabilities: [summarize]
    preferred_providers: [anthropic]
    coordinator: true
`

func writeCatalog(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "agents.yaml", testCatalog)

	registry := NewAgentRegistry()
	require.NoError(t, registry.LoadFromDirectory(context.Background(), dir))

	infos := registry.List()
	require.Len(t, infos, 3)

	desc, err := registry.Get("researcher")
	require.NoError(t, err)
	assert.Equal(t, 2, desc.MaxConcurrency)
	assert.Equal(t, 20000, desc.DefaultTimeoutMs)
	assert.Equal(t, []string{"anthropic", "openai"}, desc.PreferredProviders)

	// Omitted limits take the defaults.
	coder, err := registry.Get("coder")
	require.NoError(t, err)
	assert.Equal(t, DefaultAgentMaxConcurrency, coder.MaxConcurrency)
	assert.Equal(t, DefaultAgentTimeoutMs, coder.DefaultTimeoutMs)
}

func TestLoadFromDirectoryRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "a.yaml", "agents:\n  - id: dup\n    specialization: research\n    capabilities: [research]\n    preferred_providers: [anthropic]\n")
	writeCatalog(t, dir, "b.yaml", "agents:\n  - id: dup\n    specialization: coding\n    capabilities: [code_gen]\n    preferred_providers: [openai]\n")

	registry := NewAgentRegistry()
	require.Error(t, registry.LoadFromDirectory(context.Background(), dir))
}

func TestLoadFromDirectoryReloadKeepsStats(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "agents.yaml", testCatalog)

	registry := NewAgentRegistry()
	require.NoError(t, registry.LoadFromDirectory(context.Background(), dir))

	entry, ok := registry.entry("researcher")
	require.True(t, ok)
	entry.applyExecution(OutcomeOK, 500, time.Now().UTC())

	require.NoError(t, registry.LoadFromDirectory(context.Background(), dir))

	stats, err := registry.Stats("researcher")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalTasks)
}

func TestRegisterRejectsInvalidDescriptor(t *testing.T) {
	registry := NewAgentRegistry()

	assert.Error(t, registry.Register(AgentDescriptor{ID: "", PreferredProviders: []string{"anthropic"}}))
	assert.Error(t, registry.Register(AgentDescriptor{ID: "no-providers"}))
}

func TestCoordinatorLookup(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "agents.yaml", testCatalog)

	registry := NewAgentRegistry()
	require.NoError(t, registry.LoadFromDirectory(context.Background(), dir))

	coordinator, err := registry.Coordinator()
	require.NoError(t, err)
	assert.Equal(t, "coordinator", coordinator.ID)
}

func TestAcquireEnforcesConcurrencyCap(t *testing.T) {
	registry := NewAgentRegistry()
	desc := researchAgent("capped")
	desc.MaxConcurrency = 1
	require.NoError(t, registry.Register(desc))

	ctx := context.Background()
	require.NoError(t, registry.Acquire(ctx, "capped"))
	assert.Equal(t, 1, registry.InFlight("capped"))

	// The second acquire blocks until release or deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	require.Error(t, registry.Acquire(shortCtx, "capped"))

	registry.Release("capped")
	assert.Equal(t, 0, registry.InFlight("capped"))
	require.NoError(t, registry.Acquire(ctx, "capped"))
	registry.Release("capped")
}

func TestReleaseWithoutAcquireIsSafe(t *testing.T) {
	registry := newTestRegistryWithAgents(t, researchAgent("researcher"))

	registry.Release("researcher")
	assert.Equal(t, 0, registry.InFlight("researcher"))
}

func TestCandidatesPrefersCapabilityMatch(t *testing.T) {
	registry := newTestRegistryWithAgents(t, researchAgent("researcher"), codeAgent("coder"))

	candidates := registry.Candidates(IntentResearch, []Capability{CapabilityResearch}, 4)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "researcher", candidates[0].AgentID)
}

func TestCandidatesPrefersHigherSuccessRate(t *testing.T) {
	registry := newTestRegistryWithAgents(t, researchAgent("steady"), researchAgent("flaky"))

	flaky, ok := registry.entry("flaky")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		flaky.applyExecution(OutcomeProviderError, 0, time.Now().UTC())
	}
	steady, ok := registry.entry("steady")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		steady.applyExecution(OutcomeOK, 400, time.Now().UTC())
	}

	candidates := registry.Candidates(IntentResearch, []Capability{CapabilityResearch}, 2)
	require.Len(t, candidates, 2)
	assert.Equal(t, "steady", candidates[0].AgentID)
}

func TestCandidatesQualityWeightBias(t *testing.T) {
	registry := newTestRegistryWithAgents(t, researchAgent("loved"), researchAgent("plain"))

	loved, ok := registry.entry("loved")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		loved.applyFeedback(5)
	}

	candidates := registry.Candidates(IntentResearch, []Capability{CapabilityResearch}, 2)
	require.Len(t, candidates, 2)
	assert.Equal(t, "loved", candidates[0].AgentID)
}

func TestApplyExecutionSuccessRateNeverDropsOnSuccess(t *testing.T) {
	registry := newTestRegistryWithAgents(t, researchAgent("researcher"))
	entry, ok := registry.entry("researcher")
	require.True(t, ok)

	entry.applyExecution(OutcomeProviderError, 0, time.Now().UTC())
	before := entry.Snapshot().SuccessRate

	entry.applyExecution(OutcomeOK, 300, time.Now().UTC())
	after := entry.Snapshot().SuccessRate

	assert.GreaterOrEqual(t, after, before)
}

func TestListSortedByID(t *testing.T) {
	registry := newTestRegistryWithAgents(t, researchAgent("zeta"), researchAgent("alpha"))

	infos := registry.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Descriptor.ID)
	assert.Equal(t, "zeta", infos[1].Descriptor.ID)
}
