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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"axonflow/engine/shared/logger"
)

const (
	// DefaultAgentMaxConcurrency applies when the catalog omits one.
	DefaultAgentMaxConcurrency = 4

	// DefaultAgentTimeoutMs applies when the catalog omits one.
	DefaultAgentTimeoutMs = 25000

	// explorationScale dampens the exploration bonus for new agents.
	explorationScale = 0.05

	// qualityBiasScale dampens the feedback-derived quality bias.
	qualityBiasScale = 0.05
)

// agentEntry pairs a descriptor with its live state. The descriptor is
// immutable after registration; stats go through the entry's writer.
type agentEntry struct {
	descriptor AgentDescriptor

	// slots is the FIFO admission queue: one token per allowed
	// concurrent execution.
	slots chan struct{}

	statsMu sync.RWMutex
	stats   AgentStats
}

// AgentRegistry holds the agent catalog and live stats. The descriptor
// map is copy-on-write: mutation replaces the whole map under the lock,
// readers grab the current map without holding it.
type AgentRegistry struct {
	mu      sync.RWMutex
	entries map[string]*agentEntry

	logger *logger.Logger
}

// agentCatalogFile is the YAML catalog wire format.
type agentCatalogFile struct {
	Agents []AgentDescriptor `yaml:"agents"`
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		entries: make(map[string]*agentEntry),
		logger:  logger.New("agent-registry"),
	}
}

// LoadFromDirectory loads every *.yaml/*.yml catalog file in dir and
// atomically replaces the registry contents.
func (r *AgentRegistry) LoadFromDirectory(ctx context.Context, dir string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("catalog directory does not exist: %s", dir)
		}
		return fmt.Errorf("failed to access catalog directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("catalog path is not a directory: %s", dir)
	}

	var files []string
	err = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan catalog directory: %w", err)
	}
	sort.Strings(files)

	next := make(map[string]*agentEntry)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		var catalog agentCatalogFile
		if err := yaml.Unmarshal(data, &catalog); err != nil {
			return fmt.Errorf("failed to parse %s: %w", file, err)
		}

		for _, desc := range catalog.Agents {
			entry, err := newAgentEntry(desc)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			if _, dup := next[desc.ID]; dup {
				return fmt.Errorf("%s: duplicate agent id %q", file, desc.ID)
			}
			next[desc.ID] = entry
		}
	}

	r.mu.Lock()
	// Carry live stats and slots across reload for agents that survive.
	for id, old := range r.entries {
		if fresh, ok := next[id]; ok && fresh.descriptor.MaxConcurrency == old.descriptor.MaxConcurrency {
			fresh.slots = old.slots
			old.statsMu.RLock()
			fresh.stats = old.stats
			old.statsMu.RUnlock()
		}
	}
	r.entries = next
	r.mu.Unlock()

	r.logger.Info("", "agent catalog loaded", map[string]interface{}{
		"dir":    dir,
		"agents": len(next),
	})
	return nil
}

// Register adds or replaces a single descriptor.
func (r *AgentRegistry) Register(desc AgentDescriptor) error {
	entry, err := newAgentEntry(desc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	next := make(map[string]*agentEntry, len(r.entries)+1)
	for id, e := range r.entries {
		next[id] = e
	}
	next[desc.ID] = entry
	r.entries = next
	r.mu.Unlock()
	return nil
}

func newAgentEntry(desc AgentDescriptor) (*agentEntry, error) {
	if desc.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if len(desc.PreferredProviders) == 0 {
		return nil, fmt.Errorf("agent %q declares no preferred providers", desc.ID)
	}
	if desc.MaxConcurrency <= 0 {
		desc.MaxConcurrency = DefaultAgentMaxConcurrency
	}
	if desc.DefaultTimeoutMs <= 0 {
		desc.DefaultTimeoutMs = DefaultAgentTimeoutMs
	}

	return &agentEntry{
		descriptor: desc,
		slots:      make(chan struct{}, desc.MaxConcurrency),
		stats:      AgentStats{SuccessRate: 1.0, QualityWeight: 0.5},
	}, nil
}

func (r *AgentRegistry) entry(agentID string) (*agentEntry, bool) {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()
	e, ok := entries[agentID]
	return e, ok
}

// Get returns an agent's descriptor.
func (r *AgentRegistry) Get(agentID string) (*AgentDescriptor, error) {
	e, ok := r.entry(agentID)
	if !ok {
		return nil, fmt.Errorf("agent not registered: %s", agentID)
	}
	desc := e.descriptor
	return &desc, nil
}

// List returns all agents with stat snapshots, sorted by id.
func (r *AgentRegistry) List() []AgentInfo {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, AgentInfo{Descriptor: e.descriptor, Stats: e.Snapshot()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Descriptor.ID < infos[j].Descriptor.ID })
	return infos
}

// Coordinator returns the designated synthesis agent, or the first
// orchestration-specialized agent, or an error when none exists.
func (r *AgentRegistry) Coordinator() (*AgentDescriptor, error) {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	var fallback *AgentDescriptor
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		desc := entries[id].descriptor
		if desc.Coordinator {
			return &desc, nil
		}
		if fallback == nil && desc.Specialization == SpecializationOrchestration {
			d := desc
			fallback = &d
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("no coordinator agent registered")
}

// Snapshot returns a consistent copy of the agent's stats.
func (e *agentEntry) Snapshot() AgentStats {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// Stats returns a stats snapshot for one agent.
func (r *AgentRegistry) Stats(agentID string) (AgentStats, error) {
	e, ok := r.entry(agentID)
	if !ok {
		return AgentStats{}, fmt.Errorf("agent not registered: %s", agentID)
	}
	return e.Snapshot(), nil
}

// Acquire claims one concurrency slot for the agent, waiting FIFO until
// a slot frees or the context expires.
func (r *AgentRegistry) Acquire(ctx context.Context, agentID string) error {
	e, ok := r.entry(agentID)
	if !ok {
		return fmt.Errorf("agent not registered: %s", agentID)
	}

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.statsMu.Lock()
	e.stats.InFlight++
	e.stats.Utilization = float64(e.stats.InFlight) / float64(e.descriptor.MaxConcurrency)
	e.statsMu.Unlock()
	return nil
}

// Release returns a previously acquired slot.
func (r *AgentRegistry) Release(agentID string) {
	e, ok := r.entry(agentID)
	if !ok {
		return
	}

	select {
	case <-e.slots:
	default:
		return // release without acquire is a programming error; ignore
	}

	e.statsMu.Lock()
	if e.stats.InFlight > 0 {
		e.stats.InFlight--
	}
	e.stats.Utilization = float64(e.stats.InFlight) / float64(e.descriptor.MaxConcurrency)
	e.statsMu.Unlock()
}

// InFlight returns the agent's current in-flight count.
func (r *AgentRegistry) InFlight(agentID string) int {
	e, ok := r.entry(agentID)
	if !ok {
		return 0
	}
	return len(e.slots)
}

// Candidates scores every agent against the wanted capabilities and
// returns the top k as an ordered list.
//
// score = 0.5*capabilityMatch + 0.3*successRate + 0.2*(1-utilization),
// plus an exploration bonus proportional to 1/sqrt(totalTasks) so new
// or recovering agents are not starved, plus a small quality bias from
// user feedback. Clamped to [0,1]. Ties break by lower average latency,
// then lexicographic agent id, so orderings are reproducible.
func (r *AgentRegistry) Candidates(intent Intent, wanted []Capability, k int) []CandidateAgent {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	type scored struct {
		id      string
		score   float64
		latency float64
	}

	candidates := make([]scored, 0, len(entries))
	for id, e := range entries {
		desc := e.descriptor
		if desc.Coordinator && len(wanted) > 0 && capabilityMatch(desc.Capabilities, wanted) == 0 {
			continue // synthesis-only agents do not compete for dispatch
		}
		stats := e.Snapshot()

		score := 0.5*capabilityMatch(desc.Capabilities, wanted) +
			0.3*stats.SuccessRate +
			0.2*(1.0-stats.Utilization)

		if stats.TotalTasks > 0 {
			score += explorationScale / math.Sqrt(float64(stats.TotalTasks))
		} else {
			score += explorationScale
		}
		score += qualityBiasScale * (stats.QualityWeight - 0.5)

		score = clamp01(score)
		candidates = append(candidates, scored{id: id, score: score, latency: stats.AvgLatencyMs})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].latency != candidates[j].latency {
			return candidates[i].latency < candidates[j].latency
		}
		return candidates[i].id < candidates[j].id
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]CandidateAgent, len(candidates))
	for i, c := range candidates {
		out[i] = CandidateAgent{AgentID: c.id, Score: c.score}
	}
	return out
}

// capabilityMatch is the fraction of wanted capabilities the agent
// declares. An empty wanted set scores neutral.
func capabilityMatch(have []Capability, wanted []Capability) float64 {
	if len(wanted) == 0 {
		return 0.5
	}

	haveSet := make(map[Capability]bool, len(have))
	for _, c := range have {
		haveSet[c] = true
	}

	matched := 0
	for _, c := range wanted {
		if haveSet[c] {
			matched++
		}
	}
	return float64(matched) / float64(len(wanted))
}

// applyExecution folds a terminal execution into the agent's stats.
// Called only by the metrics collector's per-agent writer.
func (e *agentEntry) applyExecution(outcome ExecutionOutcome, latencyMs int64, at time.Time) {
	const alpha = 0.2 // EMA smoothing for latency and success rate

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.TotalTasks++
	success := outcome == OutcomeOK
	if success {
		e.stats.SuccessfulTasks++
	}

	sample := 0.0
	if success {
		sample = 1.0
	}
	if e.stats.TotalTasks == 1 {
		e.stats.SuccessRate = sample
		e.stats.AvgLatencyMs = float64(latencyMs)
	} else {
		e.stats.SuccessRate = (1-alpha)*e.stats.SuccessRate + alpha*sample
		if latencyMs > 0 {
			e.stats.AvgLatencyMs = (1-alpha)*e.stats.AvgLatencyMs + alpha*float64(latencyMs)
		}
	}

	// A success sample is 1.0, so the EMA can only move the rate up on
	// a successful outcome.
	e.stats.LastUsedAt = at
}

// applyFeedback folds a user rating into the agent's quality weight.
func (e *agentEntry) applyFeedback(rating int) {
	const alpha = 0.1

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.QualityWeight = (1-alpha)*e.stats.QualityWeight + alpha*(float64(rating)/5.0)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
