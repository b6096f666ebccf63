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
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// Registry manages provider configurations and health state.
// It is thread-safe for concurrent access.
//
// The registry holds one ProviderConfig per provider id; concrete
// instances bound to credential material are built by the Adapter, which
// consults the registry for configuration and enablement.
type Registry struct {
	configs map[string]*ProviderConfig
	factory *FactoryManager
	logger  *log.Logger
	mu      sync.RWMutex

	healthResults map[string]*HealthCheckResult
	healthMu      sync.RWMutex
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithFactoryManager sets the factory manager used for health probes.
func WithFactoryManager(fm *FactoryManager) RegistryOption {
	return func(r *Registry) {
		r.factory = fm
	}
}

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a new provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		configs:       make(map[string]*ProviderConfig),
		healthResults: make(map[string]*HealthCheckResult),
		logger:        log.New(os.Stdout, "[LLM_REGISTRY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = NewFactoryManager()
	}
	return r
}

// Factory returns the registry's factory manager.
func (r *Registry) Factory() *FactoryManager {
	return r.factory
}

// Register adds or replaces a provider configuration.
func (r *Registry) Register(config ProviderConfig) error {
	if config.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if !r.factory.Has(config.Type) {
		return fmt.Errorf("unknown provider type %q for %q", config.Type, config.Name)
	}

	r.mu.Lock()
	cfg := config
	r.configs[config.Name] = &cfg
	r.mu.Unlock()
	return nil
}

// GetConfig returns the configuration for a provider id.
func (r *Registry) GetConfig(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	copied := *cfg
	return &copied, nil
}

// List returns all registered provider ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListEnabled returns ids of all enabled providers, sorted.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.configs))
	for name, cfg := range r.configs {
		if cfg.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SetEnabled flips a provider's enablement.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[name]
	if !ok {
		return fmt.Errorf("provider not registered: %s", name)
	}
	cfg.Enabled = enabled
	return nil
}

// Info returns provider metadata including the last health result.
func (r *Registry) Info(name string) (*ProviderInfo, error) {
	cfg, err := r.GetConfig(name)
	if err != nil {
		return nil, err
	}

	info := &ProviderInfo{
		Name:         cfg.Name,
		Type:         cfg.Type,
		Kind:         cfg.Kind,
		DefaultModel: cfg.Model,
		RateBudget:   cfg.RateBudget,
	}

	r.healthMu.RLock()
	if hr, ok := r.healthResults[name]; ok {
		info.Health = *hr
	} else {
		info.Health = HealthCheckResult{Status: HealthStatusUnknown}
	}
	r.healthMu.RUnlock()

	return info, nil
}

// GetHealthResult returns the last recorded health result, or nil.
func (r *Registry) GetHealthResult(name string) *HealthCheckResult {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	if hr, ok := r.healthResults[name]; ok {
		copied := *hr
		return &copied
	}
	return nil
}

// GetHealthyProviders returns ids of enabled providers whose last health
// check succeeded. Providers never checked are considered healthy until
// proven otherwise.
func (r *Registry) GetHealthyProviders() []string {
	enabled := r.ListEnabled()

	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	healthy := make([]string, 0, len(enabled))
	for _, name := range enabled {
		hr, ok := r.healthResults[name]
		if !ok || hr.Status == HealthStatusHealthy || hr.Status == HealthStatusUnknown {
			healthy = append(healthy, name)
		}
	}
	return healthy
}

// RecordHealth stores a health result for a provider.
func (r *Registry) RecordHealth(name string, result HealthCheckResult) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	r.healthResults[name] = &result
}

// StartPeriodicHealthCheck launches a background goroutine probing every
// enabled provider at the given interval until the context is cancelled.
// Probes use the provider's shared-key configuration; user-key instances
// are validated lazily by the credential resolver instead. Probe results
// only update health state and never trip dispatch-side rate cooldowns,
// so keep the interval longer than those cooldowns to avoid burning a
// rate-limited provider's recovery window on probes.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runHealthChecks(ctx)
			}
		}
	}()
}

func (r *Registry) runHealthChecks(ctx context.Context) {
	for _, name := range r.ListEnabled() {
		cfg, err := r.GetConfig(name)
		if err != nil {
			continue
		}

		provider, err := r.factory.Create(*cfg)
		if err != nil {
			r.RecordHealth(name, HealthCheckResult{
				Status:      HealthStatusUnhealthy,
				Message:     err.Error(),
				LastChecked: time.Now(),
			})
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result, err := provider.HealthCheck(checkCtx)
		cancel()

		if err != nil || result == nil {
			msg := "health check failed"
			if err != nil {
				msg = err.Error()
			}
			r.RecordHealth(name, HealthCheckResult{
				Status:      HealthStatusUnhealthy,
				Message:     msg,
				LastChecked: time.Now(),
			})
			continue
		}
		r.RecordHealth(name, *result)
	}
}
