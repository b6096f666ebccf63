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
	"fmt"
	"sort"
	"sync"
)

// ProviderFactory creates a Provider instance from configuration.
// Factories should validate the config and return an error if invalid.
type ProviderFactory func(config ProviderConfig) (Provider, error)

// FactoryManager maps provider types to their factories. Provider
// packages register themselves here during engine bootstrap; tests
// register mocks. Thread-safe.
type FactoryManager struct {
	factories map[ProviderType]ProviderFactory
	mu        sync.RWMutex
}

// NewFactoryManager creates an empty factory manager.
func NewFactoryManager() *FactoryManager {
	return &FactoryManager{
		factories: make(map[ProviderType]ProviderFactory),
	}
}

// Register installs a factory for a provider type, replacing any
// previous registration.
func (m *FactoryManager) Register(providerType ProviderType, factory ProviderFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[providerType] = factory
}

// Has reports whether a factory is registered for the provider type.
func (m *FactoryManager) Has(providerType ProviderType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.factories[providerType]
	return ok
}

// Types returns all registered provider types, sorted.
func (m *FactoryManager) Types() []ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]ProviderType, 0, len(m.factories))
	for pt := range m.factories {
		types = append(types, pt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Create builds a provider using the registered factory.
func (m *FactoryManager) Create(config ProviderConfig) (Provider, error) {
	if config.Type == "" {
		return nil, fmt.Errorf("provider type is required")
	}

	m.mu.RLock()
	factory := m.factories[config.Type]
	m.mu.RUnlock()

	if factory == nil {
		return nil, fmt.Errorf("no factory registered for provider type %q", config.Type)
	}

	provider, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("factory for %q failed: %w", config.Type, err)
	}
	return provider, nil
}
