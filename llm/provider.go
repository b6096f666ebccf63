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
	"time"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
//
// Minimal implementation requires Name(), Type(), Complete(), and
// HealthCheck(). Streaming and embedding support are expressed through
// the extension interfaces below and discovered by type assertion.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// Example: "anthropic-primary", "ollama-local"
	Name() string

	// Type returns the provider type (e.g., "anthropic", "bedrock").
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context carries the execution deadline and cancellation.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck verifies the provider is operational.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)

	// SupportsStreaming indicates if the provider supports streaming.
	// If true, the provider also implements StreamingProvider.
	SupportsStreaming() bool
}

// StreamingProvider extends Provider with streaming support.
type StreamingProvider interface {
	Provider

	// CompleteStream generates a streaming completion. The handler is
	// called once per chunk in producer order, then with a terminal
	// Done chunk. Returns the final aggregated response.
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)
}

// EmbeddingProvider extends Provider with text embedding support.
type EmbeddingProvider interface {
	Provider

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderKind distinguishes deployment shapes of a provider.
type ProviderKind string

const (
	ProviderKindHostedChat    ProviderKind = "hosted_chat"
	ProviderKindLocalChat     ProviderKind = "local_chat"
	ProviderKindEmbeddingOnly ProviderKind = "embedding_only"
)

// ProviderConfig contains configuration for creating a provider instance.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type"`

	// Kind describes the deployment shape.
	Kind ProviderKind `json:"kind,omitempty"`

	// APIKey is the authentication material for the provider API.
	// For AWS Bedrock this may be empty (IAM credentials are used).
	APIKey string `json:"api_key,omitempty"`

	// Endpoint is the API endpoint URL. Empty uses provider defaults.
	Endpoint string `json:"endpoint,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty"`

	// Region is the cloud region (AWS Bedrock).
	Region string `json:"region,omitempty"`

	// Enabled indicates if this provider is available for routing.
	Enabled bool `json:"enabled"`

	// RateBudget is the per-minute call budget dispatch will allow
	// against this provider (0 = engine default).
	RateBudget int `json:"rate_budget,omitempty"`

	// Timeout is the default per-call timeout (0 = adapter default).
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ProviderInfo contains metadata about a registered provider.
type ProviderInfo struct {
	Name              string            `json:"name"`
	Type              ProviderType      `json:"type"`
	Kind              ProviderKind      `json:"kind"`
	DefaultModel      string            `json:"default_model,omitempty"`
	SupportsStreaming bool              `json:"supports_streaming"`
	RateBudget        int               `json:"rate_budget,omitempty"`
	Health            HealthCheckResult `json:"health"`
}
