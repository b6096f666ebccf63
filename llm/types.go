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

// Package llm provides a unified interface and types for LLM providers.
// It is the provider-adapter layer of the engine: heterogeneous chat,
// streaming-chat, and embedding back-ends are presented to the scheduler
// through one capability set with normalized options, error classification,
// and JSON output hardening.
package llm

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProviderType identifies the type of LLM provider.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeOpenAI represents OpenAI's GPT models.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeOllama represents self-hosted Ollama models.
	ProviderTypeOllama ProviderType = "ollama"

	// ProviderTypeCustom represents a custom/third-party provider.
	ProviderTypeCustom ProviderType = "custom"
)

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonError         FinishReason = "error"
)

// CompletionRequest encapsulates all parameters for an LLM completion request.
// This is the unified request type used across all providers.
type CompletionRequest struct {
	// Prompt is the user's input text/question.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message that sets context/behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the maximum number of tokens in the response.
	// If 0, provider defaults are used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness. Negative means unset.
	Temperature float64 `json:"temperature,omitempty"`

	// TopP is the nucleus sampling parameter (0 means unset).
	TopP float64 `json:"top_p,omitempty"`

	// TopK limits sampling to the top K tokens.
	// Only supported by some providers (Anthropic, Ollama).
	TopK int `json:"top_k,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// StopSequences are strings that cause generation to stop.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// WantJSON declares that the response must be a JSON document.
	// The adapter performs best-effort extraction and parsing; failure
	// surfaces as finish_reason=error with code format_violation.
	WantJSON bool `json:"want_json,omitempty"`

	// Metadata contains provider-specific options.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CompletionResponse contains the result of an LLM completion.
type CompletionResponse struct {
	// Content is the generated text response.
	Content string `json:"content"`

	// JSON holds the extracted JSON document when the request declared
	// WantJSON and extraction succeeded.
	JSON json.RawMessage `json:"json,omitempty"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// Attempts is the number of provider calls made, including retries.
	Attempts int `json:"attempts,omitempty"`
}

// UsageStats tracks token usage for accounting and monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
// Chunks are delivered in producer order; the sequence is finite and ends
// with exactly one chunk where Done is true.
type StreamChunk struct {
	// Content is the text content of this chunk.
	Content string `json:"content,omitempty"`

	// Done indicates this is the terminal chunk of the stream.
	Done bool `json:"done"`
}

// StreamHandler is a callback for processing streaming chunks.
// Returning an error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// HealthStatus represents the health state of a provider.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheckResult contains detailed health check information.
type HealthCheckResult struct {
	Status      HealthStatus  `json:"status"`
	Latency     time.Duration `json:"latency"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
}

// CredentialHandle is an opaque reference to resolved credential material.
// Handles are produced by the credential resolver; the adapter never stores
// the material beyond the lifetime of the call it serves.
type CredentialHandle struct {
	// ProviderID names the provider this handle authenticates against.
	ProviderID string

	// UserID is the owner of the credential, or empty for shared keys.
	UserID string

	// Shared marks a platform-owned key used under an approved policy.
	Shared bool

	// Material is the secret (API key or equivalent). Never logged.
	Material string

	// Fingerprint is a stable non-secret digest of the material, used as
	// a cache key for per-credential provider instances.
	Fingerprint string
}

// ErrorClass buckets provider failures for routing decisions.
type ErrorClass string

const (
	// ErrorClassTransient covers failures worth a single retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent covers malformed requests and provider bugs.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassAuth covers invalid or revoked credentials.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassQuota covers rate and spend limits. Never retried.
	ErrorClassQuota ErrorClass = "quota"

	// ErrorClassContentPolicy covers filtered content.
	ErrorClassContentPolicy ErrorClass = "content_policy"
)

// Common error codes.
const (
	ErrCodeRateLimit         = "rate_limit"
	ErrCodeAuth              = "authentication_error"
	ErrCodeInvalidRequest    = "invalid_request"
	ErrCodeModelNotFound     = "model_not_found"
	ErrCodeContextLength     = "context_length_exceeded"
	ErrCodeContentFilter     = "content_filter"
	ErrCodeServerError       = "server_error"
	ErrCodeTimeout           = "timeout"
	ErrCodeUnavailable       = "unavailable"
	ErrCodeFormatViolation   = "format_violation"
	ErrCodeUnsupportedOption = "unsupported_option"
)

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Class returns the error class for this provider error.
func (e *ProviderError) Class() ErrorClass {
	switch e.Code {
	case ErrCodeAuth:
		return ErrorClassAuth
	case ErrCodeRateLimit:
		return ErrorClassQuota
	case ErrCodeContentFilter:
		return ErrorClassContentPolicy
	case ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}

// Retryable reports whether the error is worth one retry.
func (e *ProviderError) Retryable() bool {
	return e.Class() == ErrorClassTransient
}

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     code,
		Message:  message,
	}
}

// ClassifyStatus maps an HTTP status code to an error code.
func ClassifyStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrCodeAuth
	case status == 404:
		return ErrCodeModelNotFound
	case status == 408:
		return ErrCodeTimeout
	case status == 429:
		return ErrCodeRateLimit
	case status >= 500:
		return ErrCodeServerError
	default:
		return ErrCodeInvalidRequest
	}
}
