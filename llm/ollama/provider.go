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

// Package ollama implements the local chat provider for self-hosted
// Ollama instances. No API key is required; the endpoint is assumed to
// be network-local. Supports generation, streaming, and embeddings.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"axonflow/engine/llm"
)

const (
	// DefaultEndpoint is the conventional in-cluster Ollama address.
	DefaultEndpoint = "http://ollama:11434"

	// DefaultTimeout is the default HTTP timeout. Local models on CPU
	// can be slow, so this is generous.
	DefaultTimeout = 120 * time.Second

	// DefaultModel is used when the request does not override it.
	DefaultModel = "llama3.1:70b"
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Ollama.
type Provider struct {
	name     string
	endpoint string
	model    string
	client   HTTPClient
}

// New creates a new Ollama provider instance from adapter config.
func New(cfg llm.ProviderConfig) (llm.Provider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "ollama"
	}

	return &Provider{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeOllama }

// SupportsStreaming indicates streaming support.
func (p *Provider) SupportsStreaming() bool { return true }

// generateRequest is the /api/generate request body.
type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// generateResponse is one /api/generate response object. In streaming
// mode Ollama emits these newline-delimited.
type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *Provider) buildRequest(req llm.CompletionRequest, stream bool) generateRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	options := map[string]interface{}{}
	// Temperature 0.0 is valid (deterministic); negative means unset.
	if req.Temperature >= 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}
	if req.TopK > 0 {
		options["top_k"] = req.TopK
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}

	return generateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Stream:  stream,
		Options: options,
	}
}

// Complete generates a completion for the given request.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	resp, err := p.post(ctx, "/api/generate", p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	var apiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &llm.CompletionResponse{
		Content:      apiResp.Response,
		Model:        apiResp.Model,
		FinishReason: mapDoneReason(apiResp.DoneReason),
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.PromptEvalCount,
			CompletionTokens: apiResp.EvalCount,
			TotalTokens:      apiResp.PromptEvalCount + apiResp.EvalCount,
		},
		Latency: time.Since(start),
	}, nil
}

// CompleteStream generates a streaming completion. Ollama streams
// newline-delimited JSON objects rather than SSE.
func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	start := time.Now()

	resp, err := p.post(ctx, "/api/generate", p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	var contentBuilder strings.Builder
	var final generateResponse

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue // Skip malformed lines
		}

		if chunk.Response != "" {
			contentBuilder.WriteString(chunk.Response)
			if handler != nil {
				if err := handler(llm.StreamChunk{Content: chunk.Response}); err != nil {
					return nil, fmt.Errorf("handler error: %w", err)
				}
			}
		}
		if chunk.Done {
			final = chunk
			if handler != nil {
				if err := handler(llm.StreamChunk{Done: true}); err != nil {
					return nil, fmt.Errorf("handler error: %w", err)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read error: %w", err)
	}

	model := final.Model
	if model == "" {
		if model = req.Model; model == "" {
			model = p.model
		}
	}

	return &llm.CompletionResponse{
		Content:      contentBuilder.String(),
		Model:        model,
		FinishReason: mapDoneReason(final.DoneReason),
		Usage: llm.UsageStats{
			PromptTokens:     final.PromptEvalCount,
			CompletionTokens: final.EvalCount,
			TotalTokens:      final.PromptEvalCount + final.EvalCount,
		},
		Latency: time.Since(start),
	}, nil
}

// Embed returns one vector per input text, in input order. The Ollama
// embeddings endpoint takes a single prompt, so inputs are embedded
// sequentially.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (p *Provider) embedOne(ctx context.Context, input string) ([]float32, error) {
	body := map[string]interface{}{
		"model":  p.model,
		"prompt": input,
	}

	resp, err := p.post(ctx, "/api/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, p.parseAPIError(resp.StatusCode, raw)
	}

	var apiResp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return apiResp.Embedding, nil
}

// HealthCheck verifies the local instance is reachable.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	result := &llm.HealthCheckResult{LastChecked: time.Now()}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		result.Latency = time.Since(start)
		result.Status = llm.HealthStatusUnhealthy
		result.Message = err.Error()
		return result, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	result.Latency = time.Since(start)
	if resp.StatusCode != http.StatusOK {
		result.Status = llm.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result, nil
	}
	result.Status = llm.HealthStatusHealthy
	return result, nil
}

func (p *Provider) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpoint+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &llm.ProviderError{Provider: p.name, Code: llm.ErrCodeTimeout, Message: "request cancelled or timed out", Cause: err}
		}
		return nil, &llm.ProviderError{Provider: p.name, Code: llm.ErrCodeUnavailable, Message: err.Error(), Cause: err}
	}
	return resp, nil
}

func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	}

	code := llm.ClassifyStatus(statusCode)
	// Ollama reports an unknown model as a 404 with an error string.
	if statusCode == http.StatusNotFound && strings.Contains(message, "model") {
		code = llm.ErrCodeModelNotFound
	}

	return &llm.ProviderError{
		Provider:   p.name,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func mapDoneReason(reason string) llm.FinishReason {
	switch reason {
	case "length":
		return llm.FinishReasonLength
	default:
		return llm.FinishReasonStop
	}
}
