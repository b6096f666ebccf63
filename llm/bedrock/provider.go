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

// Package bedrock implements the hosted chat provider for AWS Bedrock
// using AWS SDK v2. Authentication is AWS Signature V4 via IAM roles,
// so no API key material flows through the credential resolver for
// this provider type.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"axonflow/engine/llm"
)

const (
	// DefaultRegion is used when the config does not specify one.
	DefaultRegion = "us-east-1"

	// DefaultModel is used when the request does not override it.
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// anthropicBedrockVersion is the required version tag for Claude
	// models invoked through Bedrock.
	anthropicBedrockVersion = "bedrock-2023-05-31"
)

// Invoker abstracts the Bedrock runtime client (enables testing).
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock.
type Provider struct {
	name   string
	region string
	model  string
	client Invoker
}

// New creates a new Bedrock provider instance from adapter config.
// AWS credentials are resolved from the default chain (IAM role,
// environment, shared config), not from cfg.APIKey.
func New(cfg llm.ProviderConfig) (llm.Provider, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	name := cfg.Name
	if name == "" {
		name = "bedrock"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	return &Provider{
		name:   name,
		region: region,
		model:  model,
		client: bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a provider with an injected runtime client.
func NewWithClient(cfg llm.ProviderConfig, client Invoker) *Provider {
	p := &Provider{
		name:   cfg.Name,
		region: cfg.Region,
		model:  cfg.Model,
		client: client,
	}
	if p.name == "" {
		p.name = "bedrock"
	}
	if p.region == "" {
		p.region = DefaultRegion
	}
	if p.model == "" {
		p.model = DefaultModel
	}
	return p
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

// SupportsStreaming indicates streaming support. Bedrock completions go
// through the non-streaming InvokeModel path.
func (p *Provider) SupportsStreaming() bool { return false }

// Complete generates a completion for the given request.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := buildRequestBody(req, model)
	if err != nil {
		return nil, err
	}

	reqJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        reqJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, p.classifyInvokeError(ctx, err)
	}

	resp, err := parseResponseBody(output.Body, model)
	if err != nil {
		return nil, err
	}

	resp.Model = model
	resp.Latency = time.Since(start)
	return resp, nil
}

// HealthCheck verifies Bedrock connectivity with a minimal invocation.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()
	_, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	result := &llm.HealthCheckResult{
		Latency:     time.Since(start),
		LastChecked: time.Now(),
	}
	if err != nil {
		result.Status = llm.HealthStatusUnhealthy
		result.Message = err.Error()
		return result, nil
	}
	result.Status = llm.HealthStatusHealthy
	return result, nil
}

// buildRequestBody builds the request body based on model family.
func buildRequestBody(req llm.CompletionRequest, model string) (map[string]interface{}, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	// Temperature 0.0 is valid (deterministic); negative means unset.
	temperature := req.Temperature
	if temperature < 0 {
		temperature = 0.7
	}

	switch detectModelFamily(model) {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": anthropicBedrockVersion,
			"max_tokens":        maxTokens,
			"temperature":       temperature,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		if len(req.StopSequences) > 0 {
			body["stop_sequences"] = req.StopSequences
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": fullPrompt(req),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      fullPrompt(req),
			"max_gen_len": maxTokens,
			"temperature": temperature,
			"top_p":       0.9,
		}, nil
	case "mistral":
		return map[string]interface{}{
			"prompt":      fullPrompt(req),
			"max_tokens":  maxTokens,
			"temperature": temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, &llm.ProviderError{
			Provider: "bedrock",
			Code:     llm.ErrCodeModelNotFound,
			Message:  fmt.Sprintf("unsupported model family for %q", model),
		}
	}
}

// fullPrompt folds the system prompt into the user prompt for model
// families without a dedicated system field.
func fullPrompt(req llm.CompletionRequest) string {
	if req.SystemPrompt == "" {
		return req.Prompt
	}
	return req.SystemPrompt + "\n\n" + req.Prompt
}

// parseResponseBody parses the response body based on model family.
func parseResponseBody(body []byte, model string) (*llm.CompletionResponse, error) {
	switch detectModelFamily(model) {
	case "anthropic":
		return parseAnthropicResponse(body)
	case "amazon":
		return parseAmazonTitanResponse(body)
	case "meta":
		return parseMetaLlamaResponse(body)
	case "mistral":
		return parseMistralResponse(body)
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

func parseAnthropicResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	if len(resp.Content) > 0 {
		content = resp.Content[0].Text
	}
	finish := llm.FinishReasonStop
	if resp.StopReason == "max_tokens" {
		finish = llm.FinishReasonLength
	}

	return &llm.CompletionResponse{
		Content:      content,
		FinishReason: finish,
		Usage: llm.UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func parseAmazonTitanResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Results []struct {
			OutputText string `json:"outputText"`
			TokenCount int    `json:"tokenCount"`
		} `json:"results"`
		InputTextTokenCount int `json:"inputTextTokenCount"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	outputTokens := 0
	if len(resp.Results) > 0 {
		content = resp.Results[0].OutputText
		outputTokens = resp.Results[0].TokenCount
	}

	return &llm.CompletionResponse{
		Content:      content,
		FinishReason: llm.FinishReasonStop,
		Usage: llm.UsageStats{
			PromptTokens:     resp.InputTextTokenCount,
			CompletionTokens: outputTokens,
			TotalTokens:      resp.InputTextTokenCount + outputTokens,
		},
	}, nil
}

func parseMetaLlamaResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Generation       string `json:"generation"`
		PromptTokenCount int    `json:"prompt_token_count"`
		GenTokenCount    int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &llm.CompletionResponse{
		Content:      resp.Generation,
		FinishReason: llm.FinishReasonStop,
		Usage: llm.UsageStats{
			PromptTokens:     resp.PromptTokenCount,
			CompletionTokens: resp.GenTokenCount,
			TotalTokens:      resp.PromptTokenCount + resp.GenTokenCount,
		},
	}, nil
}

func parseMistralResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Outputs []struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	if len(resp.Outputs) > 0 {
		content = resp.Outputs[0].Text
	}

	// Mistral does not report token counts.
	return &llm.CompletionResponse{
		Content:      content,
		FinishReason: llm.FinishReasonStop,
	}, nil
}

// inferenceProfilePrefixes are the known Bedrock inference profile prefixes.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

// supportedModelFamilies are the model families Bedrock supports here.
var supportedModelFamilies = []string{"anthropic", "amazon", "meta", "mistral"}

// detectModelFamily detects the model family from a model ID.
// Model IDs follow the pattern provider.model-name-version, for example
// anthropic.claude-3-5-sonnet-20240620-v1:0. Inference profile IDs
// carry a regional prefix, for example
// eu.anthropic.claude-sonnet-4-5-20250929-v1:0.
func detectModelFamily(modelID string) string {
	parts := strings.Split(modelID, ".")
	for _, prefix := range inferenceProfilePrefixes {
		if parts[0] == prefix && len(parts) > 1 {
			parts = parts[1:]
			break
		}
	}
	for _, family := range supportedModelFamilies {
		if parts[0] == family {
			return family
		}
	}
	return ""
}

// classifyInvokeError maps SDK failures onto provider error codes so the
// adapter's retry policy treats throttling and outages correctly.
func (p *Provider) classifyInvokeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &llm.ProviderError{Provider: p.name, Code: llm.ErrCodeTimeout, Message: "request cancelled or timed out", Cause: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := llm.ErrCodeServerError
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			code = llm.ErrCodeRateLimit
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			code = llm.ErrCodeAuth
		case "ResourceNotFoundException":
			code = llm.ErrCodeModelNotFound
		case "ValidationException":
			code = llm.ErrCodeInvalidRequest
		case "ModelTimeoutException":
			code = llm.ErrCodeTimeout
		case "ServiceUnavailableException", "ModelNotReadyException":
			code = llm.ErrCodeUnavailable
		}
		return &llm.ProviderError{Provider: p.name, Code: code, Message: apiErr.ErrorMessage(), Cause: err}
	}

	return &llm.ProviderError{Provider: p.name, Code: llm.ErrCodeUnavailable, Message: err.Error(), Cause: err}
}
