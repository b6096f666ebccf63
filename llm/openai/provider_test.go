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

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"axonflow/engine/llm"
)

// MockHTTPClient is a mock implementation of HTTPClient
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func newTestProvider(client HTTPClient) *Provider {
	return &Provider{
		name:           "openai",
		apiKey:         "test-api-key",
		baseURL:        DefaultBaseURL,
		model:          DefaultModel,
		embeddingModel: DefaultEmbeddingModel,
		client:         client,
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	provider, err := New(llm.ProviderConfig{})

	assert.Error(t, err)
	assert.Nil(t, provider)
}

func TestProvider_Complete_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	respBody, _ := json.Marshal(map[string]interface{}{
		"model": DefaultModel,
		"choices": []map[string]interface{}{
			{
				"message":       map[string]string{"content": "Paris."},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12},
	})

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.String() == DefaultBaseURL+"/v1/chat/completions" &&
			req.Header.Get("Authorization") == "Bearer test-api-key"
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}, nil)

	resp, err := provider.Complete(context.Background(), llm.CompletionRequest{
		Prompt:    "What is the capital of France?",
		MaxTokens: 50,
	})

	require.NoError(t, err)
	assert.Equal(t, "Paris.", resp.Content)
	assert.Equal(t, llm.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	mockClient.AssertExpectations(t)
}

func TestProvider_Complete_SystemPromptOrdering(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	respBody, _ := json.Marshal(map[string]interface{}{
		"model": DefaultModel,
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": "ok"}, "finish_reason": "stop"},
		},
	})

	var captured chatRequest
	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
		return json.Unmarshal(body, &captured) == nil
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}, nil)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{
		Prompt:       "hello",
		SystemPrompt: "You are terse.",
	})

	require.NoError(t, err)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "You are terse.", captured.Messages[0].Content)
	assert.Equal(t, "user", captured.Messages[1].Role)
}

func TestProvider_Complete_TopKRejected(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{
		Prompt: "hi",
		TopK:   40,
	})

	require.Error(t, err)
	var provErr *llm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, llm.ErrCodeUnsupportedOption, provErr.Code)
	assert.False(t, provErr.Retryable())
	mockClient.AssertNotCalled(t, "Do", mock.Anything)
}

func TestProvider_Complete_RateLimitError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	errBody := `{"error": {"message": "Rate limit reached", "type": "tokens"}}`
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       io.NopCloser(strings.NewReader(errBody)),
	}, nil)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})

	require.Error(t, err)
	var provErr *llm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, llm.ErrCodeRateLimit, provErr.Code)
	assert.True(t, provErr.Retryable())
}

func TestProvider_CompleteStream_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	sse := strings.Join([]string{
		`data: {"model":"gpt-4o-mini","choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"model":"gpt-4o-mini","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(sse)),
	}, nil)

	var chunks []string
	var gotDone bool
	resp, err := provider.CompleteStream(context.Background(), llm.CompletionRequest{Prompt: "hi"}, func(chunk llm.StreamChunk) error {
		if chunk.Done {
			gotDone = true
		} else {
			chunks = append(chunks, chunk.Content)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.True(t, gotDone)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, llm.FinishReasonStop, resp.FinishReason)
}

func TestProvider_Embed_PreservesInputOrder(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	// Out-of-order indices in the response must map back to input order.
	respBody, _ := json.Marshal(map[string]interface{}{
		"data": []map[string]interface{}{
			{"index": 1, "embedding": []float32{0.4, 0.5}},
			{"index": 0, "embedding": []float32{0.1, 0.2}},
		},
	})

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return strings.HasSuffix(req.URL.Path, "/v1/embeddings")
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}, nil)

	vectors, err := provider.Embed(context.Background(), []string{"first", "second"})

	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.4, 0.5}, vectors[1])
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, llm.FinishReasonStop, mapFinishReason("stop"))
	assert.Equal(t, llm.FinishReasonLength, mapFinishReason("length"))
	assert.Equal(t, llm.FinishReasonContentFilter, mapFinishReason("content_filter"))
	assert.Equal(t, llm.FinishReasonStop, mapFinishReason(""))
}
