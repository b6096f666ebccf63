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

package ollama

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
		name:     "ollama",
		endpoint: "http://localhost:11434",
		model:    DefaultModel,
		client:   client,
	}
}

func TestNew_Defaults(t *testing.T) {
	provider, err := New(llm.ProviderConfig{})

	require.NoError(t, err)
	assert.Equal(t, "ollama", provider.Name())
	assert.Equal(t, llm.ProviderTypeOllama, provider.Type())
	assert.True(t, provider.SupportsStreaming())
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	provider, err := New(llm.ProviderConfig{Endpoint: "http://localhost:11434/"})

	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", provider.(*Provider).endpoint)
}

func TestProvider_Complete_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	respBody, _ := json.Marshal(generateResponse{
		Model:           DefaultModel,
		Response:        "Paris is the capital of France.",
		Done:            true,
		DoneReason:      "stop",
		PromptEvalCount: 9,
		EvalCount:       7,
	})

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.String() == "http://localhost:11434/api/generate"
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}, nil)

	resp, err := provider.Complete(context.Background(), llm.CompletionRequest{
		Prompt:    "What is the capital of France?",
		MaxTokens: 50,
	})

	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", resp.Content)
	assert.Equal(t, DefaultModel, resp.Model)
	assert.Equal(t, llm.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, 16, resp.Usage.TotalTokens)

	mockClient.AssertExpectations(t)
}

func TestProvider_Complete_OptionsMapping(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	respBody, _ := json.Marshal(generateResponse{Response: "ok", Done: true})

	var captured generateRequest
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
		SystemPrompt: "be brief",
		MaxTokens:    128,
		Temperature:  0.2,
		TopK:         40,
	})

	require.NoError(t, err)
	assert.Equal(t, "be brief", captured.System)
	assert.False(t, captured.Stream)
	assert.Equal(t, float64(128), captured.Options["num_predict"])
	assert.Equal(t, 0.2, captured.Options["temperature"])
	assert.Equal(t, float64(40), captured.Options["top_k"])
}

func TestProvider_Complete_ModelNotFound(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	errBody := `{"error": "model 'nope:latest' not found, try pulling it first"}`
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader(errBody)),
	}, nil)

	_, err := provider.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi", Model: "nope:latest"})

	require.Error(t, err)
	var provErr *llm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, llm.ErrCodeModelNotFound, provErr.Code)
	assert.False(t, provErr.Retryable())
}

func TestProvider_CompleteStream_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	ndjson := strings.Join([]string{
		`{"model":"llama3.1:70b","response":"Hel","done":false}`,
		`{"model":"llama3.1:70b","response":"lo","done":false}`,
		`{"model":"llama3.1:70b","response":"","done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":2}`,
		``,
	}, "\n")

	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(ndjson)),
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
	assert.Equal(t, 4, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
}

func TestProvider_Embed_PreservesInputOrder(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	for _, vec := range [][]float32{{0.1, 0.2}, {0.3, 0.4}} {
		body, _ := json.Marshal(map[string]interface{}{"embedding": vec})
		mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
			return strings.HasSuffix(req.URL.Path, "/api/embeddings")
		})).Return(&http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(body)),
		}, nil).Once()
	}

	vectors, err := provider.Embed(context.Background(), []string{"first", "second"})

	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestProvider_HealthCheck(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.Method == "GET" && strings.HasSuffix(req.URL.Path, "/api/tags")
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"models":[]}`)),
	}, nil)

	result, err := provider.HealthCheck(context.Background())

	require.NoError(t, err)
	assert.Equal(t, llm.HealthStatusHealthy, result.Status)
}

func TestProvider_HealthCheck_Unreachable(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	result, err := provider.HealthCheck(context.Background())

	require.NoError(t, err)
	assert.Equal(t, llm.HealthStatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "connection refused")
}
