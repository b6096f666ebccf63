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
	"sync"
	"sync/atomic"
	"time"
)

// MockProvider is a scriptable in-memory provider for tests. It counts
// invocations and can be programmed with canned responses, errors, and
// per-call latency.
type MockProvider struct {
	ProviderName string
	ProviderType ProviderType

	// Response returned on success. If Script is non-empty it takes
	// priority, consumed one entry per call.
	Response *CompletionResponse
	Script   []MockCall

	// Chunks streamed by CompleteStream before the Done chunk.
	Chunks []string

	// Vectors returned by Embed.
	Vectors [][]float32

	// Latency simulated per call.
	Latency time.Duration

	calls int64
	mu    sync.Mutex
}

// MockCall is one scripted response.
type MockCall struct {
	Response *CompletionResponse
	Err      error
}

// NewMockProvider creates a mock with a plain success response.
func NewMockProvider(name string, ptype ProviderType) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		ProviderType: ptype,
		Response: &CompletionResponse{
			Content:      "mock response",
			Model:        "mock-model",
			FinishReason: FinishReasonStop,
			Usage:        UsageStats{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		},
	}
}

// Calls returns how many Complete/CompleteStream/Embed calls were made.
func (m *MockProvider) Calls() int {
	return int(atomic.LoadInt64(&m.calls))
}

func (m *MockProvider) Name() string            { return m.ProviderName }
func (m *MockProvider) Type() ProviderType      { return m.ProviderType }
func (m *MockProvider) SupportsStreaming() bool { return true }

func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	atomic.AddInt64(&m.calls, 1)

	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Script) > 0 {
		call := m.Script[0]
		m.Script = m.Script[1:]
		if call.Err != nil {
			return nil, call.Err
		}
		resp := *call.Response
		return &resp, nil
	}

	resp := *m.Response
	return &resp, nil
}

func (m *MockProvider) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	atomic.AddInt64(&m.calls, 1)

	var content string
	for _, chunk := range m.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.Latency > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.Latency):
			}
		}
		content += chunk
		if handler != nil {
			if err := handler(StreamChunk{Content: chunk}); err != nil {
				return nil, err
			}
		}
	}
	if handler != nil {
		if err := handler(StreamChunk{Done: true}); err != nil {
			return nil, err
		}
	}

	return &CompletionResponse{
		Content:      content,
		Model:        "mock-model",
		FinishReason: FinishReasonStop,
	}, nil
}

func (m *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt64(&m.calls, 1)
	if m.Vectors != nil {
		return m.Vectors, nil
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return vectors, nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return &HealthCheckResult{Status: HealthStatusHealthy, LastChecked: time.Now()}, nil
}
