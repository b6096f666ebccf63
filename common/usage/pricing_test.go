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

package usage

import (
	"testing"
)

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		name             string
		provider         string
		model            string
		promptTokens     int
		completionTokens int
		expectedCents    int
	}{
		{
			name:             "OpenAI GPT-4",
			provider:         "openai",
			model:            "gpt-4",
			promptTokens:     100,
			completionTokens: 200,
			expectedCents:    (100 * 3000 / 1000) + (200 * 6000 / 1000),
		},
		{
			name:             "Anthropic Claude 3.5 Sonnet",
			provider:         "anthropic",
			model:            "claude-3.5-sonnet",
			promptTokens:     500,
			completionTokens: 300,
			expectedCents:    (500 * 300 / 1000) + (300 * 1500 / 1000),
		},
		{
			name:             "Ollama is free",
			provider:         "ollama",
			model:            "llama3.1:70b",
			promptTokens:     10000,
			completionTokens: 10000,
			expectedCents:    0,
		},
		{
			name:             "unknown model falls back to default",
			provider:         "acme",
			model:            "mystery-1",
			promptTokens:     1000,
			completionTokens: 1000,
			expectedCents:    (1000 * 1000 / 1000) + (1000 * 3000 / 1000),
		},
		{
			name:             "zero tokens zero cost",
			provider:         "openai",
			model:            "gpt-4",
			promptTokens:     0,
			completionTokens: 0,
			expectedCents:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCost(tt.provider, tt.model, tt.promptTokens, tt.completionTokens)
			if got != tt.expectedCents {
				t.Errorf("CalculateCost() = %d cents, want %d", got, tt.expectedCents)
			}
		})
	}
}

func TestGetProviderPricing(t *testing.T) {
	pricing, ok := GetProviderPricing("openai", "gpt-4")
	if !ok {
		t.Fatal("expected pricing for openai-gpt-4")
	}
	if pricing.PromptCostPer1K != 3000 {
		t.Errorf("PromptCostPer1K = %d, want 3000", pricing.PromptCostPer1K)
	}

	if _, ok := GetProviderPricing("acme", "mystery-1"); ok {
		t.Error("expected no pricing for unknown model")
	}
}

func TestFormatCostToDollars(t *testing.T) {
	if got := FormatCostToDollars(135); got != "$1.35" {
		t.Errorf("FormatCostToDollars(135) = %s, want $1.35", got)
	}
	if got := FormatCostToDollars(0); got != "$0.00" {
		t.Errorf("FormatCostToDollars(0) = %s, want $0.00", got)
	}
}
