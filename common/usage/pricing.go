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

// Package usage tracks token consumption and estimated spend per user
// and provider. Costs are kept in integer cents.
package usage

import "fmt"

// ProviderPricing contains pricing for a specific model.
// Prices stored in cents per 1K tokens to avoid floating point issues.
type ProviderPricing struct {
	PromptCostPer1K     int // cents per 1K prompt tokens
	CompletionCostPer1K int // cents per 1K completion tokens
}

// providerPricing maps provider-model combinations to pricing.
var providerPricing = map[string]ProviderPricing{
	// OpenAI pricing (as of October 2025)
	"openai-gpt-4":         {3000, 6000},
	"openai-gpt-4-turbo":   {1000, 3000},
	"openai-gpt-4o":        {250, 1000},
	"openai-gpt-3.5-turbo": {50, 150},

	// Anthropic pricing (as of October 2025)
	"anthropic-claude-3-opus":     {1500, 7500},
	"anthropic-claude-3-sonnet":   {300, 1500},
	"anthropic-claude-3-haiku":    {25, 125},
	"anthropic-claude-3.5-sonnet": {300, 1500},

	// Bedrock-hosted Anthropic matches direct Anthropic pricing.
	"bedrock-anthropic.claude-3-5-sonnet-20240620-v1:0": {300, 1500},

	// Self-hosted Ollama has no per-token charge.
	"ollama-llama3.1:70b": {0, 0},

	// Default fallback pricing (conservative estimate)
	"default": {1000, 3000},
}

// CalculateCost returns the cost in cents for one completion call.
func CalculateCost(provider, model string, promptTokens, completionTokens int) int {
	pricing, ok := providerPricing[provider+"-"+model]
	if !ok {
		pricing = providerPricing["default"]
	}

	promptCost := (promptTokens * pricing.PromptCostPer1K) / 1000
	completionCost := (completionTokens * pricing.CompletionCostPer1K) / 1000
	return promptCost + completionCost
}

// GetProviderPricing returns the pricing for a provider-model pair.
func GetProviderPricing(provider, model string) (ProviderPricing, bool) {
	pricing, ok := providerPricing[provider+"-"+model]
	return pricing, ok
}

// FormatCostToDollars converts cents to a dollar string.
func FormatCostToDollars(cents int) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100.0)
}
