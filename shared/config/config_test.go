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

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MaxInflightGlobal != 256 {
		t.Errorf("MaxInflightGlobal = %d, want 256", cfg.MaxInflightGlobal)
	}
	if cfg.MaxInflightPerUser != 8 {
		t.Errorf("MaxInflightPerUser = %d, want 8", cfg.MaxInflightPerUser)
	}
	if cfg.RequestDeadline != 30*time.Second {
		t.Errorf("RequestDeadline = %s, want 30s", cfg.RequestDeadline)
	}
	if cfg.StreamingDeadline != 60*time.Second {
		t.Errorf("StreamingDeadline = %s, want 60s", cfg.StreamingDeadline)
	}
	if cfg.SemanticDeadline != 1500*time.Millisecond {
		t.Errorf("SemanticDeadline = %s, want 1.5s", cfg.SemanticDeadline)
	}
	if cfg.StreamIdleTimeout != 5*time.Minute {
		t.Errorf("StreamIdleTimeout = %s, want 5m", cfg.StreamIdleTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENGINE_MAX_INFLIGHT_GLOBAL", "16")
	t.Setenv("ENGINE_REQUEST_DEADLINE_MS", "5000")
	t.Setenv("ENGINE_CANCEL_ON_FIRST_ANSWER", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxInflightGlobal != 16 {
		t.Errorf("MaxInflightGlobal = %d, want 16", cfg.MaxInflightGlobal)
	}
	if cfg.RequestDeadline != 5*time.Second {
		t.Errorf("RequestDeadline = %s, want 5s", cfg.RequestDeadline)
	}
	if !cfg.CancelOnFirstFullAnswer {
		t.Error("CancelOnFirstFullAnswer should be true")
	}
}

func TestLoadRejectsNonPositiveCaps(t *testing.T) {
	t.Setenv("ENGINE_MAX_INFLIGHT_GLOBAL", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero global cap")
	}
}

func TestParseProviderBudgets(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		budgets, err := ParseProviderBudgets("anthropic:8, openai:16,ollama:4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if budgets["anthropic"] != 8 || budgets["openai"] != 16 || budgets["ollama"] != 4 {
			t.Errorf("unexpected budgets: %v", budgets)
		}
	})

	t.Run("empty", func(t *testing.T) {
		budgets, err := ParseProviderBudgets("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(budgets) != 0 {
			t.Errorf("expected empty map, got %v", budgets)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, err := ParseProviderBudgets("anthropic"); err == nil {
			t.Error("expected error for missing colon")
		}
		if _, err := ParseProviderBudgets("anthropic:-1"); err == nil {
			t.Error("expected error for negative budget")
		}
		if _, err := ParseProviderBudgets("anthropic:x"); err == nil {
			t.Error("expected error for non-numeric budget")
		}
	})
}

func TestParseProviderTimeouts(t *testing.T) {
	timeouts, err := parseProviderTimeouts("anthropic:20000,ollama:45000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if timeouts["anthropic"] != 20*time.Second {
		t.Errorf("anthropic timeout = %s, want 20s", timeouts["anthropic"])
	}
	if timeouts["ollama"] != 45*time.Second {
		t.Errorf("ollama timeout = %s, want 45s", timeouts["ollama"])
	}
}
