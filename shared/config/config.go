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

// Package config loads engine configuration from environment variables.
// All settings have working defaults so the engine can start with nothing
// but provider API keys configured.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full engine configuration.
type Config struct {
	// Admission
	MaxInflightGlobal  int
	MaxInflightPerUser int

	// Deadlines
	RequestDeadline   time.Duration
	StreamingDeadline time.Duration

	// Analysis
	SemanticAnalysisEnabled bool
	SemanticDeadline        time.Duration

	// Collaboration
	CancelOnFirstFullAnswer bool

	// Credentials
	SharedKeysAllowed bool

	// Providers
	ProviderCooldown time.Duration
	// RateBudgets maps provider id to its per-minute call budget.
	RateBudgets map[string]int
	// ProviderTimeouts maps provider id to its default per-call timeout.
	ProviderTimeouts map[string]time.Duration

	// Streaming sessions
	StreamIdleTimeout time.Duration
	JWTSecret         string

	// Agent catalog
	AgentConfigDir string

	// Backing services
	MongoURI    string
	DatabaseURL string // Postgres audit sink, optional
	RedisURL    string // distributed per-user quota, optional

	// HTTP
	ListenAddr string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		MaxInflightGlobal:       getEnvInt("ENGINE_MAX_INFLIGHT_GLOBAL", 256),
		MaxInflightPerUser:      getEnvInt("ENGINE_MAX_INFLIGHT_PER_USER", 8),
		RequestDeadline:         getEnvDurationMs("ENGINE_REQUEST_DEADLINE_MS", 30000),
		StreamingDeadline:       getEnvDurationMs("ENGINE_STREAMING_DEADLINE_MS", 60000),
		SemanticAnalysisEnabled: getEnvBool("ENGINE_SEMANTIC_ANALYSIS", false),
		SemanticDeadline:        getEnvDurationMs("ENGINE_SEMANTIC_DEADLINE_MS", 1500),
		CancelOnFirstFullAnswer: getEnvBool("ENGINE_CANCEL_ON_FIRST_ANSWER", false),
		SharedKeysAllowed:       getEnvBool("ENGINE_SHARED_KEYS_ALLOWED", true),
		ProviderCooldown:        getEnvDurationMs("ENGINE_PROVIDER_COOLDOWN_MS", 2000),
		StreamIdleTimeout:       getEnvDurationMs("ENGINE_STREAM_IDLE_TIMEOUT_MS", 300000),
		JWTSecret:               os.Getenv("ENGINE_JWT_SECRET"),
		AgentConfigDir:          os.Getenv("ENGINE_AGENT_CONFIG_DIR"),
		MongoURI:                os.Getenv("MONGODB_URI"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		ListenAddr:              getEnvOrDefault("ENGINE_LISTEN_ADDR", ":8090"),
	}

	budgets, err := ParseProviderBudgets(os.Getenv("PROVIDER_RATE_BUDGETS"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_RATE_BUDGETS: %w", err)
	}
	cfg.RateBudgets = budgets

	timeouts, err := parseProviderTimeouts(os.Getenv("PROVIDER_TIMEOUTS_MS"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUTS_MS: %w", err)
	}
	cfg.ProviderTimeouts = timeouts

	if cfg.MaxInflightGlobal <= 0 {
		return nil, fmt.Errorf("ENGINE_MAX_INFLIGHT_GLOBAL must be positive, got %d", cfg.MaxInflightGlobal)
	}
	if cfg.MaxInflightPerUser <= 0 {
		return nil, fmt.Errorf("ENGINE_MAX_INFLIGHT_PER_USER must be positive, got %d", cfg.MaxInflightPerUser)
	}

	return cfg, nil
}

// ParseProviderBudgets parses a budgets string into a map.
// Format: "provider1:budget1,provider2:budget2" (e.g., "anthropic:8,openai:16")
func ParseProviderBudgets(s string) (map[string]int, error) {
	budgets := make(map[string]int)
	if s == "" {
		return budgets, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed entry %q (expected provider:budget)", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("budget for %q must be a positive integer, got %q", kv[0], kv[1])
		}
		budgets[strings.TrimSpace(kv[0])] = n
	}

	return budgets, nil
}

func parseProviderTimeouts(s string) (map[string]time.Duration, error) {
	timeouts := make(map[string]time.Duration)
	if s == "" {
		return timeouts, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed entry %q (expected provider:timeout_ms)", part)
		}
		ms, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("timeout for %q must be a positive integer, got %q", kv[0], kv[1])
		}
		timeouts[strings.TrimSpace(kv[0])] = time.Duration(ms) * time.Millisecond
	}

	return timeouts, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDurationMs(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}
