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

// Package server wires the engine's components together and runs the
// HTTP and WebSocket surfaces.
package server

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"axonflow/engine/common/usage"
	"axonflow/engine/credentials"
	"axonflow/engine/engine"
	"axonflow/engine/llm"
	"axonflow/engine/llm/anthropic"
	"axonflow/engine/llm/bedrock"
	"axonflow/engine/llm/ollama"
	"axonflow/engine/llm/openai"
	"axonflow/engine/shared/config"
	"axonflow/engine/shared/logger"
	"axonflow/engine/stream"
)

const (
	shutdownGrace = 15 * time.Second

	// healthCheckInterval paces background provider probes. Kept well
	// above the engine's provider cooldowns so a gated provider is not
	// re-probed several times inside one cooldown window.
	healthCheckInterval = 30 * time.Second
)

// Run starts the engine service. It blocks until SIGINT or SIGTERM.
func Run() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	appLog := logger.New("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providerRegistry, providerNames, providerBudgets := buildProviderRegistry(cfg)
	providerRegistry.StartPeriodicHealthCheck(ctx, healthCheckInterval)

	store, err := credentials.NewMongoStore(ctx, cfg.MongoURI, "engine")
	if err != nil {
		log.Fatalf("mongodb connection failed: %v", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		appLog.Warn("", "failed to ensure credential indexes", map[string]interface{}{
			"error": err.Error(),
		})
	}

	resolverOpts := []credentials.ResolverOption{
		credentials.WithSharedKeys(sharedKeysFromEnv()),
		credentials.WithSharedKeysAllowed(cfg.SharedKeysAllowed),
	}
	if fetcher, err := credentials.NewSecretsManagerFetcher(ctx, os.Getenv("AWS_REGION")); err == nil {
		resolverOpts = append(resolverOpts, credentials.WithSecretFetcher(fetcher))
	} else {
		appLog.Warn("", "secrets manager unavailable, secret-arn credentials will not resolve", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// The resolver and adapter reference each other through hooks: an
	// auth failure invalidates the credential, invalidation drops the
	// adapter's cached provider instances for that key, and the lazy
	// revalidation probe runs through the adapter.
	var adapter *llm.Adapter
	resolverOpts = append(resolverOpts,
		credentials.WithInvalidateHook(func(fingerprint string) {
			if adapter != nil {
				adapter.DropInstances(fingerprint)
			}
		}),
		credentials.WithValidator(func(ctx context.Context, handle *llm.CredentialHandle) error {
			if adapter == nil {
				return nil
			}
			return adapter.Validate(ctx, handle.ProviderID, handle)
		}),
	)
	resolver := credentials.NewResolver(store, resolverOpts...)
	go drainCredentialEvents(ctx, resolver, appLog)
	adapter = llm.NewAdapter(providerRegistry, llm.WithAuthErrorHook(func(handle *llm.CredentialHandle) {
		invalidateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := resolver.Invalidate(invalidateCtx, handle); err != nil {
			appLog.Warn("", "credential invalidation failed", map[string]interface{}{
				"provider": handle.ProviderID,
				"error":    err.Error(),
			})
		}
	}))

	agentRegistry := engine.NewAgentRegistry()
	agentDir := cfg.AgentConfigDir
	if agentDir == "" {
		agentDir = "./config/agents"
	}
	if err := agentRegistry.LoadFromDirectory(ctx, agentDir); err != nil {
		log.Fatalf("agent catalog load failed: %v", err)
	}

	analyzer := buildAnalyzer(cfg, agentRegistry, adapter)
	tracker := buildTracker(ctx, cfg, agentRegistry, appLog, store)

	engineOpts := []engine.EngineOption{
		engine.WithProviderNames(providerNames),
		engine.WithQuota(buildQuota(cfg, appLog)),
	}
	if cfg.DatabaseURL != "" {
		sink := engine.NewAuditSink(cfg.DatabaseURL)
		defer func() {
			if err := sink.Close(); err != nil {
				appLog.Warn("", "audit sink close failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
		engineOpts = append(engineOpts, engine.WithAuditSink(sink))

		if usageDB, err := sql.Open("postgres", cfg.DatabaseURL); err == nil {
			recorder := usage.NewRecorder(usageDB)
			if err := recorder.EnsureTable(); err != nil {
				appLog.Warn("", "failed to create usage table", map[string]interface{}{
					"error": err.Error(),
				})
			}
			engineOpts = append(engineOpts, engine.WithUsageRecorder(recorder))
		} else {
			appLog.Warn("", "usage database unavailable, accounting disabled", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	eng := engine.New(engine.Config{
		MaxInflightGlobal:       cfg.MaxInflightGlobal,
		MaxInflightPerUser:      cfg.MaxInflightPerUser,
		RequestDeadline:         cfg.RequestDeadline,
		StreamingDeadline:       cfg.StreamingDeadline,
		ProviderCooldown:        cfg.ProviderCooldown,
		ProviderRateBudgets:     providerBudgets,
		CancelOnFirstFullAnswer: cfg.CancelOnFirstFullAnswer,
	}, agentRegistry, analyzer, resolver, adapter, tracker, engineOpts...)

	root := mux.NewRouter()
	if cfg.JWTSecret != "" {
		root.Handle("/ws/stream", stream.NewHandler(eng,
			stream.NewJWTAuthenticator([]byte(cfg.JWTSecret)),
			stream.WithIdleTimeout(cfg.StreamIdleTimeout)))
	} else {
		appLog.Warn("", "ENGINE_JWT_SECRET not set, streaming surface disabled", nil)
	}
	root.PathPrefix("/").Handler(engine.NewAPI(eng).Router())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: root,
	}

	go func() {
		appLog.Info("", "engine listening", map[string]interface{}{
			"addr":      cfg.ListenAddr,
			"providers": providerNames,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	appLog.Info("", "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("", "shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// drainCredentialEvents consumes resolver notifications so invalidation
// and revalidation activity lands in the log trail.
func drainCredentialEvents(ctx context.Context, resolver *credentials.Resolver, appLog *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-resolver.Events():
			appLog.Info("", "credential event", map[string]interface{}{
				"kind":     string(ev.Kind),
				"user":     ev.UserID,
				"provider": ev.ProviderID,
			})
		}
	}
}

// buildProviderRegistry registers provider factories and the provider
// configurations enabled by the environment. The returned budget map
// carries each provider's configured per-minute rate budget.
func buildProviderRegistry(cfg *config.Config) (*llm.Registry, []string, map[string]int) {
	fm := llm.NewFactoryManager()
	fm.Register(llm.ProviderTypeAnthropic, anthropic.New)
	fm.Register(llm.ProviderTypeOpenAI, openai.New)
	fm.Register(llm.ProviderTypeBedrock, bedrock.New)
	fm.Register(llm.ProviderTypeOllama, ollama.New)

	registry := llm.NewRegistry(llm.WithFactoryManager(fm))

	configs := []llm.ProviderConfig{
		{Name: "anthropic", Type: llm.ProviderTypeAnthropic, Enabled: true},
		{Name: "openai", Type: llm.ProviderTypeOpenAI, Enabled: true},
	}
	if region := os.Getenv("BEDROCK_REGION"); region != "" {
		configs = append(configs, llm.ProviderConfig{
			Name: "bedrock", Type: llm.ProviderTypeBedrock, Region: region, Enabled: true,
		})
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		configs = append(configs, llm.ProviderConfig{
			Name: "ollama", Type: llm.ProviderTypeOllama, Endpoint: endpoint, Enabled: true,
		})
	}

	var names []string
	budgets := make(map[string]int)
	for _, pc := range configs {
		pc.RateBudget = cfg.RateBudgets[pc.Name]
		pc.Timeout = cfg.ProviderTimeouts[pc.Name]
		if err := registry.Register(pc); err != nil {
			log.Fatalf("provider registration failed for %s: %v", pc.Name, err)
		}
		names = append(names, pc.Name)
		if stored, err := registry.GetConfig(pc.Name); err == nil && stored.RateBudget > 0 {
			budgets[pc.Name] = stored.RateBudget
		}
	}
	return registry, names, budgets
}

// sharedKeysFromEnv collects platform-owned provider keys.
func sharedKeysFromEnv() map[string]string {
	keys := make(map[string]string)
	for providerID, envVar := range map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	} {
		if key := os.Getenv(envVar); key != "" {
			keys[providerID] = key
		}
	}
	return keys
}

func buildAnalyzer(cfg *config.Config, registry *engine.AgentRegistry, adapter *llm.Adapter) *engine.Analyzer {
	var opts []engine.AnalyzerOption
	if cfg.SemanticAnalysisEnabled {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			handle := &llm.CredentialHandle{
				ProviderID:  "anthropic",
				Shared:      true,
				Material:    key,
				Fingerprint: credentials.Fingerprint(key),
			}
			refiner := engine.NewAdapterRefiner(adapter, "anthropic", handle)
			opts = append(opts, engine.WithSemanticRefiner(refiner, cfg.SemanticDeadline))
		}
	}
	return engine.NewAnalyzer(registry, opts...)
}

func buildTracker(ctx context.Context, cfg *config.Config, registry *engine.AgentRegistry, appLog *logger.Logger, store *credentials.MongoStore) *engine.Tracker {
	feedback := engine.NewMongoFeedbackStore(store.Database())
	if err := feedback.EnsureIndexes(ctx); err != nil {
		appLog.Warn("", "failed to ensure feedback indexes", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return engine.NewTracker(registry, feedback)
}

func buildQuota(cfg *config.Config, appLog *logger.Logger) engine.QuotaChecker {
	if cfg.RedisURL != "" {
		quota, err := engine.NewRedisQuota(cfg.RedisURL, engine.DefaultUserQueryLimit)
		if err == nil {
			return quota
		}
		appLog.Warn("", "redis unavailable, using in-memory quota", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return engine.NewMemoryQuota(engine.DefaultUserQueryLimit)
}
