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

package engine

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"axonflow/engine/shared/logger"
)

// Prometheus metrics
var (
	promQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_queries_total",
			Help: "Total number of queries processed by the engine",
		},
		[]string{"status", "mode"},
	)
	promExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_engine_execution_duration_milliseconds",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"agent"},
	)
	promExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_executions_total",
			Help: "Total number of agent executions by outcome",
		},
		[]string{"agent", "outcome"},
	)
	promProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_provider_calls_total",
			Help: "Total number of LLM provider calls",
		},
		[]string{"provider", "status"},
	)
	promFeedbackRatings = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "axonflow_engine_feedback_rating",
			Help:    "Distribution of user feedback ratings",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
	promInflightQueries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "axonflow_engine_inflight_queries",
			Help: "Number of queries currently being processed",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promQueriesTotal)
	prometheus.MustRegister(promExecutionDuration)
	prometheus.MustRegister(promExecutionsTotal)
	prometheus.MustRegister(promProviderCalls)
	prometheus.MustRegister(promFeedbackRatings)
	prometheus.MustRegister(promInflightQueries)
}

const (
	feedbackCollection = "feedback"

	// executionDedupeTTL bounds how long an execution id is remembered
	// for exactly-once stat recording.
	executionDedupeTTL = 10 * time.Minute
)

// FeedbackStore persists feedback records. Insert returns false when a
// record for the same (requestID, userID) pair already exists.
type FeedbackStore interface {
	Insert(ctx context.Context, rec FeedbackRecord) (bool, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]FeedbackRecord, error)
}

// MongoFeedbackStore stores feedback in MongoDB with a unique index
// enforcing idempotency per (request_id, user_id).
type MongoFeedbackStore struct {
	collection *mongo.Collection
}

// NewMongoFeedbackStore wraps the given database.
func NewMongoFeedbackStore(db *mongo.Database) *MongoFeedbackStore {
	return &MongoFeedbackStore{collection: db.Collection(feedbackCollection)}
}

// EnsureIndexes creates the idempotency index. Call once at startup.
func (s *MongoFeedbackStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "request_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create feedback index: %w", err)
	}
	return nil
}

func (s *MongoFeedbackStore) Insert(ctx context.Context, rec FeedbackRecord) (bool, error) {
	_, err := s.collection.InsertOne(ctx, rec)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert feedback: %w", err)
	}
	return true, nil
}

func (s *MongoFeedbackStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]FeedbackRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{"agent_id": agentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer cursor.Close(ctx)

	var records []FeedbackRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode feedback: %w", err)
	}
	return records, nil
}

// Tracker folds execution outcomes and user feedback into agent stats
// and mirrors them to Prometheus. Stat mutation goes through the
// registry's per-agent writers, so concurrent recorders are safe.
type Tracker struct {
	registry *AgentRegistry
	feedback FeedbackStore
	recorded *gocache.Cache
	logger   *logger.Logger
}

// NewTracker creates a tracker over the registry. feedback may be nil
// when no durable store is configured; ratings then update stats only.
func NewTracker(registry *AgentRegistry, feedback FeedbackStore) *Tracker {
	return &Tracker{
		registry: registry,
		feedback: feedback,
		recorded: gocache.New(executionDedupeTTL, executionDedupeTTL),
		logger:   logger.New("perf-tracker"),
	}
}

// RecordExecution folds a terminal execution into its agent's stats
// exactly once; repeated calls for the same execution id are ignored.
func (t *Tracker) RecordExecution(exec *Execution) {
	if exec == nil || !exec.Terminal() {
		return
	}
	if err := t.recorded.Add(exec.ID, struct{}{}, executionDedupeTTL); err != nil {
		// Already recorded.
		return
	}

	entry, ok := t.registry.entry(exec.AgentID)
	if ok {
		entry.applyExecution(exec.Outcome, exec.LatencyMs, time.Now().UTC())
	}

	promExecutionsTotal.WithLabelValues(exec.AgentID, string(exec.Outcome)).Inc()
	if exec.LatencyMs > 0 {
		promExecutionDuration.WithLabelValues(exec.AgentID).Observe(float64(exec.LatencyMs))
	}
	if exec.ProviderID != "" {
		status := "success"
		if exec.Outcome != OutcomeOK {
			status = "error"
		}
		promProviderCalls.WithLabelValues(exec.ProviderID, status).Inc()
	}
}

// RecordQuery increments the terminal query counter.
func (t *Tracker) RecordQuery(mode Mode, status string) {
	promQueriesTotal.WithLabelValues(status, string(mode)).Inc()
}

// QueryStarted and QueryFinished bracket the in-flight gauge.
func (t *Tracker) QueryStarted()  { promInflightQueries.Inc() }
func (t *Tracker) QueryFinished() { promInflightQueries.Dec() }

// RecordFeedback persists the rating and folds it into the agent's
// quality weight. Returns false when the same (requestID, userID) pair
// was already recorded; duplicates do not move stats twice.
func (t *Tracker) RecordFeedback(ctx context.Context, rec FeedbackRecord) (bool, error) {
	if rec.Rating < 1 || rec.Rating > 5 {
		return false, NewError(ErrKindBadInput, fmt.Sprintf("rating must be between 1 and 5, got %d", rec.Rating))
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if t.feedback != nil {
		inserted, err := t.feedback.Insert(ctx, rec)
		if err != nil {
			return false, err
		}
		if !inserted {
			return false, nil
		}
	}

	if entry, ok := t.registry.entry(rec.AgentID); ok {
		entry.applyFeedback(rec.Rating)
	} else {
		t.logger.Warn(rec.RequestID, "feedback for unknown agent", map[string]interface{}{
			"agent_id": rec.AgentID,
		})
	}

	promFeedbackRatings.Observe(float64(rec.Rating))
	return true, nil
}

// PerformanceSnapshot is the aggregate view served by the performance
// endpoint.
type PerformanceSnapshot struct {
	GeneratedAt time.Time   `json:"generatedAt"`
	Agents      []AgentInfo `json:"agents"`
	TotalTasks  int64       `json:"totalTasks"`
	TotalErrors int64       `json:"totalErrors"`
}

// Snapshot returns per-agent stats plus fleet totals.
func (t *Tracker) Snapshot() PerformanceSnapshot {
	infos := t.registry.List()

	snap := PerformanceSnapshot{
		GeneratedAt: time.Now().UTC(),
		Agents:      infos,
	}
	for _, info := range infos {
		snap.TotalTasks += info.Stats.TotalTasks
		snap.TotalErrors += info.Stats.TotalTasks - info.Stats.SuccessfulTasks
	}
	return snap
}
