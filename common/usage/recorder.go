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
	"database/sql"
	"log"
)

// Recorder persists usage events to Postgres. Errors are logged, not
// propagated; usage accounting never blocks or fails a request.
type Recorder struct {
	db *sql.DB
}

// NewRecorder wraps a database connection. A nil db yields a no-op
// recorder.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// CompletionEvent represents one provider completion call.
type CompletionEvent struct {
	RequestID        string
	UserID           string
	AgentID          string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
	SharedKey        bool
}

// RecordCompletion records a completion event with its estimated cost.
func (r *Recorder) RecordCompletion(event CompletionEvent) error {
	if r.db == nil {
		return nil
	}

	costCents := CalculateCost(event.Provider, event.Model,
		event.PromptTokens, event.CompletionTokens)

	_, err := r.db.Exec(`
		INSERT INTO usage_events (
			request_id, user_id, event_type, agent_id,
			llm_provider, llm_model, prompt_tokens, completion_tokens,
			total_tokens, estimated_cost_cents, latency_ms, shared_key
		) VALUES ($1, $2, 'completion', $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, event.RequestID, event.UserID, nullString(event.AgentID),
		event.Provider, event.Model, event.PromptTokens, event.CompletionTokens,
		event.TotalTokens, costCents, event.LatencyMs, event.SharedKey)

	if err != nil {
		log.Printf("[USAGE] Failed to record completion: %v", err)
	}
	return err
}

// UserSpend returns a user's total estimated spend in cents over the
// trailing number of days.
func (r *Recorder) UserSpend(userID string, days int) (int, error) {
	if r.db == nil {
		return 0, nil
	}

	var cents sql.NullInt64
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(estimated_cost_cents), 0)
		FROM usage_events
		WHERE user_id = $1
		  AND created_at > NOW() - ($2 || ' days')::interval
	`, userID, days).Scan(&cents)
	if err != nil {
		return 0, err
	}
	return int(cents.Int64), nil
}

// EnsureTable creates the usage_events table if missing.
func (r *Recorder) EnsureTable() error {
	if r.db == nil {
		return nil
	}
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_events (
		id BIGSERIAL PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		agent_id VARCHAR(255),
		llm_provider VARCHAR(50),
		llm_model VARCHAR(100),
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		estimated_cost_cents INTEGER,
		latency_ms BIGINT,
		shared_key BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_usage_events_user
		ON usage_events (user_id, created_at DESC);
	`)
	return err
}

// nullString converts an empty string to NULL for database insertion.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
