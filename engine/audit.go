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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"axonflow/engine/shared/logger"
)

const (
	auditQueueSize     = 10000
	auditBatchSize     = 100
	auditFlushInterval = 5 * time.Second
)

// AuditRecord summarizes one completed query for compliance review.
// Query text is not stored, only its routing and cost footprint.
type AuditRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
	Mode         string    `json:"mode"`
	Intent       string    `json:"intent"`
	AgentsUsed   []string  `json:"agents_used"`
	Providers    []string  `json:"providers"`
	Outcome      string    `json:"outcome"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	Confidence   float64   `json:"confidence"`
	AttemptCount int       `json:"attempt_count"`
}

// AuditSink persists execution summaries asynchronously. Writes are
// queued and batched; a full queue drops the record rather than
// blocking the request path.
type AuditSink struct {
	db           *sql.DB
	queue        chan *AuditRecord
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	logger       *logger.Logger
}

// NewAuditSink connects to Postgres, ensures the summary table exists
// and starts the batch writer. A connection failure yields a no-op
// sink; auditing is not allowed to block startup.
func NewAuditSink(databaseURL string) *AuditSink {
	sink := &AuditSink{
		queue:        make(chan *AuditRecord, auditQueueSize),
		shutdownChan: make(chan struct{}),
		logger:       logger.New("audit-sink"),
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		sink.logger.Warn("", "audit database unavailable, auditing disabled", map[string]interface{}{
			"error": err.Error(),
		})
		return sink
	}

	if err := createSummaryTable(db); err != nil {
		sink.logger.Warn("", "failed to create audit table", map[string]interface{}{
			"error": err.Error(),
		})
	}

	sink.db = db
	sink.wg.Add(1)
	go sink.processQueue()
	return sink
}

// NewAuditSinkFromDB wraps an existing connection. The caller owns the
// table setup and the connection lifecycle.
func NewAuditSinkFromDB(db *sql.DB) *AuditSink {
	sink := &AuditSink{
		db:           db,
		queue:        make(chan *AuditRecord, auditQueueSize),
		shutdownChan: make(chan struct{}),
		logger:       logger.New("audit-sink"),
	}
	sink.wg.Add(1)
	go sink.processQueue()
	return sink
}

// Record queues a summary for writing. Non-blocking.
func (s *AuditSink) Record(rec AuditRecord) {
	if s.db == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case s.queue <- &rec:
	default:
		s.logger.Warn(rec.RequestID, "audit queue full, dropping record", nil)
	}
}

// Close flushes pending records and stops the writer.
func (s *AuditSink) Close() error {
	if s.db == nil {
		return nil
	}
	close(s.shutdownChan)
	s.wg.Wait()
	return s.db.Close()
}

func (s *AuditSink) processQueue() {
	defer s.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]*AuditRecord, 0, auditBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			s.logger.ErrorWithErr("", "failed to write audit batch", err, map[string]interface{}{
				"batch_size": len(batch),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.shutdownChan:
			for {
				select {
				case rec := <-s.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *AuditSink) writeBatch(batch []*AuditRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO executions_summary (
			id, request_id, user_id, timestamp, mode, intent,
			agents_used, providers, outcome, error_kind,
			latency_ms, tokens_in, tokens_out, confidence, attempt_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range batch {
		agentsJSON, _ := json.Marshal(rec.AgentsUsed)
		providersJSON, _ := json.Marshal(rec.Providers)

		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.RequestID, rec.UserID, rec.Timestamp, rec.Mode, rec.Intent,
			agentsJSON, providersJSON, rec.Outcome, rec.ErrorKind,
			rec.LatencyMs, rec.TokensIn, rec.TokensOut, rec.Confidence, rec.AttemptCount,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}
	return nil
}

func createSummaryTable(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS executions_summary (
		id VARCHAR(255) PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		mode VARCHAR(32) NOT NULL,
		intent VARCHAR(64),
		agents_used JSONB,
		providers JSONB,
		outcome VARCHAR(32) NOT NULL,
		error_kind VARCHAR(64),
		latency_ms BIGINT,
		tokens_in INTEGER,
		tokens_out INTEGER,
		confidence DECIMAL(4, 3),
		attempt_count INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_executions_summary_user
		ON executions_summary (user_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_summary_request
		ON executions_summary (request_id);
	`)
	return err
}
