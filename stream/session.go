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

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"axonflow/engine/engine"
	"axonflow/engine/llm"
	"axonflow/engine/shared/logger"
)

const (
	// DefaultIdleTimeout closes sessions with no inbound traffic.
	DefaultIdleTimeout = 5 * time.Minute

	// drainTimeout bounds how long Close waits for queued outbound
	// messages after the session ends, and how long a terminal frame
	// may block on a full outbound queue.
	drainTimeout = 2 * time.Second

	outboundQueueSize = 64
)

// QueryEngine is the slice of the engine the stream surface needs.
type QueryEngine interface {
	ProcessStream(ctx context.Context, query engine.Query, handler llm.StreamHandler) (*engine.Result, error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections and runs stream sessions.
type Handler struct {
	engine QueryEngine
	auth   Authenticator
	idle   time.Duration
	logger *logger.Logger
}

// HandlerOption configures the WebSocket surface.
type HandlerOption func(*Handler)

// WithIdleTimeout overrides how long a session may sit without inbound
// traffic before it is closed.
func WithIdleTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.idle = d
		}
	}
}

// NewHandler builds the WebSocket surface.
func NewHandler(eng QueryEngine, auth Authenticator, opts ...HandlerOption) *Handler {
	h := &Handler{engine: eng, auth: auth, idle: DefaultIdleTimeout, logger: logger.New("stream")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("", "websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	session := newSession(conn, h.engine, h.auth, h.idle, h.logger)
	session.run(r.Context())
}

// session owns one WebSocket connection. All writes go through the
// outbound queue and a single writer goroutine; the read loop is the
// only reader.
type session struct {
	conn   *websocket.Conn
	engine QueryEngine
	auth   Authenticator
	idle   time.Duration
	logger *logger.Logger

	outbound chan outEnvelope
	done     chan struct{}
	writerWG sync.WaitGroup

	userID string

	mu            sync.Mutex
	activeProcess string
	activeCancel  context.CancelFunc
	cancelled     map[string]bool
}

func newSession(conn *websocket.Conn, eng QueryEngine, auth Authenticator, idle time.Duration, log *logger.Logger) *session {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &session{
		conn:      conn,
		engine:    eng,
		auth:      auth,
		idle:      idle,
		logger:    log,
		outbound:  make(chan outEnvelope, outboundQueueSize),
		done:      make(chan struct{}),
		cancelled: make(map[string]bool),
	}
}

func (s *session) run(ctx context.Context) {
	s.writerWG.Add(1)
	go s.writeLoop()
	defer s.close()

	s.send(newEnvelope(TypeHello, "", map[string]string{"version": "1"}))

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))

		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("", "websocket read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		switch env.Type {
		case TypeAuthenticate:
			s.handleAuthenticate(env)
		case TypeQuery:
			s.handleQuery(ctx, env)
		case TypeCancel:
			s.handleCancel(env)
		case TypePing:
			s.send(newEnvelope(TypePong, "", nil))
		default:
			s.sendError("", "bad_input", "unknown message type: "+env.Type, "")
		}
	}
}

func (s *session) handleAuthenticate(env Envelope) {
	var payload AuthPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Token == "" {
		s.sendError("", "unauthenticated", "authentication payload requires a token", "")
		return
	}

	userID, err := s.auth.Authenticate(payload.Token)
	if err != nil {
		s.sendError("", "unauthenticated", "invalid token", "")
		return
	}

	s.userID = userID
	s.send(newEnvelope(TypeAuthenticated, "", AuthenticatedPayload{UserID: userID}))
}

func (s *session) handleQuery(ctx context.Context, env Envelope) {
	if s.userID == "" {
		s.sendError("", "unauthenticated", "authenticate before submitting queries", "")
		return
	}

	var payload QueryPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Query == "" {
		s.sendError("", "bad_input", "query payload requires query text", "")
		return
	}

	s.mu.Lock()
	if s.activeProcess != "" {
		s.mu.Unlock()
		s.sendError("", "overloaded", "a query is already in progress on this session", "")
		return
	}
	processID := uuid.New().String()
	queryCtx, cancel := context.WithCancel(ctx)
	s.activeProcess = processID
	s.activeCancel = cancel
	s.mu.Unlock()

	s.send(newEnvelope(TypeStreamStarted, processID, nil))

	go s.runQuery(queryCtx, processID, payload)
}

func (s *session) runQuery(ctx context.Context, processID string, payload QueryPayload) {
	defer s.clearActive(processID)

	query := engine.Query{
		Text:        payload.Query,
		SubmittedBy: s.userID,
		SessionID:   payload.SessionID,
		SubmittedAt: time.Now().UTC(),
	}

	seq := 0
	result, err := s.engine.ProcessStream(ctx, query, func(chunk llm.StreamChunk) error {
		if chunk.Done || chunk.Content == "" {
			return nil
		}
		seq++
		s.send(newEnvelope(TypeChunk, processID, ChunkPayload{Content: chunk.Content, Seq: seq}))
		return nil
	})

	if err != nil {
		if s.wasCancelled(processID) {
			// The cancelled acknowledgement was already sent.
			return
		}
		var engineErr *engine.Error
		if errors.As(err, &engineErr) {
			s.sendError(processID, string(engineErr.Kind), engineErr.Message, engineErr.RequestID)
		} else {
			s.sendError(processID, "internal", "query processing failed", "")
		}
		return
	}

	if s.wasCancelled(processID) {
		return
	}
	s.sendTerminal(newEnvelope(TypeComplete, processID, result))
}

// handleCancel cancels the named in-flight query. Exactly one
// cancelled acknowledgement is sent; unknown process ids are ignored.
func (s *session) handleCancel(env Envelope) {
	s.mu.Lock()
	if env.ProcessID == "" || env.ProcessID != s.activeProcess || s.cancelled[env.ProcessID] {
		s.mu.Unlock()
		return
	}
	s.cancelled[env.ProcessID] = true
	cancel := s.activeCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.sendTerminal(newEnvelope(TypeCancelled, env.ProcessID, nil))
}

func (s *session) clearActive(processID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeProcess == processID {
		if s.activeCancel != nil {
			s.activeCancel()
		}
		s.activeProcess = ""
		s.activeCancel = nil
	}
}

func (s *session) wasCancelled(processID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[processID]
}

// send enqueues a data frame, dropping it when the queue is full. A
// client too slow for the chunk rate loses chunks, never the session.
func (s *session) send(env outEnvelope) {
	select {
	case s.outbound <- env:
	case <-s.done:
	default:
		s.logger.Warn("", "outbound queue full, dropping message", map[string]interface{}{
			"type": env.Type,
		})
	}
}

// sendTerminal enqueues a frame the client must see to settle a query
// (complete, error, cancelled). Unlike send it waits out backpressure,
// bounded by the drain timeout.
func (s *session) sendTerminal(env outEnvelope) {
	select {
	case s.outbound <- env:
	case <-s.done:
	case <-time.After(drainTimeout):
		s.logger.Warn("", "outbound queue blocked, dropping terminal message", map[string]interface{}{
			"type": env.Type,
		})
	}
}

func (s *session) sendError(processID, code, message, requestID string) {
	s.sendTerminal(newEnvelope(TypeError, processID, ErrorPayload{
		Code: code, Message: message, RequestID: requestID,
	}))
}

func (s *session) writeLoop() {
	defer s.writerWG.Done()
	for {
		select {
		case env := <-s.outbound:
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-s.done:
			// Drain what is already queued, bounded.
			deadline := time.Now().Add(drainTimeout)
			for {
				select {
				case env := <-s.outbound:
					_ = s.conn.SetWriteDeadline(deadline)
					if err := s.conn.WriteJSON(env); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	if s.activeCancel != nil {
		s.activeCancel()
	}
	s.mu.Unlock()

	close(s.done)
	s.writerWG.Wait()
	_ = s.conn.Close()
}
