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

// Package stream delivers query results over a bidirectional WebSocket
// channel: chunked answers as providers produce them, with in-band
// authentication, cancellation and keepalive.
package stream

import (
	"encoding/json"
	"time"
)

// Message types exchanged over the channel.
const (
	TypeHello         = "hello"
	TypeAuthenticate  = "authenticate"
	TypeAuthenticated = "authenticated"
	TypeQuery         = "query"
	TypeStreamStarted = "stream_started"
	TypeChunk         = "chunk"
	TypeComplete      = "complete"
	TypeError         = "error"
	TypeCancel        = "cancel"
	TypeCancelled     = "cancelled"
	TypePing          = "ping"
	TypePong          = "pong"
)

// Envelope frames every message in both directions. ProcessID ties
// chunks and lifecycle messages to the query they belong to.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	ProcessID string          `json:"processId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// outEnvelope is the send-side frame; payload is marshaled on write.
type outEnvelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"ts"`
	ProcessID string      `json:"processId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// AuthPayload carries the client's bearer token.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms the session identity.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// QueryPayload is the client's query submission.
type QueryPayload struct {
	Query     string `json:"query"`
	Mode      string `json:"mode,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ChunkPayload is one piece of a streamed answer.
type ChunkPayload struct {
	Content string `json:"content"`
	Seq     int    `json:"seq"`
}

// ErrorPayload mirrors the HTTP error body shape.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func newEnvelope(msgType, processID string, payload interface{}) outEnvelope {
	return outEnvelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		ProcessID: processID,
		Payload:   payload,
	}
}
