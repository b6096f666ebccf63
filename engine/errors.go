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
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies engine failures for callers. Kinds map to HTTP
// status codes at the surface; 5xx is reserved for engine bugs.
type ErrorKind string

const (
	ErrKindBadInput          ErrorKind = "bad_input"
	ErrKindUnauthenticated   ErrorKind = "unauthenticated"
	ErrKindNoCredential      ErrorKind = "no_credential"
	ErrKindCredentialInvalid ErrorKind = "credential_invalid"
	ErrKindProviderTransient ErrorKind = "provider_transient"
	ErrKindProviderPermanent ErrorKind = "provider_permanent"
	ErrKindContentPolicy     ErrorKind = "content_policy"
	ErrKindOverloaded        ErrorKind = "overloaded"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindFormatViolation   ErrorKind = "format_violation"
	ErrKindInternal          ErrorKind = "internal"
)

// Error is the typed engine error surfaced to callers. RequestID
// correlates the error body with logs.
type Error struct {
	Kind      ErrorKind `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId,omitempty"`
	Cause     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed engine error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds a typed engine error with a cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus maps an error kind to its surface status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrKindBadInput, ErrKindFormatViolation:
		return http.StatusBadRequest
	case ErrKindUnauthenticated:
		return http.StatusUnauthorized
	case ErrKindNoCredential, ErrKindCredentialInvalid, ErrKindContentPolicy:
		return http.StatusForbidden
	case ErrKindTimeout:
		return http.StatusRequestTimeout
	case ErrKindOverloaded:
		return http.StatusTooManyRequests
	case ErrKindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// AggregateError enumerates per-agent causes when every execution in a
// collaborative request failed.
type AggregateError struct {
	RequestID string
	Causes    map[string]error // agent id -> terminal error
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for agentID, err := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %v", agentID, err))
	}
	return "all agents failed: " + strings.Join(parts, "; ")
}
