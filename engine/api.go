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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/engine/shared/logger"
)

// API exposes the engine over HTTP.
type API struct {
	engine *Engine
	logger *logger.Logger
}

// NewAPI wraps the engine.
func NewAPI(engine *Engine) *API {
	return &API{engine: engine, logger: logger.New("engine-api")}
}

// Router builds the HTTP handler with CORS and metrics endpoints.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/process", a.processHandler).Methods("POST")
	r.HandleFunc("/api/v1/analyze", a.analyzeHandler).Methods("POST")
	r.HandleFunc("/api/v1/feedback", a.feedbackHandler).Methods("POST")
	r.HandleFunc("/api/v1/status", a.statusHandler).Methods("GET")
	r.HandleFunc("/api/v1/agents", a.agentsHandler).Methods("GET")
	r.HandleFunc("/api/v1/performance", a.performanceHandler).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (a *API) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *API) processHandler(w http.ResponseWriter, r *http.Request) {
	var query Query
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		a.writeError(w, NewError(ErrKindBadInput, "invalid request body"))
		return
	}

	result, err := a.engine.Process(r.Context(), query)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	var query Query
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		a.writeError(w, NewError(ErrKindBadInput, "invalid request body"))
		return
	}

	analysis, err := a.engine.Analyze(r.Context(), query)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (a *API) feedbackHandler(w http.ResponseWriter, r *http.Request) {
	var rec FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		a.writeError(w, NewError(ErrKindBadInput, "invalid request body"))
		return
	}
	if rec.RequestID == "" || rec.UserID == "" || rec.AgentID == "" {
		a.writeError(w, NewError(ErrKindBadInput, "requestId, userId and agentId are required"))
		return
	}

	inserted, err := a.engine.Feedback(r.Context(), rec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": inserted})
}

func (a *API) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *API) agentsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Status().Agents)
}

func (a *API) performanceHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Performance())
}

// writeError maps engine errors to their status codes with a
// {code, message, requestId} body. Unknown errors surface as 500
// without leaking internals.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var engineErr *Error
	if !errors.As(err, &engineErr) {
		a.logger.ErrorWithErr("", "unclassified error on API surface", err, nil)
		engineErr = NewError(ErrKindInternal, "internal error")
	}
	writeJSON(w, engineErr.Kind.HTTPStatus(), engineErr)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
