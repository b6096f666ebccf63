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

package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Adapter is the uniform façade the scheduler talks to. It binds a
// provider configuration to resolved credential material, enforces the
// per-call deadline, performs the single in-adapter retry for transient
// failures, classifies errors, and applies JSON output hardening.
//
// Instances bound to a given credential are cached by fingerprint so a
// hot user does not pay construction cost per request.
type Adapter struct {
	registry *Registry

	instances map[string]Provider
	mu        sync.RWMutex

	retry RetryConfig

	// onAuthError is invoked when a provider reports an authentication
	// failure for the handle used. Wired to credential invalidation.
	onAuthError func(handle *CredentialHandle)
}

// AdapterOption configures the Adapter.
type AdapterOption func(*Adapter)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(rc RetryConfig) AdapterOption {
	return func(a *Adapter) {
		a.retry = rc
	}
}

// WithAuthErrorHook sets the callback invoked on authentication errors.
func WithAuthErrorHook(hook func(handle *CredentialHandle)) AdapterOption {
	return func(a *Adapter) {
		a.onAuthError = hook
	}
}

// NewAdapter creates an Adapter over the given registry.
func NewAdapter(registry *Registry, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		registry:  registry,
		instances: make(map[string]Provider),
		retry:     DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Registry returns the underlying provider registry.
func (a *Adapter) Registry() *Registry {
	return a.registry
}

// Complete executes a completion against the named provider using the
// given credential handle. The context's deadline bounds the whole call
// including the optional retry.
func (a *Adapter) Complete(ctx context.Context, providerID string, handle *CredentialHandle, req CompletionRequest) (*CompletionResponse, error) {
	provider, cfg, err := a.instance(providerID, handle)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := a.boundContext(ctx, cfg)
	defer cancel()

	resp, attempts, err := RetryWithBackoff(callCtx, a.retry, func(c context.Context) (*CompletionResponse, error) {
		return provider.Complete(c, req)
	})
	if err != nil {
		a.noteAuthFailure(handle, err)
		return nil, err
	}
	resp.Attempts = attempts

	if req.WantJSON {
		if raw, ok := ExtractJSON(resp.Content); ok {
			resp.JSON = raw
		} else {
			resp.FinishReason = FinishReasonError
			return resp, NewProviderError(providerID, ErrCodeFormatViolation, "response is not parseable JSON")
		}
	}

	return resp, nil
}

// CompleteStream executes a streaming completion. The chunk sequence is
// finite, ordered, and non-restartable: no retry is attempted.
func (a *Adapter) CompleteStream(ctx context.Context, providerID string, handle *CredentialHandle, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	provider, cfg, err := a.instance(providerID, handle)
	if err != nil {
		return nil, err
	}

	streaming, ok := provider.(StreamingProvider)
	if !ok {
		return nil, NewProviderError(providerID, ErrCodeInvalidRequest, "provider does not support streaming")
	}

	callCtx, cancel := a.boundContext(ctx, cfg)
	defer cancel()

	resp, err := streaming.CompleteStream(callCtx, req, handler)
	if err != nil {
		a.noteAuthFailure(handle, err)
		return nil, err
	}
	resp.Attempts = 1
	return resp, nil
}

// Embed returns embeddings for the given texts.
func (a *Adapter) Embed(ctx context.Context, providerID string, handle *CredentialHandle, texts []string) ([][]float32, error) {
	provider, cfg, err := a.instance(providerID, handle)
	if err != nil {
		return nil, err
	}

	embedder, ok := provider.(EmbeddingProvider)
	if !ok {
		return nil, NewProviderError(providerID, ErrCodeInvalidRequest, "provider does not support embeddings")
	}

	callCtx, cancel := a.boundContext(ctx, cfg)
	defer cancel()

	vectors, err := embedder.Embed(callCtx, texts)
	if err != nil {
		a.noteAuthFailure(handle, err)
		return nil, err
	}
	return vectors, nil
}

// Validate makes a minimal one-token completion to verify a credential.
// Used for lazy revalidation; bounded by the caller's context.
func (a *Adapter) Validate(ctx context.Context, providerID string, handle *CredentialHandle) error {
	provider, cfg, err := a.instance(providerID, handle)
	if err != nil {
		return err
	}

	callCtx, cancel := a.boundContext(ctx, cfg)
	defer cancel()

	_, err = provider.Complete(callCtx, CompletionRequest{Prompt: "ping", MaxTokens: 1})
	if err != nil {
		a.noteAuthFailure(handle, err)
	}
	return err
}

// DropInstances evicts cached instances for a credential fingerprint.
// Called when a credential is invalidated or rotated.
func (a *Adapter) DropInstances(fingerprint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.instances {
		if keyFingerprint(key) == fingerprint {
			delete(a.instances, key)
		}
	}
}

func (a *Adapter) instance(providerID string, handle *CredentialHandle) (Provider, *ProviderConfig, error) {
	cfg, err := a.registry.GetConfig(providerID)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled {
		return nil, nil, NewProviderError(providerID, ErrCodeUnavailable, "provider is disabled")
	}

	fingerprint := ""
	if handle != nil {
		fingerprint = handle.Fingerprint
	}
	key := instanceKey(providerID, fingerprint)

	a.mu.RLock()
	cached, ok := a.instances[key]
	a.mu.RUnlock()
	if ok {
		return cached, cfg, nil
	}

	bound := *cfg
	if handle != nil && handle.Material != "" {
		bound.APIKey = handle.Material
	}

	provider, err := a.registry.Factory().Create(bound)
	if err != nil {
		return nil, nil, err
	}

	a.mu.Lock()
	a.instances[key] = provider
	a.mu.Unlock()
	return provider, cfg, nil
}

func (a *Adapter) boundContext(ctx context.Context, cfg *ProviderConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	// The tighter of the caller's deadline and the provider default wins.
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < cfg.Timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}

func (a *Adapter) noteAuthFailure(handle *CredentialHandle, err error) {
	if a.onAuthError == nil || handle == nil {
		return
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.Class() == ErrorClassAuth {
		a.onAuthError(handle)
	}
}

func instanceKey(providerID, fingerprint string) string {
	return fmt.Sprintf("%s|%s", providerID, fingerprint)
}

func keyFingerprint(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[i+1:]
		}
	}
	return ""
}
