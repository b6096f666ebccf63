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

package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"axonflow/engine/llm"
	"axonflow/engine/shared/logger"
)

const (
	// DefaultCacheTTL bounds how long a resolved handle is served
	// without consulting the store.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultRevalidateAfter is how stale a validation may get before a
	// lazy revalidation is scheduled.
	DefaultRevalidateAfter = 24 * time.Hour

	// revalidateTimeout bounds each background validation probe.
	revalidateTimeout = 10 * time.Second

	// maxConcurrentRevalidations bounds background probe goroutines.
	maxConcurrentRevalidations = 4

	// eventBufferSize is the capacity of the notification channel.
	// Events are dropped, not blocked on, when the consumer lags.
	eventBufferSize = 64
)

// Validator issues a trivial provider call to confirm a handle works.
// The engine wires the provider adapter's validation path in here.
type Validator func(ctx context.Context, handle *llm.CredentialHandle) error

// ResolverOption configures the resolver during creation.
type ResolverOption func(*Resolver)

// WithSharedKeys registers platform-owned keys by provider id.
func WithSharedKeys(keys map[string]string) ResolverOption {
	return func(r *Resolver) {
		r.sharedKeys = keys
	}
}

// WithSecretFetcher sets the fetcher for secret-arn material.
func WithSecretFetcher(fetcher SecretFetcher) ResolverOption {
	return func(r *Resolver) {
		r.secrets = fetcher
	}
}

// WithValidator sets the provider-ping validation hook.
func WithValidator(v Validator) ResolverOption {
	return func(r *Resolver) {
		r.validator = v
	}
}

// WithCacheTTL overrides the handle cache TTL.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = gocache.New(ttl, 2*ttl)
	}
}

// WithSharedKeysAllowed sets the deployment-wide shared key switch.
// When false, per-user policies cannot opt in to shared keys.
func WithSharedKeysAllowed(allowed bool) ResolverOption {
	return func(r *Resolver) {
		r.sharedAllowed = allowed
	}
}

// WithInvalidateHook registers a callback fired after a credential is
// invalidated, before the event is published. Used to evict cached
// provider instances bound to the dead material.
func WithInvalidateHook(hook func(fingerprint string)) ResolverOption {
	return func(r *Resolver) {
		r.onInvalidate = hook
	}
}

// Resolver maps (user, provider) pairs to credential handles under
// access policy, with a process-local TTL cache in front of the store.
type Resolver struct {
	store         Store
	cache         *gocache.Cache
	secrets       SecretFetcher
	validator     Validator
	sharedKeys    map[string]string
	sharedAllowed bool
	onInvalidate  func(fingerprint string)

	revalidateAfter time.Duration
	revalidateSem   chan struct{}

	events chan Event
	logger *logger.Logger
}

// NewResolver creates a credential resolver backed by the given store.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:           store,
		cache:           gocache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
		sharedAllowed:   true,
		revalidateAfter: DefaultRevalidateAfter,
		revalidateSem:   make(chan struct{}, maxConcurrentRevalidations),
		events:          make(chan Event, eventBufferSize),
		logger:          logger.New("credential-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the notification channel. One consumer is expected;
// events are dropped when the buffer is full.
func (r *Resolver) Events() <-chan Event {
	return r.events
}

// Resolve returns a handle for (userID, providerID) or a typed refusal.
//
// Resolution order: the user's own credential for that provider when it
// is usable and the policy's preferred provider allows it; else the
// shared credential when the policy grants shared keys with approval;
// else ErrNoCredential. A pending approval counts as not approved.
func (r *Resolver) Resolve(ctx context.Context, userID, providerID string) (*llm.CredentialHandle, error) {
	key := cacheKey(userID, providerID)
	if cached, ok := r.cache.Get(key); ok {
		return cached.(*llm.CredentialHandle), nil
	}

	policy, err := r.policyFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Own key first, unless the policy pins a different provider.
	if policy.PreferredProvider == "" || policy.PreferredProvider == providerID {
		cred, err := r.store.GetCredential(ctx, userID, providerID)
		switch {
		case err == nil && cred.Usable():
			handle, err := r.buildHandle(ctx, cred, false)
			if err != nil {
				return nil, err
			}
			r.cache.Set(key, handle, gocache.DefaultExpiration)
			r.maybeRevalidate(cred, handle)
			return handle, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	// Shared key fallback requires both the deployment switch and the
	// user's approved policy.
	if r.sharedAllowed && policy.SharedApproved() {
		if material, ok := r.sharedKeys[providerID]; ok && material != "" {
			handle, err := r.buildSharedHandle(ctx, providerID, material)
			if err != nil {
				return nil, err
			}
			r.cache.Set(key, handle, gocache.DefaultExpiration)
			return handle, nil
		}
	}

	return nil, &ResolveError{UserID: userID, ProviderID: providerID, Reason: ErrNoCredential}
}

// Invalidate marks the credential behind a handle invalid, evicts it
// from the cache, and publishes an invalidation event. Shared handles
// are not store-backed and only get their cache entries dropped.
func (r *Resolver) Invalidate(ctx context.Context, handle *llm.CredentialHandle) error {
	if handle == nil {
		return nil
	}

	r.cache.Delete(cacheKey(handle.UserID, handle.ProviderID))

	if r.onInvalidate != nil {
		r.onInvalidate(handle.Fingerprint)
	}

	if handle.Shared {
		return nil
	}

	if err := r.store.SetStatus(ctx, handle.UserID, handle.ProviderID, StatusInvalid); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	r.publish(Event{
		Kind:       EventInvalidated,
		UserID:     handle.UserID,
		ProviderID: handle.ProviderID,
		At:         time.Now(),
	})
	return nil
}

// SaveCredential stores a user key as unverified and drops any cached
// handle so the next resolution sees the new material.
func (r *Resolver) SaveCredential(ctx context.Context, userID, providerID, material string) error {
	cred := &Credential{
		UserID:     userID,
		ProviderID: providerID,
		Material:   material,
		Status:     StatusUnverified,
	}
	if err := r.store.PutCredential(ctx, cred); err != nil {
		return err
	}
	r.cache.Delete(cacheKey(userID, providerID))
	return nil
}

func (r *Resolver) policyFor(ctx context.Context, userID string) (*AccessPolicy, error) {
	policy, err := r.store.GetPolicy(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		// Users without an explicit policy get own-key-only access.
		return &AccessPolicy{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

func (r *Resolver) buildHandle(ctx context.Context, cred *Credential, shared bool) (*llm.CredentialHandle, error) {
	material, err := resolveMaterial(ctx, r.secrets, cred.Material)
	if err != nil {
		return nil, err
	}
	return &llm.CredentialHandle{
		ProviderID:  cred.ProviderID,
		UserID:      cred.UserID,
		Shared:      shared,
		Material:    material,
		Fingerprint: Fingerprint(material),
	}, nil
}

func (r *Resolver) buildSharedHandle(ctx context.Context, providerID, material string) (*llm.CredentialHandle, error) {
	resolved, err := resolveMaterial(ctx, r.secrets, material)
	if err != nil {
		return nil, err
	}
	return &llm.CredentialHandle{
		ProviderID:  providerID,
		Shared:      true,
		Material:    resolved,
		Fingerprint: Fingerprint(resolved),
	}, nil
}

// maybeRevalidate schedules a background validation probe when the
// stored validation is stale. Never blocks the caller.
func (r *Resolver) maybeRevalidate(cred *Credential, handle *llm.CredentialHandle) {
	if r.validator == nil {
		return
	}
	if time.Since(cred.LastValidatedAt) < r.revalidateAfter {
		return
	}

	select {
	case r.revalidateSem <- struct{}{}:
	default:
		return // probe budget exhausted, next resolution retries
	}

	go func() {
		defer func() { <-r.revalidateSem }()

		ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
		defer cancel()

		if err := r.validator(ctx, handle); err != nil {
			var provErr *llm.ProviderError
			if errors.As(err, &provErr) && provErr.Class() == llm.ErrorClassAuth {
				if ierr := r.Invalidate(ctx, handle); ierr != nil {
					r.logger.ErrorWithErr("", "failed to invalidate credential after probe", ierr, nil)
				}
			}
			return
		}

		if err := r.store.TouchValidated(ctx, handle.UserID, handle.ProviderID, time.Now()); err != nil {
			r.logger.ErrorWithErr("", "failed to record credential validation", err, nil)
			return
		}
		r.publish(Event{
			Kind:       EventRevalidated,
			UserID:     handle.UserID,
			ProviderID: handle.ProviderID,
			At:         time.Now(),
		})
	}()
}

func (r *Resolver) publish(event Event) {
	select {
	case r.events <- event:
	default:
		r.logger.Warn("", "credential event dropped, consumer lagging", map[string]interface{}{
			"kind":        string(event.Kind),
			"provider_id": event.ProviderID,
		})
	}
}

// Fingerprint returns a stable non-secret digest of credential material
// for use as a provider instance cache key.
func Fingerprint(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:8])
}

func cacheKey(userID, providerID string) string {
	return userID + "|" + providerID
}
