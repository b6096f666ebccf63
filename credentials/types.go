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

// Package credentials resolves (user, provider) pairs to credential
// material under per-user access policies. Resolution prefers the
// user's own key, falls back to the platform shared key when the
// policy permits, and refuses with a typed error otherwise.
package credentials

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a stored credential.
type Status string

const (
	// StatusUnverified means the key was saved but never validated.
	StatusUnverified Status = "unverified"

	// StatusValid means the last validation succeeded.
	StatusValid Status = "valid"

	// StatusInvalid means the provider rejected the key.
	StatusInvalid Status = "invalid"

	// StatusRevoked means the user or an admin revoked the key.
	StatusRevoked Status = "revoked"
)

// Credential is a stored per-user provider key.
type Credential struct {
	UserID          string    `bson:"user_id" json:"userId"`
	ProviderID      string    `bson:"provider_id" json:"providerId"`
	Material        string    `bson:"material" json:"-"`
	Status          Status    `bson:"status" json:"status"`
	LastValidatedAt time.Time `bson:"last_validated_at" json:"lastValidatedAt"`
	CreatedAt       time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updatedAt"`
}

// Usable reports whether the credential may be handed to a provider.
// Invalid and revoked credentials never leave the resolver.
func (c *Credential) Usable() bool {
	return c.Status == StatusValid || c.Status == StatusUnverified
}

// ApprovalState is the shared-key approval state on an access policy.
type ApprovalState string

const (
	ApprovalApproved ApprovalState = "approved"
	ApprovalPending  ApprovalState = "pending"
	ApprovalRevoked  ApprovalState = "revoked"
)

// AccessPolicy governs how credentials are selected for a user.
type AccessPolicy struct {
	UserID            string        `bson:"user_id" json:"userId"`
	UseSharedKeys     bool          `bson:"use_shared_keys" json:"useSharedKeys"`
	SharedKeyApproval ApprovalState `bson:"shared_key_approval" json:"sharedKeyApproval"`

	// PreferredProvider, when set, restricts own-key resolution to this
	// provider. Empty means any provider the user holds a key for.
	PreferredProvider string `bson:"preferred_provider,omitempty" json:"preferredProvider,omitempty"`

	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// SharedApproved reports whether shared keys may serve this user.
// Pending is treated as not approved.
func (p *AccessPolicy) SharedApproved() bool {
	return p.UseSharedKeys && p.SharedKeyApproval == ApprovalApproved
}

// EventKind classifies resolver events.
type EventKind string

const (
	// EventInvalidated fires when a credential is marked invalid after
	// a provider authentication failure.
	EventInvalidated EventKind = "invalidated"

	// EventRevalidated fires when a lazy revalidation completes.
	EventRevalidated EventKind = "revalidated"
)

// Event is emitted on the resolver's event channel for lazy user
// notification. Delivery is best-effort; slow consumers drop events.
type Event struct {
	Kind       EventKind `json:"kind"`
	UserID     string    `json:"userId"`
	ProviderID string    `json:"providerId"`
	At         time.Time `json:"at"`
}

// ErrNoCredential is the typed refusal when neither the user's own key
// nor an approved shared key can serve the request.
var ErrNoCredential = errors.New("no usable credential for user and provider")

// ErrNotFound is returned by stores when a document does not exist.
var ErrNotFound = errors.New("credential not found")

// ResolveError wraps a refusal with the pair that failed, so callers
// can surface an actionable message without leaking material.
type ResolveError struct {
	UserID     string
	ProviderID string
	Reason     error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("credential resolution failed for user %s provider %s: %v", e.UserID, e.ProviderID, e.Reason)
}

func (e *ResolveError) Unwrap() error { return e.Reason }
