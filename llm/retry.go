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
	"math/rand"
	"time"
)

// RetryConfig configures the adapter's in-flight retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// Jitter adds randomness to avoid thundering herd (0.0-1.0).
	Jitter float64

	// RetryIf determines if an error should be retried.
	RetryIf func(err error) bool
}

// DefaultRetryConfig returns the adapter default: a single retry for
// transient failures with jittered backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     1,
		InitialBackoff: 150 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Jitter:         0.2,
		RetryIf:        DefaultRetryable,
	}
}

// DefaultRetryable reports whether an error is retryable: transient
// provider errors and deadline expiry of the attempt, not the caller.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}

	return false
}

// deadlineBudgetAllows reports whether enough of the caller's deadline
// remains to be worth another attempt. The rule: remaining time must be
// at least twice the duration of the attempt just made.
func deadlineBudgetAllows(ctx context.Context, lastAttempt time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) >= 2*lastAttempt
}

// RetryWithBackoff executes fn with bounded retries and jittered
// exponential backoff. Retries stop early when the context's remaining
// deadline no longer affords twice the previous attempt's duration.
func RetryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attemptStart := time.Now()
		attempts++
		result, err := fn(ctx)
		if err == nil {
			return result, attempts, nil
		}
		lastErr = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			return zero, attempts, err
		}
		if attempt >= config.MaxRetries {
			break
		}
		if !deadlineBudgetAllows(ctx, time.Since(attemptStart)) {
			break
		}

		backoff := config.InitialBackoff << attempt
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
		if config.Jitter > 0 {
			delta := float64(backoff) * config.Jitter
			backoff = time.Duration(float64(backoff) + (rand.Float64()*2*delta - delta))
		}

		select {
		case <-ctx.Done():
			return zero, attempts, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return zero, attempts, lastErr
}
