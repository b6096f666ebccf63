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
	"testing"
	"time"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RetryIf:        DefaultRetryable,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	result, attempts, err := RetryWithBackoff(context.Background(), fastRetryConfig(1), func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || attempts != 1 {
		t.Errorf("result = %q attempts = %d", result, attempts)
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	result, attempts, err := RetryWithBackoff(context.Background(), fastRetryConfig(1), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewProviderError("p", ErrCodeServerError, "boom")
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "recovered" {
		t.Errorf("result = %q", result)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	_, attempts, err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func(ctx context.Context) (string, error) {
		calls++
		return "", NewProviderError("p", ErrCodeInvalidRequest, "bad prompt")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("calls = %d attempts = %d, want 1/1", calls, attempts)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	transient := NewProviderError("p", ErrCodeUnavailable, "down")
	_, attempts, err := RetryWithBackoff(context.Background(), fastRetryConfig(2), func(ctx context.Context) (string, error) {
		return "", transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v, want last transient error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetrySkippedWhenDeadlineTight(t *testing.T) {
	// The attempt burns most of the deadline; the remaining window is
	// less than twice the attempt duration, so no retry happens.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	calls := 0
	_, attempts, err := RetryWithBackoff(ctx, fastRetryConfig(1), func(ctx context.Context) (string, error) {
		calls++
		time.Sleep(60 * time.Millisecond)
		return "", NewProviderError("p", ErrCodeServerError, "slow failure")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("calls = %d attempts = %d, want 1/1", calls, attempts)
	}
}

func TestRetryNoDeadlineAlwaysAllowed(t *testing.T) {
	if !deadlineBudgetAllows(context.Background(), time.Hour) {
		t.Error("no-deadline context should always allow retry")
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastRetryConfig(1)
	cfg.InitialBackoff = time.Second

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := RetryWithBackoff(ctx, cfg, func(ctx context.Context) (string, error) {
			return "", NewProviderError("p", ErrCodeServerError, "boom")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient provider error", NewProviderError("p", ErrCodeRateLimit, "429"), true},
		{"permanent provider error", NewProviderError("p", ErrCodeAuth, "401"), false},
		{"plain error", errors.New("oops"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryable(tt.err); got != tt.want {
				t.Errorf("DefaultRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
