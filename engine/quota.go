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
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/engine/shared/logger"
)

const (
	// DefaultUserQueryLimit is the per-user sliding-window admission
	// limit, requests per minute.
	DefaultUserQueryLimit = 30

	quotaWindow    = time.Minute
	quotaKeyExpiry = 2 * time.Minute
)

// QuotaChecker admits or rejects a query for a user before any
// resources are committed.
type QuotaChecker interface {
	Allow(ctx context.Context, userID string) error
}

// RedisQuota enforces per-user limits with a Redis sliding window so
// limits hold across engine replicas. On Redis errors it fails open;
// admission control should not become an availability dependency.
type RedisQuota struct {
	client   *redis.Client
	limit    int
	fallback *MemoryQuota
	logger   *logger.Logger
}

// NewRedisQuota connects to Redis and verifies the connection.
func NewRedisQuota(redisURL string, limitPerMinute int) (*RedisQuota, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisQuotaFromClient(client, limitPerMinute), nil
}

// NewRedisQuotaFromClient wraps an existing client, used by tests.
func NewRedisQuotaFromClient(client *redis.Client, limitPerMinute int) *RedisQuota {
	if limitPerMinute <= 0 {
		limitPerMinute = DefaultUserQueryLimit
	}
	return &RedisQuota{
		client:   client,
		limit:    limitPerMinute,
		fallback: NewMemoryQuota(limitPerMinute),
		logger:   logger.New("quota"),
	}
}

// Allow checks the user's sliding window and records this request.
func (q *RedisQuota) Allow(ctx context.Context, userID string) error {
	now := time.Now()
	key := fmt.Sprintf("quota:user:%s", userID)

	pipe := q.client.Pipeline()
	minScore := now.Add(-quotaWindow).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, quotaKeyExpiry)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		q.logger.Warn("", "quota check failed, falling back to in-memory", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return q.fallback.Allow(ctx, userID)
	}

	count := cmds[1].(*redis.IntCmd).Val()
	if count >= int64(q.limit) {
		return NewError(ErrKindOverloaded,
			fmt.Sprintf("query limit of %d per minute exceeded", q.limit))
	}
	return nil
}

// Status reports the user's current window count and reset time.
func (q *RedisQuota) Status(ctx context.Context, userID string) (int, time.Time, error) {
	key := fmt.Sprintf("quota:user:%s", userID)
	now := time.Now()

	minScore := now.Add(-quotaWindow).UnixNano()
	count, err := q.client.ZCount(ctx, key, fmt.Sprintf("%d", minScore), "+inf").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get quota status: %w", err)
	}
	return int(count), now.Truncate(time.Minute).Add(time.Minute), nil
}

// MemoryQuota is a single-replica sliding window used when Redis is
// not configured or unreachable.
type MemoryQuota struct {
	mu     sync.Mutex
	limit  int
	events map[string][]time.Time
}

// NewMemoryQuota creates an in-memory quota.
func NewMemoryQuota(limitPerMinute int) *MemoryQuota {
	if limitPerMinute <= 0 {
		limitPerMinute = DefaultUserQueryLimit
	}
	return &MemoryQuota{
		limit:  limitPerMinute,
		events: make(map[string][]time.Time),
	}
}

func (q *MemoryQuota) Allow(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-quotaWindow)

	kept := q.events[userID][:0]
	for _, at := range q.events[userID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= q.limit {
		q.events[userID] = kept
		return NewError(ErrKindOverloaded,
			fmt.Sprintf("query limit of %d per minute exceeded", q.limit))
	}

	q.events[userID] = append(kept, now)
	return nil
}
