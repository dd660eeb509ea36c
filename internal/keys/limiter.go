package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type memoryLimiter struct {
	limiter *rate.Limiter
}

// NewMemoryLimiter allows perMinute calls per minute with a burst of the same
// size. A non-positive perMinute disables limiting.
func NewMemoryLimiter(perMinute int) Limiter {
	if perMinute <= 0 {
		return &memoryLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	every := rate.Every(time.Minute / time.Duration(perMinute))
	return &memoryLimiter{limiter: rate.NewLimiter(every, perMinute)}
}

func (m *memoryLimiter) Allow(_ context.Context) (bool, error) {
	return m.limiter.Allow(), nil
}

type redisLimiter struct {
	client redis.Scripter
	key    string
	limit  int
	window time.Duration
	now    func() time.Time
}

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// NewRedisLimiter shares a fixed-window budget of limit calls per window
// across every process pointing at the same Redis key.
func NewRedisLimiter(client redis.Scripter, key string, limit int, window time.Duration) (Limiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		return nil, errors.New("redis limiter key is required")
	}
	if window <= 0 {
		window = time.Minute
	}
	return &redisLimiter{
		client: client,
		key:    key,
		limit:  limit,
		window: window,
		now:    time.Now,
	}, nil
}

func (r *redisLimiter) Allow(ctx context.Context) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	bucket := r.now().UnixMilli() / r.window.Milliseconds()
	key := fmt.Sprintf("%s:%d", r.key, bucket)
	current, err := redisAllowScript.Run(ctx, r.client, []string{key}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return current <= int64(r.limit), nil
}
