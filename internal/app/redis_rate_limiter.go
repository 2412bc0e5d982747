package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OperationBegin is the rate-limited operation name for starting a transaction.
const OperationBegin = "begin"

// slidingWindowScript admits a request when fewer than ARGV[3] requests were admitted
// since ARGV[2]. Refused requests are not recorded, so a client hammering the endpoint
// does not extend its own lockout.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local used = redis.call("ZCARD", KEYS[1])
if used < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
  return {1, used + 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = tonumber(ARGV[4])
if oldest[2] then
  wait = tonumber(oldest[2]) + tonumber(ARGV[4]) - tonumber(ARGV[1])
end
return {0, used, wait}
`)

// RateLimiter admits or refuses an operation for a user. A refusal is a
// *domain.RateLimitError; any other error means the limiter itself failed.
type RateLimiter interface {
	Allow(ctx context.Context, operation, userID string) error
}

// RatePolicy allows Limit requests per rolling Window.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// RedisRateLimiter keeps one sliding-window log per operation and user in a sorted set,
// shared by every replica. Operations without a policy are not limited.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	prefix   string
	policies map[string]RatePolicy
	now      func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, policies map[string]RatePolicy) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "bitsacco:ratelimit"
	}
	active := make(map[string]RatePolicy, len(policies))
	for op, p := range policies {
		if p.Limit > 0 && p.Window > 0 {
			active[op] = p
		}
	}
	return &RedisRateLimiter{
		client:   client,
		prefix:   trimmedPrefix,
		policies: active,
		now:      time.Now,
	}
}

func (r *RedisRateLimiter) key(operation, userID string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, operation, userID)
}

func (r *RedisRateLimiter) Allow(ctx context.Context, operation, userID string) error {
	if r == nil || r.client == nil {
		return nil
	}
	policy, ok := r.policies[operation]
	userID = strings.TrimSpace(userID)
	if !ok || userID == "" {
		return nil
	}

	windowMs := policy.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	nowMs := r.now().UnixMilli()
	args := []interface{}{
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-windowMs, 10),
		strconv.Itoa(policy.Limit),
		strconv.FormatInt(windowMs, 10),
		uuid.NewString(),
	}
	raw, err := slidingWindowScript.Run(ctx, r.client, []string{r.key(operation, userID)}, args...).Int64Slice()
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("rate limiter: unexpected reply of %d values", len(raw))
	}
	if raw[0] == 1 {
		return nil
	}

	// Round up to whole seconds for the Retry-After header.
	wait := time.Duration(raw[2]) * time.Millisecond
	wait = (wait + time.Second - 1) / time.Second * time.Second
	if wait < time.Second {
		wait = time.Second
	}
	return &domain.RateLimitError{Operation: operation, Limit: policy.Limit, Window: policy.Window, RetryAfter: wait}
}
