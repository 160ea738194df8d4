package breaker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/oagwerr"
)

// allowScript atomically checks breaker state and decides admission,
// transitioning Open->HalfOpen once the recovery timeout has elapsed.
// Keys: state, failures, successes, opened_at, half_open_count.
// Args: recovery_timeout_seconds, success_threshold, now_unix.
// Returns: [allowed(0/1), state].
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local timeout = tonumber(ARGV[1])
local success_threshold = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if state == 'open' then
    local opened_at = tonumber(redis.call('GET', KEYS[4]) or '0')
    if now - opened_at >= timeout then
        redis.call('SET', KEYS[1], 'half_open')
        redis.call('SET', KEYS[5], '1')
        redis.call('SET', KEYS[3], '0')
        local ttl = timeout * 2
        redis.call('EXPIRE', KEYS[1], ttl)
        redis.call('EXPIRE', KEYS[5], ttl)
        redis.call('EXPIRE', KEYS[3], ttl)
        return {1, 'half_open'}
    end
    return {0, 'open'}
end

if state == 'half_open' then
    local count = tonumber(redis.call('GET', KEYS[5]) or '0')
    if count >= success_threshold then
        return {0, 'half_open'}
    end
    redis.call('INCR', KEYS[5])
    return {1, 'half_open'}
end

return {1, 'closed'}
`)

// reportScript atomically records an outcome and applies state transitions.
// Keys: state, failures, successes, opened_at, half_open_count.
// Args: is_failure(0/1), failure_threshold, success_threshold, recovery_timeout_seconds.
// Returns: [new_state, old_state].
var reportScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local is_failure = tonumber(ARGV[1])
local failure_threshold = tonumber(ARGV[2])
local success_threshold = tonumber(ARGV[3])
local timeout = tonumber(ARGV[4])
local ttl = timeout * 2
local old_state = state

if state == 'closed' then
    if is_failure == 1 then
        local failures = redis.call('INCR', KEYS[2])
        redis.call('EXPIRE', KEYS[2], ttl)
        if failures >= failure_threshold then
            redis.call('SET', KEYS[1], 'open')
            redis.call('SET', KEYS[4], tostring(redis.call('TIME')[1]))
            redis.call('SET', KEYS[2], '0')
            redis.call('EXPIRE', KEYS[1], ttl)
            redis.call('EXPIRE', KEYS[4], ttl)
            return {'open', old_state}
        end
    else
        redis.call('SET', KEYS[2], '0')
        redis.call('EXPIRE', KEYS[2], ttl)
    end
    return {state, old_state}
end

if state == 'half_open' then
    if is_failure == 1 then
        redis.call('SET', KEYS[1], 'open')
        redis.call('SET', KEYS[4], tostring(redis.call('TIME')[1]))
        redis.call('SET', KEYS[3], '0')
        redis.call('SET', KEYS[5], '0')
        redis.call('EXPIRE', KEYS[1], ttl)
        redis.call('EXPIRE', KEYS[4], ttl)
        return {'open', old_state}
    end
    local successes = redis.call('INCR', KEYS[3])
    redis.call('EXPIRE', KEYS[3], ttl)
    if successes >= success_threshold then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        redis.call('SET', KEYS[5], '0')
        redis.call('EXPIRE', KEYS[1], ttl)
        return {'closed', old_state}
    end
    return {'half_open', old_state}
end

return {state, old_state}
`)

// redisBreaker mirrors one breaker cell's state in Redis so multiple
// gateway instances converge on the same Closed/Open/HalfOpen decision
// (spec.md §5's "optional shared backing"). It fails open on Redis errors:
// an unreachable mirror must never itself become an outage.
type redisBreaker struct {
	client           *redis.Client
	keyPrefix        string
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
}

func newRedisBreaker(client *redis.Client, key string, p model.CircuitBreakerPolicy) *redisBreaker {
	failureThreshold := p.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	successThreshold := p.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 2
	}
	recovery := p.RecoveryTimeout
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &redisBreaker{
		client:           client,
		keyPrefix:        "oagw:cb:" + key + ":",
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recovery,
	}
}

func (rb *redisBreaker) keys() []string {
	return []string{
		rb.keyPrefix + "state",
		rb.keyPrefix + "failures",
		rb.keyPrefix + "successes",
		rb.keyPrefix + "opened_at",
		rb.keyPrefix + "half_open_count",
	}
}

func (rb *redisBreaker) Allow() (func(success bool), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := allowScript.Run(ctx, rb.client, rb.keys(),
		int(rb.recoveryTimeout.Seconds()),
		rb.successThreshold,
		time.Now().Unix(),
	).Int64Slice()
	if err != nil {
		return func(bool) {}, nil // fail open: mirror outage must not become a gateway outage
	}

	if result[0] == 0 {
		retryAfter := rb.retryAfter(ctx)
		return nil, oagwerr.New(oagwerr.CircuitBreakerOpen, "circuit breaker open (distributed)").WithRetryAfter(retryAfter)
	}
	return func(success bool) { rb.report(success) }, nil
}

func (rb *redisBreaker) report(success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	isFailure := 0
	if !success {
		isFailure = 1
	}
	reportScript.Run(ctx, rb.client, rb.keys(),
		isFailure, rb.failureThreshold, rb.successThreshold, int(rb.recoveryTimeout.Seconds()),
	)
}

func (rb *redisBreaker) retryAfter(ctx context.Context) time.Duration {
	openedAtStr, err := rb.client.Get(ctx, rb.keyPrefix+"opened_at").Result()
	if err != nil {
		return time.Second
	}
	openedAtUnix, err := strconv.ParseInt(openedAtStr, 10, 64)
	if err != nil {
		return time.Second
	}
	remaining := rb.recoveryTimeout - time.Since(time.Unix(openedAtUnix, 0))
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (rb *redisBreaker) Snapshot() Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	state, err := rb.client.Get(ctx, rb.keyPrefix+"state").Result()
	if err != nil || state == "" {
		state = "closed"
	}
	snap := Snapshot{State: state}
	if state == "open" {
		snap.RetryAfter = rb.retryAfter(ctx)
	}
	return snap
}
