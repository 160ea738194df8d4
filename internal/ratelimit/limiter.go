// Package ratelimit implements the Rate Limiter (spec.md §4.6): a token
// bucket per (policy scope, scope key), lazily refilled on acquire, with
// reject/queue strategies.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/oagwerr"
)

// ScopeKeyInput carries the identity values a policy's scope may key on.
type ScopeKeyInput struct {
	TenantID   string
	UserID     string
	RemoteAddr string
	RouteID    string
}

// ScopeKey derives the bucket key for one policy's scope. Unknown scopes key
// on the literal scope string, so a misconfigured scope still isolates
// itself rather than colliding with another policy.
func ScopeKey(scope string, in ScopeKeyInput) string {
	switch scope {
	case "global":
		return "global"
	case "tenant":
		return "tenant:" + in.TenantID
	case "user":
		return "user:" + in.UserID
	case "ip":
		return "ip:" + in.RemoteAddr
	case "route":
		return "route:" + in.RouteID
	default:
		return scope
	}
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// Limiter holds one sharded bucket map per distinct (scope, scope-key)
// identity. A bucket idle for more than 10 minutes is removed by the
// background sweep New starts, and is recreated full on its next use.
type Limiter struct {
	buckets *shardedMap[*bucket]
	now     func() time.Time
}

// New creates a Limiter and starts its background cleanup of stale buckets.
func New() *Limiter {
	l := &Limiter{buckets: newShardedMap[*bucket](), now: time.Now}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := l.now().Add(-10 * time.Minute)
		l.buckets.deleteFunc(func(_ string, b *bucket) bool {
			b.mu.Lock()
			stale := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			return stale
		})
	}
}

// Decision is the outcome of evaluating one rate-limit policy.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Policy     model.RateLimitPolicy
}

// Acquire evaluates every policy in order, consuming its configured cost
// (default 1) from the matching bucket. The first policy that rejects wins:
// for strategy "reject" it returns a RateLimitExceeded error with
// Retry-After set to the ceiling of tokens-needed / refill-rate (spec.md
// §4.6); for strategy "queue" it returns a *Decision with Allowed=false so
// the caller can hand the request to the concurrency queue (§4.7) with
// deadline = min(bucket_eta, queue_timeout).
func (l *Limiter) Acquire(ctx context.Context, policies []model.RateLimitPolicy, in ScopeKeyInput) (*Decision, error) {
	for _, p := range policies {
		allowed, retryAfter := l.consume(p, in)
		if !allowed {
			if p.Strategy == "queue" {
				return &Decision{Allowed: false, RetryAfter: retryAfter, Policy: p}, nil
			}
			return nil, oagwerr.New(oagwerr.RateLimitExceeded, "rate limit exceeded for scope "+p.Scope).WithRetryAfter(retryAfter)
		}
	}
	return &Decision{Allowed: true}, nil
}

// consume applies lazy refill then attempts to take cost tokens from the
// bucket for one policy. A nil Capacity or RefillPS means "unbounded" for
// that dimension (spec.md §4.1 merge contract), so the policy always admits.
func (l *Limiter) consume(p model.RateLimitPolicy, in ScopeKeyInput) (allowed bool, retryAfter time.Duration) {
	if p.Capacity == nil || p.RefillPS == nil {
		return true, 0
	}
	capacity := *p.Capacity
	refill := *p.RefillPS
	cost := p.Cost
	if cost <= 0 {
		cost = 1
	}
	if capacity <= 0 || refill <= 0 {
		return false, time.Second
	}

	key := ScopeKey(p.Scope, in)
	now := l.now()
	b := l.buckets.getOrCreate(key, func() *bucket {
		return &bucket{tokens: capacity, lastSeen: now}
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastSeen).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*refill)
		b.lastSeen = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}

	needed := cost - b.tokens
	wait := time.Duration(math.Ceil(needed/refill*float64(time.Second)))
	return false, wait
}
