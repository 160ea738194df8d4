package concurrency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/oagwerr"
)

// Keys identifies the three permit scopes a request acquires in order.
type Keys struct {
	TenantID   string
	UpstreamID string
	RouteID    string
}

// Policy carries the per-level caps and the single queue configuration that
// applies wherever saturation triggers queueing (spec.md §4.7: the queue
// config is not per-scope, it governs whatever scope saturates first).
type Policy struct {
	TenantMax   int // 0 = unbounded
	UpstreamMax int
	RouteMax    int
	Strategy    string // reject | queue
	Queue       *model.QueuePolicy
	EstBytes    int64 // estimated memory this request would occupy if queued
	BreakerOpen bool  // true when the upstream's circuit breaker is Open
}

// Limiter owns the tenant/upstream/route permit scopes, lazily created per
// key, plus an admission pacer per scope that smooths bursts of waiter
// enqueues (spike-arrest idiom) so a sudden spike can't instantly fill a
// scope's queue before the FIFO overflow policy has a chance to shed load
// gracefully.
type Limiter struct {
	mu     sync.Mutex
	scopes map[string]*scopeEntry
}

type scopeEntry struct {
	s     *scope
	pacer *rate.Limiter
}

// New creates an empty Limiter; scopes are created on first use.
func New() *Limiter {
	return &Limiter{scopes: make(map[string]*scopeEntry)}
}

func (l *Limiter) entry(key string, max int) *scopeEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.scopes[key]
	if !ok {
		burst := max
		if burst <= 0 {
			burst = 1
		}
		e = &scopeEntry{
			s:     newScope(max),
			pacer: rate.NewLimiter(rate.Limit(burst*2), burst),
		}
		l.scopes[key] = e
	}
	return e
}

// Permit is released exactly once to hand its permits back, regardless of
// whether the request succeeded, failed, or was canceled.
type Permit struct {
	releases []func()
}

// Release returns every acquired permit. Safe to call once; a nil Permit
// (e.g. returned alongside an error) is a no-op.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	for i := len(p.releases) - 1; i >= 0; i-- {
		p.releases[i]()
	}
}

// Acquire takes tenant, upstream, and route permits in that order (spec.md
// §4.7). Per the breaker-interaction rule, a request observed against an
// Open breaker for the upstream is failed immediately without ever
// enqueuing. On any scope failure, permits already acquired at earlier
// scopes are released before returning.
func (l *Limiter) Acquire(ctx context.Context, keys Keys, p Policy) (*Permit, error) {
	if p.BreakerOpen {
		return nil, oagwerr.New(oagwerr.CircuitBreakerOpen, "breaker open for upstream, not enqueuing")
	}

	permit := &Permit{}
	order := []struct {
		key string
		max int
	}{
		{"tenant:" + keys.TenantID, p.TenantMax},
		{"upstream:" + keys.UpstreamID, p.UpstreamMax},
		{"route:" + keys.RouteID, p.RouteMax},
	}

	for _, o := range order {
		e := l.entry(o.key, o.max)
		if e.s.tryAcquire() {
			permit.releases = append(permit.releases, e.s.release)
			continue
		}

		if p.Strategy != "queue" {
			permit.Release()
			return nil, oagwerr.New(oagwerr.QueueFull, "concurrency limit reached for "+o.key)
		}

		if err := l.waitForPermit(ctx, e, p); err != nil {
			permit.Release()
			return nil, err
		}
		permit.releases = append(permit.releases, e.s.release)
	}

	return permit, nil
}

func (l *Limiter) waitForPermit(ctx context.Context, e *scopeEntry, p Policy) error {
	maxDepth, maxMemory, timeout, overflow := 100, int64(0), 30*time.Second, "reject"
	if p.Queue != nil {
		if p.Queue.MaxDepth > 0 {
			maxDepth = p.Queue.MaxDepth
		}
		maxMemory = p.Queue.MaxMemory
		if p.Queue.Timeout > 0 {
			timeout = p.Queue.Timeout
		}
		if p.Queue.Overflow != "" {
			overflow = p.Queue.Overflow
		}
	}

	if !e.pacer.Allow() {
		return l.overflow(e, overflow)
	}

	w, ok := e.s.enqueue(maxDepth, maxMemory, p.EstBytes)
	if !ok {
		return l.overflow(e, overflow)
	}

	deadline := timeout
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case <-w.ch:
		if w.canceled {
			return oagwerr.New(oagwerr.QueueFull, "concurrency queue waiter evicted by drop_oldest overflow")
		}
		return nil
	case <-waitCtx.Done():
		// The timeout and a grant/eviction can race. Re-check w.ch
		// without blocking before declaring the waiter abandoned, so a
		// permit handed out concurrently with the timeout is never lost.
		select {
		case <-w.ch:
			if w.canceled {
				return oagwerr.New(oagwerr.QueueFull, "concurrency queue waiter evicted by drop_oldest overflow")
			}
			return nil
		default:
		}
		if !e.s.abandon(w) {
			// Lost the race: the waiter left the queue between the
			// timeout firing and this abandon attempt. Resolve it from
			// its own outcome instead of guessing.
			<-w.ch
			if w.canceled {
				return oagwerr.New(oagwerr.QueueFull, "concurrency queue waiter evicted by drop_oldest overflow")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return oagwerr.New(oagwerr.QueueTimeout, "concurrency queue wait timed out").WithRetryAfter(time.Second)
	}
}

func (l *Limiter) overflow(e *scopeEntry, policy string) error {
	switch policy {
	case "drop_oldest":
		if w, ok := e.s.dropOldest(); ok {
			close(w.ch) // wake it; its own waitForPermit sees w.canceled and returns QueueFull, not a spurious admit
		}
		return oagwerr.New(oagwerr.QueueFull, "concurrency queue full, oldest waiter dropped")
	case "drop_newest", "reject":
		fallthrough
	default:
		return oagwerr.New(oagwerr.QueueFull, "concurrency queue full")
	}
}

// Depth reports the current waiter count for one scope key, for diagnostics.
func (l *Limiter) Depth(key string) int {
	l.mu.Lock()
	e, ok := l.scopes[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return e.s.depth()
}
