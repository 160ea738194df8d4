// Package breaker implements the Circuit Breaker (spec.md §4.8): a
// per-upstream (optionally per-endpoint) Closed/Open/HalfOpen state machine
// backed by sony/gobreaker, with fallback-strategy selection and an optional
// Redis-mirrored distributed variant (§5).
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/oagwerr"
)

// Gate is the minimal interface both the in-process and Redis-backed
// breakers satisfy, so callers (the Manager, and the gateway pipeline) don't
// need to care which mode backs a given upstream.
type Gate interface {
	// Allow admits or rejects one request. On admission, done must be
	// called exactly once with the outcome once it is known.
	Allow() (done func(success bool), err error)
	Snapshot() Snapshot
}

// Snapshot is a point-in-time view of one breaker cell.
type Snapshot struct {
	State      string `json:"state"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// localBreaker wraps gobreaker's TwoStepCircuitBreaker to track opened_at so
// Retry-After can be computed per spec.md §4.8 ("recovery_timeout - (now -
// opened_at)"), which gobreaker itself does not expose.
type localBreaker struct {
	cb              *gobreaker.TwoStepCircuitBreaker[struct{}]
	recoveryTimeout time.Duration

	// halfOpenSlots gates concurrent HalfOpen probes independently of
	// gobreaker's MaxRequests, which stays bound to successThreshold so its
	// own close-on-N-successes transition is unaffected. Acquired only while
	// the breaker is in HalfOpen; a full semaphore rejects the probe with
	// CircuitBreakerOpen same as an Open breaker would.
	halfOpenSlots chan struct{}

	mu       sync.Mutex
	openedAt time.Time
}

// newLocalBreaker builds a gobreaker-backed Gate from one
// CircuitBreakerPolicy. ReadyToTrip fires on FailureThreshold consecutive
// failures (Closed); Timeout is the recovery window before Open probes into
// HalfOpen; MaxRequests is the HalfOpen success count that closes the
// breaker, while concurrent HalfOpen probes are capped by halfOpenSlots.
func newLocalBreaker(p model.CircuitBreakerPolicy) *localBreaker {
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
	halfOpenMax := p.HalfOpenMaxConcurrent
	if halfOpenMax <= 0 {
		halfOpenMax = successThreshold
	}
	lb := &localBreaker{recoveryTimeout: recovery, halfOpenSlots: make(chan struct{}, halfOpenMax)}

	// gobreaker's own MaxRequests stays bound to successThreshold — that's
	// the knob that actually drives its Open/Closed transition. The
	// independent cap on concurrent HalfOpen probes is enforced by
	// halfOpenSlots in Allow, not by MaxRequests.
	lb.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "oagw",
		MaxRequests: uint32(successThreshold),
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lb.mu.Lock()
			defer lb.mu.Unlock()
			if to == gobreaker.StateOpen {
				lb.openedAt = time.Now()
			}
		},
		IsSuccessful: func(err error) bool { return err == nil },
	})

	return lb
}

func (lb *localBreaker) Allow() (func(success bool), error) {
	halfOpen := lb.cb.State() == gobreaker.StateHalfOpen
	if halfOpen {
		select {
		case lb.halfOpenSlots <- struct{}{}:
		default:
			return nil, oagwerr.New(oagwerr.CircuitBreakerOpen, "half-open probe limit reached")
		}
	}

	done, err := lb.cb.Allow()
	if err != nil {
		if halfOpen {
			<-lb.halfOpenSlots
		}
		lb.mu.Lock()
		retryAfter := lb.recoveryTimeout - time.Since(lb.openedAt)
		lb.mu.Unlock()
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, oagwerr.New(oagwerr.CircuitBreakerOpen, "circuit breaker open").WithRetryAfter(retryAfter)
	}
	if !halfOpen {
		return done, nil
	}
	return func(success bool) {
		<-lb.halfOpenSlots
		done(success)
	}, nil
}

func (lb *localBreaker) Snapshot() Snapshot {
	state := lb.cb.State()
	lb.mu.Lock()
	openedAt := lb.openedAt
	lb.mu.Unlock()

	s := Snapshot{State: stateName(state)}
	if state == gobreaker.StateOpen {
		s.OpenedAt = openedAt
		retryAfter := lb.recoveryTimeout - time.Since(openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		s.RetryAfter = retryAfter
	}
	return s
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
