package breaker

import (
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oagw/gateway/internal/model"
)

// Manager owns one Gate per breaker cell, keyed by upstream ID (or
// "upstreamID|endpointAuthority" when PerEndpoint is set). Cells are created
// lazily from the policy seen on first use for that key.
type Manager struct {
	mu     sync.RWMutex
	gates  map[string]Gate
	redis  *redis.Client // nil unless a distributed mirror is configured
}

// NewManager creates a Manager. With a non-nil redis client every breaker
// cell is Redis-backed (spec.md §5's "optional shared backing may mirror
// them"); with a nil client every cell is an in-process breaker. The
// policy's Mode plays no part in this choice.
func NewManager(redisClient *redis.Client) *Manager {
	return &Manager{gates: make(map[string]Gate), redis: redisClient}
}

// CellKey derives the breaker cell key for one upstream/endpoint pair.
func CellKey(upstreamID, endpointAuthority string, perEndpoint bool) string {
	if perEndpoint && endpointAuthority != "" {
		return upstreamID + "|" + endpointAuthority
	}
	return upstreamID
}

func (m *Manager) gate(key string, p model.CircuitBreakerPolicy) Gate {
	m.mu.RLock()
	g, ok := m.gates[key]
	m.mu.RUnlock()
	if ok {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gates[key]; ok {
		return g
	}
	if m.redis != nil {
		g = newRedisBreaker(m.redis, key, p)
	} else {
		g = newLocalBreaker(p)
	}
	m.gates[key] = g
	return g
}

// Allow admits or rejects a request against the breaker cell for the given
// key, creating the cell from p on first use.
func (m *Manager) Allow(key string, p model.CircuitBreakerPolicy) (func(success bool), error) {
	return m.gate(key, p).Allow()
}

// Snapshot returns a point-in-time view of one cell, or the zero Snapshot if
// the cell has never been touched.
func (m *Manager) Snapshot(key string) Snapshot {
	m.mu.RLock()
	g, ok := m.gates[key]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{State: "closed"}
	}
	return g.Snapshot()
}

// Fallback resolves which behavior the gateway should take while a cell is
// Open, per spec.md §4.8's three named strategies. cacheable reports whether
// the route opted into response caching and its Vary fields make it
// eligible (Vary: * is never cacheable, so cached_response degrades to
// fail_fast in that case per spec.md's resolution of that open question).
func Fallback(p model.CircuitBreakerPolicy, cacheable bool) (strategy string, fallbackUpstream string) {
	switch p.FallbackStrategy {
	case "fallback_upstream":
		if p.FallbackUpstream != "" {
			return "fallback_upstream", p.FallbackUpstream
		}
		return "fail_fast", ""
	case "cached_response":
		if p.ResponseCache != nil && cacheable {
			return "cached_response", ""
		}
		return "fail_fast", ""
	default:
		return "fail_fast", ""
	}
}
