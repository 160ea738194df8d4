package gateway

import (
	"context"
	"sync"

	"github.com/oagw/gateway/internal/logging"
	"github.com/oagw/gateway/internal/router"
)

// routeSync lazily mirrors one upstream's routes from the repository into
// the in-memory Router, and tracks which route IDs came from which upstream
// so an invalidation can cleanly retract them instead of leaking stale
// entries behind a newly resolved upstream with the same ID reused.
type routeSync struct {
	mu      sync.Mutex
	loaded  map[string][]string // upstream ID -> route IDs currently registered
	router  *router.Router
}

func newRouteSync(rt *router.Router) *routeSync {
	return &routeSync{loaded: make(map[string][]string), router: rt}
}

// ensure loads upstreamID's routes into the router on first use. Subsequent
// calls are no-ops until invalidate(upstreamID) clears the entry.
func (rs *routeSync) ensure(ctx context.Context, g *Gateway, upstreamID string) error {
	rs.mu.Lock()
	_, ok := rs.loaded[upstreamID]
	rs.mu.Unlock()
	if ok {
		return nil
	}

	routes, err := g.repo.ListRoutes(ctx, upstreamID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(routes))
	for _, r := range routes {
		rs.router.AddRoute(upstreamID, r)
		ids = append(ids, r.ID)
	}

	rs.mu.Lock()
	rs.loaded[upstreamID] = ids
	rs.mu.Unlock()
	return nil
}

// invalidate retracts every route previously mirrored for upstreamID, so the
// next ensure() call re-reads the repository from scratch.
func (rs *routeSync) invalidate(upstreamID string) {
	rs.mu.Lock()
	ids, ok := rs.loaded[upstreamID]
	delete(rs.loaded, upstreamID)
	rs.mu.Unlock()
	if !ok {
		return
	}
	for _, id := range ids {
		rs.router.RemoveRoute(id)
	}
}

// watchInvalidations drains the repository's invalidation channel for the
// gateway's lifetime, clearing the effective-config cache and the mirrored
// route set so the next request for the affected alias/upstream re-resolves
// from scratch (spec.md §6 "cache-invalidation signal").
func (g *Gateway) watchInvalidations() {
	for ev := range g.repo.Invalidations() {
		if ev.TenantID != "" {
			g.cache.InvalidateTenant(ev.TenantID)
		}
		if ev.UpstreamID != "" {
			g.cache.InvalidateUpstream(ev.UpstreamID)
			g.routes.invalidate(ev.UpstreamID)
		}
		logging.Info("invalidation received",
			logging.RequestFields("", ev.TenantID, ev.UpstreamID)...)
	}
}
