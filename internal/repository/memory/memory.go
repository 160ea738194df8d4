// Package memory is an in-process Repository backend, used by tests and
// single-instance deployments. It mirrors the teacher's in-memory registry
// shape (internal/registry/registry.go) adapted to the tenant-scoped
// upstream/route/plugin read contract.
package memory

import (
	"context"
	"sync"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/repository"
)

// Repository is a mutex-guarded in-memory Repository implementation.
type Repository struct {
	mu sync.RWMutex

	// upstreams[tenantID][alias]
	upstreams map[string]map[string]*model.Upstream
	// routes[upstreamID]
	routes map[string][]*model.Route
	// plugins[uuid]
	plugins map[string]*model.PluginDefinition

	invalidations chan repository.InvalidationEvent
	closeOnce     sync.Once
}

// New creates an empty in-memory repository.
func New() *Repository {
	return &Repository{
		upstreams:     make(map[string]map[string]*model.Upstream),
		routes:        make(map[string][]*model.Route),
		plugins:       make(map[string]*model.PluginDefinition),
		invalidations: make(chan repository.InvalidationEvent, 256),
	}
}

// PutUpstream inserts or replaces an upstream and emits an invalidation
// event, mirroring the management surface's write-then-notify contract
// (spec.md §6).
func (r *Repository) PutUpstream(u *model.Upstream) {
	r.mu.Lock()
	if r.upstreams[u.TenantID] == nil {
		r.upstreams[u.TenantID] = make(map[string]*model.Upstream)
	}
	r.upstreams[u.TenantID][u.Alias] = u
	r.mu.Unlock()

	r.notify(repository.InvalidationEvent{TenantID: u.TenantID, Alias: u.Alias, UpstreamID: u.ID})
}

// PutRoute inserts or replaces a route and emits an invalidation event keyed
// by its upstream.
func (r *Repository) PutRoute(rt *model.Route) {
	r.mu.Lock()
	routes := r.routes[rt.UpstreamID]
	replaced := false
	for i, existing := range routes {
		if existing.ID == rt.ID {
			routes[i] = rt
			replaced = true
			break
		}
	}
	if !replaced {
		routes = append(routes, rt)
	}
	r.routes[rt.UpstreamID] = routes
	r.mu.Unlock()

	r.notify(repository.InvalidationEvent{UpstreamID: rt.UpstreamID})
}

// PutPlugin inserts or replaces a custom plugin definition.
func (r *Repository) PutPlugin(p *model.PluginDefinition) {
	r.mu.Lock()
	r.plugins[p.Ref] = p
	r.mu.Unlock()
}

func (r *Repository) notify(ev repository.InvalidationEvent) {
	select {
	case r.invalidations <- ev:
	default:
		// Invalidation channel full: callers must keep up, but we never
		// block a management write on a slow cache consumer.
	}
}

func (r *Repository) FindUpstream(ctx context.Context, tenantID, alias string) (*model.Upstream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byAlias, ok := r.upstreams[tenantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u, ok := byAlias[alias]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (r *Repository) ListAncestorUpstreams(ctx context.Context, chain []string, alias string) ([]*model.Upstream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Upstream
	for _, tenantID := range chain {
		byAlias, ok := r.upstreams[tenantID]
		if !ok {
			continue
		}
		if u, ok := byAlias[alias]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *Repository) ListRoutes(ctx context.Context, upstreamID string) ([]*model.Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := r.routes[upstreamID]
	out := make([]*model.Route, len(routes))
	copy(out, routes)
	return out, nil
}

func (r *Repository) LoadPlugin(ctx context.Context, uuid string) (*model.PluginDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[uuid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (r *Repository) Invalidations() <-chan repository.InvalidationEvent {
	return r.invalidations
}

// Close closes the invalidation channel. Safe to call multiple times.
func (r *Repository) Close() error {
	r.closeOnce.Do(func() { close(r.invalidations) })
	return nil
}
