// Package repository is the read-only Configuration Repository Interface
// consumed by the resolver (spec.md §6). The management CRUD surface that
// writes these entities, and the persistence backend behind it, are
// out-of-scope collaborators (spec.md §1); this package only defines and
// implements the read contract plus a cache-invalidation signal channel.
package repository

import (
	"context"
	"errors"

	"github.com/oagw/gateway/internal/model"
)

var (
	// ErrNotFound is returned when an upstream, route, or plugin lookup
	// finds nothing at the given tenant-scoped key.
	ErrNotFound = errors.New("repository: not found")
)

// InvalidationEvent is a targeted cache-invalidation signal from the
// management surface, naming the affected (tenant_id, alias) and
// upstream_id sets (spec.md §6).
type InvalidationEvent struct {
	TenantID   string
	Alias      string
	UpstreamID string
}

// Repository is the tenant-scoped, read-only view consumed by the resolver.
// Every operation is tenant-scoped; unscoped reads are forbidden by this
// interface's shape (spec.md §6).
type Repository interface {
	// FindUpstream returns the upstream owned by tenantID with the given
	// alias, or ErrNotFound.
	FindUpstream(ctx context.Context, tenantID, alias string) (*model.Upstream, error)

	// ListAncestorUpstreams returns, for each tenant in chain (ordered
	// descendant-first, chain[0] is the requester itself), the upstream
	// with the given alias if one exists at that tenant. Entries are
	// omitted, not nil, when absent.
	ListAncestorUpstreams(ctx context.Context, chain []string, alias string) ([]*model.Upstream, error)

	// ListRoutes returns all routes belonging to upstreamID.
	ListRoutes(ctx context.Context, upstreamID string) ([]*model.Route, error)

	// LoadPlugin resolves a UUID-backed custom plugin definition.
	LoadPlugin(ctx context.Context, uuid string) (*model.PluginDefinition, error)

	// Invalidations returns a channel of cache-invalidation events. The
	// channel is closed when the repository is closed.
	Invalidations() <-chan InvalidationEvent
}
