// Package econfig caches the hierarchy-resolved configuration records
// produced by internal/resolve and the route overlay so that repeat
// requests for the same alias or route skip the ancestor walk and merge
// (spec.md §4.9). Entries are tagged with the tenant/upstream IDs that
// contributed to them so a write anywhere in that set invalidates exactly
// the entries it could have changed, not the whole cache.
package econfig

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oagw/gateway/internal/resolve"
)

const (
	defaultAliasCapacity = 1000
	defaultRouteCapacity = 10000
)

// AliasKey identifies one alias lookup: the requesting tenant (its identity
// fixes the ancestor chain used for shadowing and folding) and the alias
// string itself.
type AliasKey struct {
	TenantID string
	Alias    string
}

// RouteKey identifies one route-match lookup against an already-resolved
// upstream.
type RouteKey struct {
	UpstreamID    string
	Method        string
	PathSignature string
}

type aliasEntry struct {
	resolved *resolve.Resolved
	tags     []string // tenant IDs whose data contributed to this fold
}

type routeEntry struct {
	value *RouteRecord
	tags  []string // upstreamID plus routeID
}

// RouteRecord is the cached result of matching + overlaying a route for an
// already-resolved upstream. Built by the entrypoint's route-match step;
// econfig only stores and invalidates it.
type RouteRecord struct {
	RouteID    string
	Upstream   *resolve.Resolved
	Overlaid   interface{} // *model.EffectiveConfig after route-layer overlay
}

// Stats reports hit/miss/eviction counters for one keyspace.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Len       int
}

// Cache holds the two keyspaces described in spec.md §4.9: alias->upstream
// and (upstream,method,path)->route. Both are wait-free on the read path
// (golang-lru's Cache is mutex-protected internally but lock-free for
// callers to reason about) and support explicit tag-based invalidation.
type Cache struct {
	aliases *lru.Cache[AliasKey, aliasEntry]
	routes  *lru.Cache[RouteKey, routeEntry]

	tagMu     sync.Mutex
	aliasTags map[string]map[AliasKey]struct{}
	routeTags map[string]map[RouteKey]struct{}

	aliasHits, aliasMisses, aliasEvictions atomic.Int64
	routeHits, routeMisses, routeEvictions atomic.Int64
}

// New creates a Cache. aliasCapacity/routeCapacity <= 0 fall back to the
// spec defaults of 1000 and 10000 entries respectively.
func New(aliasCapacity, routeCapacity int) (*Cache, error) {
	if aliasCapacity <= 0 {
		aliasCapacity = defaultAliasCapacity
	}
	if routeCapacity <= 0 {
		routeCapacity = defaultRouteCapacity
	}

	c := &Cache{
		aliasTags: make(map[string]map[AliasKey]struct{}),
		routeTags: make(map[string]map[RouteKey]struct{}),
	}

	aliases, err := lru.NewWithEvict[AliasKey, aliasEntry](aliasCapacity, func(key AliasKey, entry aliasEntry) {
		c.aliasEvictions.Add(1)
		c.untagAlias(key, entry.tags)
	})
	if err != nil {
		return nil, err
	}
	routes, err := lru.NewWithEvict[RouteKey, routeEntry](routeCapacity, func(key RouteKey, entry routeEntry) {
		c.routeEvictions.Add(1)
		c.untagRoute(key, entry.tags)
	})
	if err != nil {
		return nil, err
	}

	c.aliases = aliases
	c.routes = routes
	return c, nil
}

// GetUpstream returns the cached resolution for key, if present.
func (c *Cache) GetUpstream(key AliasKey) (*resolve.Resolved, bool) {
	entry, ok := c.aliases.Get(key)
	if !ok {
		c.aliasMisses.Add(1)
		return nil, false
	}
	c.aliasHits.Add(1)
	return entry.resolved, true
}

// PutUpstream caches r under key, tagged with every tenant ID that
// contributed to the fold (the ancestor chain). A write to any tag later
// invalidates this entry.
func (c *Cache) PutUpstream(key AliasKey, r *resolve.Resolved, contributingTenants []string) {
	entry := aliasEntry{resolved: r, tags: contributingTenants}
	c.aliases.Add(key, entry)
	c.tagAlias(key, contributingTenants)
}

// GetRoute returns the cached route record for key, if present.
func (c *Cache) GetRoute(key RouteKey) (*RouteRecord, bool) {
	entry, ok := c.routes.Get(key)
	if !ok {
		c.routeMisses.Add(1)
		return nil, false
	}
	c.routeHits.Add(1)
	return entry.value, true
}

// PutRoute caches rec under key, tagged with the upstream and route IDs it
// depends on.
func (c *Cache) PutRoute(key RouteKey, rec *RouteRecord, tags []string) {
	entry := routeEntry{value: rec, tags: tags}
	c.routes.Add(key, entry)
	c.tagRoute(key, tags)
}

// InvalidateTenant drops every alias-cache entry whose fold touched
// tenantID, ancestor or requester. Call this on any upstream write scoped
// to that tenant.
func (c *Cache) InvalidateTenant(tenantID string) {
	c.tagMu.Lock()
	keys := c.aliasTags[tenantID]
	delete(c.aliasTags, tenantID)
	c.tagMu.Unlock()

	for key := range keys {
		c.aliases.Remove(key)
	}
}

// InvalidateUpstream drops every route-cache entry depending on upstreamID
// or routeID. Call this on any route or upstream write.
func (c *Cache) InvalidateUpstream(id string) {
	c.tagMu.Lock()
	keys := c.routeTags[id]
	delete(c.routeTags, id)
	c.tagMu.Unlock()

	for key := range keys {
		c.routes.Remove(key)
	}
}

// Purge empties both keyspaces. Used on full config reload (spec.md §4.2's
// watch-triggered resync).
func (c *Cache) Purge() {
	c.aliases.Purge()
	c.routes.Purge()
	c.tagMu.Lock()
	c.aliasTags = make(map[string]map[AliasKey]struct{})
	c.routeTags = make(map[string]map[RouteKey]struct{})
	c.tagMu.Unlock()
}

// AliasStats reports alias-keyspace counters.
func (c *Cache) AliasStats() Stats {
	return Stats{
		Hits:      c.aliasHits.Load(),
		Misses:    c.aliasMisses.Load(),
		Evictions: c.aliasEvictions.Load(),
		Len:       c.aliases.Len(),
	}
}

// RouteStats reports route-keyspace counters.
func (c *Cache) RouteStats() Stats {
	return Stats{
		Hits:      c.routeHits.Load(),
		Misses:    c.routeMisses.Load(),
		Evictions: c.routeEvictions.Load(),
		Len:       c.routes.Len(),
	}
}

func (c *Cache) tagAlias(key AliasKey, tags []string) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		set, ok := c.aliasTags[tag]
		if !ok {
			set = make(map[AliasKey]struct{})
			c.aliasTags[tag] = set
		}
		set[key] = struct{}{}
	}
}

func (c *Cache) untagAlias(key AliasKey, tags []string) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		if set, ok := c.aliasTags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.aliasTags, tag)
			}
		}
	}
}

func (c *Cache) tagRoute(key RouteKey, tags []string) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		set, ok := c.routeTags[tag]
		if !ok {
			set = make(map[RouteKey]struct{})
			c.routeTags[tag] = set
		}
		set[key] = struct{}{}
	}
}

func (c *Cache) untagRoute(key RouteKey, tags []string) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		if set, ok := c.routeTags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.routeTags, tag)
			}
		}
	}
}
