// Package router implements the Route Matcher (spec.md §4.2): a two-tier
// match per upstream — httprouter for exact, suffix-disabled paths, and a
// length/priority/created_at sorted prefix scan as fallback for
// suffix-append routes.
package router

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/oagw/gateway/internal/model"
)

// ErrNoMatch is returned by Match when no route satisfies method, path, and
// enabled state.
var ErrNoMatch = errors.New("router: no matching route")

// ErrQueryNotAllowed is returned by Match when a route was otherwise selected
// but the request carries a query parameter outside its allowlist. Unlike
// ErrNoMatch, this is not "try the next candidate" — the route was already
// chosen on method/path/enabled, so a rejected query is a validation failure
// against that route, not a routing miss (spec.md §4.2).
var ErrQueryNotAllowed = errors.New("router: query parameter not allowed on matched route")

// Match is the result of a successful route match.
type Match struct {
	Route      *model.Route
	PathParams map[string]string
	Suffix     string // the request path segment after the matched prefix
}

// group holds every candidate route registered under one normalized prefix,
// kept sorted by specificity for deterministic first-match semantics.
type group struct {
	routes []*model.Route
}

func (g *group) add(route *model.Route) {
	g.routes = append(g.routes, route)
	sort.SliceStable(g.routes, func(i, j int) bool {
		return lessSpecific(g.routes[j], g.routes[i])
	})
}

func (g *group) remove(id string) {
	for i, r := range g.routes {
		if r.ID == id {
			g.routes = append(g.routes[:i], g.routes[i+1:]...)
			return
		}
	}
}

// lessSpecific reports whether a is less specific than b, i.e. whether b
// should be tried before a: longer path prefix wins, then higher priority,
// then earlier created_at (spec.md §4.2
// "longest prefix, then priority, then created_at tie-break").
func lessSpecific(a, b *model.Route) bool {
	if len(a.PathPrefix) != len(b.PathPrefix) {
		return len(a.PathPrefix) < len(b.PathPrefix)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// captureWriter discards the response body; it exists only so httprouter's
// dispatch can be reused to find the matched group without writing anything.
type captureWriter struct {
	matched *group
	params  httprouter.Params
	header  http.Header
}

func (cw *captureWriter) Header() http.Header       { return cw.header }
func (cw *captureWriter) Write(b []byte) (int, error) { return len(b), nil }
func (cw *captureWriter) WriteHeader(int)           {}

// Router indexes one upstream's routes for request matching.
type Router struct {
	mu sync.RWMutex

	tree         *httprouter.Router
	exactGroups  map[string]*group // normalized "upstreamID|path" -> group (suffix disabled)
	prefixGroups map[string]*group // same key, for suffix-append routes
	prefixOrder  []string          // keys sorted by path length desc
	all          map[string]*model.Route
}

// New creates an empty Router.
func New() *Router {
	tree := httprouter.New()
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	return &Router{
		tree:         tree,
		exactGroups:  make(map[string]*group),
		prefixGroups: make(map[string]*group),
		all:          make(map[string]*model.Route),
	}
}

// AddRoute registers a route under its upstream. Safe to call after Match
// has already been served from this Router (routes are re-indexed under a
// lock); repeated calls for the same route ID replace the prior entry.
func (rt *Router) AddRoute(upstreamID string, route *model.Route) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.removeLocked(route.ID)
	rt.all[route.ID] = route

	key := upstreamID + "|" + normalize(route.PathPrefix)

	if route.SuffixMode == model.SuffixAppend {
		g, ok := rt.prefixGroups[key]
		if !ok {
			g = &group{}
			rt.prefixGroups[key] = g
			rt.prefixOrder = append(rt.prefixOrder, key)
			sort.SliceStable(rt.prefixOrder, func(i, j int) bool {
				return len(keyPath(rt.prefixOrder[i])) > len(keyPath(rt.prefixOrder[j]))
			})
		}
		g.add(route)
		return
	}

	g, ok := rt.exactGroups[key]
	if !ok {
		g = &group{}
		rt.exactGroups[key] = g
		rt.registerExact(upstreamID, normalize(route.PathPrefix), g)
	}
	g.add(route)
}

// registerExact wires a group into httprouter's tree for every HTTP method,
// mirroring the teacher's "register once per normalized path" idiom.
func (rt *Router) registerExact(upstreamID, path string, g *group) {
	handler := httprouter.Handle(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		cw, ok := w.(*captureWriter)
		if !ok {
			return
		}
		cw.matched = g
		cw.params = p
	})
	full := "/" + upstreamID + path
	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"} {
		func() {
			defer func() { recover() }() // httprouter panics on duplicate registration
			rt.tree.Handle(m, full, handler)
		}()
	}
}

func (rt *Router) removeLocked(id string) {
	for _, g := range rt.exactGroups {
		g.remove(id)
	}
	for _, g := range rt.prefixGroups {
		g.remove(id)
	}
	delete(rt.all, id)
}

// RemoveRoute drops a route by ID.
func (rt *Router) RemoveRoute(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removeLocked(id)
}

// Match finds the best route for method/path within one upstream, applying
// method filtering and the query allowlist (spec.md §4.2).
func (rt *Router) Match(upstreamID, method, path string, query url.Values) (*Match, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	full := "/" + upstreamID + normalize(path)

	cw := &captureWriter{header: make(http.Header)}
	req := &http.Request{Method: method, URL: &url.URL{Path: full}}
	rt.tree.ServeHTTP(cw, req)
	if cw.matched != nil {
		if m := firstMatch(cw.matched.routes, method); m != nil {
			if !queryAllowed(m, query) {
				return nil, ErrQueryNotAllowed
			}
			params := make(map[string]string, len(cw.params))
			for _, p := range cw.params {
				params[p.Key] = p.Value
			}
			return &Match{Route: m, PathParams: params}, nil
		}
	}

	reqPath := normalize(path)
	for _, key := range rt.prefixOrder {
		if !strings.HasPrefix(key, upstreamID+"|") {
			continue
		}
		prefix := keyPath(key)
		if !strings.HasPrefix(reqPath, prefix) {
			continue
		}
		g := rt.prefixGroups[key]
		if m := firstMatch(g.routes, method); m != nil {
			if !queryAllowed(m, query) {
				return nil, ErrQueryNotAllowed
			}
			return &Match{
				Route:  m,
				Suffix: strings.TrimPrefix(reqPath, prefix),
			}, nil
		}
	}

	return nil, ErrNoMatch
}

// firstMatch selects the most specific enabled route accepting method,
// without regard to the query allowlist — the query is validated separately
// against the already-chosen route (spec.md §4.2).
func firstMatch(routes []*model.Route, method string) *model.Route {
	for _, r := range routes {
		if !r.Enabled {
			continue
		}
		if !methodAllowed(r, method) {
			continue
		}
		return r
	}
	return nil
}

func methodAllowed(r *model.Route, method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// queryAllowed reports whether every query parameter on the request is
// present in the route's allowlist. A nil QueryAllow means "no allowlist
// configured", i.e. all query parameters pass.
func queryAllowed(r *model.Route, query url.Values) bool {
	if r.QueryAllow == nil {
		return true
	}
	allowed := make(map[string]bool, len(r.QueryAllow))
	for _, q := range r.QueryAllow {
		allowed[q] = true
	}
	for k := range query {
		if !allowed[k] {
			return false
		}
	}
	return true
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

func keyPath(key string) string {
	idx := strings.IndexByte(key, '|')
	if idx == -1 {
		return key
	}
	return key[idx+1:]
}
