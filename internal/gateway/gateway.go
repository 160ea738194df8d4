// Package gateway wires every collaborator described by spec.md §4 into the
// proxy entrypoint: the one HTTP handler behind
// "{METHOD} /api/oagw/v1/proxy/{alias}[/{path_suffix}]" that authenticates
// the caller, resolves and matches effective configuration, runs the
// plugin chain, and forwards exactly one request to the selected upstream
// endpoint.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oagw/gateway/internal/breaker"
	"github.com/oagw/gateway/internal/chain"
	"github.com/oagw/gateway/internal/concurrency"
	"github.com/oagw/gateway/internal/config"
	"github.com/oagw/gateway/internal/econfig"
	"github.com/oagw/gateway/internal/forward"
	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/oagwerr"
	"github.com/oagw/gateway/internal/observability"
	"github.com/oagw/gateway/internal/plugin"
	"github.com/oagw/gateway/internal/ratelimit"
	"github.com/oagw/gateway/internal/repository"
	"github.com/oagw/gateway/internal/resolve"
	"github.com/oagw/gateway/internal/router"
	"github.com/oagw/gateway/internal/secret"
)

// proxyPrefix is the one ingress surface the core owns (spec.md §6).
const proxyPrefix = "/api/oagw/v1/proxy/"

// requestIDHeader carries the per-request correlation id, trusted from the
// caller when present and generated otherwise (spec.md §6).
const requestIDHeader = "X-Request-ID"

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per id.
	uuid.EnableRandPool()
}

// Gateway holds every long-lived collaborator and implements the proxy
// pipeline as a plain http.Handler.
type Gateway struct {
	cfg *config.Config

	repo      repository.Repository
	cache     *econfig.Cache
	routes    *routeSync
	router    *router.Router
	forwarder *forward.Forwarder

	rateLimiter  *ratelimit.Limiter
	concurrency  *concurrency.Limiter
	breakers     *breaker.Manager

	sandbox  *plugin.Sandbox
	registry *plugin.Registry
	defs     *repositoryDefinitions
	secrets  *secret.Resolver

	ingressAuth *IngressAuthenticator

	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New constructs a Gateway from its bootstrap configuration and a
// repository implementation already selected by the caller (memory or
// etcd-backed, per cfg.Repository.Type).
func New(ctx context.Context, cfg *config.Config, repo repository.Repository) (*Gateway, error) {
	cache, err := econfig.New(cfg.Resilience.EffectiveConfigCacheCap, cfg.Resilience.RouteCacheCap)
	if err != nil {
		return nil, err
	}

	rt := router.New()
	secrets := secret.New()
	sandbox := plugin.NewSandbox(ctx, plugin.SandboxConfig{})
	registry := plugin.NewRegistry(sandbox)

	ingressAuth, err := NewIngressAuthenticator(ctx, cfg.IngressAuth, secrets)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:         cfg,
		repo:        repo,
		cache:       cache,
		routes:      newRouteSync(rt),
		router:      rt,
		forwarder: forward.New(forward.Config{
			DefaultMaxBodySize:    cfg.Resilience.DefaultMaxBodySize,
			HardMaxBodySize:       cfg.Resilience.HardMaxBodySize,
			ConnectTimeout:        cfg.Resilience.DefaultConnectTimeout,
			DefaultRequestTimeout: cfg.Resilience.DefaultRequestTimeout,
			DefaultIdleTimeout:    cfg.Resilience.DefaultIdleTimeout,
		}),
		rateLimiter: ratelimit.New(),
		concurrency: concurrency.New(),
		breakers:    breaker.NewManager(nil),
		sandbox:     sandbox,
		registry:    registry,
		defs:        newRepositoryDefinitions(repo),
		secrets:     secrets,
		ingressAuth: ingressAuth,
		metrics:     observability.NewMetrics(),
		tracer:      observability.New(cfg.Tracing.Enabled, cfg.Tracing.SampleRate),
	}

	go g.watchInvalidations()

	return g, nil
}

// Close releases the gateway's owned resources.
func (g *Gateway) Close(ctx context.Context) error {
	if err := g.registry.Close(ctx); err != nil {
		return err
	}
	if err := g.sandbox.Close(ctx); err != nil {
		return err
	}
	return g.tracer.Close(ctx)
}

// Handler returns the proxy entrypoint wrapped in the tracing middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(proxyPrefix, g.serveProxy)
	return g.tracer.Middleware(func(r *http.Request) string { return "proxy" })(mux)
}

// Metrics exposes the gateway's collector for the admin server.
func (g *Gateway) Metrics() *observability.Metrics { return g.metrics }

// serveProxy is the full request pipeline: parse, ingress-authenticate,
// resolve, match, run the plugin chain, rate/concurrency/breaker-gate, and
// forward (spec.md §4.1-§4.8 in sequence).
func (g *Gateway) serveProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.New().String()
	}
	w.Header().Set(requestIDHeader, reqID)

	alias, suffix, ok := parseProxyPath(r.URL.Path)
	if !ok {
		g.writeError(w, reqID, oagwerr.New(oagwerr.RouteNotFound, "path does not address a proxy alias"))
		return
	}

	sc, err := g.ingressAuth.Authenticate(r.Header.Get("Authorization"))
	if err != nil {
		g.writeError(w, reqID, err)
		return
	}

	resolved, err := g.resolveUpstream(ctx, sc, alias)
	if err != nil {
		g.writeError(w, reqID, err)
		return
	}
	if !resolved.Effective.Enabled {
		g.writeError(w, reqID, oagwerr.New(oagwerr.LinkUnavailable, "upstream disabled"))
		return
	}

	if err := g.routes.ensure(ctx, g, resolved.Upstream.ID); err != nil {
		g.writeError(w, reqID, oagwerr.Wrap(oagwerr.RouteNotFound, err))
		return
	}

	eff, match, err := g.matchRoute(resolved, r.Method, suffix, r.URL.Query())
	if err != nil {
		g.writeError(w, reqID, err)
		return
	}

	applyCORSHeaders(w, eff.CORS, r.Header.Get("Origin"))
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := g.runPipeline(ctx, w, r, sc, resolved, eff, match, reqID)
	g.metrics.RecordRequest("proxy", r.Method, status, time.Since(start))
}

// parseProxyPath splits "/api/oagw/v1/proxy/{alias}[/{suffix}]" into its
// alias and suffix components.
func parseProxyPath(path string) (alias, suffix string, ok bool) {
	if !strings.HasPrefix(path, proxyPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, proxyPrefix)
	if rest == "" {
		return "", "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i:], true
	}
	return rest, "", true
}

// resolveUpstream consults the effective-config cache before falling back to
// the full hierarchy walk (spec.md §4.9).
func (g *Gateway) resolveUpstream(ctx context.Context, sc SecurityContext, alias string) (*resolve.Resolved, error) {
	key := econfig.AliasKey{TenantID: sc.TenantID, Alias: alias}
	if cached, ok := g.cache.GetUpstream(key); ok {
		return cached, nil
	}

	resolved, err := resolve.ResolveUpstream(ctx, g.repo, sc.TenantChain, alias)
	if err != nil {
		return nil, err
	}
	g.cache.PutUpstream(key, resolved, sc.TenantChain)
	return resolved, nil
}

// matchRoute matches path against upstreamID's routes, then consults the
// route-effective-config cache before falling back to resolve.ApplyRoute
// (spec.md §4.2, §4.9). The router match itself is always performed live —
// it is already O(1)-ish and its Suffix result cannot be reconstructed from
// a cached record — only the (comparatively expensive) hierarchy-aware
// overlay is memoized.
func (g *Gateway) matchRoute(resolved *resolve.Resolved, method, path string, query url.Values) (model.EffectiveConfig, *router.Match, error) {
	upstreamID := resolved.Upstream.ID

	m, err := g.router.Match(upstreamID, method, path, query)
	if err != nil {
		if errors.Is(err, router.ErrQueryNotAllowed) {
			return model.EffectiveConfig{}, nil, oagwerr.New(oagwerr.ValidationError, "query parameter not allowed on matched route")
		}
		return model.EffectiveConfig{}, nil, oagwerr.Wrap(oagwerr.RouteNotFound, err)
	}

	key := econfig.RouteKey{UpstreamID: upstreamID, Method: method, PathSignature: m.Route.ID}
	if rec, ok := g.cache.GetRoute(key); ok {
		if eff, ok := rec.Overlaid.(model.EffectiveConfig); ok {
			return eff, m, nil
		}
	}

	eff := resolve.ApplyRoute(resolved, m.Route)
	g.cache.PutRoute(key, &econfig.RouteRecord{RouteID: m.Route.ID, Upstream: resolved, Overlaid: eff}, []string{upstreamID, m.Route.ID})

	return eff, m, nil
}

// outboundPath derives the path forwarded upstream: the matched prefix for
// suffix-disabled routes, or the prefix plus whatever the request sent past
// it for suffix-append routes (spec.md §4.2).
func outboundPath(route *model.Route, m *router.Match) string {
	if route.SuffixMode == model.SuffixAppend {
		return route.PathPrefix + m.Suffix
	}
	return route.PathPrefix
}

func (g *Gateway) writeError(w http.ResponseWriter, reqID string, err error) {
	ge, ok := oagwerr.AsError(err)
	if !ok {
		ge = oagwerr.Wrap(oagwerr.ProtocolError, err)
	}
	ge = ge.WithRequestID(reqID)
	g.metrics.RecordError(string(ge.Reason))
	ge.WriteJSON(w, "")
}

// applyCORSHeaders sets the Access-Control-* response headers per the
// merged CORS policy, for both preflight and actual requests.
func applyCORSHeaders(w http.ResponseWriter, cors model.CORSPolicy, origin string) {
	if origin == "" || len(cors.AllowOrigins) == 0 {
		return
	}
	allowed := false
	for _, o := range cors.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if len(cors.AllowMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cors.AllowMethods, ", "))
	}
	if len(cors.AllowHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cors.AllowHeaders, ", "))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
