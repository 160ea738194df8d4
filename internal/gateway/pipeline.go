package gateway

import (
	"context"
	"net/http"

	"github.com/oagw/gateway/internal/breaker"
	"github.com/oagw/gateway/internal/chain"
	"github.com/oagw/gateway/internal/concurrency"
	"github.com/oagw/gateway/internal/forward"
	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/oagwerr"
	"github.com/oagw/gateway/internal/plugin"
	"github.com/oagw/gateway/internal/ratelimit"
	"github.com/oagw/gateway/internal/resolve"
	"github.com/oagw/gateway/internal/router"
)

// runPipeline drives a matched request through the plugin chain, rate
// limiting, concurrency limiting, the circuit breaker, and the forwarder
// (spec.md §4.3-§4.8 in sequence), and returns the HTTP status eventually
// written to the client.
func (g *Gateway) runPipeline(ctx context.Context, w http.ResponseWriter, r *http.Request, sc SecurityContext, resolved *resolve.Resolved, eff model.EffectiveConfig, match *router.Match, reqID string) int {
	routeID := ""
	if match.Route != nil {
		routeID = match.Route.ID
	}

	ch, err := chain.Build(ctx, eff, g.registry, g.defs)
	if err != nil {
		return g.failPipeline(w, reqID, oagwerr.Wrap(oagwerr.PluginNotFound, err))
	}

	secrets := g.secrets.ForTenant(resolved.Upstream.TenantID)

	auth, err := ch.Authenticate(ctx, plugin.AuthRequest{Method: r.Method, Path: r.URL.Path, Headers: headerMap(r.Header)}, secrets)
	if err != nil {
		return g.failPipeline(w, reqID, err)
	}
	if !auth.Authenticated {
		return g.failPipeline(w, reqID, oagwerr.New(oagwerr.AuthenticationFailed, "upstream auth plugin rejected credentials"))
	}
	applyHeaderSets(r.Header, auth.HeaderSets)

	guardIn := plugin.GuardInput{Method: r.Method, Path: r.URL.Path, Headers: headerMap(r.Header), Query: queryMap(r.URL.Query()), TenantID: sc.TenantID, RouteID: routeID}
	gr, err := ch.RunRequestGuards(ctx, guardIn)
	if err != nil {
		return g.failPipeline(w, reqID, err)
	}
	if !gr.Accept {
		rejectErr := oagwerr.New(oagwerr.PermissionDenied, gr.Reason)
		if gr.HTTPStatus != 0 {
			rejectErr = rejectErr.WithHTTPStatus(gr.HTTPStatus)
		}
		return g.failPipeline(w, reqID, rejectErr)
	}

	reqCtx := plugin.RequestContext{Method: r.Method, Path: r.URL.Path, Host: r.Host, Headers: headerMap(r.Header), Query: queryMap(r.URL.Query()), BodySize: int(r.ContentLength), TenantID: sc.TenantID, RouteID: routeID}
	outcome, err := ch.RunRequestTransforms(ctx, reqCtx)
	if err != nil {
		return g.failPipeline(w, reqID, err)
	}
	if outcome.Early != nil {
		writeEarlyResponse(w, outcome.Early)
		return outcome.Early.StatusCode
	}
	applyHeaderSets(r.Header, outcome.HeaderSets)
	applyHeaderRemoves(r.Header, outcome.HeaderRemoves)

	scopeIn := ratelimit.ScopeKeyInput{TenantID: sc.TenantID, UserID: sc.PrincipalID, RemoteAddr: clientIP(r), RouteID: routeID}
	decision, err := g.rateLimiter.Acquire(ctx, eff.RateLimits, scopeIn)
	if err != nil {
		return g.runErrorTransformsAndFail(ctx, ch, routeID, err, w, reqID)
	}
	// A queue-strategy policy with no capacity left reports Allowed=false
	// without an error; the concurrency layer below owns actual queueing, so
	// here that is surfaced the same way a reject-strategy policy would be.
	if decision != nil && !decision.Allowed {
		rejected := oagwerr.New(oagwerr.RateLimitExceeded, "rate limit exceeded").WithRetryAfter(decision.RetryAfter)
		return g.runErrorTransformsAndFail(ctx, ch, routeID, rejected, w, reqID)
	}

	targetHost := r.Header.Get(forward.TargetHostHeader)
	endpoint, err := g.forwarder.SelectEndpoint(eff.Upstream, eff.CommonSuffixAlias, targetHost)
	if err != nil {
		return g.runErrorTransformsAndFail(ctx, ch, routeID, err, w, reqID)
	}

	cellKey := breaker.CellKey(eff.Upstream.ID, endpoint.Authority(), eff.Breaker.PerEndpoint)
	snap := g.breakers.Snapshot(cellKey)
	w.Header().Set("X-Circuit-State", snap.State)

	concMax := 0
	if eff.Concurrency.Max != nil {
		concMax = *eff.Concurrency.Max
	}
	concPolicy := concurrency.Policy{
		TenantMax:   concMax,
		UpstreamMax: concMax,
		RouteMax:    concMax,
		Strategy:    eff.Concurrency.Strategy,
		Queue:       eff.Concurrency.QueueCfg,
		BreakerOpen: snap.State == "open",
	}
	permit, err := g.concurrency.Acquire(ctx, concurrency.Keys{TenantID: sc.TenantID, UpstreamID: eff.Upstream.ID, RouteID: routeID}, concPolicy)
	if err != nil {
		return g.runErrorTransformsAndFail(ctx, ch, routeID, err, w, reqID)
	}
	defer permit.Release()

	done, err := g.breakers.Allow(cellKey, eff.Breaker)
	if err != nil {
		return g.runErrorTransformsAndFail(ctx, ch, routeID, err, w, reqID)
	}

	fr := &forward.Request{
		Method:            r.Method,
		Path:              outboundPath(match.Route, match),
		RawQuery:          r.URL.RawQuery,
		Header:            r.Header,
		Body:              r.Body,
		ContentLength:     r.ContentLength,
		Upstream:          eff.Upstream,
		HeaderRules:       eff.HeaderRules,
		CommonSuffixAlias: eff.CommonSuffixAlias,
		TargetHost:        endpoint.Host,
		MaxBodySize:       eff.MaxBodySize,
		Timeout:           eff.Timeout,
	}

	resp, ferr := g.forwarder.Do(ctx, fr)
	if ferr != nil {
		done(false)
		return g.runErrorTransformsAndFail(ctx, ch, routeID, ferr, w, reqID)
	}
	done(resp.StatusCode < 500)

	if _, err := ch.RunResponseGuards(ctx, guardIn); err != nil {
		resp.Body.Close()
		return g.failPipeline(w, reqID, err)
	}
	respOutcome, err := ch.RunResponseTransforms(ctx, plugin.ResponseContext{StatusCode: resp.StatusCode, Headers: headerMap(resp.Header), RouteID: routeID})
	if err != nil {
		resp.Body.Close()
		return g.failPipeline(w, reqID, err)
	}
	applyHeaderSets(resp.Header, respOutcome.HeaderSets)
	applyHeaderRemoves(resp.Header, respOutcome.HeaderRemoves)
	if respOutcome.Early != nil {
		resp.Body.Close()
		writeEarlyResponse(w, respOutcome.Early)
		return respOutcome.Early.StatusCode
	}

	if cerr := g.forwarder.CopyResponse(w, resp); cerr != nil {
		if ge, ok := oagwerr.AsError(cerr); ok {
			g.metrics.RecordError(string(ge.Reason))
		}
	}
	return resp.StatusCode
}

// runErrorTransformsAndFail gives the chain's on_error transforms a chance to
// react (e.g. attach diagnostic headers) before the error is mapped to a
// response.
func (g *Gateway) runErrorTransformsAndFail(ctx context.Context, ch *chain.Chain, routeID string, failure error, w http.ResponseWriter, reqID string) int {
	errCode := ""
	if ge, ok := oagwerr.AsError(failure); ok {
		errCode = string(ge.Reason)
	}
	_, _ = ch.RunErrorTransforms(ctx, plugin.ResponseContext{StatusCode: 0, ErrorCode: errCode, RouteID: routeID})
	return g.failPipeline(w, reqID, failure)
}

func (g *Gateway) failPipeline(w http.ResponseWriter, reqID string, err error) int {
	ge, ok := oagwerr.AsError(err)
	if !ok {
		ge = oagwerr.Wrap(oagwerr.ProtocolError, err)
	}
	ge = ge.WithRequestID(reqID)
	g.metrics.RecordError(string(ge.Reason))
	ge.WriteJSON(w, "")
	return ge.HTTPStatus()
}

func writeEarlyResponse(w http.ResponseWriter, early *plugin.EarlyResponse) {
	for k, v := range early.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(early.StatusCode)
	if len(early.Body) > 0 {
		w.Write(early.Body)
	}
}

func applyHeaderSets(h http.Header, sets map[string]string) {
	for k, v := range sets {
		h.Set(k, v)
	}
}

func applyHeaderRemoves(h http.Header, removes []string) {
	for _, k := range removes {
		h.Del(k)
	}
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func queryMap(v map[string][]string) map[string]string {
	out := make(map[string]string, len(v))
	for k, vv := range v {
		if len(vv) > 0 {
			out[k] = vv[0]
		}
	}
	return out
}
