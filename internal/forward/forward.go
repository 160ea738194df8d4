// Package forward implements the Outbound Forwarder (spec.md §4.5): header
// hygiene, body validation, endpoint selection, HTTP version negotiation,
// and streaming passthrough to the selected upstream endpoint. It never
// retries a failed attempt — only one connect attempt per request, per
// spec.md §7.
package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/oagwerr"
)

// TargetHostHeader is the routing header consumed (and always stripped) by
// endpoint selection — never forwarded upstream.
const TargetHostHeader = "X-OAGW-Target-Host"

// ErrorSourceHeader marks whether a response is gateway- or upstream-
// originated (spec.md §4.5 "Error-source discipline").
const ErrorSourceHeader = "X-OAGW-Error-Source"

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// ValidateHeaders enforces spec.md §4.5's ingress hygiene rules before any
// forwarding is attempted.
func ValidateHeaders(h http.Header) error {
	if cl := h.Values("Content-Length"); len(cl) > 1 {
		return oagwerr.New(oagwerr.ValidationError, "duplicate Content-Length header")
	}
	hasCL := h.Get("Content-Length") != ""
	te := h.Values("Transfer-Encoding")
	if hasCL && len(te) > 0 {
		return oagwerr.New(oagwerr.ValidationError, "ambiguous Content-Length and Transfer-Encoding")
	}
	for _, v := range te {
		if !strings.EqualFold(strings.TrimSpace(v), "chunked") {
			return oagwerr.New(oagwerr.ValidationError, "unsupported Transfer-Encoding: "+v)
		}
	}
	for name, values := range h {
		if strings.ContainsAny(name, "\r\n") {
			return oagwerr.New(oagwerr.ValidationError, "CR/LF in header name")
		}
		for _, v := range values {
			if strings.ContainsAny(v, "\r\n") {
				return oagwerr.New(oagwerr.ValidationError, "CR/LF in header value")
			}
		}
	}
	return nil
}

// ApplyHeaderRules mutates h in place per add/set/remove rules, in order.
func ApplyHeaderRules(h http.Header, rules []model.HeaderRule) {
	for _, r := range rules {
		switch r.Op {
		case "add":
			h.Add(r.Name, r.Value)
		case "set":
			h.Set(r.Name, r.Value)
		case "remove":
			h.Del(r.Name)
		}
	}
}

// PrepareOutboundHeaders strips hop-by-hop headers and the routing header,
// then applies upstream header rules. Returns a fresh http.Header — the
// caller's original headers are never mutated.
func PrepareOutboundHeaders(src http.Header, rules []model.HeaderRule) http.Header {
	dst := make(http.Header, len(src)+4)
	for k, vv := range src {
		dst[textproto.CanonicalMIMEHeaderKey(k)] = append([]string(nil), vv...)
	}
	removeHopHeaders(dst)
	dst.Del(TargetHostHeader)
	ApplyHeaderRules(dst, rules)
	return dst
}

// SelectEndpoint implements spec.md §4.5 endpoint selection: explicit
// X-OAGW-Target-Host override, common-suffix-alias requiring the header when
// the pool has more than one endpoint, otherwise round-robin over enabled
// endpoints with a per-upstream cursor.
func (f *Forwarder) SelectEndpoint(upstream *model.Upstream, commonSuffixAlias bool, targetHostHeader string) (model.Endpoint, error) {
	enabled := make([]model.Endpoint, 0, len(upstream.Endpoints))
	for _, e := range upstream.Endpoints {
		if e.Enabled {
			enabled = append(enabled, e)
		}
	}

	if targetHostHeader != "" {
		for _, e := range enabled {
			if strings.EqualFold(e.Host, targetHostHeader) {
				return e, nil
			}
		}
		for _, e := range upstream.Endpoints {
			if strings.EqualFold(e.Host, targetHostHeader) {
				return model.Endpoint{}, oagwerr.New(oagwerr.InvalidTargetHost, "target host endpoint is disabled: "+targetHostHeader)
			}
		}
		return model.Endpoint{}, oagwerr.New(oagwerr.UnknownTargetHost, "no endpoint matches target host: "+targetHostHeader)
	}

	if len(enabled) == 0 {
		return model.Endpoint{}, oagwerr.New(oagwerr.LinkUnavailable, "no enabled endpoints for upstream "+upstream.ID)
	}

	if commonSuffixAlias && len(enabled) > 1 {
		return model.Endpoint{}, oagwerr.New(oagwerr.MissingTargetHost, "ambiguous common-suffix alias requires "+TargetHostHeader)
	}

	idx := atomic.AddUint64(f.cursor(upstream.ID), 1)
	return enabled[(idx-1)%uint64(len(enabled))], nil
}

func (f *Forwarder) cursor(upstreamID string) *uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[upstreamID]
	if !ok {
		c = new(uint64)
		f.cursors[upstreamID] = c
	}
	return c
}

// Forwarder owns the per-upstream transport pool and round-robin cursors for
// endpoint selection, plus the resilience ceilings applied when an
// upstream/route doesn't configure its own (spec.md §4.5, §5).
type Forwarder struct {
	pool *TransportPool

	mu      sync.Mutex
	cursors map[string]*uint64

	defaultMaxBodySize    int64
	hardMaxBodySize       int64
	defaultRequestTimeout time.Duration
	idleTimeout           time.Duration
	flushInterval         time.Duration
	transportCfg          TransportConfig
}

// Config is the Forwarder's resilience configuration, sourced from
// config.ResilienceConfig (spec.md §5).
type Config struct {
	// DefaultMaxBodySize applies when neither the upstream nor the route
	// configures a body-size ceiling. HardMaxBodySize is the absolute cap
	// that no configured value, however high, can exceed.
	DefaultMaxBodySize int64
	HardMaxBodySize    int64

	// ConnectTimeout bounds the dial phase of every outbound attempt.
	// DefaultRequestTimeout bounds connect+response-header wait when a
	// request carries no merged timeout of its own. DefaultIdleTimeout
	// aborts a response stream that goes silent between chunks.
	ConnectTimeout        time.Duration
	DefaultRequestTimeout time.Duration
	DefaultIdleTimeout    time.Duration
}

// New creates a Forwarder from cfg, filling in spec.md §4.5/§5 defaults for
// any zero-valued field.
func New(cfg Config) *Forwarder {
	if cfg.HardMaxBodySize <= 0 {
		cfg.HardMaxBodySize = 100 << 20
	}
	if cfg.DefaultMaxBodySize <= 0 || cfg.DefaultMaxBodySize > cfg.HardMaxBodySize {
		cfg.DefaultMaxBodySize = cfg.HardMaxBodySize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.DefaultRequestTimeout <= 0 {
		cfg.DefaultRequestTimeout = 30 * time.Second
	}

	transportCfg := DefaultTransportConfig
	transportCfg.DialTimeout = cfg.ConnectTimeout

	return &Forwarder{
		pool:                  NewTransportPool(),
		cursors:               make(map[string]*uint64),
		defaultMaxBodySize:    cfg.DefaultMaxBodySize,
		hardMaxBodySize:       cfg.HardMaxBodySize,
		defaultRequestTimeout: cfg.DefaultRequestTimeout,
		idleTimeout:           cfg.DefaultIdleTimeout,
		flushInterval:         100 * time.Millisecond,
		transportCfg:          transportCfg,
	}
}

// Request is the forwarder's input: everything it needs to build and send
// one outbound attempt, already past rate limiting, concurrency limiting,
// and the circuit breaker gate.
type Request struct {
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64

	Upstream          *model.Upstream
	HeaderRules       []model.HeaderRule
	CommonSuffixAlias bool
	TargetHost        string
	MaxBodySize       int64
	Timeout           time.Duration
}

// Response is what the forwarder hands back: either an upstream response to
// stream to the client, or a gateway-originated error to map via oagwerr.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Endpoint   model.Endpoint
}

// Do selects an endpoint, builds the outbound request, and performs exactly
// one connect attempt — no retries (spec.md §7).
func (f *Forwarder) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ValidateHeaders(req.Header); err != nil {
		return nil, err
	}

	limit := req.MaxBodySize
	if limit <= 0 {
		limit = f.defaultMaxBodySize
	}
	if limit <= 0 || limit > f.hardMaxBodySize {
		limit = f.hardMaxBodySize
	}
	if req.ContentLength > limit {
		return nil, oagwerr.New(oagwerr.PayloadTooLarge, "request body exceeds max_body_size")
	}

	endpoint, err := f.SelectEndpoint(req.Upstream, req.CommonSuffixAlias, req.TargetHost)
	if err != nil {
		return nil, err
	}

	authority := endpoint.Authority()
	header := PrepareOutboundHeaders(req.Header, req.HeaderRules)
	header.Set("Host", authority)

	body := req.Body
	if limit > 0 && body != nil {
		body = &limitedBody{r: body, remaining: limit}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.defaultRequestTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outbound, err := http.NewRequestWithContext(ctx, req.Method, endpoint.Scheme+"://"+authority+req.Path+queryString(req.RawQuery), body)
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.ProtocolError, err)
	}
	outbound.Header = header
	outbound.Host = authority
	outbound.ContentLength = req.ContentLength

	transport := f.pool.Get(req.Upstream.ID, f.transportCfg)
	resp, err := transport.RoundTrip(outbound)
	if err != nil {
		return nil, classifyForwardError(err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body, Endpoint: endpoint}, nil
}

func queryString(raw string) string {
	if raw == "" {
		return ""
	}
	return "?" + raw
}

// classifyForwardError maps a RoundTrip failure to one of spec.md §5's
// distinct timeout reasons: a dial-phase timeout is ConnectionTimeout,
// anything else tied to context expiry (response-header wait included) is
// RequestTimeout, everything else is a generic downstream failure.
func classifyForwardError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return oagwerr.Wrap(oagwerr.ConnectionTimeout, err)
		}
		return oagwerr.Wrap(oagwerr.RequestTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return oagwerr.Wrap(oagwerr.RequestTimeout, err)
	}
	return oagwerr.Wrap(oagwerr.DownstreamError, err)
}

// limitedBody enforces max_body_size on a streaming request body without
// buffering it — spec.md §4.5 "streaming bodies bypass buffering but still
// count against the ceiling by running total".
type limitedBody struct {
	r         io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, oagwerr.New(oagwerr.PayloadTooLarge, "request body exceeds max_body_size")
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error { return b.r.Close() }

// CopyResponse streams the upstream response body to w without buffering,
// flushing periodically so SSE/chunked responses reach the client promptly.
// It propagates client disconnect by honoring ctx cancellation through the
// reader's blocking Read calls (the transport's RoundTrip already ties body
// reads to the request context), and aborts with IdleTimeout if the upstream
// goes silent mid-stream for longer than the forwarder's idle deadline
// (spec.md §5 — distinct from the connect/request deadlines enforced in Do).
func (f *Forwarder) CopyResponse(w http.ResponseWriter, resp *Response) error {
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append([]string(nil), vv...)
	}
	dst.Set(ErrorSourceHeader, string(oagwerr.SourceUpstream))
	w.WriteHeader(resp.StatusCode)

	var body io.Reader = resp.Body
	if f.idleTimeout > 0 {
		body = &idleTimeoutReader{r: resp.Body, timeout: f.idleTimeout}
	}

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return oagwerr.Wrap(oagwerr.StreamAborted, werr)
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ge, ok := oagwerr.AsError(err); ok {
				return ge
			}
			return oagwerr.Wrap(oagwerr.StreamAborted, err)
		}
	}
}

// idleTimeoutReader fails a streaming Read with IdleTimeout once the
// wrapped reader has gone more than timeout without producing a chunk.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
}

type idleReadResult struct {
	n   int
	err error
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	ch := make(chan idleReadResult, 1)
	go func() {
		n, err := r.r.Read(p)
		ch <- idleReadResult{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(r.timeout):
		return 0, oagwerr.New(oagwerr.IdleTimeout, "no data received from upstream within idle timeout")
	}
}

// ContentLengthMismatchErr is returned by body-size enforcement wrappers
// when a declared Content-Length doesn't match bytes actually read —
// spec.md §4.5 "close the connection and record ValidationError".
func ContentLengthMismatchErr() error {
	return oagwerr.New(oagwerr.ValidationError, "declared Content-Length does not match delivered body size")
}

// CheckContentLength verifies a fully-read body's length against the
// declared Content-Length, for non-streaming callers that buffer first.
func CheckContentLength(declared int64, actual int64) error {
	if declared >= 0 && declared != actual {
		return ContentLengthMismatchErr()
	}
	return nil
}
