// Package model defines the OAGW data model: upstreams, routes, plugin
// definitions and bindings, and the effective configuration record produced
// by the resolver for one request.
package model

import "time"

// SharingMode controls whether a field is visible to, or overridable by,
// descendant tenants in the hierarchy.
type SharingMode string

const (
	SharingPrivate SharingMode = "private"
	SharingInherit SharingMode = "inherit"
	SharingEnforce SharingMode = "enforce"
)

// Protocol is the upstream wire protocol tag.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "http/1.1"
	ProtocolHTTP2 Protocol = "http/2"
	ProtocolWS    Protocol = "ws"
	ProtocolWT    Protocol = "wt"
	ProtocolGRPC  Protocol = "grpc" // reserved, data-model slot only
)

// PathSuffixMode controls whether the path segment after the matched prefix
// is forwarded.
type PathSuffixMode string

const (
	SuffixDisabled PathSuffixMode = "disabled"
	SuffixAppend   PathSuffixMode = "append"
)

// PluginType is the plugin contract family.
type PluginType string

const (
	PluginAuth      PluginType = "auth"
	PluginGuard     PluginType = "guard"
	PluginTransform PluginType = "transform"
)

// TransformPhase is one of the phases a Transform plugin may implement.
type TransformPhase string

const (
	PhaseOnRequest  TransformPhase = "on_request"
	PhaseOnResponse TransformPhase = "on_response"
	PhaseOnError    TransformPhase = "on_error"
)

// Endpoint is one member of an upstream's endpoint pool.
type Endpoint struct {
	Scheme  string
	Host    string
	Port    int
	Enabled bool
}

// Authority returns the host[:port] form used as the outbound Host header.
func (e Endpoint) Authority() string {
	if e.Port == 0 || (e.Scheme == "https" && e.Port == 443) || (e.Scheme == "http" && e.Port == 80) {
		return e.Host
	}
	return e.Host + ":" + portString(e.Port)
}

func portString(p int) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// HeaderRule is one add/set/remove header transform rule.
type HeaderRule struct {
	Op    string // add, set, remove
	Name  string
	Value string
}

// RateLimitPolicy configures a token bucket for one scope.
type RateLimitPolicy struct {
	Mode     SharingMode
	Scope    string // global | tenant | user | ip | route
	Capacity *float64
	RefillPS *float64 // tokens per second
	Cost     float64
	Strategy string // reject | queue
	QueueCfg *QueuePolicy
}

// QueuePolicy configures the bounded FIFO waiter queue for a saturated limit.
type QueuePolicy struct {
	MaxDepth     int
	MaxMemory    int64
	Timeout      time.Duration
	Overflow     string // drop_newest | drop_oldest | reject
	Order        string // fifo | priority (reserved)
}

// ConcurrencyPolicy bounds in-flight requests at one scope level.
type ConcurrencyPolicy struct {
	Mode     SharingMode
	Max      *int
	Strategy string // reject | queue
	QueueCfg *QueuePolicy
}

// CircuitBreakerPolicy configures the breaker for an upstream or endpoint.
type CircuitBreakerPolicy struct {
	Mode                  SharingMode
	PerEndpoint           bool
	FailureThreshold      int
	SuccessThreshold      int
	HalfOpenMaxConcurrent int
	RecoveryTimeout       time.Duration
	FallbackStrategy      string // fail_fast | fallback_upstream | cached_response
	FallbackUpstream      string
	ResponseCache         *ResponseCachePolicy
}

// ResponseCachePolicy gates the cached_response breaker-open fallback.
// Only consulted when non-nil, per spec.md §9's open-question resolution.
type ResponseCachePolicy struct {
	TTL       time.Duration
	VaryKeys  []string
}

// CORSPolicy merges by union (inherit) or replace (enforce).
type CORSPolicy struct {
	Mode             SharingMode
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
}

// PluginBinding attaches a plugin, in order, to an upstream or route.
type PluginBinding struct {
	ParentID     string
	Position     int
	PluginRef    string // canonical name for built-ins
	PluginUUID   string // set iff UUID-backed
	ConfigJSON   []byte
	Enforced     bool
}

// PluginDefinition describes a built-in or custom plugin implementation.
type PluginDefinition struct {
	Ref           string // canonical name, or UUID string for custom plugins
	Type          PluginType
	Phases        []TransformPhase // Transform only
	ConfigSchema  []byte           // custom only, immutable
	SourceCode    []byte           // custom only, immutable (compiled wasm or expr source)
	LastUsedAt    time.Time
	GCEligibleAt  *time.Time
}

// Upstream is identified by (TenantID, Alias).
type Upstream struct {
	ID        string
	TenantID  string
	Alias     string
	Endpoints []Endpoint
	Protocol  Protocol
	Enabled   bool

	// Sharing governs whether this upstream entity itself is visible to,
	// and shadowable by, tenants other than TenantID while walking the
	// ancestor chain (spec.md §4.1 "first upstream whose sharing mode
	// makes it visible (not private unless owned)"). Per-field sharing
	// modes below govern merge behavior for that field once an upstream
	// has already been selected.
	Sharing SharingMode

	AuthPlugin      *PluginBinding
	AuthMode        SharingMode
	HeaderRules     []HeaderRule
	HeaderRulesMode SharingMode

	RateLimits   []RateLimitPolicy
	Concurrency  ConcurrencyPolicy
	Breaker      CircuitBreakerPolicy
	CORS         CORSPolicy

	// MaxBodySize and RequestTimeout min-merge down the tenant chain just
	// like a rate limit capacity (spec.md §4.1): nil contributes no
	// ceiling, enforce locks the value in for descendants via an
	// AncestorConstraint.
	MaxBodySize        *int64
	MaxBodySizeMode     SharingMode
	RequestTimeout      *time.Duration
	RequestTimeoutMode  SharingMode

	Plugins     []PluginBinding // upstream-level, position-contiguous
	PluginsMode SharingMode

	Tags []string

	EnabledMode SharingMode // sharing mode that governs whether enabled=false is visible/enforceable
	CreatedAt   time.Time
}

// CommonSuffixAlias reports whether the alias was derived from a shared
// domain suffix across ≥2 endpoints, per spec.md §3 alias defaults — such
// aliases require an explicit X-OAGW-Target-Host when the pool has more than
// one endpoint (spec.md §4.5 endpoint selection, rule 2).
type CommonSuffixAlias bool

// Route belongs to exactly one upstream.
type Route struct {
	ID         string
	UpstreamID string
	Methods    []string
	PathPrefix string
	QueryAllow []string // nil means "no allowlist configured"
	SuffixMode PathSuffixMode

	GRPCService string // reserved
	GRPCMethod  string // reserved

	Priority  int
	Enabled   bool
	CreatedAt time.Time

	RateLimits  []RateLimitPolicy
	RateLimitsMode SharingMode
	Concurrency *ConcurrencyPolicy
	CORS        *CORSPolicy

	// MaxBodySize and RequestTimeout overlay the upstream-effective value
	// when set; nil leaves the upstream's merged value untouched (spec.md
	// §4.1 route-layer overlay).
	MaxBodySize    *int64
	RequestTimeout *time.Duration

	Plugins     []PluginBinding
	PluginsMode SharingMode

	Tags []string
}

// AncestorConstraint is one enforced ceiling carried from an ancestor tenant,
// surviving shadowing per spec.md §4.1's "Output" clause.
type AncestorConstraint struct {
	TenantID string
	Field    string // "rate", "concurrency", "body_size", "timeout", "cors", "plugins"
	Value    any
}

// EffectiveConfig is the immutable record produced for one request after
// hierarchy merge and route overlay.
type EffectiveConfig struct {
	TenantID   string
	Alias      string
	Upstream   *Upstream
	Route      *Route

	Enabled bool

	AuthPlugin *PluginBinding
	Plugins    []PluginBinding // upstream_plugins ++ route_plugins, enforced items flagged

	RateLimits  []RateLimitPolicy
	Concurrency ConcurrencyPolicy
	Breaker     CircuitBreakerPolicy
	CORS        CORSPolicy
	HeaderRules []HeaderRule

	MaxBodySize int64
	Timeout     time.Duration

	Tags []string

	AncestorConstraints []AncestorConstraint

	CommonSuffixAlias bool
}
