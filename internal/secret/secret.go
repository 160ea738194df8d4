// Package secret implements the Secret collaborator's client side (spec.md
// §6 "get_secret(secret_ref, tenant_id) -> bytes or NotAccessible/NotFound").
// The secret store itself is an out-of-scope external collaborator; this
// package is the opaque, tenant-scoped resolver the gateway calls through,
// built as a scheme-keyed provider registry.
package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oagw/gateway/internal/oagwerr"
	"github.com/oagw/gateway/internal/plugin"
)

// ErrNotAccessible is returned by a Provider when ref exists but tenantID is
// not entitled to it — distinct from not-found (spec.md §7 "Secret
// inaccessibility to tenant is AuthenticationFailed (401)").
var ErrNotAccessible = errors.New("secret: not accessible to tenant")

// Provider resolves one secret reference within a scheme, scoped to a
// tenant. Every call carries the requesting tenant so a
// shared Resolver can serve every tenant's Auth plugin without leaking
// another tenant's secret.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, tenantID, ref string) (string, error)
}

// Resolver dispatches by scheme prefix ("scheme:rest"); a reference with no
// scheme prefix is treated as an "env" reference, the common case for
// built-in Auth plugin secret_refs.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// New creates a Resolver with the env and file providers registered.
func New() *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.Register(&EnvProvider{})
	r.Register(&FileProvider{})
	return r
}

// Register adds or replaces the provider for one scheme.
func (r *Resolver) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Scheme()] = p
}

func (r *Resolver) provider(scheme string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[scheme]
	return p, ok
}

// ForTenant adapts the Resolver into a plugin.SecretLookup bound to one
// tenant, the shape chain.Chain.Authenticate requires (its SecretLookup
// carries no tenant parameter of its own — the chain is already built from
// one tenant's EffectiveConfig, so the scoping happens here instead).
func (r *Resolver) ForTenant(tenantID string) plugin.SecretLookup {
	return &scoped{r: r, tenantID: tenantID}
}

type scoped struct {
	r        *Resolver
	tenantID string
}

func (s *scoped) Resolve(ctx context.Context, ref plugin.SecretRef) (string, error) {
	scheme, rest := splitRef(ref.Name)
	p, ok := s.r.provider(scheme)
	if !ok {
		return "", oagwerr.New(oagwerr.SecretNotFound, fmt.Sprintf("no secret provider registered for scheme %q", scheme))
	}
	val, err := p.Resolve(ctx, s.tenantID, rest)
	if err != nil {
		if errors.Is(err, ErrNotAccessible) {
			return "", oagwerr.New(oagwerr.AuthenticationFailed, fmt.Sprintf("secret %q not accessible to tenant %s", ref.Name, s.tenantID))
		}
		return "", oagwerr.New(oagwerr.SecretNotFound, err.Error())
	}
	return val, nil
}

func splitRef(name string) (scheme, rest string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "env", name
}
