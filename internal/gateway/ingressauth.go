package gateway

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oagw/gateway/internal/config"
	"github.com/oagw/gateway/internal/oagwerr"
	"github.com/oagw/gateway/internal/plugin"
	"github.com/oagw/gateway/internal/secret"
)

// SecurityContext is the (tenant_id, principal_id, permissions) triple the
// ingress authenticator produces for a successfully authenticated request
// (spec.md §6), plus the ancestor tenant chain the resolver needs — sourced
// from a "tenant_chain" claim, descendant-first, falling back to a
// single-tenant chain when the token carries none.
type SecurityContext struct {
	TenantID    string
	PrincipalID string
	Permissions []string
	TenantChain []string
}

// hasPermission reports whether perm is granted, honoring a trailing "*"
// wildcard segment the way the gts.x permission strings are scoped.
func (sc SecurityContext) hasPermission(perm string) bool {
	for _, p := range sc.Permissions {
		if p == perm || p == "*" {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(perm, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// IngressAuthenticator validates the bearer token required on every call to
// the proxy entrypoint itself — distinct from the per-upstream Auth plugin
// chain, which runs later against the target API's own credentials.
type IngressAuthenticator struct {
	algorithm    string
	secret       []byte
	publicKey    *rsa.PublicKey
	issuer       string
	audience     []string
	requiredPerm string
	keyFunc      jwt.Keyfunc
}

// NewIngressAuthenticator resolves the configured signing key through the
// shared-secret resolver (scoped to the reserved "_ingress" tenant namespace —
// the ingress key is an operator-wide credential, not a per-tenant one) and
// builds the validator.
func NewIngressAuthenticator(ctx context.Context, cfg config.IngressAuthConfig, secrets *secret.Resolver) (*IngressAuthenticator, error) {
	a := &IngressAuthenticator{
		algorithm:    cfg.Algorithm,
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		requiredPerm: cfg.RequiredScope,
	}
	if a.algorithm == "" {
		a.algorithm = "HS256"
	}

	switch {
	case strings.HasPrefix(a.algorithm, "HS"):
		val, err := secrets.ForTenant("_ingress").Resolve(ctx, plugin.SecretRef{Name: "env:" + cfg.SecretRef})
		if err != nil {
			return nil, fmt.Errorf("resolve ingress auth secret: %w", err)
		}
		a.secret = []byte(val)
		a.keyFunc = func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.secret, nil
		}
	case strings.HasPrefix(a.algorithm, "RS"):
		block, _ := pem.Decode([]byte(cfg.PublicKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("ingress auth: failed to parse PEM public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ingress auth: parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("ingress auth: public key is not RSA")
		}
		a.publicKey = rsaPub
		a.keyFunc = func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.publicKey, nil
		}
	default:
		return nil, fmt.Errorf("ingress auth: unsupported algorithm %q", a.algorithm)
	}

	return a, nil
}

// Authenticate validates the bearer token on r and, on success, returns the
// security context the proxy entrypoint requires before it will even
// attempt alias resolution.
func (a *IngressAuthenticator) Authenticate(authorizationHeader string) (SecurityContext, error) {
	if !strings.HasPrefix(authorizationHeader, "Bearer ") {
		return SecurityContext{}, oagwerr.New(oagwerr.AuthenticationFailed, "missing bearer token")
	}
	tokenString := strings.TrimPrefix(authorizationHeader, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc)
	if err != nil || !token.Valid {
		return SecurityContext{}, oagwerr.New(oagwerr.AuthenticationFailed, "invalid bearer token")
	}

	if a.issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != a.issuer {
			return SecurityContext{}, oagwerr.New(oagwerr.AuthenticationFailed, "unexpected token issuer")
		}
	}
	if len(a.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !audienceOverlaps(aud, a.audience) {
			return SecurityContext{}, oagwerr.New(oagwerr.AuthenticationFailed, "unexpected token audience")
		}
	}

	tenantID, _ := claims["tenant_id"].(string)
	if tenantID == "" {
		return SecurityContext{}, oagwerr.New(oagwerr.AuthenticationFailed, "token missing tenant_id claim")
	}
	principalID, _ := claims["principal_id"].(string)
	if principalID == "" {
		principalID, _ = claims.GetSubject()
	}

	sc := SecurityContext{
		TenantID:    tenantID,
		PrincipalID: principalID,
		Permissions: stringSlice(claims["permissions"]),
		TenantChain: stringSlice(claims["tenant_chain"]),
	}
	if len(sc.TenantChain) == 0 {
		sc.TenantChain = []string{tenantID}
	}

	if a.requiredPerm != "" && !sc.hasPermission(a.requiredPerm) {
		return SecurityContext{}, oagwerr.New(oagwerr.PermissionDenied, "missing required permission "+a.requiredPerm)
	}

	return sc, nil
}

func audienceOverlaps(tokenAud, expected []string) bool {
	for _, ta := range tokenAud {
		for _, ea := range expected {
			if ta == ea {
				return true
			}
		}
	}
	return false
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
