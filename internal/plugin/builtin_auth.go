package plugin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// jwtAuthConfig is the config_schema-validated shape for the built-in "jwt"
// Auth plugin.
type jwtAuthConfig struct {
	SecretRef string `json:"secret_ref"`
	Issuer    string `json:"issuer,omitempty"`
	Audience  string `json:"audience,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	HeaderKey string `json:"header,omitempty"`
}

// BuiltinJWTAuth validates a bearer JWT using a secret resolved through the
// opaque SecretLookup collaborator — the plugin config never carries the
// signing key itself (spec.md §6).
type BuiltinJWTAuth struct{}

func (BuiltinJWTAuth) Prepare(ctx context.Context, req AuthRequest, config json.RawMessage, secrets SecretLookup) (AuthResult, error) {
	var cfg jwtAuthConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return AuthResult{}, fmt.Errorf("decode jwt auth config: %w", err)
	}
	headerKey := cfg.HeaderKey
	if headerKey == "" {
		headerKey = "Authorization"
	}

	raw := req.Headers[headerKey]
	if !strings.HasPrefix(raw, "Bearer ") {
		return AuthResult{Authenticated: false}, nil
	}
	tokenString := strings.TrimPrefix(raw, "Bearer ")

	secret, err := secrets.Resolve(ctx, SecretRef{Name: cfg.SecretRef})
	if err != nil {
		return AuthResult{}, fmt.Errorf("resolve jwt secret: %w", err)
	}

	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = "HS256"
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{algorithm}))
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return AuthResult{Authenticated: false}, nil
	}

	if cfg.Issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != cfg.Issuer {
			return AuthResult{Authenticated: false}, nil
		}
	}
	if cfg.Audience != "" {
		aud, _ := claims.GetAudience()
		found := false
		for _, a := range aud {
			if a == cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return AuthResult{Authenticated: false}, nil
		}
	}

	subject, _ := claims.GetSubject()
	return AuthResult{Authenticated: true, Principal: subject}, nil
}

// apiKeyAuthConfig is the config_schema-validated shape for the built-in
// "api_key" Auth plugin.
type apiKeyAuthConfig struct {
	SecretRef string `json:"secret_ref"`
	HeaderKey string `json:"header,omitempty"`
}

// BuiltinAPIKeyAuth authenticates by comparing a request header against a
// secret value resolved through SecretLookup, in constant time.
type BuiltinAPIKeyAuth struct{}

func (BuiltinAPIKeyAuth) Prepare(ctx context.Context, req AuthRequest, config json.RawMessage, secrets SecretLookup) (AuthResult, error) {
	var cfg apiKeyAuthConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return AuthResult{}, fmt.Errorf("decode api_key auth config: %w", err)
	}
	headerKey := cfg.HeaderKey
	if headerKey == "" {
		headerKey = "X-API-Key"
	}

	presented := req.Headers[headerKey]
	if presented == "" {
		return AuthResult{Authenticated: false}, nil
	}

	expected, err := secrets.Resolve(ctx, SecretRef{Name: cfg.SecretRef})
	if err != nil {
		return AuthResult{}, fmt.Errorf("resolve api key secret: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return AuthResult{Authenticated: false}, nil
	}
	return AuthResult{Authenticated: true, Principal: headerKey}, nil
}
