// Package plugin implements the Plugin Registry & Sandbox (spec.md §4.3):
// built-in plugins by canonical name, and custom plugins compiled either to
// WASM (Transform) or a sandboxed expression (Guard).
package plugin

import (
	"context"
	"encoding/json"
)

// Action is the verdict a plugin invocation returns to the chain executor.
type Action int32

const (
	ActionContinue Action = iota
	ActionSendResponse
)

// EarlyResponse short-circuits the chain, per spec.md §4.4.
type EarlyResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// RequestContext is the read/write view a Transform plugin's on_request
// phase receives.
type RequestContext struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Host     string            `json:"host"`
	Headers  map[string]string `json:"headers"`
	Query    map[string]string `json:"query"`
	BodySize int               `json:"body_size"`
	TenantID string            `json:"tenant_id"`
	RouteID  string            `json:"route_id"`
}

// ResponseContext is the read/write view a Transform plugin's on_response or
// on_error phase receives.
type ResponseContext struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	BodySize   int               `json:"body_size"`
	ErrorCode  string            `json:"error_code,omitempty"`
	RouteID    string            `json:"route_id"`
}

// TransformResult is what a Transform invocation produces: header mutations
// plus an optional early response.
type TransformResult struct {
	Action        Action
	HeaderSets    map[string]string
	HeaderRemoves []string
	Early         *EarlyResponse
}

// GuardInput is the read-only view a Guard plugin evaluates.
type GuardInput struct {
	Method   string            `json:"method"`
	Path     string             `json:"path"`
	Headers  map[string]string `json:"headers"`
	Query    map[string]string `json:"query"`
	TenantID string            `json:"tenant_id"`
	RouteID  string            `json:"route_id"`
}

// GuardResult is a Guard plugin's accept/reject verdict (spec.md §4.3 — the
// Guard contract is strictly accept or reject, no mutation).
type GuardResult struct {
	Accept bool
	Reason string
	// HTTPStatus overrides the default 403 a rejected Guard maps to. Zero
	// means "use the default".
	HTTPStatus int
}

// SecretRef identifies an opaque secret without exposing its value to plugin
// config (spec.md §6 "secret_lookup").
type SecretRef struct {
	Name string
}

// SecretLookup resolves a SecretRef to its value. Implementations must never
// log or persist the resolved value.
type SecretLookup interface {
	Resolve(ctx context.Context, ref SecretRef) (string, error)
}

// AuthRequest is the read-only view an Auth plugin's prepare() receives.
type AuthRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
}

// AuthResult is what Auth plugin prepare() produces.
type AuthResult struct {
	Authenticated bool
	Principal     string
	HeaderSets    map[string]string
}

// TransformPlugin implements one or more of on_request/on_response/on_error.
type TransformPlugin interface {
	OnRequest(ctx context.Context, rc RequestContext, config json.RawMessage) (TransformResult, error)
	OnResponse(ctx context.Context, rc ResponseContext, config json.RawMessage) (TransformResult, error)
	OnError(ctx context.Context, rc ResponseContext, config json.RawMessage) (TransformResult, error)
}

// GuardPlugin implements the accept/reject contract.
type GuardPlugin interface {
	Evaluate(ctx context.Context, in GuardInput, config json.RawMessage) (GuardResult, error)
}

// AuthPlugin implements prepare().
type AuthPlugin interface {
	Prepare(ctx context.Context, req AuthRequest, config json.RawMessage, secrets SecretLookup) (AuthResult, error)
}
