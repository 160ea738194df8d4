// Package oagwerr is the single typed-error currency used across the request
// path. The error mapper is the only component that turns one of these into
// an HTTP response (spec.md §9 "Cyclic dependency risk").
package oagwerr

import (
	"fmt"
	"net/http"
	"time"
)

// Reason is one of the fixed failure identifiers from spec.md §4.10.
type Reason string

const (
	ValidationError       Reason = "validation_error"
	MissingTargetHost     Reason = "routing.missing_target_host.v1"
	InvalidTargetHost     Reason = "routing.invalid_target_host.v1"
	UnknownTargetHost     Reason = "routing.unknown_target_host.v1"
	AuthenticationFailed  Reason = "authentication_failed"
	RouteNotFound         Reason = "route_not_found"
	LinkUnavailable       Reason = "link_unavailable"
	PluginInUse           Reason = "plugin_in_use"
	PayloadTooLarge       Reason = "payload_too_large"
	RateLimitExceeded     Reason = "rate_limit_exceeded"
	SecretNotFound        Reason = "secret_not_found"
	ProtocolError         Reason = "protocol_error"
	DownstreamError       Reason = "downstream_error"
	StreamAborted         Reason = "stream_aborted"
	CircuitBreakerOpen    Reason = "circuit_breaker_open"
	PluginNotFound        Reason = "plugin_not_found"
	ConnectionTimeout     Reason = "connection_timeout"
	RequestTimeout        Reason = "request_timeout"
	IdleTimeout           Reason = "idle_timeout"
	QueueTimeout          Reason = "queue_timeout"
	QueueFull             Reason = "queue_full"
	PermissionDenied      Reason = "permission_denied"
)

// Source distinguishes a gateway-originated failure from an upstream one,
// surfaced as X-OAGW-Error-Source.
type Source string

const (
	SourceGateway  Source = "gateway"
	SourceUpstream Source = "upstream"
)

type tableRow struct {
	status    int
	retriable string // "yes", "no", "depends"
}

var table = map[Reason]tableRow{
	ValidationError:      {http.StatusBadRequest, "no"},
	MissingTargetHost:    {http.StatusBadRequest, "no"},
	InvalidTargetHost:    {http.StatusBadRequest, "no"},
	UnknownTargetHost:    {http.StatusBadRequest, "no"},
	AuthenticationFailed: {http.StatusUnauthorized, "no"},
	RouteNotFound:        {http.StatusNotFound, "no"},
	PluginInUse:          {http.StatusConflict, "no"},
	PayloadTooLarge:      {http.StatusRequestEntityTooLarge, "no"},
	RateLimitExceeded:    {http.StatusTooManyRequests, "yes"},
	SecretNotFound:       {http.StatusInternalServerError, "no"},
	ProtocolError:        {http.StatusBadGateway, "depends"},
	DownstreamError:      {http.StatusBadGateway, "depends"},
	StreamAborted:        {http.StatusBadGateway, "depends"},
	LinkUnavailable:      {http.StatusServiceUnavailable, "yes"},
	CircuitBreakerOpen:   {http.StatusServiceUnavailable, "yes"},
	PluginNotFound:       {http.StatusServiceUnavailable, "no"},
	ConnectionTimeout:    {http.StatusGatewayTimeout, "yes"},
	RequestTimeout:       {http.StatusGatewayTimeout, "yes"},
	IdleTimeout:          {http.StatusGatewayTimeout, "yes"},
	QueueTimeout:         {http.StatusGatewayTimeout, "yes"},
	QueueFull:            {http.StatusServiceUnavailable, "yes"},
	PermissionDenied:     {http.StatusForbidden, "no"},
}

// Status returns the HTTP status for a reason, defaulting to 500 for unknown
// reasons (should not happen — every Reason constant has a table row).
func (r Reason) Status() int {
	if row, ok := table[r]; ok {
		return row.status
	}
	return http.StatusInternalServerError
}

// TypeURI is the RFC 9457 "type" identifier for a reason.
func (r Reason) TypeURI() string {
	return "https://oagw.internal/errors/" + string(r)
}

// Error is the immutable envelope for one gateway-originated failure.
type Error struct {
	Reason     Reason
	Detail     string
	Source     Source
	RetryAfter *time.Duration
	requestID  string
	extensions map[string]string
	cause      error
	status     int // 0 means "use Reason's table status"
}

// New creates a gateway-sourced error for the given reason.
func New(reason Reason, detail string) *Error {
	return &Error{Reason: reason, Detail: detail, Source: SourceGateway}
}

// Wrap creates a gateway-sourced error carrying an underlying cause.
func Wrap(reason Reason, cause error) *Error {
	return &Error{Reason: reason, Detail: cause.Error(), Source: SourceGateway, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithRequestID returns a copy carrying the given request id.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.requestID = id
	return &cp
}

// WithRetryAfter returns a copy carrying an explicit Retry-After duration.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = &d
	return &cp
}

// WithHTTPStatus returns a copy whose HTTPStatus() overrides the Reason's
// table status — used when a plugin contract (e.g. a Guard reject) hands
// back its own status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	cp := *e
	cp.status = status
	return &cp
}

// HTTPStatus returns the status override set via WithHTTPStatus, or the
// Reason's table status if none was set.
func (e *Error) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	return e.Reason.Status()
}

// WithExtension returns a copy with one additional problem+json extension
// field set (upstream_id, host, path, trace_id, ...).
func (e *Error) WithExtension(key, value string) *Error {
	cp := *e
	cp.extensions = make(map[string]string, len(e.extensions)+1)
	for k, v := range e.extensions {
		cp.extensions[k] = v
	}
	cp.extensions[key] = value
	return &cp
}

// Extensions returns the extension fields set on this error.
func (e *Error) Extensions() map[string]string { return e.extensions }

// RequestID returns the request id set via WithRequestID, if any.
func (e *Error) RequestID() string { return e.requestID }

// Retriable reports whether a retry (at the client, not the gateway — see
// spec.md §7 "full-request retries are forbidden" for the gateway itself)
// is meaningful for this reason.
func (e *Error) Retriable() bool {
	row, ok := table[e.Reason]
	return ok && row.retriable == "yes"
}

// AsError reports whether err is an *Error, unwrapping through wrapped causes.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if ge, ok := err.(*Error); ok {
			return ge, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
