package oagwerr

import (
	"encoding/json"
	"math"
	"net/http"
)

// ErrorSourceHeader is set on every gateway response, per spec.md §4.5/§6.
const ErrorSourceHeader = "X-OAGW-Error-Source"

// Problem is the RFC 9457 application/problem+json body.
type Problem struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	UpstreamID        string `json:"upstream_id,omitempty"`
	Host              string `json:"host,omitempty"`
	Path              string `json:"path,omitempty"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
	TraceID           string `json:"trace_id,omitempty"`
	RequestID         string `json:"request_id,omitempty"`
}

// ToProblem renders the error as an RFC 9457 problem record.
func (e *Error) ToProblem(instance string) Problem {
	p := Problem{
		Type:      e.Reason.TypeURI(),
		Title:     string(e.Reason),
		Status:    e.HTTPStatus(),
		Detail:    e.Detail,
		Instance:  instance,
		RequestID: e.requestID,
	}
	if e.extensions != nil {
		p.UpstreamID = e.extensions["upstream_id"]
		p.Host = e.extensions["host"]
		p.Path = e.extensions["path"]
		p.TraceID = e.extensions["trace_id"]
	}
	if e.RetryAfter != nil {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		p.RetryAfterSeconds = &secs
	}
	return p
}

// WriteJSON writes the error as application/problem+json, setting the
// error-source header and, when present, Retry-After.
func (e *Error) WriteJSON(w http.ResponseWriter, instance string) {
	p := e.ToProblem(instance)
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set(ErrorSourceHeader, string(SourceGateway))
	if p.RetryAfterSeconds != nil {
		w.Header().Set("Retry-After", itoa(*p.RetryAfterSeconds))
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
