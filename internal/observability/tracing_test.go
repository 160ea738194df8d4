package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDisabledTracerMiddlewarePassesThrough(t *testing.T) {
	tr := New(false, 1.0)
	if tr.IsEnabled() {
		t.Fatal("expected disabled tracer")
	}

	called := false
	h := tr.Middleware(func(*http.Request) string { return "/x" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if !called {
		t.Fatal("expected downstream handler to run")
	}
	if rec.Header().Get("X-Trace-ID") != "" {
		t.Fatal("expected no trace header when tracing is disabled")
	}
}

func TestEnabledTracerMiddlewareSetsTraceHeaderAndStatus(t *testing.T) {
	tr := New(true, 1.0)
	defer tr.Close(context.Background())

	routeTemplate := func(*http.Request) string { return "/orders/:id" }
	h := tr.Middleware(routeTemplate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/orders/42", nil))

	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected a trace ID header when tracing is enabled")
	}
}

func TestTraceIDEmptyWithoutActiveSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Fatalf("expected empty trace ID with no active span, got %q", got)
	}
}

func TestStartSpanNoopWhenDisabled(t *testing.T) {
	tr := New(false, 1.0)
	ctx, span := tr.StartSpan(context.Background(), "child")
	if span.SpanContext().HasTraceID() {
		t.Fatal("expected no-op span when tracing disabled")
	}
	_ = ctx
}
