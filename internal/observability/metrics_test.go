package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStatusClassBuckets(t *testing.T) {
	cases := map[int]string{200: "2xx", 201: "2xx", 301: "3xx", 404: "4xx", 429: "4xx", 500: "5xx", 0: "unknown", 999: "unknown"}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Errorf("StatusClass(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestRecordRequestExposesLowCardinalityLabels(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("/orders/:id", "GET", 200, 15*time.Millisecond)
	m.RecordRequest("/orders/:id", "GET", 503, 2*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	if !strings.Contains(body, `route="/orders/:id"`) {
		t.Fatalf("expected route label in output, got:\n%s", body)
	}
	if !strings.Contains(body, `status_class="2xx"`) || !strings.Contains(body, `status_class="5xx"`) {
		t.Fatalf("expected status_class buckets, got:\n%s", body)
	}
	if strings.Contains(body, "tenant") {
		t.Fatalf("expected no tenant-id labels in exposed metrics, got:\n%s", body)
	}
}

func TestBreakerStateValueMapping(t *testing.T) {
	if BreakerStateValue("closed") != 0 {
		t.Fatal("expected closed -> 0")
	}
	if BreakerStateValue("half_open") != 1 {
		t.Fatal("expected half_open -> 1")
	}
	if BreakerStateValue("open") != 2 {
		t.Fatal("expected open -> 2")
	}
}

func TestSetBreakerStateAndQueueDepthExposed(t *testing.T) {
	m := NewMetrics()
	m.SetBreakerState("api.example.com", "open")
	m.SetQueueDepth("tenant:acme", 7)
	m.RecordRateLimitRejection("route:orders")
	m.RecordError("circuit_breaker_open")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`oagw_circuit_breaker_state{upstream_host="api.example.com"} 2`,
		`oagw_concurrency_queue_depth{scope="tenant:acme"} 7`,
		`oagw_rate_limit_rejections_total{scope="route:orders"} 1`,
		`oagw_errors_total{error_kind="circuit_breaker_open"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, body)
		}
	}
}
