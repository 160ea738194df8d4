package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oagw/gateway/internal/config"
	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/repository/memory"
)

const testIngressSecret = "unit-test-ingress-secret"

func init() {
	os.Setenv("OAGW_INGRESS_SECRET", testIngressSecret)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Admin.Enabled = false
	return cfg
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testIngressSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func seedUpstream(repo *memory.Repository, tenantID, alias, backendURL string) *model.Upstream {
	u, _ := url.Parse(backendURL)
	port, _ := strconv.Atoi(u.Port())

	up := &model.Upstream{
		ID:       tenantID + ":" + alias,
		TenantID: tenantID,
		Alias:    alias,
		Endpoints: []model.Endpoint{
			{Scheme: u.Scheme, Host: u.Hostname(), Port: port, Enabled: true},
		},
		Protocol:    model.ProtocolHTTP1,
		Enabled:     true,
		Sharing:     model.SharingInherit,
		AuthMode:    model.SharingInherit,
		EnabledMode: model.SharingInherit,
		PluginsMode: model.SharingInherit,
		CreatedAt:   time.Now(),
	}
	repo.PutUpstream(up)
	return up
}

func seedRoute(repo *memory.Repository, upstreamID string) {
	repo.PutRoute(&model.Route{
		ID:         upstreamID + ":root",
		UpstreamID: upstreamID,
		Methods:    []string{"GET"},
		PathPrefix: "/",
		SuffixMode: model.SuffixAppend,
		Enabled:    true,
		CreatedAt:  time.Now(),
	})
}

func TestGatewayProxyHappyPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	repo := memory.New()
	defer repo.Close()

	up := seedUpstream(repo, "acme", "widgets", backend.URL)
	seedRoute(repo, up.ID)

	ctx := context.Background()
	gw, err := New(ctx, testConfig(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close(ctx)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	token := signToken(t, jwt.MapClaims{
		"tenant_id":   "acme",
		"principal_id": "user-1",
		"permissions": []any{"gts.x.core.oagw.proxy.v1~:invoke"},
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/oagw/v1/proxy/widgets", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGatewayProxyMissingBearerToken(t *testing.T) {
	repo := memory.New()
	defer repo.Close()

	ctx := context.Background()
	gw, err := New(ctx, testConfig(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close(ctx)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/oagw/v1/proxy/widgets")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "problem+json") {
		t.Errorf("expected problem+json content type, got %q", ct)
	}
}

func TestGatewayProxyUnknownAlias(t *testing.T) {
	repo := memory.New()
	defer repo.Close()

	ctx := context.Background()
	gw, err := New(ctx, testConfig(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close(ctx)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	token := signToken(t, jwt.MapClaims{
		"tenant_id":   "acme",
		"permissions": []any{"gts.x.core.oagw.proxy.v1~:invoke"},
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/oagw/v1/proxy/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGatewayProxyMissingPermission(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	repo := memory.New()
	defer repo.Close()

	up := seedUpstream(repo, "acme", "widgets", backend.URL)
	seedRoute(repo, up.ID)

	ctx := context.Background()
	gw, err := New(ctx, testConfig(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close(ctx)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	token := signToken(t, jwt.MapClaims{
		"tenant_id":   "acme",
		"permissions": []any{"some.other.permission"},
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/oagw/v1/proxy/widgets", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

func TestGatewayProxyRequestIDEchoedAndGenerated(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	repo := memory.New()
	defer repo.Close()

	up := seedUpstream(repo, "acme", "widgets", backend.URL)
	seedRoute(repo, up.ID)

	ctx := context.Background()
	gw, err := New(ctx, testConfig(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close(ctx)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	token := signToken(t, jwt.MapClaims{
		"tenant_id":   "acme",
		"permissions": []any{"gts.x.core.oagw.proxy.v1~:invoke"},
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/oagw/v1/proxy/widgets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "caller-supplied-id")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "caller-supplied-id" {
		t.Errorf("expected inbound X-Request-ID to be echoed, got %q", got)
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/oagw/v1/proxy/does-not-exist", nil)
	req2.Header.Set("Authorization", "Bearer "+token)

	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()

	if got := resp2.Header.Get("X-Request-ID"); got == "" {
		t.Errorf("expected a generated X-Request-ID on an error response, got empty")
	}

	var body map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&body); err != nil {
		t.Fatalf("decode problem body: %v", err)
	}
	if body["request_id"] != resp2.Header.Get("X-Request-ID") {
		t.Errorf("expected problem body request_id to match response header, got %v", body["request_id"])
	}
}

func TestGatewayProxyCircuitStateHeader(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	repo := memory.New()
	defer repo.Close()

	up := seedUpstream(repo, "acme", "widgets", backend.URL)
	seedRoute(repo, up.ID)

	ctx := context.Background()
	gw, err := New(ctx, testConfig(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close(ctx)

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	token := signToken(t, jwt.MapClaims{
		"tenant_id":   "acme",
		"permissions": []any{"gts.x.core.oagw.proxy.v1~:invoke"},
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/oagw/v1/proxy/widgets", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Circuit-State"); got != "closed" {
		t.Errorf("expected X-Circuit-State: closed, got %q", got)
	}
}
