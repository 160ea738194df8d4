package router

import (
	"net/url"
	"testing"
	"time"

	"github.com/oagw/gateway/internal/model"
)

func TestMatchExactSuffixDisabled(t *testing.T) {
	rt := New()
	route := &model.Route{ID: "r1", PathPrefix: "/v1/charges", SuffixMode: model.SuffixDisabled, Enabled: true}
	rt.AddRoute("ups1", route)

	m, err := rt.Match("ups1", "GET", "/v1/charges", url.Values{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Route.ID != "r1" {
		t.Fatalf("expected r1, got %s", m.Route.ID)
	}
}

func TestMatchSuffixDisabledRejectsExtraPath(t *testing.T) {
	rt := New()
	route := &model.Route{ID: "r1", PathPrefix: "/v1/charges", SuffixMode: model.SuffixDisabled, Enabled: true}
	rt.AddRoute("ups1", route)

	_, err := rt.Match("ups1", "GET", "/v1/charges/123", url.Values{})
	if err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch for unregistered suffix, got %v", err)
	}
}

func TestMatchPrefixAppendWithSuffix(t *testing.T) {
	rt := New()
	route := &model.Route{ID: "r1", PathPrefix: "/v1/charges", SuffixMode: model.SuffixAppend, Enabled: true}
	rt.AddRoute("ups1", route)

	m, err := rt.Match("ups1", "GET", "/v1/charges/123", url.Values{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Suffix != "/123" {
		t.Fatalf("expected suffix /123, got %q", m.Suffix)
	}
}

func TestMatchLongestPrefixWins(t *testing.T) {
	rt := New()
	now := time.Now()
	broad := &model.Route{ID: "broad", PathPrefix: "/v1", SuffixMode: model.SuffixAppend, Enabled: true, CreatedAt: now}
	narrow := &model.Route{ID: "narrow", PathPrefix: "/v1/charges", SuffixMode: model.SuffixAppend, Enabled: true, CreatedAt: now}
	rt.AddRoute("ups1", broad)
	rt.AddRoute("ups1", narrow)

	m, err := rt.Match("ups1", "GET", "/v1/charges/123", url.Values{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Route.ID != "narrow" {
		t.Fatalf("expected longest-prefix route narrow to win, got %s", m.Route.ID)
	}
}

func TestMatchPriorityTieBreak(t *testing.T) {
	rt := New()
	now := time.Now()
	low := &model.Route{ID: "low", PathPrefix: "/v1", SuffixMode: model.SuffixAppend, Enabled: true, Priority: 1, CreatedAt: now}
	high := &model.Route{ID: "high", PathPrefix: "/v1", SuffixMode: model.SuffixAppend, Enabled: true, Priority: 10, CreatedAt: now}
	rt.AddRoute("ups1", low)
	rt.AddRoute("ups1", high)

	m, err := rt.Match("ups1", "GET", "/v1/anything", url.Values{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Route.ID != "high" {
		t.Fatalf("expected higher-priority route to win tie, got %s", m.Route.ID)
	}
}

func TestMatchMethodFiltering(t *testing.T) {
	rt := New()
	route := &model.Route{ID: "r1", PathPrefix: "/v1/charges", SuffixMode: model.SuffixDisabled, Enabled: true, Methods: []string{"POST"}}
	rt.AddRoute("ups1", route)

	if _, err := rt.Match("ups1", "GET", "/v1/charges", url.Values{}); err != ErrNoMatch {
		t.Fatalf("expected method mismatch to produce ErrNoMatch, got %v", err)
	}
	if _, err := rt.Match("ups1", "POST", "/v1/charges", url.Values{}); err != nil {
		t.Fatalf("expected POST to match: %v", err)
	}
}

func TestMatchQueryAllowlist(t *testing.T) {
	rt := New()
	route := &model.Route{ID: "r1", PathPrefix: "/v1/charges", SuffixMode: model.SuffixDisabled, Enabled: true, QueryAllow: []string{"limit"}}
	rt.AddRoute("ups1", route)

	ok := url.Values{"limit": {"10"}}
	if _, err := rt.Match("ups1", "GET", "/v1/charges", ok); err != nil {
		t.Fatalf("expected allowed query param to match: %v", err)
	}

	bad := url.Values{"limit": {"10"}, "secret": {"x"}}
	if _, err := rt.Match("ups1", "GET", "/v1/charges", bad); err != ErrQueryNotAllowed {
		t.Fatalf("expected disallowed query param to reject match, got %v", err)
	}
}

func TestMatchSkipsDisabledRoute(t *testing.T) {
	rt := New()
	route := &model.Route{ID: "r1", PathPrefix: "/v1/charges", SuffixMode: model.SuffixDisabled, Enabled: false}
	rt.AddRoute("ups1", route)

	if _, err := rt.Match("ups1", "GET", "/v1/charges", url.Values{}); err != ErrNoMatch {
		t.Fatalf("expected disabled route to never match, got %v", err)
	}
}

func TestRemoveRoute(t *testing.T) {
	rt := New()
	route := &model.Route{ID: "r1", PathPrefix: "/v1/charges", SuffixMode: model.SuffixDisabled, Enabled: true}
	rt.AddRoute("ups1", route)
	rt.RemoveRoute("r1")

	if _, err := rt.Match("ups1", "GET", "/v1/charges", url.Values{}); err != ErrNoMatch {
		t.Fatalf("expected removed route to stop matching, got %v", err)
	}
}
