// Package resolve implements the Resolver & Merger (spec.md §4.1): alias
// shadowing across the tenant hierarchy and the per-field merge contract
// that produces an upstream-effective configuration record.
package resolve

import (
	"context"
	"math"
	"time"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/oagwerr"
	"github.com/oagw/gateway/internal/repository"
)

// Resolved is the upstream-effective record produced by hierarchy
// resolution, before any route overlay (spec.md §4.1 "Route-layer overlay").
type Resolved struct {
	Upstream            *model.Upstream
	Effective           model.EffectiveConfig
	AncestorConstraints []model.AncestorConstraint
}

// ResolveUpstream walks chain (ordered descendant-first, chain[0] is the
// requesting tenant) looking up alias at each tenant, selects the visible
// upstream per the shadowing rule, and folds the per-field merge contract
// from the root of the visible chain down to the selected tenant.
func ResolveUpstream(ctx context.Context, repo repository.Repository, chain []string, alias string) (*Resolved, error) {
	if len(chain) == 0 {
		return nil, oagwerr.New(oagwerr.RouteNotFound, "empty tenant chain")
	}

	ups, err := repo.ListAncestorUpstreams(ctx, chain, alias)
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.RouteNotFound, err)
	}
	if len(ups) == 0 {
		return nil, oagwerr.New(oagwerr.RouteNotFound, "no upstream found for alias "+alias)
	}

	requester := chain[0]
	selectedIdx := -1
	for i, u := range ups {
		if visible(u, requester) {
			selectedIdx = i
			break
		}
	}
	if selectedIdx == -1 {
		return nil, oagwerr.New(oagwerr.RouteNotFound, "alias "+alias+" has no visible upstream")
	}

	if !ups[selectedIdx].Enabled {
		found := false
		for i := selectedIdx + 1; i < len(ups); i++ {
			if visible(ups[i], requester) && ups[i].Enabled {
				selectedIdx = i
				found = true
				break
			}
		}
		if !found {
			return nil, oagwerr.New(oagwerr.LinkUnavailable, "alias "+alias+" is disabled along its visible chain")
		}
	}

	// visibleChain is descendant-first: selected upstream first, ancestors after.
	visibleChain := ups[selectedIdx:]

	// rootFirst is the order the merge contract folds over (spec.md §4.1
	// "Initialize from the root of the visible chain. For each descendant
	// step: ...").
	rootFirst := make([]*model.Upstream, len(visibleChain))
	for i, u := range visibleChain {
		rootFirst[len(visibleChain)-1-i] = u
	}

	eff, constraints := foldUpstreamChain(rootFirst)
	eff.TenantID = requester
	eff.Alias = alias
	eff.Upstream = visibleChain[0] // the selected upstream's own record
	eff.CommonSuffixAlias = isCommonSuffixAlias(visibleChain[0])

	return &Resolved{
		Upstream:            visibleChain[0],
		Effective:           eff,
		AncestorConstraints: constraints,
	}, nil
}

// visible implements spec.md §4.1's shadowing visibility rule: "not private
// unless owned".
func visible(u *model.Upstream, requester string) bool {
	if u.TenantID == requester {
		return true
	}
	return u.Sharing != model.SharingPrivate
}

// isCommonSuffixAlias reports whether the upstream's alias was assigned from
// a shared domain suffix (spec.md §3 alias defaults) — heuristically, any
// multi-endpoint upstream whose alias doesn't match any single endpoint's
// exact host is treated as a common-suffix alias, which is what drives the
// X-OAGW-Target-Host requirement in the forwarder (spec.md §4.5).
func isCommonSuffixAlias(u *model.Upstream) bool {
	if len(u.Endpoints) < 2 {
		return false
	}
	for _, ep := range u.Endpoints {
		if ep.Host == u.Alias {
			return false
		}
	}
	return true
}

const unbounded = math.MaxFloat64

// foldUpstreamChain applies the per-field merge contract in root-to-leaf
// order and returns the folded effective config plus the list of
// ancestor-enforced constraints (every step except the last, i.e. every
// tenant above the selected one).
func foldUpstreamChain(rootFirst []*model.Upstream) (model.EffectiveConfig, []model.AncestorConstraint) {
	var eff model.EffectiveConfig
	eff.Enabled = true

	rateCeilings := make(map[string]float64)
	var concCeiling = unbounded
	var bodySizeCeiling, timeoutCeiling = unbounded, unbounded
	var authLocked bool
	var corsLocked bool
	var constraints []model.AncestorConstraint

	for i, u := range rootFirst {
		isAncestor := i < len(rootFirst)-1

		// enabled: logical AND along the chain (spec.md §4.1, and the
		// invariant that a disabled ancestor can never be re-enabled).
		eff.Enabled = eff.Enabled && u.Enabled

		// Auth: enforce -> ancestor wins and locks; inherit -> replaces if
		// unlocked and present; private -> invisible to descendants (skip).
		switch u.AuthMode {
		case model.SharingEnforce:
			eff.AuthPlugin = u.AuthPlugin
			authLocked = true
			if isAncestor && u.AuthPlugin != nil {
				constraints = append(constraints, model.AncestorConstraint{TenantID: u.TenantID, Field: "auth", Value: u.AuthPlugin})
			}
		case model.SharingInherit:
			if !authLocked && u.AuthPlugin != nil {
				eff.AuthPlugin = u.AuthPlugin
			}
		case model.SharingPrivate:
			// not inherited
		}

		// Rate limit / concurrency / body size / timeout: always min-merge
		// when enforce or inherit; private fields don't contribute.
		if u.HeaderRulesMode != model.SharingPrivate {
			eff.HeaderRules = append(eff.HeaderRules, u.HeaderRules...)
		}

		for _, rl := range u.RateLimits {
			if rl.Mode == model.SharingPrivate {
				continue
			}
			if rl.Capacity != nil {
				if c, ok := rateCeilings[rl.Scope]; !ok || *rl.Capacity < c {
					rateCeilings[rl.Scope] = *rl.Capacity
				}
			}
			eff.RateLimits = mergeRateLimit(eff.RateLimits, rl)
			if isAncestor && rl.Mode == model.SharingEnforce {
				constraints = append(constraints, model.AncestorConstraint{TenantID: u.TenantID, Field: "rate:" + rl.Scope, Value: rl})
			}
		}

		if u.MaxBodySizeMode != model.SharingPrivate && u.MaxBodySize != nil {
			bodySizeCeiling = math.Min(bodySizeCeiling, float64(*u.MaxBodySize))
			if isAncestor && u.MaxBodySizeMode == model.SharingEnforce {
				constraints = append(constraints, model.AncestorConstraint{TenantID: u.TenantID, Field: "body_size", Value: *u.MaxBodySize})
			}
		}

		if u.RequestTimeoutMode != model.SharingPrivate && u.RequestTimeout != nil {
			timeoutCeiling = math.Min(timeoutCeiling, float64(*u.RequestTimeout))
			if isAncestor && u.RequestTimeoutMode == model.SharingEnforce {
				constraints = append(constraints, model.AncestorConstraint{TenantID: u.TenantID, Field: "timeout", Value: *u.RequestTimeout})
			}
		}

		if u.Concurrency.Mode != model.SharingPrivate {
			if u.Concurrency.Max != nil {
				concCeiling = math.Min(concCeiling, float64(*u.Concurrency.Max))
				clamped := int(concCeiling)
				eff.Concurrency.Max = &clamped
			}
			if u.Concurrency.Strategy != "" {
				eff.Concurrency.Strategy = u.Concurrency.Strategy
				eff.Concurrency.QueueCfg = u.Concurrency.QueueCfg
			}
			if isAncestor && u.Concurrency.Mode == model.SharingEnforce {
				constraints = append(constraints, model.AncestorConstraint{TenantID: u.TenantID, Field: "concurrency", Value: u.Concurrency})
			}
		}

		// Circuit breaker: enforce replaces, inherit fills gaps, private skipped.
		switch u.Breaker.Mode {
		case model.SharingEnforce:
			eff.Breaker = u.Breaker
			if isAncestor {
				constraints = append(constraints, model.AncestorConstraint{TenantID: u.TenantID, Field: "breaker", Value: u.Breaker})
			}
		case model.SharingInherit:
			eff.Breaker = mergeBreaker(eff.Breaker, u.Breaker)
		case model.SharingPrivate:
		}

		// CORS: inherit -> union, enforce -> replace and lock.
		switch u.CORS.Mode {
		case model.SharingEnforce:
			eff.CORS = u.CORS
			corsLocked = true
			if isAncestor {
				constraints = append(constraints, model.AncestorConstraint{TenantID: u.TenantID, Field: "cors", Value: u.CORS})
			}
		case model.SharingInherit:
			if !corsLocked {
				eff.CORS = unionCORS(eff.CORS, u.CORS)
			}
		case model.SharingPrivate:
		}

		// Plugin chain: concatenate ancestor then descendant; enforced
		// ancestor items are non-removable.
		if u.PluginsMode != model.SharingPrivate {
			for _, b := range u.Plugins {
				b.Enforced = b.Enforced || u.PluginsMode == model.SharingEnforce
				eff.Plugins = append(eff.Plugins, b)
			}
		}

		// Tags: union, add-only.
		eff.Tags = unionStrings(eff.Tags, u.Tags)
	}

	if len(rateCeilings) > 0 {
		eff.RateLimits = clampCapacities(eff.RateLimits, rateCeilings)
	}
	if bodySizeCeiling < unbounded {
		eff.MaxBodySize = int64(bodySizeCeiling)
	}
	if timeoutCeiling < unbounded {
		eff.Timeout = time.Duration(timeoutCeiling)
	}

	return eff, constraints
}

func mergeRateLimit(existing []model.RateLimitPolicy, rl model.RateLimitPolicy) []model.RateLimitPolicy {
	for i, e := range existing {
		if e.Scope == rl.Scope {
			existing[i] = minRateLimit(e, rl)
			return existing
		}
	}
	return append(existing, rl)
}

func minRateLimit(a, b model.RateLimitPolicy) model.RateLimitPolicy {
	out := b
	out.Capacity = minPtr(a.Capacity, b.Capacity)
	out.RefillPS = minPtr(a.RefillPS, b.RefillPS)
	return out
}

func minPtr(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a < *b:
		return a
	default:
		return b
	}
}

// clampCapacities enforces each scope's own ceiling independently — a tight
// cap on one scope (e.g. "user") must never lower a different scope's bucket
// (e.g. "tenant") per spec.md §4.6's per-scope min-merge.
func clampCapacities(rls []model.RateLimitPolicy, ceilings map[string]float64) []model.RateLimitPolicy {
	for i := range rls {
		ceiling, ok := ceilings[rls[i].Scope]
		if !ok {
			continue
		}
		if rls[i].Capacity == nil || *rls[i].Capacity > ceiling {
			c := ceiling
			rls[i].Capacity = &c
		}
	}
	return rls
}

func mergeBreaker(base, overlay model.CircuitBreakerPolicy) model.CircuitBreakerPolicy {
	if overlay.FailureThreshold > 0 {
		base.FailureThreshold = overlay.FailureThreshold
	}
	if overlay.SuccessThreshold > 0 {
		base.SuccessThreshold = overlay.SuccessThreshold
	}
	if overlay.HalfOpenMaxConcurrent > 0 {
		base.HalfOpenMaxConcurrent = overlay.HalfOpenMaxConcurrent
	}
	if overlay.RecoveryTimeout > 0 {
		base.RecoveryTimeout = overlay.RecoveryTimeout
	}
	if overlay.FallbackStrategy != "" {
		base.FallbackStrategy = overlay.FallbackStrategy
		base.FallbackUpstream = overlay.FallbackUpstream
		base.ResponseCache = overlay.ResponseCache
	}
	return base
}

func unionCORS(base, overlay model.CORSPolicy) model.CORSPolicy {
	base.AllowOrigins = unionStrings(base.AllowOrigins, overlay.AllowOrigins)
	base.AllowMethods = unionStrings(base.AllowMethods, overlay.AllowMethods)
	base.AllowHeaders = unionStrings(base.AllowHeaders, overlay.AllowHeaders)
	return base
}

func unionStrings(base, overlay []string) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(overlay))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range overlay {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
