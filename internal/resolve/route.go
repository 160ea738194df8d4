package resolve

import (
	"time"

	"github.com/oagw/gateway/internal/model"
)

// ApplyRoute layers a matched route onto the upstream-effective record,
// producing the final request-scoped EffectiveConfig (spec.md §4.1
// "Route-layer overlay"): upstream-base < route-override < tenant-hierarchy
// re-enforcement, so a route can tighten or relax within an upstream's
// inherited bounds but can never lift an ancestor-enforced ceiling.
func ApplyRoute(resolved *Resolved, route *model.Route) model.EffectiveConfig {
	eff := resolved.Effective
	eff.Route = route

	if route.Concurrency != nil {
		eff.Concurrency = overlayConcurrency(eff.Concurrency, *route.Concurrency)
	}
	if route.CORS != nil {
		eff.CORS = overlayCORS(eff.CORS, *route.CORS)
	}
	if route.MaxBodySize != nil {
		eff.MaxBodySize = *route.MaxBodySize
	}
	if route.RequestTimeout != nil {
		eff.Timeout = *route.RequestTimeout
	}

	for _, rl := range route.RateLimits {
		if rl.Scope == "" {
			rl.Scope = "route"
		}
		eff.RateLimits = mergeRateLimit(eff.RateLimits, rl)
	}

	if route.PluginsMode != model.SharingPrivate {
		for _, b := range route.Plugins {
			b.Enforced = b.Enforced || route.PluginsMode == model.SharingEnforce
			eff.Plugins = append(eff.Plugins, b)
		}
	}

	eff.Tags = unionStrings(eff.Tags, route.Tags)

	reapplyAncestorConstraints(&eff, resolved.AncestorConstraints)
	eff.AncestorConstraints = resolved.AncestorConstraints

	return eff
}

func overlayConcurrency(base, overlay model.ConcurrencyPolicy) model.ConcurrencyPolicy {
	if overlay.Max != nil {
		base.Max = overlay.Max
	}
	if overlay.Strategy != "" {
		base.Strategy = overlay.Strategy
		base.QueueCfg = overlay.QueueCfg
	}
	return base
}

func overlayCORS(base, overlay model.CORSPolicy) model.CORSPolicy {
	if overlay.Mode == model.SharingEnforce {
		return overlay
	}
	return unionCORS(base, overlay)
}

// reapplyAncestorConstraints clamps the route-overlaid config back down to
// any ceiling an ancestor marked enforce, so a route cannot widen past a
// constraint that shadowing would otherwise have hidden (spec.md §4.1
// Output: "ancestor-enforced constraints ... used later ... to apply min
// regardless of shadowing").
func reapplyAncestorConstraints(eff *model.EffectiveConfig, constraints []model.AncestorConstraint) {
	for _, c := range constraints {
		switch c.Field {
		case "concurrency":
			cp, ok := c.Value.(model.ConcurrencyPolicy)
			if ok && cp.Max != nil && (eff.Concurrency.Max == nil || *eff.Concurrency.Max > *cp.Max) {
				eff.Concurrency.Max = cp.Max
			}
		case "cors":
			if cp, ok := c.Value.(model.CORSPolicy); ok {
				eff.CORS = cp
			}
		case "breaker":
			if bp, ok := c.Value.(model.CircuitBreakerPolicy); ok {
				eff.Breaker = bp
			}
		case "body_size":
			if v, ok := c.Value.(int64); ok && (eff.MaxBodySize <= 0 || v < eff.MaxBodySize) {
				eff.MaxBodySize = v
			}
		case "timeout":
			if v, ok := c.Value.(time.Duration); ok && (eff.Timeout <= 0 || v < eff.Timeout) {
				eff.Timeout = v
			}
		default:
			if rl, ok := c.Value.(model.RateLimitPolicy); ok {
				for i, e := range eff.RateLimits {
					if e.Scope == rl.Scope {
						eff.RateLimits[i] = minRateLimit(e, rl)
					}
				}
			}
		}
	}
}
