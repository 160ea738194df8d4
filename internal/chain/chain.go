// Package chain implements the Plugin Chain Executor (spec.md §4.4): a fixed
// phase order of Auth, then Guards(request), then Transforms(on_request),
// then the forwarder, then Guards(response), then Transforms(on_response) —
// or, on a forwarder error, Transforms(on_error) only.
package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/plugin"
)

// DefinitionLookup resolves a plugin binding to its definition. Built-in
// definitions are static; custom definitions come from the repository.
type DefinitionLookup interface {
	Definition(ctx context.Context, binding model.PluginBinding) (*model.PluginDefinition, error)
}

type step struct {
	binding model.PluginBinding
	guard   plugin.GuardPlugin
	xform   plugin.TransformPlugin
}

// Chain is the compiled, ordered set of Guard/Transform plugins for one
// effective configuration, plus its Auth plugin.
type Chain struct {
	auth     plugin.AuthPlugin
	authBind *model.PluginBinding
	steps    []step
}

// Build resolves cfg.AuthPlugin and every binding in cfg.Plugins (already
// upstream_plugins ++ route_plugins, position-ordered, per spec.md §4.4) into
// runnable plugins.
func Build(ctx context.Context, cfg model.EffectiveConfig, reg *plugin.Registry, defs DefinitionLookup) (*Chain, error) {
	c := &Chain{}

	if cfg.AuthPlugin != nil {
		a, err := reg.ResolveAuth(ctx, *cfg.AuthPlugin, nil)
		if err != nil {
			return nil, fmt.Errorf("resolve auth plugin: %w", err)
		}
		c.auth = a
		c.authBind = cfg.AuthPlugin
	}

	for _, binding := range cfg.Plugins {
		def, err := defs.Definition(ctx, binding)
		if err != nil {
			return nil, fmt.Errorf("resolve plugin definition %s: %w", bindingRef(binding), err)
		}
		if def == nil {
			return nil, fmt.Errorf("plugin %s: definition not found", bindingRef(binding))
		}

		st := step{binding: binding}
		switch def.Type {
		case model.PluginGuard:
			g, err := reg.ResolveGuard(ctx, binding, def)
			if err != nil {
				return nil, fmt.Errorf("resolve guard %s: %w", bindingRef(binding), err)
			}
			st.guard = g
		case model.PluginTransform:
			x, err := reg.ResolveTransform(ctx, binding, def)
			if err != nil {
				return nil, fmt.Errorf("resolve transform %s: %w", bindingRef(binding), err)
			}
			st.xform = x
		default:
			return nil, fmt.Errorf("plugin %s: unsupported type %q in chain", bindingRef(binding), def.Type)
		}
		c.steps = append(c.steps, st)
	}
	return c, nil
}

func bindingRef(b model.PluginBinding) string {
	if b.PluginUUID != "" {
		return b.PluginUUID
	}
	return b.PluginRef
}

// Authenticate runs the chain's Auth plugin, if any. A chain with no Auth
// plugin bound is treated as authenticated (the upstream requires none).
func (c *Chain) Authenticate(ctx context.Context, req plugin.AuthRequest, secrets plugin.SecretLookup) (plugin.AuthResult, error) {
	if c.auth == nil {
		return plugin.AuthResult{Authenticated: true}, nil
	}
	var cfg json.RawMessage
	if c.authBind != nil {
		cfg = c.authBind.ConfigJSON
	}
	return c.auth.Prepare(ctx, req, cfg, secrets)
}

// runGuards evaluates every Guard binding, in the given order, short-circuiting
// on the first reject (spec.md §4.4: "Any Guard reject short-circuits
// forwarding").
func (c *Chain) runGuards(ctx context.Context, in plugin.GuardInput, order []step) (plugin.GuardResult, error) {
	for _, st := range order {
		if st.guard == nil {
			continue
		}
		res, err := st.guard.Evaluate(ctx, in, st.binding.ConfigJSON)
		if err != nil {
			return plugin.GuardResult{}, fmt.Errorf("guard %s: %w", bindingRef(st.binding), err)
		}
		if !res.Accept {
			return res, nil
		}
	}
	return plugin.GuardResult{Accept: true}, nil
}

// RunRequestGuards runs the Guards(request) phase in binding order.
func (c *Chain) RunRequestGuards(ctx context.Context, in plugin.GuardInput) (plugin.GuardResult, error) {
	return c.runGuards(ctx, in, c.steps)
}

// RunResponseGuards runs the Guards(response) phase. Response-phase plugins
// unwind in reverse binding order — the last plugin to touch the request is
// the first to see the response, the common middleware-onion convention.
func (c *Chain) RunResponseGuards(ctx context.Context, in plugin.GuardInput) (plugin.GuardResult, error) {
	return c.runGuards(ctx, in, c.reversed())
}

// TransformOutcome accumulates header mutations and a possible early
// response across one transform pass.
type TransformOutcome struct {
	HeaderSets    map[string]string
	HeaderRemoves []string
	Early         *plugin.EarlyResponse
}

func (o *TransformOutcome) merge(r plugin.TransformResult) {
	if len(r.HeaderSets) > 0 {
		if o.HeaderSets == nil {
			o.HeaderSets = make(map[string]string, len(r.HeaderSets))
		}
		for k, v := range r.HeaderSets {
			o.HeaderSets[k] = v
		}
	}
	o.HeaderRemoves = append(o.HeaderRemoves, r.HeaderRemoves...)
}

// RunRequestTransforms runs the Transforms(on_request) phase in binding
// order, stopping at the first plugin that returns ActionSendResponse.
func (c *Chain) RunRequestTransforms(ctx context.Context, rc plugin.RequestContext) (TransformOutcome, error) {
	var out TransformOutcome
	for _, st := range c.steps {
		if st.xform == nil {
			continue
		}
		r, err := st.xform.OnRequest(ctx, rc, st.binding.ConfigJSON)
		if err != nil {
			return out, fmt.Errorf("transform %s on_request: %w", bindingRef(st.binding), err)
		}
		out.merge(r)
		if r.Action == plugin.ActionSendResponse {
			out.Early = r.Early
			return out, nil
		}
	}
	return out, nil
}

// RunResponseTransforms runs the Transforms(on_response) phase in reverse
// binding order (see RunResponseGuards).
func (c *Chain) RunResponseTransforms(ctx context.Context, rc plugin.ResponseContext) (TransformOutcome, error) {
	var out TransformOutcome
	for _, st := range c.reversed() {
		if st.xform == nil {
			continue
		}
		r, err := st.xform.OnResponse(ctx, rc, st.binding.ConfigJSON)
		if err != nil {
			return out, fmt.Errorf("transform %s on_response: %w", bindingRef(st.binding), err)
		}
		out.merge(r)
		if r.Action == plugin.ActionSendResponse {
			out.Early = r.Early
			return out, nil
		}
	}
	return out, nil
}

// RunErrorTransforms runs the Transforms(on_error) phase only, in reverse
// binding order. Called instead of RunResponseGuards/RunResponseTransforms
// when the forwarder fails (spec.md §4.4).
func (c *Chain) RunErrorTransforms(ctx context.Context, rc plugin.ResponseContext) (TransformOutcome, error) {
	var out TransformOutcome
	for _, st := range c.reversed() {
		if st.xform == nil {
			continue
		}
		r, err := st.xform.OnError(ctx, rc, st.binding.ConfigJSON)
		if err != nil {
			return out, fmt.Errorf("transform %s on_error: %w", bindingRef(st.binding), err)
		}
		out.merge(r)
		if r.Action == plugin.ActionSendResponse {
			out.Early = r.Early
			return out, nil
		}
	}
	return out, nil
}

func (c *Chain) reversed() []step {
	rev := make([]step, len(c.steps))
	for i, st := range c.steps {
		rev[len(c.steps)-1-i] = st
	}
	return rev
}
