package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oagw/gateway/internal/model"
)

// Registry resolves a PluginBinding to a runnable plugin: built-ins by
// canonical name, or custom plugins compiled once and cached by UUID.
type Registry struct {
	sandbox *Sandbox

	builtinAuth      map[string]AuthPlugin
	builtinGuard     map[string]GuardPlugin
	builtinTransform map[string]TransformPlugin

	mu           sync.Mutex
	customGuards map[string]*ExprGuard
	customXforms map[string]*CustomTransform
	lastUsed     map[string]time.Time
}

// NewRegistry creates a Registry with the built-in plugin set wired in.
func NewRegistry(sandbox *Sandbox) *Registry {
	return &Registry{
		sandbox: sandbox,
		builtinAuth: map[string]AuthPlugin{
			"jwt":     BuiltinJWTAuth{},
			"api_key": BuiltinAPIKeyAuth{},
		},
		builtinGuard:     map[string]GuardPlugin{},
		builtinTransform: map[string]TransformPlugin{},
		customGuards:     make(map[string]*ExprGuard),
		customXforms:     make(map[string]*CustomTransform),
		lastUsed:         make(map[string]time.Time),
	}
}

// ResolveAuth returns the Auth plugin a binding refers to.
func (r *Registry) ResolveAuth(ctx context.Context, binding model.PluginBinding, def *model.PluginDefinition) (AuthPlugin, error) {
	if binding.PluginUUID == "" {
		p, ok := r.builtinAuth[binding.PluginRef]
		if !ok {
			return nil, fmt.Errorf("unknown built-in auth plugin %q", binding.PluginRef)
		}
		return p, nil
	}
	return nil, fmt.Errorf("custom auth plugins are not supported — only built-in refs")
}

// ResolveGuard returns the Guard plugin a binding refers to, compiling and
// caching a custom expr-lang Guard on first use.
func (r *Registry) ResolveGuard(ctx context.Context, binding model.PluginBinding, def *model.PluginDefinition) (GuardPlugin, error) {
	if binding.PluginUUID == "" {
		p, ok := r.builtinGuard[binding.PluginRef]
		if !ok {
			return nil, fmt.Errorf("unknown built-in guard plugin %q", binding.PluginRef)
		}
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed[binding.PluginUUID] = r.now()
	if g, ok := r.customGuards[binding.PluginUUID]; ok {
		return g, nil
	}
	if def == nil {
		return nil, fmt.Errorf("custom guard %s: definition not loaded", binding.PluginUUID)
	}
	if err := ValidateConfig(def.ConfigSchema, binding.ConfigJSON); err != nil {
		return nil, err
	}
	g, err := CompileGuard(string(def.SourceCode))
	if err != nil {
		return nil, err
	}
	r.customGuards[binding.PluginUUID] = g
	return g, nil
}

// ResolveTransform returns the Transform plugin a binding refers to,
// compiling and pooling a custom WASM module on first use.
func (r *Registry) ResolveTransform(ctx context.Context, binding model.PluginBinding, def *model.PluginDefinition) (TransformPlugin, error) {
	if binding.PluginUUID == "" {
		p, ok := r.builtinTransform[binding.PluginRef]
		if !ok {
			return nil, fmt.Errorf("unknown built-in transform plugin %q", binding.PluginRef)
		}
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed[binding.PluginUUID] = r.now()
	if t, ok := r.customXforms[binding.PluginUUID]; ok {
		return t, nil
	}
	if def == nil {
		return nil, fmt.Errorf("custom transform %s: definition not loaded", binding.PluginUUID)
	}
	if err := ValidateConfig(def.ConfigSchema, binding.ConfigJSON); err != nil {
		return nil, err
	}
	t, err := CompileTransform(ctx, r.sandbox, def.SourceCode, 4)
	if err != nil {
		return nil, err
	}
	r.customXforms[binding.PluginUUID] = t
	return t, nil
}

func (r *Registry) now() time.Time { return time.Now() }

// Evict closes and drops a cached custom plugin, used once its definition's
// GCEligibleAt has passed with no remaining references (spec.md §4.3 plugin
// lifecycle — custom plugins are compiled lazily and reclaimed when unused).
func (r *Registry) Evict(ctx context.Context, uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.customXforms[uuid]; ok {
		t.Close(ctx)
		delete(r.customXforms, uuid)
	}
	delete(r.customGuards, uuid)
	delete(r.lastUsed, uuid)
}

// LastUsed reports when a custom plugin was last resolved, for GC eligibility
// decisions driven by the management surface.
func (r *Registry) LastUsed(uuid string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastUsed[uuid]
	return t, ok
}

// Close tears down the sandbox and every cached custom plugin.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.customXforms {
		t.Close(ctx)
	}
	return r.sandbox.Close(ctx)
}
