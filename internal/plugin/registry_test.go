package plugin

import (
	"context"
	"testing"

	"github.com/oagw/gateway/internal/model"
)

func TestRegistryResolveAuthBuiltinLookup(t *testing.T) {
	r := NewRegistry(nil)

	p, err := r.ResolveAuth(context.Background(), model.PluginBinding{PluginRef: "jwt"}, nil)
	if err != nil {
		t.Fatalf("resolve jwt: %v", err)
	}
	if _, ok := p.(BuiltinJWTAuth); !ok {
		t.Fatalf("expected BuiltinJWTAuth, got %T", p)
	}

	if _, err := r.ResolveAuth(context.Background(), model.PluginBinding{PluginRef: "does_not_exist"}, nil); err == nil {
		t.Fatal("expected error for unknown built-in auth plugin")
	}
}

func TestRegistryResolveAuthRejectsCustomUUID(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.ResolveAuth(context.Background(), model.PluginBinding{PluginUUID: "some-uuid"}, nil); err == nil {
		t.Fatal("expected custom auth plugins to be rejected")
	}
}

func TestRegistryResolveGuardCompilesAndCachesCustomGuard(t *testing.T) {
	r := NewRegistry(nil)
	def := &model.PluginDefinition{
		Ref:        "guard-uuid-1",
		SourceCode: []byte(`Method == "GET"`),
	}
	binding := model.PluginBinding{PluginUUID: "guard-uuid-1", ConfigJSON: []byte(`{}`)}

	g1, err := r.ResolveGuard(context.Background(), binding, def)
	if err != nil {
		t.Fatalf("resolve guard: %v", err)
	}

	g2, err := r.ResolveGuard(context.Background(), binding, nil)
	if err != nil {
		t.Fatalf("resolve cached guard: %v", err)
	}
	if g1 != g2 {
		t.Fatal("expected cached guard instance to be reused without a definition")
	}

	if _, ok := r.LastUsed("guard-uuid-1"); !ok {
		t.Fatal("expected LastUsed to be recorded")
	}
}

func TestRegistryResolveGuardRequiresDefinitionOnFirstUse(t *testing.T) {
	r := NewRegistry(nil)
	binding := model.PluginBinding{PluginUUID: "guard-uuid-2"}
	if _, err := r.ResolveGuard(context.Background(), binding, nil); err == nil {
		t.Fatal("expected error resolving an uncached custom guard with no definition")
	}
}

func TestRegistryEvictDropsCachedGuard(t *testing.T) {
	r := NewRegistry(nil)
	def := &model.PluginDefinition{SourceCode: []byte(`Method == "GET"`)}
	binding := model.PluginBinding{PluginUUID: "guard-uuid-3"}

	if _, err := r.ResolveGuard(context.Background(), binding, def); err != nil {
		t.Fatalf("resolve guard: %v", err)
	}
	r.Evict(context.Background(), "guard-uuid-3")

	if _, err := r.ResolveGuard(context.Background(), binding, nil); err == nil {
		t.Fatal("expected eviction to require a definition again on next resolve")
	}
}
