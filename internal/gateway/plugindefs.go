package gateway

import (
	"context"
	"fmt"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/repository"
)

// builtinGuards and builtinTransforms name the canonical refs the plugin
// registry resolves without a repository round-trip. Kept here, not in
// internal/plugin, because the set of built-in guard/transform refs is a
// gateway-wiring decision, not a registry one — the registry's builtin maps
// for those two plugin types stay empty until a ref is actually wired.
var (
	builtinGuardRefs     = map[string]bool{}
	builtinTransformRefs = map[string]bool{}
)

// repositoryDefinitions adapts the read-only Configuration Repository into
// the chain.DefinitionLookup the Plugin Chain Executor needs: a binding with
// PluginUUID set resolves through repo.LoadPlugin, while a bare PluginRef is
// synthesized as the corresponding built-in's (static) definition — the
// repository is never asked about a name it never stored.
type repositoryDefinitions struct {
	repo repository.Repository
}

func newRepositoryDefinitions(repo repository.Repository) *repositoryDefinitions {
	return &repositoryDefinitions{repo: repo}
}

func (d *repositoryDefinitions) Definition(ctx context.Context, binding model.PluginBinding) (*model.PluginDefinition, error) {
	if binding.PluginUUID != "" {
		return d.repo.LoadPlugin(ctx, binding.PluginUUID)
	}

	switch binding.PluginRef {
	case "jwt", "api_key":
		return &model.PluginDefinition{Ref: binding.PluginRef, Type: model.PluginAuth}, nil
	}
	if builtinGuardRefs[binding.PluginRef] {
		return &model.PluginDefinition{Ref: binding.PluginRef, Type: model.PluginGuard}, nil
	}
	if builtinTransformRefs[binding.PluginRef] {
		return &model.PluginDefinition{
			Ref:    binding.PluginRef,
			Type:   model.PluginTransform,
			Phases: []model.TransformPhase{model.PhaseOnRequest, model.PhaseOnResponse, model.PhaseOnError},
		}, nil
	}
	return nil, fmt.Errorf("unknown built-in plugin ref %q", binding.PluginRef)
}
