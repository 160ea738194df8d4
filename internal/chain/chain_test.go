package chain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/plugin"
)

type fakeSecrets map[string]string

func (s fakeSecrets) Resolve(ctx context.Context, ref plugin.SecretRef) (string, error) {
	return s[ref.Name], nil
}

type staticDefs map[string]*model.PluginDefinition

func (d staticDefs) Definition(ctx context.Context, binding model.PluginBinding) (*model.PluginDefinition, error) {
	key := binding.PluginRef
	if binding.PluginUUID != "" {
		key = binding.PluginUUID
	}
	return d[key], nil
}

func TestBuildResolvesAuthAndCustomGuard(t *testing.T) {
	reg := plugin.NewRegistry(nil)
	cfg := model.EffectiveConfig{
		AuthPlugin: &model.PluginBinding{PluginRef: "jwt", ConfigJSON: []byte(`{"secret_ref":"s"}`)},
		Plugins: []model.PluginBinding{
			{PluginUUID: "guard-1", Position: 0, ConfigJSON: []byte(`{}`)},
		},
	}
	defs := staticDefs{
		"guard-1": {Ref: "guard-1", Type: model.PluginGuard, SourceCode: []byte(`Method == "GET"`)},
	}

	c, err := Build(context.Background(), cfg, reg, defs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if c.auth == nil {
		t.Fatal("expected auth plugin resolved")
	}
	if len(c.steps) != 1 || c.steps[0].guard == nil {
		t.Fatalf("expected one guard step, got %+v", c.steps)
	}
}

func TestBuildFailsOnMissingDefinition(t *testing.T) {
	reg := plugin.NewRegistry(nil)
	cfg := model.EffectiveConfig{
		Plugins: []model.PluginBinding{{PluginUUID: "missing"}},
	}
	if _, err := Build(context.Background(), cfg, reg, staticDefs{}); err == nil {
		t.Fatal("expected error for missing plugin definition")
	}
}

func TestBuildFailsOnUnsupportedType(t *testing.T) {
	reg := plugin.NewRegistry(nil)
	cfg := model.EffectiveConfig{
		Plugins: []model.PluginBinding{{PluginUUID: "auth-in-chain"}},
	}
	defs := staticDefs{"auth-in-chain": {Type: model.PluginAuth}}
	if _, err := Build(context.Background(), cfg, reg, defs); err == nil {
		t.Fatal("expected error for an Auth-typed plugin bound into the guard/transform chain")
	}
}

func TestAuthenticateWithNoAuthPluginIsOpen(t *testing.T) {
	c := &Chain{}
	result, err := c.Authenticate(context.Background(), plugin.AuthRequest{}, fakeSecrets{})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !result.Authenticated {
		t.Fatal("expected a chain with no bound auth plugin to authenticate openly")
	}
}

type rejectingGuard struct{ reason string }

func (g rejectingGuard) Evaluate(ctx context.Context, in plugin.GuardInput, config json.RawMessage) (plugin.GuardResult, error) {
	return plugin.GuardResult{Accept: false, Reason: g.reason}, nil
}

type acceptingGuard struct{ seen *[]string; name string }

func (g acceptingGuard) Evaluate(ctx context.Context, in plugin.GuardInput, config json.RawMessage) (plugin.GuardResult, error) {
	*g.seen = append(*g.seen, g.name)
	return plugin.GuardResult{Accept: true}, nil
}

func TestRunRequestGuardsShortCircuitsOnReject(t *testing.T) {
	var seen []string
	c := &Chain{steps: []step{
		{binding: model.PluginBinding{PluginRef: "first"}, guard: acceptingGuard{&seen, "first"}},
		{binding: model.PluginBinding{PluginRef: "second"}, guard: rejectingGuard{reason: "nope"}},
		{binding: model.PluginBinding{PluginRef: "third"}, guard: acceptingGuard{&seen, "third"}},
	}}

	result, err := c.RunRequestGuards(context.Background(), plugin.GuardInput{})
	if err != nil {
		t.Fatalf("run guards: %v", err)
	}
	if result.Accept {
		t.Fatal("expected reject")
	}
	if result.Reason != "nope" {
		t.Fatalf("expected reject reason to propagate, got %q", result.Reason)
	}
	if len(seen) != 1 || seen[0] != "first" {
		t.Fatalf("expected short-circuit after first guard, saw %v", seen)
	}
}

type orderTransform struct {
	seen   *[]string
	name   string
	action plugin.Action
}

func (t orderTransform) OnRequest(ctx context.Context, rc plugin.RequestContext, config json.RawMessage) (plugin.TransformResult, error) {
	*t.seen = append(*t.seen, t.name)
	return plugin.TransformResult{Action: t.action, HeaderSets: map[string]string{t.name: "1"}}, nil
}
func (t orderTransform) OnResponse(ctx context.Context, rc plugin.ResponseContext, config json.RawMessage) (plugin.TransformResult, error) {
	*t.seen = append(*t.seen, t.name)
	return plugin.TransformResult{Action: plugin.ActionContinue}, nil
}
func (t orderTransform) OnError(ctx context.Context, rc plugin.ResponseContext, config json.RawMessage) (plugin.TransformResult, error) {
	*t.seen = append(*t.seen, t.name)
	return plugin.TransformResult{Action: plugin.ActionContinue}, nil
}

func TestRunRequestTransformsRunsInOrderAndMergesHeaders(t *testing.T) {
	var seen []string
	c := &Chain{steps: []step{
		{binding: model.PluginBinding{PluginRef: "a"}, xform: orderTransform{&seen, "a", plugin.ActionContinue}},
		{binding: model.PluginBinding{PluginRef: "b"}, xform: orderTransform{&seen, "b", plugin.ActionContinue}},
	}}

	out, err := c.RunRequestTransforms(context.Background(), plugin.RequestContext{})
	if err != nil {
		t.Fatalf("run transforms: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected forward order a,b, got %v", seen)
	}
	if out.HeaderSets["a"] != "1" || out.HeaderSets["b"] != "1" {
		t.Fatalf("expected merged header sets from both plugins, got %v", out.HeaderSets)
	}
}

func TestRunRequestTransformsStopsOnEarlyResponse(t *testing.T) {
	var seen []string
	c := &Chain{steps: []step{
		{binding: model.PluginBinding{PluginRef: "a"}, xform: orderTransform{&seen, "a", plugin.ActionSendResponse}},
		{binding: model.PluginBinding{PluginRef: "b"}, xform: orderTransform{&seen, "b", plugin.ActionContinue}},
	}}

	_, err := c.RunRequestTransforms(context.Background(), plugin.RequestContext{})
	if err != nil {
		t.Fatalf("run transforms: %v", err)
	}
	if len(seen) != 1 || seen[0] != "a" {
		t.Fatalf("expected chain to stop after early response, saw %v", seen)
	}
}

func TestRunResponseTransformsRunsInReverseOrder(t *testing.T) {
	var seen []string
	c := &Chain{steps: []step{
		{binding: model.PluginBinding{PluginRef: "a"}, xform: orderTransform{&seen, "a", plugin.ActionContinue}},
		{binding: model.PluginBinding{PluginRef: "b"}, xform: orderTransform{&seen, "b", plugin.ActionContinue}},
	}}

	if _, err := c.RunResponseTransforms(context.Background(), plugin.ResponseContext{}); err != nil {
		t.Fatalf("run response transforms: %v", err)
	}
	if len(seen) != 2 || seen[0] != "b" || seen[1] != "a" {
		t.Fatalf("expected reverse order b,a, got %v", seen)
	}
}

func TestRunErrorTransformsRunsInReverseOrder(t *testing.T) {
	var seen []string
	c := &Chain{steps: []step{
		{binding: model.PluginBinding{PluginRef: "a"}, xform: orderTransform{&seen, "a", plugin.ActionContinue}},
		{binding: model.PluginBinding{PluginRef: "b"}, xform: orderTransform{&seen, "b", plugin.ActionContinue}},
	}}

	if _, err := c.RunErrorTransforms(context.Background(), plugin.ResponseContext{}); err != nil {
		t.Fatalf("run error transforms: %v", err)
	}
	if len(seen) != 2 || seen[0] != "b" || seen[1] != "a" {
		t.Fatalf("expected reverse order b,a, got %v", seen)
	}
}
