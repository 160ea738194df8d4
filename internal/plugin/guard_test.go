package plugin

import (
	"context"
	"testing"
)

func TestExprGuardAcceptsMatchingMethod(t *testing.T) {
	g, err := CompileGuard(`Method == "GET"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := g.Evaluate(context.Background(), GuardInput{Method: "GET"}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Accept {
		t.Fatal("expected accept for matching method")
	}
}

func TestExprGuardRejectsNonMatching(t *testing.T) {
	g, err := CompileGuard(`Method == "GET"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := g.Evaluate(context.Background(), GuardInput{Method: "POST"}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Accept {
		t.Fatal("expected reject for non-matching method")
	}
	if result.Reason == "" {
		t.Fatal("expected a reject reason")
	}
}

func TestExprGuardReadsHeaderAndConfig(t *testing.T) {
	g, err := CompileGuard(`Headers["x-tier"] == Config["required_tier"]`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := g.Evaluate(context.Background(), GuardInput{Headers: map[string]string{"x-tier": "gold"}}, []byte(`{"required_tier":"gold"}`))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Accept {
		t.Fatal("expected accept when header matches config value")
	}
}

func TestCompileGuardRejectsNonBoolExpression(t *testing.T) {
	if _, err := CompileGuard(`Method`); err == nil {
		t.Fatal("expected compile error for non-bool expression")
	}
}
