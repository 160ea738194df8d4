package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// guardEnv is the expression environment exposed to a custom Guard — the
// only sandboxed expression language spec.md §4.3 allows (no Lua path).
type guardEnv struct {
	Method   string
	Path     string
	Headers  map[string]string
	Query    map[string]string
	TenantID string
	RouteID  string
	Config   map[string]any
}

// ExprGuard is a custom Guard plugin compiled from an expr-lang boolean
// expression. A true result accepts the request; false rejects it.
type ExprGuard struct {
	program *vm.Program
	source  string
}

// CompileGuard compiles a Guard expression once at load time so the hot path
// only evaluates, never parses.
func CompileGuard(source string) (*ExprGuard, error) {
	program, err := expr.Compile(source, expr.Env(guardEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile guard expression: %w", err)
	}
	return &ExprGuard{program: program, source: source}, nil
}

func (g *ExprGuard) Evaluate(ctx context.Context, in GuardInput, config json.RawMessage) (GuardResult, error) {
	var cfg map[string]any
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return GuardResult{}, fmt.Errorf("decode guard config: %w", err)
		}
	}

	env := guardEnv{
		Method:   in.Method,
		Path:     in.Path,
		Headers:  in.Headers,
		Query:    in.Query,
		TenantID: in.TenantID,
		RouteID:  in.RouteID,
		Config:   cfg,
	}

	output, err := expr.Run(g.program, env)
	if err != nil {
		return GuardResult{}, fmt.Errorf("evaluate guard expression: %w", err)
	}
	accept, ok := output.(bool)
	if !ok {
		return GuardResult{}, fmt.Errorf("guard expression %q did not evaluate to bool", g.source)
	}
	if accept {
		return GuardResult{Accept: true}, nil
	}

	result := GuardResult{Accept: false, Reason: "guard expression rejected request"}
	if reason, ok := cfg["reject_reason"].(string); ok && reason != "" {
		result.Reason = reason
	}
	if status, ok := cfg["http_status"].(float64); ok && status > 0 {
		result.HTTPStatus = int(status)
	}
	return result, nil
}
