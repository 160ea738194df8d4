package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Sandbox owns the shared wazero runtime custom Transform plugins compile
// and run in. One Sandbox per process; each CustomTransform gets its own
// compiled module and instance pool.
type Sandbox struct {
	runtime  wazero.Runtime
	maxPages uint32
	wallTime time.Duration
}

// SandboxConfig bounds the resources a custom plugin invocation may use
// (spec.md §4.3 resource caps).
type SandboxConfig struct {
	MaxMemoryPages uint32        // 64KiB pages; 0 defaults to 256 (16MiB)
	WallTime       time.Duration // per-invocation timeout; 0 defaults to 5ms
	Interpreter    bool          // use the interpreter engine instead of the compiler
}

// NewSandbox starts the shared wazero runtime.
func NewSandbox(ctx context.Context, cfg SandboxConfig) *Sandbox {
	maxPages := cfg.MaxMemoryPages
	if maxPages == 0 {
		maxPages = 256
	}
	wallTime := cfg.WallTime
	if wallTime == 0 {
		wallTime = 5 * time.Millisecond
	}

	var rtCfg wazero.RuntimeConfig
	if cfg.Interpreter {
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		rtCfg = wazero.NewRuntimeConfigCompiler()
	}
	rtCfg = rtCfg.WithMemoryLimitPages(maxPages)

	return &Sandbox{
		runtime:  wazero.NewRuntimeWithConfig(ctx, rtCfg),
		maxPages: maxPages,
		wallTime: wallTime,
	}
}

// Close tears down the runtime and every module compiled within it.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// instancePool is a channel-based pool of pre-instantiated modules, kept
// because WASM instances are too expensive to create per call and must not
// be reclaimed by the GC mid-use.
type instancePool struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	slots    chan api.Module
}

func newInstancePool(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, size int) (*instancePool, error) {
	if size <= 0 {
		size = 4
	}
	p := &instancePool{runtime: rt, compiled: compiled, slots: make(chan api.Module, size)}
	for i := 0; i < size; i++ {
		mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
		if err != nil {
			p.close(ctx)
			return nil, err
		}
		p.slots <- mod
	}
	return p, nil
}

func (p *instancePool) borrow(ctx context.Context) (api.Module, error) {
	select {
	case mod := <-p.slots:
		return mod, nil
	default:
		return p.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName(""))
	}
}

func (p *instancePool) giveBack(ctx context.Context, mod api.Module) {
	select {
	case p.slots <- mod:
	default:
		mod.Close(ctx)
	}
}

func (p *instancePool) close(ctx context.Context) {
	close(p.slots)
	for mod := range p.slots {
		mod.Close(ctx)
	}
}

// CustomTransform is a Transform plugin compiled from wasm bytecode. Guest
// exports `allocate`/`deallocate` plus any of `on_request`/`on_response`/
// `on_error` taking (ptr, len) and returning a packed (outPtr<<32 | outLen)
// reference to a JSON-encoded TransformResult.
type CustomTransform struct {
	sandbox  *Sandbox
	compiled wazero.CompiledModule
	pool     *instancePool
}

// CompileTransform compiles wasm source into a pooled custom Transform plugin.
func CompileTransform(ctx context.Context, sb *Sandbox, wasmBytes []byte, poolSize int) (*CustomTransform, error) {
	compiled, err := sb.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile plugin module: %w", err)
	}
	pool, err := newInstancePool(ctx, sb.runtime, compiled, poolSize)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	return &CustomTransform{sandbox: sb, compiled: compiled, pool: pool}, nil
}

// Close releases this plugin's compiled module and pool.
func (c *CustomTransform) Close(ctx context.Context) {
	c.pool.close(ctx)
	c.compiled.Close(ctx)
}

func (c *CustomTransform) hasExport(name string) bool {
	for _, exp := range c.compiled.ExportedFunctions() {
		for _, n := range exp.ExportNames() {
			if n == name {
				return true
			}
		}
	}
	return false
}

// invoke runs one guest export, passing in a JSON payload and reading back
// the guest's JSON output per the allocate/call/deallocate ABI (grounded on
// the teacher's WASM middleware callGuest). The returned Action is always
// ActionContinue; the caller takes the real action from the decoded output.
func (c *CustomTransform) invoke(ctx context.Context, fn string, in any) (Action, []byte, error) {
	if !c.hasExport(fn) {
		return ActionContinue, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.sandbox.wallTime)
	defer cancel()

	mod, err := c.pool.borrow(ctx)
	if err != nil {
		return ActionContinue, nil, fmt.Errorf("borrow plugin instance: %w", err)
	}
	defer c.pool.giveBack(ctx, mod)

	payload, err := json.Marshal(in)
	if err != nil {
		return ActionContinue, nil, fmt.Errorf("marshal plugin input: %w", err)
	}

	allocate := mod.ExportedFunction("allocate")
	deallocate := mod.ExportedFunction("deallocate")
	guestFn := mod.ExportedFunction(fn)

	var ptr uint64
	if allocate != nil && len(payload) > 0 {
		results, err := allocate.Call(ctx, uint64(len(payload)))
		if err != nil {
			return ActionContinue, nil, fmt.Errorf("guest allocate: %w", err)
		}
		if len(results) == 0 || results[0] == 0 {
			return ActionContinue, nil, fmt.Errorf("guest allocate returned null")
		}
		ptr = results[0]
		if !mod.Memory().Write(uint32(ptr), payload) {
			return ActionContinue, nil, fmt.Errorf("write guest memory: out of bounds")
		}
	}

	results, callErr := guestFn.Call(ctx, ptr, uint64(len(payload)))
	if deallocate != nil && ptr != 0 {
		deallocate.Call(ctx, ptr, uint64(len(payload)))
	}
	if callErr != nil {
		if ctx.Err() != nil {
			return ActionContinue, nil, fmt.Errorf("plugin wall-time exceeded: %w", ctx.Err())
		}
		return ActionContinue, nil, callErr
	}
	if len(results) == 0 {
		return ActionContinue, nil, nil
	}

	// Guest packs (outPtr<<32 | outLen) in the single return value, reusing
	// its own memory for the response buffer.
	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	var out []byte
	if outLen > 0 {
		out, _ = mod.Memory().Read(outPtr, outLen)
	}
	return ActionContinue, out, nil
}

func (c *CustomTransform) OnRequest(ctx context.Context, rc RequestContext, _ json.RawMessage) (TransformResult, error) {
	return c.runPhase(ctx, "on_request", rc)
}

func (c *CustomTransform) OnResponse(ctx context.Context, rc ResponseContext, _ json.RawMessage) (TransformResult, error) {
	return c.runPhase(ctx, "on_response", rc)
}

func (c *CustomTransform) OnError(ctx context.Context, rc ResponseContext, _ json.RawMessage) (TransformResult, error) {
	return c.runPhase(ctx, "on_error", rc)
}

func (c *CustomTransform) runPhase(ctx context.Context, fn string, payload any) (TransformResult, error) {
	_, out, err := c.invoke(ctx, fn, payload)
	if err != nil {
		return TransformResult{}, err
	}
	if len(out) == 0 {
		return TransformResult{Action: ActionContinue}, nil
	}
	var result TransformResult
	if err := json.Unmarshal(out, &result); err != nil {
		return TransformResult{}, fmt.Errorf("decode plugin output: %w", err)
	}
	return result, nil
}
