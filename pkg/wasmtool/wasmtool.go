// Package wasmtool runs tool steps inside a wazero WASI sandbox. It is the
// opt-in local engine: production runs go through the remote tool protocol,
// and this engine must be selected explicitly per request. Deny-by-default:
// no filesystem, no network, no environment.
package wasmtool

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/toolproto"
)

// Config bounds a sandboxed invocation.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

func (c *Config) defaults() {
	if c.MemoryLimitBytes == 0 {
		c.MemoryLimitBytes = 64 * 1024 * 1024
	}
	if c.CPUTimeLimit == 0 {
		c.CPUTimeLimit = 10 * time.Second
	}
}

// ModuleResolver maps a tool name to its WASM binary.
type ModuleResolver interface {
	Resolve(ctx context.Context, tool string) ([]byte, error)
}

// StaticResolver serves modules registered up front.
type StaticResolver struct {
	mu      sync.RWMutex
	modules map[string][]byte
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{modules: make(map[string][]byte)}
}

func (r *StaticResolver) Register(tool string, wasm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[tool] = wasm
}

func (r *StaticResolver) Resolve(ctx context.Context, tool string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wasm, ok := r.modules[tool]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "WASM_MODULE_NOT_FOUND", "no wasm module for tool %s", tool)
	}
	return wasm, nil
}

// Engine executes tools as WASI modules. Input arrives on stdin as JSON;
// the module writes its JSON result to stdout.
type Engine struct {
	runtime  wazero.Runtime
	resolver ModuleResolver
	cfg      Config
}

// NewEngine builds the sandbox runtime. The caller owns Close.
func NewEngine(ctx context.Context, resolver ModuleResolver, cfg Config) (*Engine, error) {
	cfg.defaults()

	runtimeCfg := wazero.NewRuntimeConfig()
	pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
	if pages == 0 {
		pages = 1
	}
	runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages).WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &Engine{runtime: r, resolver: resolver, cfg: cfg}, nil
}

// Call satisfies the orchestrator's tool invocation surface. The
// capability token is not forwarded into the sandbox; local modules hold
// no remote authority.
func (e *Engine) Call(ctx context.Context, params toolproto.CallParams) (*toolproto.CallResult, error) {
	wasm, err := e.resolver.Resolve(ctx, params.Tool)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(params.Arguments)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "WASM_INPUT_INVALID", "encode arguments", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.CPUTimeLimit)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(params.Tool).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deny-by-default: no WithFSConfig, no WithSysNanotime, no env.

	compiled, err := e.runtime.CompileModule(runCtx, wasm)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "WASM_COMPILE_FAILED", "compile "+params.Tool, err)
	}
	defer func() { _ = compiled.Close(context.WithoutCancel(runCtx)) }()

	mod, err := e.runtime.InstantiateModule(runCtx, compiled, modCfg)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, errs.Newf(errs.KindTransient, "WASM_TIMEOUT",
				"tool %s exceeded %v", params.Tool, e.cfg.CPUTimeLimit)
		}
		return nil, errs.Wrap(errs.KindInternal, "WASM_EXEC_FAILED", "run "+params.Tool, err)
	}
	defer func() { _ = mod.Close(context.WithoutCancel(runCtx)) }()

	if stderr.Len() > 0 {
		return &toolproto.CallResult{
			Output:  json.RawMessage(stdout.Bytes()),
			IsError: true,
			Message: stderr.String(),
		}, nil
	}
	output := stdout.Bytes()
	if len(output) == 0 {
		output = []byte("{}")
	}
	return &toolproto.CallResult{Output: json.RawMessage(output)}, nil
}

// Close frees the wazero runtime.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.runtime.Close(ctx)
}
