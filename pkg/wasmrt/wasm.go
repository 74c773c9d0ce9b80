package wasmrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// Config bounds a module invocation.
type Config struct {
	MemoryLimitBytes int64
	InvokeTimeout    time.Duration
	CacheSize        int
}

// DefaultConfig returns conservative sandbox limits.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: 64 << 20,
		InvokeTimeout:    5 * time.Second,
		CacheSize:        64,
	}
}

// WasmInvoker executes module bytecode under wazero with deny-by-default
// WASI: no filesystem, no network, no environment, no host clock or entropy.
// Compiled modules are cached by wasm hash and reused across invocations.
type WasmInvoker struct {
	runtime wazero.Runtime
	store   cas.Store
	config  Config
	cache   *lruCache
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[string]*sync.Mutex
}

// NewWasmInvoker creates the sandboxed module runtime.
func NewWasmInvoker(ctx context.Context, store cas.Store, cfg Config, logger *slog.Logger) (*WasmInvoker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024)) // wazero counts 64KB pages
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	inv := &WasmInvoker{
		runtime:   r,
		store:     store,
		config:    cfg,
		logger:    logger.With("component", "wasmrt"),
		instances: make(map[string]*sync.Mutex),
	}
	inv.cache = newLRUCache(cfg.CacheSize, func(value interface{}) {
		if cm, ok := value.(wazero.CompiledModule); ok {
			_ = cm.Close(context.Background())
		}
	})
	return inv, nil
}

// ensureCompiled fetches module bytecode from the store and compiles it once.
func (w *WasmInvoker) ensureCompiled(ctx context.Context, module *air.DefModule) (wazero.CompiledModule, error) {
	key := module.WasmHash.Hex()
	if cached, ok := w.cache.get(key); ok {
		return cached.(wazero.CompiledModule), nil
	}
	wasmBytes, err := w.store.GetBlob(ctx, module.WasmHash)
	if err != nil {
		return nil, &InvokeError{Kind: FailCompile, Module: string(module.Name),
			Message: fmt.Sprintf("load bytecode %s: %v", module.WasmHash, err)}
	}
	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &InvokeError{Kind: FailCompile, Module: string(module.Name), Message: err.Error()}
	}
	w.cache.put(key, compiled)
	return compiled, nil
}

func (w *WasmInvoker) instanceLock(module *air.DefModule, key []byte) *sync.Mutex {
	id := string(module.Name) + "\x00" + string(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.instances[id]
	if !ok {
		lock = &sync.Mutex{}
		w.instances[id] = lock
	}
	return lock
}

// Invoke implements Invoker. The module reads its InEnvelope from stdin and
// writes one OutEnvelope to stdout; stderr is diagnostics only.
func (w *WasmInvoker) Invoke(ctx context.Context, module *air.DefModule, in *InEnvelope) (*OutEnvelope, error) {
	lock := w.instanceLock(module, in.Ctx.Key)
	lock.Lock()
	defer lock.Unlock()

	compiled, err := w.ensureCompiled(ctx, module)
	if err != nil {
		return nil, err
	}

	if w.config.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.InvokeTimeout)
		defer cancel()
	}

	input, err := canonicalize.Canonical(in)
	if err != nil {
		return nil, &InvokeError{Kind: FailDecode, Module: string(module.Name),
			Message: fmt.Sprintf("encode input envelope: %v", err)}
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")
	// Deliberately not wired: WithFSConfig, WithSysNanotime, WithSysWalltime,
	// WithRandSource, WithEnv. The ingress stamp is the only entropy a module
	// sees.

	instance, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if instance != nil {
		defer func() { _ = instance.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &InvokeError{Kind: FailTimeout, Module: string(module.Name),
				Message: fmt.Sprintf("exceeded %v", w.config.InvokeTimeout)}
		}
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			// Clean exit through WASI proc_exit(0); stdout holds the envelope.
		} else {
			return nil, &InvokeError{Kind: FailTrap, Module: string(module.Name),
				Message: trapMessage(err, stderr.Bytes())}
		}
	}

	var out OutEnvelope
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, &InvokeError{Kind: FailDecode, Module: string(module.Name),
			Message: fmt.Sprintf("decode output envelope: %v", err)}
	}
	if out.Err != "" {
		return nil, &InvokeError{Kind: FailReduce, Module: string(module.Name), Message: out.Err}
	}
	if err := ValidateOut(&out); err != nil {
		return nil, &InvokeError{Kind: FailDecode, Module: string(module.Name), Message: err.Error()}
	}
	return &out, nil
}

func trapMessage(err error, stderr []byte) string {
	if len(stderr) == 0 {
		return err.Error()
	}
	const maxStderr = 1024
	if len(stderr) > maxStderr {
		stderr = stderr[:maxStderr]
	}
	return fmt.Sprintf("%v (stderr: %s)", err, stderr)
}

// Close implements Invoker.
func (w *WasmInvoker) Close(ctx context.Context) error {
	w.cache.purge()
	return w.runtime.Close(ctx)
}

var _ Invoker = (*WasmInvoker)(nil)
