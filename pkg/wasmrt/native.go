package wasmrt

import (
	"context"
	"fmt"
	"sync"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
)

// NativeFunc is an in-process module implementation sharing the sandbox ABI.
type NativeFunc func(in *InEnvelope) (*OutEnvelope, error)

// NativeInvoker runs modules natively in-process. It exists for development
// and tests; it provides no isolation and must never back a production world.
// Modules are registered by name and must follow the same envelope contract
// as sandboxed bytecode.
type NativeInvoker struct {
	mu      sync.Mutex
	modules map[air.Name]NativeFunc

	instMu    sync.Mutex
	instances map[string]*sync.Mutex
}

// NewNativeInvoker creates an empty native module registry.
func NewNativeInvoker() *NativeInvoker {
	return &NativeInvoker{
		modules:   make(map[air.Name]NativeFunc),
		instances: make(map[string]*sync.Mutex),
	}
}

// Register installs fn as the implementation of the named module.
func (n *NativeInvoker) Register(name air.Name, fn NativeFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modules[name] = fn
}

func (n *NativeInvoker) instanceLock(module *air.DefModule, key []byte) *sync.Mutex {
	id := string(module.Name) + "\x00" + string(key)
	n.instMu.Lock()
	defer n.instMu.Unlock()
	lock, ok := n.instances[id]
	if !ok {
		lock = &sync.Mutex{}
		n.instances[id] = lock
	}
	return lock
}

// Invoke implements Invoker.
func (n *NativeInvoker) Invoke(ctx context.Context, module *air.DefModule, in *InEnvelope) (*OutEnvelope, error) {
	lock := n.instanceLock(module, in.Ctx.Key)
	lock.Lock()
	defer lock.Unlock()

	n.mu.Lock()
	fn, ok := n.modules[module.Name]
	n.mu.Unlock()
	if !ok {
		return nil, &InvokeError{Kind: FailCompile, Module: string(module.Name),
			Message: "no native implementation registered"}
	}
	out, err := fn(in)
	if err != nil {
		if _, classified := AsInvokeError(err); classified {
			return nil, err
		}
		return nil, &InvokeError{Kind: FailTrap, Module: string(module.Name), Message: err.Error()}
	}
	if out.Err != "" {
		return nil, &InvokeError{Kind: FailReduce, Module: string(module.Name), Message: out.Err}
	}
	if err := ValidateOut(out); err != nil {
		return nil, &InvokeError{Kind: FailDecode, Module: string(module.Name), Message: err.Error()}
	}
	return out, nil
}

// Close implements Invoker.
func (n *NativeInvoker) Close(ctx context.Context) error {
	return nil
}

var _ Invoker = (*NativeInvoker)(nil)

func (n *NativeInvoker) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fmt.Sprintf("NativeInvoker(%d modules)", len(n.modules))
}
