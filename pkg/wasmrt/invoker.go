package wasmrt

import (
	"context"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
)

// Invoker runs sandboxed modules on event envelopes. Implementations must be
// single-threaded per (module, instance key): distinct instances may run in
// parallel, invocations of one instance never do.
type Invoker interface {
	// Invoke runs the module on in and returns its output envelope.
	// Failures are classified InvokeErrors.
	Invoke(ctx context.Context, module *air.DefModule, in *InEnvelope) (*OutEnvelope, error)
	// Close releases compiled-module resources.
	Close(ctx context.Context) error
}
