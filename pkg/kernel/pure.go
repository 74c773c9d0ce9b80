package kernel

import (
	"context"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

// PureEventSchema is the envelope schema for pure module invocations.
const PureEventSchema = "sys/PureInput@1"

// RunPure invokes a pure module on input and returns its output bytes. Pure
// modules carry no state and may not emit events or effects; any attempt to
// do so fails the invocation.
func (k *Kernel) RunPure(ctx context.Context, name air.Name, input []byte) ([]byte, error) {
	k.mu.Lock()
	module, ok := k.catalog.Modules[name]
	k.mu.Unlock()
	if !ok {
		return nil, Errf(CodeManifestInvalid, "unknown module %s", name)
	}
	if module.Flavor != air.FlavorPure {
		return nil, Errf(CodeManifestInvalid, "module %s is %s, not pure", name, module.Flavor)
	}

	out, err := k.invoker.Invoke(ctx, module, &wasmrt.InEnvelope{
		Version: wasmrt.ABIVersion,
		Event:   wasmrt.EventEnvelope{Schema: PureEventSchema, Value: input},
	})
	if err != nil {
		ie, classified := wasmrt.AsInvokeError(err)
		if !classified {
			return nil, WrapErr(CodeInternal, err)
		}
		switch ie.Kind {
		case wasmrt.FailTimeout:
			return nil, WrapErr(CodeModuleTimeout, err)
		case wasmrt.FailDecode:
			return nil, WrapErr(CodeModuleDecode, err)
		case wasmrt.FailReduce:
			return nil, WrapErr(CodeReducerError, err)
		default:
			return nil, WrapErr(CodeModuleTrap, err)
		}
	}
	if len(out.DomainEvents) > 0 || len(out.Effects) > 0 {
		return nil, Errf(CodeModuleDecode, "pure module %s attempted side output", name)
	}
	return out.State, nil
}
