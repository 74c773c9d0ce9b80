package wasmrt

import (
	"bytes"
	"errors"
	"fmt"
)

// FailureKind classifies invocation failures; the scheduler reacts to each
// distinctly.
type FailureKind string

const (
	FailCompile FailureKind = "compile"
	FailTrap    FailureKind = "trap"
	FailTimeout FailureKind = "timeout"
	FailDecode  FailureKind = "decode"
	// FailReduce is a module-reported domain error: the event is journaled as
	// failed and reducer state is unchanged.
	FailReduce FailureKind = "reduce"
)

// InvokeError is a classified module invocation failure.
type InvokeError struct {
	Kind    FailureKind
	Module  string
	Message string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("wasmrt: %s failure in %s: %s", e.Kind, e.Module, e.Message)
}

// AsInvokeError extracts an InvokeError from err.
func AsInvokeError(err error) (*InvokeError, bool) {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// CheckKey enforces the keyed-reducer contract: the invocation context key
// must equal the key derived from the event. A violation is a reduce error
// and must not reach the module.
func CheckKey(in *InEnvelope, derivedKey []byte, module string) error {
	if !in.Ctx.CellMode {
		return nil
	}
	if !bytes.Equal(in.Ctx.Key, derivedKey) {
		return &InvokeError{
			Kind:    FailReduce,
			Module:  module,
			Message: fmt.Sprintf("ctx key %x does not match derived key %x", in.Ctx.Key, derivedKey),
		}
	}
	return nil
}
