// Package kernel is the deterministic core: it owns the journal, drives
// reducers to quiescence one invocation at a time, emits effect intents,
// routes receipts, and snapshots the world. Given the same manifest and the
// same ordered journal, every replay produces bit-identical state.
package kernel

import (
	"errors"
	"fmt"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
)

// ErrorCode is the machine-readable error taxonomy exposed at the kernel
// boundary.
type ErrorCode string

const (
	CodeStoreNotFound    ErrorCode = "store.not_found"
	CodeStoreCorruption  ErrorCode = "store.corruption"
	CodeJournalCorrupt   ErrorCode = "journal.corruption"
	CodeManifestInvalid  ErrorCode = "manifest.invalid"
	CodeModuleTrap       ErrorCode = "module.trap"
	CodeModuleTimeout    ErrorCode = "module.timeout"
	CodeModuleDecode     ErrorCode = "module.decode"
	CodeReducerError     ErrorCode = "reducer.error"
	CodeCapDeny          ErrorCode = "cap.deny"
	CodePolicyDeny       ErrorCode = "policy.deny"
	CodeAdapterTimeout   ErrorCode = "adapter.timeout"
	CodeAdapterError     ErrorCode = "adapter.error"
	CodeConsistency      ErrorCode = "consistency.unavailable"
	CodeReplayDivergence ErrorCode = "replay.divergence"
	CodeInternal         ErrorCode = "internal"
)

// Error is the kernel's structured error: a code and message plus optional
// structured fields identifying the failing artifact.
type Error struct {
	Code    ErrorCode
	Message string

	IntentHash *cas.Hash
	Seq        *journal.Seq
	Hash       *cas.Hash
	// DivergedAt carries the divergence point of a failed replay.
	DivergedAt *journal.Seq

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("kernel: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Errf builds a kernel error.
func Errf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kernel code to an underlying error.
func WrapErr(code ErrorCode, cause error) *Error {
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

// CodeOf extracts the kernel error code, mapping known subsystem errors.
func CodeOf(err error) ErrorCode {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	switch {
	case errors.Is(err, cas.ErrNotFound):
		return CodeStoreNotFound
	case errors.Is(err, cas.ErrCorruption):
		return CodeStoreCorruption
	case errors.Is(err, journal.ErrCorruption):
		return CodeJournalCorrupt
	}
	return CodeInternal
}

// IsFatal reports whether the world must halt on err. Store and journal
// corruption are never recovered.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeStoreCorruption, CodeJournalCorrupt, CodeReplayDivergence:
		return true
	}
	return false
}
