// Package effects defines the shared effect vocabulary: intents emitted by
// sandboxed modules, receipts returned by adapters, stream frames for
// long-running effects, and capability grants. One canonical encoding is used
// for both intent hashing and receipt signing.
package effects

// Built-in effect kinds. Additional kinds are registered per manifest and
// treated opaquely by the core.
const (
	KindHTTPRequest = "http.request"
	KindBlobPut     = "blob.put"
	KindBlobGet     = "blob.get"
	KindTimerSet    = "timer.set"
	KindLLMGenerate = "llm.generate"
)

// BuiltinKinds lists the effect kinds with fixed parameter schemas.
func BuiltinKinds() []string {
	return []string{KindHTTPRequest, KindBlobPut, KindBlobGet, KindTimerSet, KindLLMGenerate}
}
