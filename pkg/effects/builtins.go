package effects

import (
	"encoding/json"
	"fmt"

	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// Parameter and receipt payload shapes for the built-in effect kinds. Params
// cross the sandbox boundary canonical-encoded; these structs are the typed
// views adapters decode into.

// HTTPRequestParams are the parameters of an http.request intent. Request
// bodies ride in the content store and are referenced by hash.
type HTTPRequestParams struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	BodyRef *cas.Hash         `json:"body_ref,omitempty"`
}

// BlobPutParams are the parameters of a blob.put intent.
type BlobPutParams struct {
	Bytes []byte `json:"bytes"`
}

// BlobPutReceipt is the payload of a successful blob.put receipt.
type BlobPutReceipt struct {
	Hash cas.Hash `json:"hash"`
	Size uint64   `json:"size"`
}

// BlobGetParams are the parameters of a blob.get intent.
type BlobGetParams struct {
	BlobRef cas.Hash `json:"blob_ref"`
}

// BlobGetReceipt is the payload of a successful blob.get receipt.
type BlobGetReceipt struct {
	BlobRef cas.Hash `json:"blob_ref"`
	Size    uint64   `json:"size"`
	Bytes   []byte   `json:"bytes"`
}

// TimerSetParams are the parameters of a timer.set intent. Exactly one of
// DelayNS or DeadlineNS is set.
type TimerSetParams struct {
	DelayNS    uint64 `json:"delay_ns,omitempty"`
	DeadlineNS uint64 `json:"deadline_ns,omitempty"`
	Key        string `json:"key"`
}

// TimerFiredReceipt is the payload of a timer.set receipt once the timer
// fires.
type TimerFiredReceipt struct {
	Key        string `json:"key"`
	DeadlineNS uint64 `json:"deadline_ns"`
}

// LLMGenerateParams are the parameters of an llm.generate intent. Prompts
// ride in the content store.
type LLMGenerateParams struct {
	Model     string          `json:"model"`
	PromptRef cas.Hash        `json:"prompt_ref"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// EncodeParams canonical-encodes a typed parameter struct for embedding in an
// intent.
func EncodeParams(v interface{}) ([]byte, error) {
	out, err := canonicalize.Canonical(v)
	if err != nil {
		return nil, fmt.Errorf("effects: encode params: %w", err)
	}
	return out, nil
}

// DecodeParams unmarshals intent params into a typed view.
func DecodeParams(params []byte, out interface{}) error {
	if err := json.Unmarshal(params, out); err != nil {
		return fmt.Errorf("effects: decode params: %w", err)
	}
	return nil
}
