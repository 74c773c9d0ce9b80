package air

import (
	"encoding/json"
	"fmt"

	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// DefKind discriminates definition node types.
type DefKind string

const (
	KindSchema  DefKind = "defschema"
	KindModule  DefKind = "defmodule"
	KindCap     DefKind = "defcap"
	KindPolicy  DefKind = "defpolicy"
	KindEffect  DefKind = "defeffect"
	KindTrigger DefKind = "deftrigger"
	// KindPlan is legacy; plans are carried opaquely for old manifests.
	KindPlan DefKind = "defplan"
)

// ModuleFlavor classifies sandboxed modules by ABI role.
type ModuleFlavor string

const (
	FlavorPure     ModuleFlavor = "pure"
	FlavorReducer  ModuleFlavor = "reducer"
	FlavorWorkflow ModuleFlavor = "workflow"
)

// Ref is a (kind, name, hash) triple pointing at a definition node blob.
// A zero hash is the sentinel for "fill-in later" and is only legal inside
// patch documents before autofill.
type Ref struct {
	Kind DefKind  `json:"kind"`
	Name Name     `json:"name"`
	Hash cas.Hash `json:"hash"`
}

// DefSchema declares a structural type for events or state values.
type DefSchema struct {
	Name Name `json:"name"`
	// Type is a JSON Schema document constraining values of this schema.
	Type json.RawMessage `json:"type"`
}

// DefModule references sandboxed module bytecode by hash plus ABI metadata.
type DefModule struct {
	Name       Name         `json:"name"`
	Flavor     ModuleFlavor `json:"flavor"`
	WasmHash   cas.Hash     `json:"wasm_hash"`
	ABIVersion uint8        `json:"abi_version"`
	// CellMode partitions reducer state by instance key.
	CellMode bool `json:"cell_mode,omitempty"`
	// KeyField names the event field the instance key is derived from when
	// CellMode is set.
	KeyField string `json:"key_field,omitempty"`
}

// CapConstraints are parameter-level constraints enforced before dispatch.
type CapConstraints struct {
	URLAllowlist []string `json:"url_allowlist,omitempty"`
	MaxBodyBytes int64    `json:"max_body_bytes,omitempty"`
	// Expr is an optional CEL expression over the intent params; it must
	// satisfy the deterministic CEL profile.
	Expr string `json:"expr,omitempty"`
}

// DefCap grants a named capability covering a set of effect kinds.
type DefCap struct {
	Name        Name           `json:"name"`
	EffectKinds []string       `json:"effect_kinds"`
	Constraints CapConstraints `json:"constraints,omitempty"`
}

// PolicyRule is a per-origin allow/deny rule.
type PolicyRule struct {
	// OriginModule matches the emitting module id; "*" matches all.
	OriginModule string `json:"origin_module"`
	// EffectKind matches the intent kind; "*" matches all.
	EffectKind string `json:"effect_kind"`
	// Expr is an optional CEL expression; when present the rule matches only
	// if it evaluates to true.
	Expr string `json:"expr,omitempty"`
	// Action is "allow" or "deny".
	Action string `json:"action"`
}

// DefPolicy is an ordered rule list; first match wins, default allow.
type DefPolicy struct {
	Name  Name         `json:"name"`
	Rules []PolicyRule `json:"rules"`
}

// DefEffect registers an additional effect kind with its parameter schema.
// The kernel treats manifest-registered kinds opaquely.
type DefEffect struct {
	Name         Name            `json:"name"`
	Kind         string          `json:"kind"`
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`
}

// DefTrigger routes domain events of a schema to a reducer module.
type DefTrigger struct {
	Name    Name `json:"name"`
	Schema  Name `json:"schema"`
	Reducer Name `json:"reducer"`
}

// EncodeNode wraps a definition body with its kind discriminator and returns
// the canonical blob bytes. Nodes are stored flat: the $kind field rides
// alongside the body fields in a single object.
func EncodeNode(kind DefKind, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("air: encode %s node: %w", kind, err)
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("air: encode %s node: %w", kind, err)
	}
	kindRaw, _ := json.Marshal(string(kind))
	flat["$kind"] = kindRaw
	return canonicalize.Canonical(flat)
}

// NodeHash returns the content hash of the canonical node encoding.
func NodeHash(kind DefKind, body interface{}) (cas.Hash, error) {
	blob, err := EncodeNode(kind, body)
	if err != nil {
		return cas.Hash{}, err
	}
	return cas.Sum(blob), nil
}

// DecodeNodeKind extracts the $kind discriminator from a node blob.
func DecodeNodeKind(blob []byte) (DefKind, error) {
	var env struct {
		Kind DefKind `json:"$kind"`
	}
	if err := json.Unmarshal(blob, &env); err != nil {
		return "", fmt.Errorf("air: decode node kind: %w", err)
	}
	if env.Kind == "" {
		return "", fmt.Errorf("air: node missing $kind")
	}
	return env.Kind, nil
}
