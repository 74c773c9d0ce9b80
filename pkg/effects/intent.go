package effects

import (
	"fmt"

	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// EffectSource identifies the module invocation that emitted an intent.
type EffectSource struct {
	ModuleID    string `json:"module_id"`
	InstanceKey []byte `json:"instance_key,omitempty"`
}

// EffectIntent is a declarative side-effect request produced during
// reduction. IntentHash is the correlation token for receipts: it is computed
// exactly once at emission over the canonical encoding of the other identity
// fields and is immutable thereafter.
type EffectIntent struct {
	Kind           string       `json:"kind"`
	Params         []byte       `json:"params"`
	CapSlot        string       `json:"cap_slot"`
	Source         EffectSource `json:"source"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	IntentHash     cas.Hash     `json:"intent_hash"`
}

// intentIdentity is the hashed subset, field order irrelevant under the
// canonical encoding.
type intentIdentity struct {
	Kind           string       `json:"kind"`
	Params         []byte       `json:"params"`
	CapSlot        string       `json:"cap_slot"`
	Source         EffectSource `json:"source"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// ComputeIntentHash returns the canonical hash of the intent's identity
// fields. Equal intents have equal hashes.
func ComputeIntentHash(i *EffectIntent) (cas.Hash, error) {
	blob, err := canonicalize.Canonical(intentIdentity{
		Kind:           i.Kind,
		Params:         i.Params,
		CapSlot:        i.CapSlot,
		Source:         i.Source,
		IdempotencyKey: i.IdempotencyKey,
	})
	if err != nil {
		return cas.Hash{}, fmt.Errorf("effects: hash intent: %w", err)
	}
	return cas.Sum(blob), nil
}

// NewIntent builds a sealed intent with its hash computed.
func NewIntent(kind string, params []byte, capSlot string, source EffectSource, idempotencyKey string) (*EffectIntent, error) {
	if kind == "" {
		return nil, fmt.Errorf("effects: intent kind must not be empty")
	}
	intent := &EffectIntent{
		Kind:           kind,
		Params:         params,
		CapSlot:        capSlot,
		Source:         source,
		IdempotencyKey: idempotencyKey,
	}
	h, err := ComputeIntentHash(intent)
	if err != nil {
		return nil, err
	}
	intent.IntentHash = h
	return intent, nil
}

// Seal fills IntentHash in place for intents decoded from module output.
func (i *EffectIntent) Seal() error {
	h, err := ComputeIntentHash(i)
	if err != nil {
		return err
	}
	i.IntentHash = h
	return nil
}

// Verify recomputes the hash and checks it matches the sealed value.
func (i *EffectIntent) Verify() error {
	h, err := ComputeIntentHash(i)
	if err != nil {
		return err
	}
	if h != i.IntentHash {
		return fmt.Errorf("effects: intent hash mismatch: sealed %s, computed %s", i.IntentHash, h)
	}
	return nil
}
