package effects

import (
	"crypto/ed25519"
	"fmt"

	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// StreamFrame is adapter-origin continuation data for an open intent (e.g. an
// LLM token chunk). Frames are identified by (intent_hash, seq) with
// adapter-assigned monotone seq; terminal settlement still happens through a
// single EffectReceipt, after which no further frames are accepted.
type StreamFrame struct {
	IntentHash        cas.Hash `json:"intent_hash"`
	AdapterID         string   `json:"adapter_id"`
	OriginModuleID    string   `json:"origin_module_id"`
	OriginInstanceKey []byte   `json:"origin_instance_key,omitempty"`
	EffectKind        string   `json:"effect_kind"`
	EmittedAtSeq      uint64   `json:"emitted_at_seq"`
	Seq               uint64   `json:"seq"`
	Kind              string   `json:"kind"`
	Payload           []byte   `json:"payload"`
	Signature         []byte   `json:"signature,omitempty"`
}

type frameSigned struct {
	IntentHash        cas.Hash `json:"intent_hash"`
	AdapterID         string   `json:"adapter_id"`
	OriginModuleID    string   `json:"origin_module_id"`
	OriginInstanceKey []byte   `json:"origin_instance_key,omitempty"`
	EffectKind        string   `json:"effect_kind"`
	EmittedAtSeq      uint64   `json:"emitted_at_seq"`
	Seq               uint64   `json:"seq"`
	Kind              string   `json:"kind"`
	Payload           []byte   `json:"payload"`
}

func (f *StreamFrame) signedBytes() ([]byte, error) {
	return canonicalize.Canonical(frameSigned{
		IntentHash:        f.IntentHash,
		AdapterID:         f.AdapterID,
		OriginModuleID:    f.OriginModuleID,
		OriginInstanceKey: f.OriginInstanceKey,
		EffectKind:        f.EffectKind,
		EmittedAtSeq:      f.EmittedAtSeq,
		Seq:               f.Seq,
		Kind:              f.Kind,
		Payload:           f.Payload,
	})
}

// Sign computes the ed25519 signature over the frame's canonical form.
func (f *StreamFrame) Sign(key ed25519.PrivateKey) error {
	msg, err := f.signedBytes()
	if err != nil {
		return fmt.Errorf("effects: sign frame: %w", err)
	}
	f.Signature = ed25519.Sign(key, msg)
	return nil
}

// VerifySignature checks the frame signature against pub.
func (f *StreamFrame) VerifySignature(pub ed25519.PublicKey) error {
	if len(f.Signature) == 0 {
		return fmt.Errorf("effects: frame %s/%d is unsigned", f.IntentHash, f.Seq)
	}
	msg, err := f.signedBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, f.Signature) {
		return fmt.Errorf("effects: frame signature invalid for %s/%d", f.IntentHash, f.Seq)
	}
	return nil
}
