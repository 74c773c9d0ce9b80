package effects

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// ReceiptStatus is the terminal outcome of an effect intent.
type ReceiptStatus string

const (
	StatusOk      ReceiptStatus = "ok"
	StatusError   ReceiptStatus = "error"
	StatusTimeout ReceiptStatus = "timeout"
)

// Valid reports whether s is one of the three terminal statuses.
func (s ReceiptStatus) Valid() bool {
	return s == StatusOk || s == StatusError || s == StatusTimeout
}

// EffectReceipt is the signed outcome of an intent. The signature covers the
// canonical encoding of every field except the signature itself.
type EffectReceipt struct {
	IntentHash cas.Hash      `json:"intent_hash"`
	AdapterID  string        `json:"adapter_id"`
	Status     ReceiptStatus `json:"status"`
	Payload    []byte        `json:"payload"`
	CostCents  *uint64       `json:"cost_cents,omitempty"`
	Signature  []byte        `json:"signature,omitempty"`
}

type receiptSigned struct {
	IntentHash cas.Hash      `json:"intent_hash"`
	AdapterID  string        `json:"adapter_id"`
	Status     ReceiptStatus `json:"status"`
	Payload    []byte        `json:"payload"`
	CostCents  *uint64       `json:"cost_cents,omitempty"`
}

func (r *EffectReceipt) signedBytes() ([]byte, error) {
	return canonicalize.Canonical(receiptSigned{
		IntentHash: r.IntentHash,
		AdapterID:  r.AdapterID,
		Status:     r.Status,
		Payload:    r.Payload,
		CostCents:  r.CostCents,
	})
}

// Sign computes the ed25519 signature over the receipt's canonical form.
func (r *EffectReceipt) Sign(key ed25519.PrivateKey) error {
	msg, err := r.signedBytes()
	if err != nil {
		return fmt.Errorf("effects: sign receipt: %w", err)
	}
	r.Signature = ed25519.Sign(key, msg)
	return nil
}

// VerifySignature checks the receipt signature against pub.
func (r *EffectReceipt) VerifySignature(pub ed25519.PublicKey) error {
	if len(r.Signature) == 0 {
		return fmt.Errorf("effects: receipt for %s is unsigned", r.IntentHash)
	}
	msg, err := r.signedBytes()
	if err != nil {
		return fmt.Errorf("effects: verify receipt: %w", err)
	}
	if !ed25519.Verify(pub, msg, r.Signature) {
		return fmt.Errorf("effects: receipt signature invalid for %s", r.IntentHash)
	}
	return nil
}

// DecodePayload unmarshals the receipt payload into out.
func (r *EffectReceipt) DecodePayload(out interface{}) error {
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("effects: decode receipt payload: %w", err)
	}
	return nil
}

// ErrorPayload is the payload shape of synthesized Error receipts.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// NewErrorReceipt synthesizes an unsigned Error receipt for a gated or failed
// intent; the manager signs it before delivery.
func NewErrorReceipt(intentHash cas.Hash, adapterID, reason, message string) *EffectReceipt {
	payload, _ := json.Marshal(ErrorPayload{Reason: reason, Message: message})
	return &EffectReceipt{
		IntentHash: intentHash,
		AdapterID:  adapterID,
		Status:     StatusError,
		Payload:    payload,
	}
}

// NewTimeoutReceipt synthesizes an unsigned Timeout receipt.
func NewTimeoutReceipt(intentHash cas.Hash, adapterID string) *EffectReceipt {
	payload, _ := json.Marshal(ErrorPayload{Reason: "deadline_exceeded"})
	return &EffectReceipt{
		IntentHash: intentHash,
		AdapterID:  adapterID,
		Status:     StatusTimeout,
		Payload:    payload,
	}
}
