package effects

import (
	"context"
)

// CapabilityGrant is a resolved, named grant covering a set of effect kinds
// with optional parameter-level constraints.
type CapabilityGrant struct {
	Name         string   `json:"name"`
	EffectKinds  []string `json:"effect_kinds"`
	URLAllowlist []string `json:"url_allowlist,omitempty"`
	MaxBodyBytes int64    `json:"max_body_bytes,omitempty"`
	// ConstraintExpr is an optional deterministic CEL expression over the
	// intent params.
	ConstraintExpr string `json:"constraint_expr,omitempty"`
}

// Covers reports whether the grant permits kind.
func (g *CapabilityGrant) Covers(kind string) bool {
	for _, k := range g.EffectKinds {
		if k == kind || k == "*" {
			return true
		}
	}
	return false
}

// PolicyDecision is the outcome of a policy gate evaluation.
type PolicyDecision int

const (
	Allow PolicyDecision = iota
	Deny
)

// CapabilityGate resolves and validates capability grants before dispatch.
type CapabilityGate interface {
	// Resolve looks up the grant named by capSlot and validates it permits
	// effectKind.
	Resolve(capSlot, effectKind string) (*CapabilityGrant, error)
	// CheckConstraints validates parameter-level constraints of the grant.
	CheckConstraints(intent *EffectIntent, grant *CapabilityGrant) error
}

// PolicyGate evaluates per-origin rules on top of capabilities.
type PolicyGate interface {
	Decide(intent *EffectIntent, grant *CapabilityGrant, source *EffectSource) (PolicyDecision, error)
}

// Adapter executes intents of one kind. Adapters run concurrently under the
// effect manager; Execute must honor ctx cancellation where possible.
type Adapter interface {
	Kind() string
	Execute(ctx context.Context, intent *EffectIntent) (*EffectReceipt, error)
}
