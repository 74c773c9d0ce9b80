package gates

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
)

// Rejection reasons carried in synthesized Error receipts.
const (
	ReasonCapUnresolved    = "cap_unresolved"
	ReasonCapKindMismatch  = "cap_kind_mismatch"
	ReasonConstraintFailed = "constraint_failed"
	ReasonPolicyDenied     = "policy_denied"
)

// GateError is a gate failure with the machine-readable rejection reason that
// lands in the synthetic receipt payload.
type GateError struct {
	Reason  string
	Message string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gates: %s: %s", e.Reason, e.Message)
}

// GateReason exposes the rejection reason to the effect manager without a
// package dependency on the gate implementation.
func (e *GateError) GateReason() string { return e.Reason }

// AsGateError extracts a GateError from err.
func AsGateError(err error) (*GateError, bool) {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// CatalogCapabilityGate resolves grants from a materialized manifest catalog.
// Constraint expressions are compiled once at construction under the
// deterministic CEL profile.
type CatalogCapabilityGate struct {
	grants   map[string]*effects.CapabilityGrant
	programs map[string]cel.Program
}

// NewCatalogCapabilityGate builds the gate from the catalog's capability
// definitions. Grants are addressed by their base name and full name.
func NewCatalogCapabilityGate(cat *air.Catalog) (*CatalogCapabilityGate, error) {
	env, err := gateEnv()
	if err != nil {
		return nil, fmt.Errorf("gates: build env: %w", err)
	}
	g := &CatalogCapabilityGate{
		grants:   make(map[string]*effects.CapabilityGrant),
		programs: make(map[string]cel.Program),
	}
	for name, def := range cat.Caps {
		grant := &effects.CapabilityGrant{
			Name:           string(name),
			EffectKinds:    def.EffectKinds,
			URLAllowlist:   def.Constraints.URLAllowlist,
			MaxBodyBytes:   def.Constraints.MaxBodyBytes,
			ConstraintExpr: def.Constraints.Expr,
		}
		if def.Constraints.Expr != "" {
			prg, issues := ValidateExpr(env, def.Constraints.Expr)
			if issues != nil {
				return nil, issuesError(def.Constraints.Expr, issues)
			}
			g.programs[string(name)] = prg
		}
		g.grants[string(name)] = grant
		// Also address the grant by its slot-friendly base name
		// ("net" for "sys/net@1").
		if _, base, _, err := name.Parse(); err == nil {
			if _, dup := g.grants[base]; !dup {
				g.grants[base] = grant
			}
		}
	}
	return g, nil
}

// Resolve implements effects.CapabilityGate.
func (g *CatalogCapabilityGate) Resolve(capSlot, effectKind string) (*effects.CapabilityGrant, error) {
	grant, ok := g.grants[capSlot]
	if !ok {
		return nil, &GateError{Reason: ReasonCapUnresolved,
			Message: fmt.Sprintf("no capability grant named %q", capSlot)}
	}
	if !grant.Covers(effectKind) {
		return nil, &GateError{Reason: ReasonCapKindMismatch,
			Message: fmt.Sprintf("grant %q does not permit effect kind %q", capSlot, effectKind)}
	}
	return grant, nil
}

// CheckConstraints implements effects.CapabilityGate.
func (g *CatalogCapabilityGate) CheckConstraints(intent *effects.EffectIntent, grant *effects.CapabilityGrant) error {
	if len(grant.URLAllowlist) > 0 {
		var params effects.HTTPRequestParams
		if err := effects.DecodeParams(intent.Params, &params); err != nil {
			return &GateError{Reason: ReasonConstraintFailed, Message: "params not decodable for URL check"}
		}
		if !urlAllowed(params.URL, grant.URLAllowlist) {
			return &GateError{Reason: ReasonConstraintFailed,
				Message: fmt.Sprintf("url %q not covered by allowlist", params.URL)}
		}
	}
	if grant.MaxBodyBytes > 0 && int64(len(intent.Params)) > grant.MaxBodyBytes {
		return &GateError{Reason: ReasonConstraintFailed,
			Message: fmt.Sprintf("params size %d exceeds grant limit %d", len(intent.Params), grant.MaxBodyBytes)}
	}
	if prg, ok := g.programs[grant.Name]; ok {
		allowed, err := evalGateProgram(prg, intent, intent.Source.ModuleID)
		if err != nil {
			return &GateError{Reason: ReasonConstraintFailed, Message: err.Error()}
		}
		if !allowed {
			return &GateError{Reason: ReasonConstraintFailed,
				Message: fmt.Sprintf("constraint %q evaluated false", grant.ConstraintExpr)}
		}
	}
	return nil
}

func urlAllowed(url string, allowlist []string) bool {
	for _, prefix := range allowlist {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func evalGateProgram(prg cel.Program, intent *effects.EffectIntent, origin string) (bool, error) {
	var params map[string]interface{}
	if len(intent.Params) > 0 {
		if err := json.Unmarshal(intent.Params, &params); err != nil {
			return false, fmt.Errorf("params not a JSON object: %w", err)
		}
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"kind":          intent.Kind,
		"cap_slot":      intent.CapSlot,
		"origin_module": origin,
		"params":        params,
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression yielded %T, want bool", out.Value())
	}
	return allowed, nil
}
