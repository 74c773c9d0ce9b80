package gates

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
)

// AllowAllPolicy is the default policy gate: every capability-cleared intent
// is dispatched.
type AllowAllPolicy struct{}

// Decide implements effects.PolicyGate.
func (AllowAllPolicy) Decide(*effects.EffectIntent, *effects.CapabilityGrant, *effects.EffectSource) (effects.PolicyDecision, error) {
	return effects.Allow, nil
}

type compiledRule struct {
	rule air.PolicyRule
	prg  cel.Program
}

// RulePolicy evaluates ordered per-origin rules; the first matching rule
// wins, default allow. Production deployments load it from the manifest's
// policy definitions.
type RulePolicy struct {
	rules []compiledRule
}

// NewRulePolicy compiles the rules of every policy definition in the catalog,
// in manifest order.
func NewRulePolicy(cat *air.Catalog) (*RulePolicy, error) {
	env, err := gateEnv()
	if err != nil {
		return nil, fmt.Errorf("gates: build env: %w", err)
	}
	p := &RulePolicy{}
	for _, ref := range cat.Manifest.Policies {
		def := cat.Policies[ref.Name]
		if def == nil {
			continue
		}
		for _, rule := range def.Rules {
			if rule.Action != "allow" && rule.Action != "deny" {
				return nil, fmt.Errorf("gates: policy %s: unknown action %q", def.Name, rule.Action)
			}
			cr := compiledRule{rule: rule}
			if rule.Expr != "" {
				prg, issues := ValidateExpr(env, rule.Expr)
				if issues != nil {
					return nil, issuesError(rule.Expr, issues)
				}
				cr.prg = prg
			}
			p.rules = append(p.rules, cr)
		}
	}
	return p, nil
}

// Decide implements effects.PolicyGate.
func (p *RulePolicy) Decide(intent *effects.EffectIntent, grant *effects.CapabilityGrant, source *effects.EffectSource) (effects.PolicyDecision, error) {
	for _, cr := range p.rules {
		if !wildcardMatch(cr.rule.OriginModule, source.ModuleID) {
			continue
		}
		if !wildcardMatch(cr.rule.EffectKind, intent.Kind) {
			continue
		}
		if cr.prg != nil {
			matched, err := evalGateProgram(cr.prg, intent, source.ModuleID)
			if err != nil {
				return effects.Deny, err
			}
			if !matched {
				continue
			}
		}
		if cr.rule.Action == "deny" {
			return effects.Deny, nil
		}
		return effects.Allow, nil
	}
	return effects.Allow, nil
}

func wildcardMatch(pattern, value string) bool {
	return pattern == "*" || pattern == "" || pattern == value
}
