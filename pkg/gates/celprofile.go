// Package gates implements capability resolution and policy decisions for
// effect intents. Constraint and policy expressions are CEL, restricted to a
// deterministic profile so gate outcomes are identical on replay.
package gates

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
)

// The deterministic CEL profile forbids constructs whose results vary across
// processes or evaluations: clock access, timestamp arithmetic, and float
// literals (formatting is locale/width sensitive). Expressions are validated
// at manifest load, before any intent is gated with them.

// ProfileIssue is one validation finding.
type ProfileIssue struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

const (
	RuleNoNowAccess  = "CEL-DET-001"
	RuleNoTimeTypes  = "CEL-DET-002"
	RuleNoFloats     = "CEL-DET-003"
	RuleSizeLimit    = "CEL-DET-004"
	RuleMustBeBool   = "CEL-DET-005"
	RuleMustCompile  = "CEL-DET-006"
	maxExpressionLen = 4096
)

var (
	nowPattern   = regexp.MustCompile(`\bnow\b`)
	timePattern  = regexp.MustCompile(`\b(timestamp|duration)\s*\(`)
	floatPattern = regexp.MustCompile(`\b\d+\.\d+\b`)
)

// ValidateExpr checks expr against the deterministic profile and compiles it
// in env. Returns the compiled program on success.
func ValidateExpr(env *cel.Env, expr string) (cel.Program, []ProfileIssue) {
	var issues []ProfileIssue
	if len(expr) > maxExpressionLen {
		issues = append(issues, ProfileIssue{RuleSizeLimit,
			fmt.Sprintf("expression length %d exceeds limit %d", len(expr), maxExpressionLen)})
	}
	if nowPattern.MatchString(expr) {
		issues = append(issues, ProfileIssue{RuleNoNowAccess, "clock access is forbidden"})
	}
	if timePattern.MatchString(expr) {
		issues = append(issues, ProfileIssue{RuleNoTimeTypes, "time types are forbidden"})
	}
	if floatPattern.MatchString(expr) {
		issues = append(issues, ProfileIssue{RuleNoFloats, "float literals are forbidden"})
	}
	if len(issues) > 0 {
		return nil, issues
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, []ProfileIssue{{RuleMustCompile, iss.Err().Error()}}
	}
	if ast.OutputType() != cel.BoolType {
		return nil, []ProfileIssue{{RuleMustBeBool,
			fmt.Sprintf("expression must yield bool, got %s", ast.OutputType())}}
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, []ProfileIssue{{RuleMustCompile, err.Error()}}
	}
	return prg, nil
}

func issuesError(expr string, issues []ProfileIssue) error {
	var parts []string
	for _, i := range issues {
		parts = append(parts, fmt.Sprintf("%s: %s", i.Rule, i.Message))
	}
	return fmt.Errorf("gates: expression %q rejected: %s", expr, strings.Join(parts, "; "))
}

// gateEnv builds the CEL environment shared by constraint and policy
// expressions.
func gateEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("cap_slot", cel.StringType),
		cel.Variable("origin_module", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
}
