package gates

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
)

func catalogWithCap(t *testing.T, def air.DefCap) *air.Catalog {
	t.Helper()
	ctx := context.Background()
	store := cas.NewMemStore()
	ref, err := air.StoreNode(ctx, store, air.KindCap, def.Name, def)
	require.NoError(t, err)
	cat, err := air.Materialize(ctx, store, air.Manifest{
		AirVersion: "1.0",
		Caps:       []air.Ref{ref},
	})
	require.NoError(t, err)
	return cat
}

func httpIntent(t *testing.T, capSlot, url string) *effects.EffectIntent {
	t.Helper()
	params, err := effects.EncodeParams(effects.HTTPRequestParams{Method: "GET", URL: url})
	require.NoError(t, err)
	intent, err := effects.NewIntent(effects.KindHTTPRequest, params, capSlot,
		effects.EffectSource{ModuleID: "demo/Fetcher@1"}, "")
	require.NoError(t, err)
	return intent
}

// TestResolve_UnknownSlot verifies the cap_unresolved rejection reason used
// for synthetic receipts.
func TestResolve_UnknownSlot(t *testing.T) {
	gate, err := NewCatalogCapabilityGate(catalogWithCap(t, air.DefCap{
		Name:        "sys/net@1",
		EffectKinds: []string{effects.KindHTTPRequest},
	}))
	require.NoError(t, err)

	_, err = gate.Resolve("none", effects.KindHTTPRequest)
	require.Error(t, err)
	ge, ok := AsGateError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonCapUnresolved, ge.Reason)
}

// TestResolve_KindMismatch verifies a grant does not leak to uncovered kinds.
func TestResolve_KindMismatch(t *testing.T) {
	gate, err := NewCatalogCapabilityGate(catalogWithCap(t, air.DefCap{
		Name:        "sys/blob@1",
		EffectKinds: []string{effects.KindBlobPut, effects.KindBlobGet},
	}))
	require.NoError(t, err)

	_, err = gate.Resolve("blob", effects.KindHTTPRequest)
	require.Error(t, err)
	ge, _ := AsGateError(err)
	assert.Equal(t, ReasonCapKindMismatch, ge.Reason)

	grant, err := gate.Resolve("blob", effects.KindBlobPut)
	require.NoError(t, err)
	assert.Equal(t, "sys/blob@1", grant.Name)
}

// TestCheckConstraints_URLAllowlist verifies the allowlist constraint.
func TestCheckConstraints_URLAllowlist(t *testing.T) {
	gate, err := NewCatalogCapabilityGate(catalogWithCap(t, air.DefCap{
		Name:        "sys/net@1",
		EffectKinds: []string{effects.KindHTTPRequest},
		Constraints: air.CapConstraints{URLAllowlist: []string{"https://api.example.com/"}},
	}))
	require.NoError(t, err)

	grant, err := gate.Resolve("net", effects.KindHTTPRequest)
	require.NoError(t, err)

	ok := httpIntent(t, "net", "https://api.example.com/v1/things")
	assert.NoError(t, gate.CheckConstraints(ok, grant))

	bad := httpIntent(t, "net", "https://evil.example.net/")
	err = gate.CheckConstraints(bad, grant)
	require.Error(t, err)
	ge, _ := AsGateError(err)
	assert.Equal(t, ReasonConstraintFailed, ge.Reason)
}

// TestCheckConstraints_CEL verifies a deterministic CEL constraint gates on
// intent params.
func TestCheckConstraints_CEL(t *testing.T) {
	gate, err := NewCatalogCapabilityGate(catalogWithCap(t, air.DefCap{
		Name:        "sys/net@1",
		EffectKinds: []string{effects.KindHTTPRequest},
		Constraints: air.CapConstraints{Expr: `params.method == "GET"`},
	}))
	require.NoError(t, err)
	grant, err := gate.Resolve("net", effects.KindHTTPRequest)
	require.NoError(t, err)

	assert.NoError(t, gate.CheckConstraints(httpIntent(t, "net", "https://x/"), grant))

	postParams, err := effects.EncodeParams(effects.HTTPRequestParams{Method: "POST", URL: "https://x/"})
	require.NoError(t, err)
	post, err := effects.NewIntent(effects.KindHTTPRequest, postParams, "net",
		effects.EffectSource{ModuleID: "demo/Fetcher@1"}, "")
	require.NoError(t, err)
	assert.Error(t, gate.CheckConstraints(post, grant))
}

// TestProfile_RejectsNondeterminism verifies forbidden CEL constructs fail at
// gate construction, not at dispatch time.
func TestProfile_RejectsNondeterminism(t *testing.T) {
	for _, expr := range []string{
		`now > timestamp("2020-01-01T00:00:00Z")`,
		`params.score > 0.5`,
		`duration("1h") != duration("2h")`,
	} {
		_, err := NewCatalogCapabilityGate(catalogWithCap(t, air.DefCap{
			Name:        "sys/net@1",
			EffectKinds: []string{effects.KindHTTPRequest},
			Constraints: air.CapConstraints{Expr: expr},
		}))
		assert.Error(t, err, "should reject %q", expr)
	}
}

// TestRulePolicy_FirstMatchWins verifies deny rules match per origin and the
// default is allow.
func TestRulePolicy_FirstMatchWins(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()

	polRef, err := air.StoreNode(ctx, store, air.KindPolicy, "sys/egress@1", air.DefPolicy{
		Name: "sys/egress@1",
		Rules: []air.PolicyRule{
			{OriginModule: "demo/Rogue@1", EffectKind: "*", Action: "deny"},
			{OriginModule: "*", EffectKind: effects.KindHTTPRequest, Action: "allow"},
		},
	})
	require.NoError(t, err)
	cat, err := air.Materialize(ctx, store, air.Manifest{AirVersion: "1.0", Policies: []air.Ref{polRef}})
	require.NoError(t, err)

	policy, err := NewRulePolicy(cat)
	require.NoError(t, err)

	grant := &effects.CapabilityGrant{Name: "net", EffectKinds: []string{"*"}}
	intent := httpIntent(t, "net", "https://x/")

	rogue := &effects.EffectSource{ModuleID: "demo/Rogue@1"}
	decision, err := policy.Decide(intent, grant, rogue)
	require.NoError(t, err)
	assert.Equal(t, effects.Deny, decision)

	good := &effects.EffectSource{ModuleID: "demo/Fetcher@1"}
	decision, err = policy.Decide(intent, grant, good)
	require.NoError(t, err)
	assert.Equal(t, effects.Allow, decision)
}

// TestRulePolicy_CELRule verifies expression-scoped rules only match when the
// expression holds.
func TestRulePolicy_CELRule(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()

	polRef, err := air.StoreNode(ctx, store, air.KindPolicy, "sys/egress@1", air.DefPolicy{
		Name: "sys/egress@1",
		Rules: []air.PolicyRule{
			{OriginModule: "*", EffectKind: effects.KindHTTPRequest,
				Expr: `params.method == "DELETE"`, Action: "deny"},
		},
	})
	require.NoError(t, err)
	cat, err := air.Materialize(ctx, store, air.Manifest{AirVersion: "1.0", Policies: []air.Ref{polRef}})
	require.NoError(t, err)
	policy, err := NewRulePolicy(cat)
	require.NoError(t, err)

	grant := &effects.CapabilityGrant{Name: "net", EffectKinds: []string{"*"}}
	src := &effects.EffectSource{ModuleID: "demo/Fetcher@1"}

	deleteParams, err := json.Marshal(map[string]string{"method": "DELETE", "url": "https://x/"})
	require.NoError(t, err)
	del, err := effects.NewIntent(effects.KindHTTPRequest, deleteParams, "net", *src, "")
	require.NoError(t, err)
	decision, err := policy.Decide(del, grant, src)
	require.NoError(t, err)
	assert.Equal(t, effects.Deny, decision)

	get := httpIntent(t, "net", "https://x/")
	decision, err = policy.Decide(get, grant, src)
	require.NoError(t, err)
	assert.Equal(t, effects.Allow, decision)
}
