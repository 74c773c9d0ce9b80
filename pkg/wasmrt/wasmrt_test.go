package wasmrt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

func echoModule(in *InEnvelope) (*OutEnvelope, error) {
	return &OutEnvelope{State: in.Event.Value}, nil
}

func testModuleDef(name air.Name, cellMode bool) *air.DefModule {
	return &air.DefModule{
		Name:       name,
		Flavor:     air.FlavorReducer,
		WasmHash:   cas.Sum([]byte(name)),
		ABIVersion: 1,
		CellMode:   cellMode,
	}
}

// TestNativeInvoker_Echo verifies the envelope round-trip through a native
// module.
func TestNativeInvoker_Echo(t *testing.T) {
	inv := NewNativeInvoker()
	inv.Register("demo/Echo@1", echoModule)

	out, err := inv.Invoke(context.Background(), testModuleDef("demo/Echo@1", false), &InEnvelope{
		Version: ABIVersion,
		Event:   EventEnvelope{Schema: "demo/E@1", Value: []byte(`{"n":1}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), out.State)
}

// TestNativeInvoker_Unregistered surfaces a compile-class failure.
func TestNativeInvoker_Unregistered(t *testing.T) {
	inv := NewNativeInvoker()
	_, err := inv.Invoke(context.Background(), testModuleDef("demo/Ghost@1", false), &InEnvelope{Version: ABIVersion})
	ie, ok := AsInvokeError(err)
	require.True(t, ok)
	assert.Equal(t, FailCompile, ie.Kind)
}

// TestNativeInvoker_ReduceError verifies module-reported errors are
// classified FailReduce.
func TestNativeInvoker_ReduceError(t *testing.T) {
	inv := NewNativeInvoker()
	inv.Register("demo/Err@1", func(in *InEnvelope) (*OutEnvelope, error) {
		return &OutEnvelope{Err: "bad event"}, nil
	})
	_, err := inv.Invoke(context.Background(), testModuleDef("demo/Err@1", false), &InEnvelope{Version: ABIVersion})
	ie, ok := AsInvokeError(err)
	require.True(t, ok)
	assert.Equal(t, FailReduce, ie.Kind)
	assert.Contains(t, ie.Message, "bad event")
}

// TestNativeInvoker_PanicFreeTrap verifies plain errors are classified as
// traps, not passed through raw.
func TestNativeInvoker_PanicFreeTrap(t *testing.T) {
	inv := NewNativeInvoker()
	inv.Register("demo/Boom@1", func(in *InEnvelope) (*OutEnvelope, error) {
		return nil, errors.New("kaboom")
	})
	_, err := inv.Invoke(context.Background(), testModuleDef("demo/Boom@1", false), &InEnvelope{Version: ABIVersion})
	ie, ok := AsInvokeError(err)
	require.True(t, ok)
	assert.Equal(t, FailTrap, ie.Kind)
}

// TestCheckKey enforces the keyed-reducer contract.
// Invariant: an invocation with ctx.key != derived_key(event) fails without
// reaching the module.
func TestCheckKey(t *testing.T) {
	in := &InEnvelope{
		Version: ABIVersion,
		Ctx:     CallCtx{Key: []byte("user-1"), CellMode: true},
	}
	assert.NoError(t, CheckKey(in, []byte("user-1"), "demo/Cell@1"))

	err := CheckKey(in, []byte("user-2"), "demo/Cell@1")
	ie, ok := AsInvokeError(err)
	require.True(t, ok)
	assert.Equal(t, FailReduce, ie.Kind)

	// Non-cell invocations skip the check entirely.
	loose := &InEnvelope{Version: ABIVersion}
	assert.NoError(t, CheckKey(loose, []byte("anything"), "demo/Mono@1"))
}

// TestValidateOut bounds-checks untrusted module output.
func TestValidateOut(t *testing.T) {
	ok := &OutEnvelope{DomainEvents: []EventEnvelope{{Schema: "demo/E@1"}}}
	assert.NoError(t, ValidateOut(ok))

	missing := &OutEnvelope{DomainEvents: []EventEnvelope{{}}}
	assert.Error(t, ValidateOut(missing))

	var many []ModuleIntent
	for i := 0; i < 300; i++ {
		many = append(many, ModuleIntent{Kind: "http.request"})
	}
	assert.Error(t, ValidateOut(&OutEnvelope{Effects: many}))
}

// TestLRU_EvictsOldest verifies cache bounds and eviction callbacks.
func TestLRU_EvictsOldest(t *testing.T) {
	var evicted []string
	c := newLRUCache(2, func(v interface{}) { evicted = append(evicted, v.(string)) })

	c.put("a", "A")
	c.put("b", "B")
	_, ok := c.get("a") // refresh a
	require.True(t, ok)
	c.put("c", "C") // evicts b

	assert.Equal(t, []string{"B"}, evicted)
	_, ok = c.get("b")
	assert.False(t, ok)
	_, ok = c.get("a")
	assert.True(t, ok)
}

// TestOutEnvelope_JSONShape pins the wire shape modules must produce.
func TestOutEnvelope_JSONShape(t *testing.T) {
	raw := []byte(`{"state":"eyJuIjoxfQ==","domain_events":[{"schema":"demo/E@1","value":"e30="}],"effects":[{"kind":"blob.put","params":"e30=","cap_slot":"blob"}]}`)
	var out OutEnvelope
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, []byte(`{"n":1}`), out.State)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, "blob.put", out.Effects[0].Kind)
	assert.Equal(t, "blob", out.Effects[0].CapSlot)
}
