package kernel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

// Test fixtures: native modules following the sandbox ABI, plus a manifest
// wiring them to event schemas.

const (
	schemaStart    = "demo/Start@1"
	schemaTick     = "demo/Tick@1"
	schemaSave     = "demo/Save@1"
	schemaDeposit  = "demo/Deposit@1"
	moduleCounter  = "demo/CounterSm@1"
	moduleArchiver = "demo/Archiver@1"
	moduleAccount  = "demo/Account@1"
)

// counterState mirrors a small counting state machine: Start{target} arms it,
// each Tick decrements until Done.
type counterState struct {
	PC        string `json:"pc"`
	Remaining uint64 `json:"remaining"`
}

func counterModule(in *wasmrt.InEnvelope) (*wasmrt.OutEnvelope, error) {
	state := counterState{PC: "idle"}
	if in.State != nil {
		if err := json.Unmarshal(in.State, &state); err != nil {
			return &wasmrt.OutEnvelope{Err: "state undecodable"}, nil
		}
	}
	switch in.Event.Schema {
	case schemaStart:
		var ev struct {
			Target uint64 `json:"target"`
		}
		if err := json.Unmarshal(in.Event.Value, &ev); err != nil {
			return &wasmrt.OutEnvelope{Err: "event undecodable"}, nil
		}
		if ev.Target == 0 {
			state.PC = "done"
			state.Remaining = 0
		} else {
			state.PC = "counting"
			state.Remaining = ev.Target
		}
	case schemaTick:
		if state.PC == "counting" && state.Remaining > 0 {
			state.Remaining--
			if state.Remaining == 0 {
				state.PC = "done"
			}
		}
	}
	next, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &wasmrt.OutEnvelope{State: next}, nil
}

// archiverModule emits a blob.put intent for every Save event and records the
// receipt outcome in its state.
type archiverState struct {
	Saved    int    `json:"saved"`
	LastHash string `json:"last_hash,omitempty"`
	LastErr  string `json:"last_err,omitempty"`
}

func archiverModule(in *wasmrt.InEnvelope) (*wasmrt.OutEnvelope, error) {
	state := archiverState{}
	if in.State != nil {
		if err := json.Unmarshal(in.State, &state); err != nil {
			return &wasmrt.OutEnvelope{Err: "state undecodable"}, nil
		}
	}
	out := &wasmrt.OutEnvelope{}
	switch in.Event.Schema {
	case schemaSave:
		var ev struct {
			Data []byte `json:"data"`
		}
		if err := json.Unmarshal(in.Event.Value, &ev); err != nil {
			return &wasmrt.OutEnvelope{Err: "event undecodable"}, nil
		}
		params, err := effects.EncodeParams(effects.BlobPutParams{Bytes: ev.Data})
		if err != nil {
			return nil, err
		}
		out.Effects = append(out.Effects, wasmrt.ModuleIntent{
			Kind:    effects.KindBlobPut,
			Params:  params,
			CapSlot: "blob",
		})
	case ReceiptEventSchema:
		var receipt struct {
			Status  effects.ReceiptStatus `json:"status"`
			Payload []byte                `json:"payload"`
		}
		if err := json.Unmarshal(in.Event.Value, &receipt); err != nil {
			return &wasmrt.OutEnvelope{Err: "receipt undecodable"}, nil
		}
		if receipt.Status == effects.StatusOk {
			var put effects.BlobPutReceipt
			if err := json.Unmarshal(receipt.Payload, &put); err != nil {
				return &wasmrt.OutEnvelope{Err: "payload undecodable"}, nil
			}
			state.Saved++
			state.LastHash = put.Hash.String()
			state.LastErr = ""
		} else {
			var failure effects.ErrorPayload
			_ = json.Unmarshal(receipt.Payload, &failure)
			state.LastErr = failure.Reason
		}
	}
	next, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	out.State = next
	return out, nil
}

// accountModule is a keyed reducer: one balance cell per account.
func accountModule(in *wasmrt.InEnvelope) (*wasmrt.OutEnvelope, error) {
	var state struct {
		Balance int64 `json:"balance"`
	}
	if in.State != nil {
		if err := json.Unmarshal(in.State, &state); err != nil {
			return &wasmrt.OutEnvelope{Err: "state undecodable"}, nil
		}
	}
	var ev struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	if err := json.Unmarshal(in.Event.Value, &ev); err != nil {
		return &wasmrt.OutEnvelope{Err: "event undecodable"}, nil
	}
	state.Balance += ev.Amount
	next, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &wasmrt.OutEnvelope{State: next}, nil
}

// buildTestCatalog stores fixture definitions and materializes the catalog.
func buildTestCatalog(t *testing.T, store cas.Store) *air.Catalog {
	t.Helper()
	ctx := context.Background()

	objectSchema := json.RawMessage(`{"type":"object"}`)
	var refs struct {
		schemas, modules, triggers, caps []air.Ref
	}
	addSchema := func(name air.Name) {
		ref, err := air.StoreNode(ctx, store, air.KindSchema, name, air.DefSchema{Name: name, Type: objectSchema})
		require.NoError(t, err)
		refs.schemas = append(refs.schemas, ref)
	}
	addSchema(schemaStart)
	addSchema(schemaTick)
	addSchema(schemaSave)
	addSchema(schemaDeposit)

	addModule := func(name air.Name, cellMode bool, keyField string) {
		ref, err := air.StoreNode(ctx, store, air.KindModule, name, air.DefModule{
			Name:       name,
			Flavor:     air.FlavorReducer,
			WasmHash:   cas.Sum([]byte(name)),
			ABIVersion: 1,
			CellMode:   cellMode,
			KeyField:   keyField,
		})
		require.NoError(t, err)
		refs.modules = append(refs.modules, ref)
	}
	addModule(moduleCounter, false, "")
	addModule(moduleArchiver, false, "")
	addModule(moduleAccount, true, "account")

	addTrigger := func(name, schema, reducer air.Name) {
		ref, err := air.StoreNode(ctx, store, air.KindTrigger, name, air.DefTrigger{
			Name: name, Schema: schema, Reducer: reducer,
		})
		require.NoError(t, err)
		refs.triggers = append(refs.triggers, ref)
	}
	addTrigger("demo/OnStart@1", schemaStart, moduleCounter)
	addTrigger("demo/OnTick@1", schemaTick, moduleCounter)
	addTrigger("demo/OnSave@1", schemaSave, moduleArchiver)
	addTrigger("demo/OnDeposit@1", schemaDeposit, moduleAccount)

	capRef, err := air.StoreNode(ctx, store, air.KindCap, "sys/blob@1", air.DefCap{
		Name:        "sys/blob@1",
		EffectKinds: []string{effects.KindBlobPut, effects.KindBlobGet},
	})
	require.NoError(t, err)
	refs.caps = append(refs.caps, capRef)

	cat, err := air.Materialize(ctx, store, air.Manifest{
		AirVersion: "1.0",
		Schemas:    refs.schemas,
		Modules:    refs.modules,
		Triggers:   refs.triggers,
		Caps:       refs.caps,
	})
	require.NoError(t, err)
	return cat
}

// testInvoker registers every fixture module.
func testInvoker() *wasmrt.NativeInvoker {
	inv := wasmrt.NewNativeInvoker()
	inv.Register(moduleCounter, counterModule)
	inv.Register(moduleArchiver, archiverModule)
	inv.Register(moduleAccount, accountModule)
	return inv
}

// fixedClock and fixedEntropy make stamps deterministic in tests that
// compare worlds.
type fixedClock struct{ ns uint64 }

func (c *fixedClock) NowNS() uint64 {
	c.ns += 1_000_000
	return c.ns
}

type fixedEntropy struct{ b byte }

func (e *fixedEntropy) Read(n int) []byte {
	e.b++
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = e.b
	}
	return buf
}
