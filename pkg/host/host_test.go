package host

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

const (
	saveSchema  = "demo/Save@1"
	saverModule = "demo/Saver@1"
)

// saverState tracks blob.put settlements.
type saverState struct {
	Saved    int    `json:"saved"`
	LastHash string `json:"last_hash,omitempty"`
	LastErr  string `json:"last_err,omitempty"`
}

func saverFunc(in *wasmrt.InEnvelope) (*wasmrt.OutEnvelope, error) {
	state := saverState{}
	if in.State != nil {
		if err := json.Unmarshal(in.State, &state); err != nil {
			return &wasmrt.OutEnvelope{Err: "state undecodable"}, nil
		}
	}
	out := &wasmrt.OutEnvelope{}
	switch in.Event.Schema {
	case saveSchema:
		var ev struct {
			Data    []byte `json:"data"`
			CapSlot string `json:"cap_slot"`
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
			CapSlot: ev.CapSlot,
		})
	case "sys/EffectReceipt@1":
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

func saverManifest(t *testing.T, store cas.Store) air.Manifest {
	t.Helper()
	ctx := context.Background()

	schemaRef, err := air.StoreNode(ctx, store, air.KindSchema, saveSchema, air.DefSchema{
		Name: saveSchema, Type: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	moduleRef, err := air.StoreNode(ctx, store, air.KindModule, saverModule, air.DefModule{
		Name:       saverModule,
		Flavor:     air.FlavorReducer,
		WasmHash:   cas.Sum([]byte(saverModule)),
		ABIVersion: 1,
	})
	require.NoError(t, err)
	trigRef, err := air.StoreNode(ctx, store, air.KindTrigger, "demo/OnSave@1", air.DefTrigger{
		Name: "demo/OnSave@1", Schema: saveSchema, Reducer: saverModule,
	})
	require.NoError(t, err)
	capRef, err := air.StoreNode(ctx, store, air.KindCap, "sys/blob@1", air.DefCap{
		Name:        "sys/blob@1",
		EffectKinds: []string{effects.KindBlobPut, effects.KindBlobGet},
	})
	require.NoError(t, err)

	return air.Manifest{
		AirVersion: "1.0",
		Schemas:    []air.Ref{schemaRef},
		Modules:    []air.Ref{moduleRef},
		Triggers:   []air.Ref{trigRef},
		Caps:       []air.Ref{capRef},
	}
}

func openSaverHost(t *testing.T) *TestHost {
	t.Helper()
	ctx := context.Background()
	store := cas.NewMemStore()
	manifest := saverManifest(t, store)

	inv := wasmrt.NewNativeInvoker()
	inv.Register(saverModule, saverFunc)

	h, err := OpenTestHost(ctx, t.TempDir(), store, manifest, inv, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(shutdownCtx)
	})
	return h
}

// TestHost_BlobEffectEndToEnd drives the full loop: event → reducer intent →
// capability gate → blob.put adapter → signed receipt → reducer state.
func TestHost_BlobEffectEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := openSaverHost(t)

	require.NoError(t, h.SendEvent(ctx, saveSchema, map[string]any{
		"data":     []byte("hello-bytes"),
		"cap_slot": "blob",
	}))
	require.NoError(t, h.RunToQuiescence(ctx))

	var st saverState
	require.NoError(t, h.StateJSON(ctx, saverModule, nil, &st))
	assert.Equal(t, 1, st.Saved)
	assert.Equal(t, cas.Sum([]byte("hello-bytes")).String(), st.LastHash)
	assert.True(t, h.Store.Has(ctx, cas.Sum([]byte("hello-bytes"))))
}

// TestHost_CapDenialEndToEnd drives a capability denial through the full stack: an
// unresolvable cap slot synthesizes an Error receipt that the reducer
// observes as cap_unresolved.
func TestHost_CapDenialEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := openSaverHost(t)

	require.NoError(t, h.SendEvent(ctx, saveSchema, map[string]any{
		"data":     []byte("x"),
		"cap_slot": "none",
	}))
	require.NoError(t, h.RunToQuiescence(ctx))

	var st saverState
	require.NoError(t, h.StateJSON(ctx, saverModule, nil, &st))
	assert.Equal(t, 0, st.Saved)
	assert.Equal(t, "cap_unresolved", st.LastErr)
}

// TestHost_ShutdownSettlesPending verifies shutdown after a settled blob
// effect returns cleanly and leaves no pending receipts.
func TestHost_ShutdownSettlesPending(t *testing.T) {
	ctx := context.Background()
	h := openSaverHost(t)

	require.NoError(t, h.SendEvent(ctx, saveSchema, map[string]any{
		"data":     []byte("pending"),
		"cap_slot": "blob",
	}))
	require.NoError(t, h.RunToQuiescence(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(shutdownCtx))
	assert.Equal(t, 0, h.Kernel.PendingReceipts())
}

// TestConfig_Defaults verifies env-driven configuration boots with safe
// defaults.
func TestConfig_Defaults(t *testing.T) {
	t.Setenv("AOS_WORLD_ROOT", "")
	t.Setenv("AOS_LOG_LEVEL", "")
	t.Setenv("AOS_EFFECT_TIMEOUT", "")

	cfg := Load()
	assert.Equal(t, ".", cfg.WorldRoot)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.EffectTimeout)
	assert.Contains(t, cfg.ManifestPath, "manifest.json")
}

// TestConfig_ProfileOverlay verifies YAML profiles override env defaults.
func TestConfig_ProfileOverlay(t *testing.T) {
	cfg := Load()
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("log_level: DEBUG\nstep_bound: 500\n"), 0o644))
	require.NoError(t, cfg.LoadProfile(profile))
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 500, cfg.StepBound)
}
