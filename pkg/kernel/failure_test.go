package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

// TestModuleTrapContained verifies a trapping module never crashes the
// kernel: the event is marked failed, state is unchanged, and a receipt-like
// failure entry lands in the journal.
func TestModuleTrapContained(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	jnl := journal.NewMemJournal()
	cat := buildTestCatalog(t, store)

	inv := testInvoker()
	trapOnTick := false
	inv.Register(moduleCounter, func(in *wasmrt.InEnvelope) (*wasmrt.OutEnvelope, error) {
		if trapOnTick && in.Event.Schema == schemaTick {
			return nil, errors.New("index out of range")
		}
		return counterModule(in)
	})

	k, err := New(ctx, store, jnl, cat, inv, Config{}, &fixedClock{}, &fixedEntropy{}, nil)
	require.NoError(t, err)

	submitJSON(t, k, schemaStart, map[string]uint64{"target": 2})
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err)
	before := counterStateOf(t, k)

	trapOnTick = true
	submitJSON(t, k, schemaTick, map[string]any{})
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err, "a trap is contained, not propagated")

	assert.Equal(t, before, counterStateOf(t, k), "state must revert on trap")

	tail, err := jnl.Tail(ctx, 0, journal.Filter{Kinds: []journal.EntryKind{journal.KindOrphanReceipt}})
	require.NoError(t, err)
	e, err := tail.Next()
	require.NoError(t, err)
	assert.NotNil(t, e, "failure must be reported via a receipt-like journal entry")
}

// TestReduceErrorLeavesState verifies a module-reported domain error leaves
// reducer state untouched.
func TestReduceErrorLeavesState(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	cat := buildTestCatalog(t, store)

	inv := testInvoker()
	inv.Register(moduleCounter, func(in *wasmrt.InEnvelope) (*wasmrt.OutEnvelope, error) {
		if in.Event.Schema == schemaTick {
			return &wasmrt.OutEnvelope{Err: "tick rejected"}, nil
		}
		return counterModule(in)
	})

	k, err := New(ctx, store, journal.NewMemJournal(), cat, inv, Config{}, &fixedClock{}, &fixedEntropy{}, nil)
	require.NoError(t, err)

	submitJSON(t, k, schemaStart, map[string]uint64{"target": 1})
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err)
	before := counterStateOf(t, k)

	submitJSON(t, k, schemaTick, map[string]any{})
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, counterStateOf(t, k))
}

// TestKeyedReducerKeyMismatchFails verifies the keyed-reducer contract end to
// end: an invocation whose ctx key does not match the key derived from the
// event fails as a reduce error before reaching the module, with state
// untouched and a failure entry journaled.
func TestKeyedReducerKeyMismatchFails(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	jnl := journal.NewMemJournal()
	cat := buildTestCatalog(t, store)

	invoked := 0
	inv := testInvoker()
	inv.Register(moduleAccount, func(in *wasmrt.InEnvelope) (*wasmrt.OutEnvelope, error) {
		invoked++
		return accountModule(in)
	})

	k, err := New(ctx, store, jnl, cat, inv, Config{}, &fixedClock{}, &fixedEntropy{}, nil)
	require.NoError(t, err)

	submitJSON(t, k, schemaDeposit, map[string]any{"account": "alice", "amount": 70})
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, invoked)

	// Route a deposit for alice into bob's cell: the ctx key disagrees with
	// the key derived from the event.
	event := wasmrt.EventEnvelope{
		Schema: schemaDeposit,
		Value:  []byte(`{"account":"alice","amount":1000}`),
	}
	stamp := k.stamper.stamp(jnl.Head())
	require.NoError(t, k.reduce(ctx, moduleAccount, stamp, event, []byte("bob")))
	assert.Equal(t, 1, invoked, "mismatched invocation must not reach the module")

	read, err := k.GetReducerState(ctx, moduleAccount, []byte("alice"), Consistency{Level: Head})
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":70}`, string(read.Value), "state must be unchanged")
	read, err = k.GetReducerState(ctx, moduleAccount, []byte("bob"), Consistency{Level: Head})
	require.NoError(t, err)
	assert.Nil(t, read.Value, "no cell may be created for the mismatched key")

	tail, err := jnl.Tail(ctx, 0, journal.Filter{Kinds: []journal.EntryKind{journal.KindOrphanReceipt}})
	require.NoError(t, err)
	e, err := tail.Next()
	require.NoError(t, err)
	assert.NotNil(t, e, "the mismatch must be reported via a receipt-like journal entry")
}

// TestUnknownSchemaRejected verifies submission of an undeclared schema is a
// manifest error.
func TestUnknownSchemaRejected(t *testing.T) {
	k := newTestKernel(t, cas.NewMemStore(), journal.NewMemJournal())
	_, err := k.SubmitDomainEvent(context.Background(), "demo/Nope@1", []byte(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, CodeManifestInvalid, CodeOf(err))
}

// TestExactConsistency verifies Exact reads fail fast below the required
// height with the unavailable indicator.
func TestExactConsistency(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t, cas.NewMemStore(), journal.NewMemJournal())

	_, err := k.GetReducerState(ctx, moduleCounter, nil, Consistency{Level: Exact, Height: 99})
	require.Error(t, err)
	assert.Equal(t, CodeConsistency, CodeOf(err))

	// Exact at the true height succeeds.
	head := k.GetJournalHead().JournalHeight
	_, err = k.GetReducerState(ctx, moduleCounter, nil, Consistency{Level: Exact, Height: head})
	assert.NoError(t, err)
}

// TestShadowExecution runs a patched manifest against the in-memory journal
// and a read-only store view, predicting effects without executing them.
func TestShadowExecution(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	cat := buildTestCatalog(t, store)

	shadow := NewShadowExecutor(store, testInvoker(), nil)
	summary, err := shadow.Run(ctx, cat.Manifest, &ShadowConfig{
		SeedEvents: []ShadowSeedEvent{
			{Schema: schemaSave, Value: []byte(`{"data":"eA=="}`)},
		},
	})
	require.NoError(t, err)
	require.Len(t, summary.PredictedEffects, 1)
	assert.Contains(t, summary.PredictedEffects[0], "blob.put:")
	assert.Len(t, summary.PendingReceipts, 1)
}
