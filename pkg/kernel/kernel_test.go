package kernel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

func newTestKernel(t *testing.T, store cas.Store, jnl journal.Journal) *Kernel {
	t.Helper()
	cat := buildTestCatalog(t, store)
	k, err := New(context.Background(), store, jnl, cat, testInvoker(), Config{},
		&fixedClock{}, &fixedEntropy{}, nil)
	require.NoError(t, err)
	return k
}

func submitJSON(t *testing.T, k *Kernel, schema string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = k.SubmitDomainEvent(context.Background(), schema, raw, "")
	require.NoError(t, err)
}

func counterStateOf(t *testing.T, k *Kernel) counterState {
	t.Helper()
	read, err := k.GetReducerState(context.Background(), moduleCounter, nil, Consistency{Level: Head})
	require.NoError(t, err)
	require.NotNil(t, read.Value)
	var st counterState
	require.NoError(t, json.Unmarshal(read.Value, &st))
	return st
}

// TestCounterLiveness drives the counter fixture through Start{target:3} and
// three Ticks. Expected final state: pc=done, remaining=0, decrementing by
// one per tick.
func TestCounterLiveness(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t, cas.NewMemStore(), journal.NewMemJournal())

	submitJSON(t, k, schemaStart, map[string]uint64{"target": 3})
	_, err := k.TickUntilIdle(ctx)
	require.NoError(t, err)
	st := counterStateOf(t, k)
	assert.Equal(t, "counting", st.PC)
	assert.Equal(t, uint64(3), st.Remaining)

	for i := 3; i > 1; i-- {
		submitJSON(t, k, schemaTick, map[string]any{})
		_, err = k.TickUntilIdle(ctx)
		require.NoError(t, err)
		st = counterStateOf(t, k)
		assert.Equal(t, "counting", st.PC)
		assert.Equal(t, uint64(i-1), st.Remaining)
	}

	submitJSON(t, k, schemaTick, map[string]any{})
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err)
	st = counterStateOf(t, k)
	assert.Equal(t, "done", st.PC)
	assert.Equal(t, uint64(0), st.Remaining)
}

// TestIntentEmissionAndReceiptRouting verifies a reducer's intent lands in
// the outbox with a pending correlator, and the matching receipt routes back
// into the same reducer.
func TestIntentEmissionAndReceiptRouting(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	k := newTestKernel(t, store, journal.NewMemJournal())

	submitJSON(t, k, schemaSave, map[string]any{"data": []byte("hello-bytes")})
	_, err := k.TickUntilIdle(ctx)
	require.NoError(t, err)

	intents := k.DrainEffects()
	require.Len(t, intents, 1)
	assert.Equal(t, effects.KindBlobPut, intents[0].Kind)
	assert.Equal(t, moduleArchiver, intents[0].Source.ModuleID)
	assert.Equal(t, 1, k.PendingReceipts())

	// Settle it the way an adapter would.
	blobHash, err := store.PutBlob(ctx, []byte("hello-bytes"))
	require.NoError(t, err)
	payload, err := effects.EncodeParams(effects.BlobPutReceipt{Hash: blobHash, Size: 11})
	require.NoError(t, err)
	receipt := &effects.EffectReceipt{
		IntentHash: intents[0].IntentHash,
		AdapterID:  "host.blob.put",
		Status:     effects.StatusOk,
		Payload:    payload,
	}
	require.NoError(t, k.SubmitReceipt(ctx, receipt))
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, k.PendingReceipts())

	read, err := k.GetReducerState(ctx, moduleArchiver, nil, Consistency{Level: Head})
	require.NoError(t, err)
	var st archiverState
	require.NoError(t, json.Unmarshal(read.Value, &st))
	assert.Equal(t, 1, st.Saved)
	assert.Equal(t, blobHash.String(), st.LastHash)
}

// TestOrphanReceipt verifies a receipt with no pending correlation is
// journaled as an orphan and dropped.
func TestOrphanReceipt(t *testing.T) {
	ctx := context.Background()
	jnl := journal.NewMemJournal()
	k := newTestKernel(t, cas.NewMemStore(), jnl)

	receipt := &effects.EffectReceipt{
		IntentHash: cas.Sum([]byte("never emitted")),
		AdapterID:  "host.blob.put",
		Status:     effects.StatusOk,
		Payload:    []byte(`{}`),
	}
	require.NoError(t, k.SubmitReceipt(ctx, receipt))
	_, err := k.TickUntilIdle(ctx)
	require.NoError(t, err)

	tail, err := jnl.Tail(ctx, 0, journal.Filter{Kinds: []journal.EntryKind{journal.KindOrphanReceipt}})
	require.NoError(t, err)
	e, err := tail.Next()
	require.NoError(t, err)
	require.NotNil(t, e, "orphan receipt must be journaled")
}

// TestKeyedReducerCells verifies keyed reducers keep independent per-key
// state.
func TestKeyedReducerCells(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t, cas.NewMemStore(), journal.NewMemJournal())

	submitJSON(t, k, schemaDeposit, map[string]any{"account": "alice", "amount": 70})
	submitJSON(t, k, schemaDeposit, map[string]any{"account": "bob", "amount": 10})
	submitJSON(t, k, schemaDeposit, map[string]any{"account": "alice", "amount": 5})
	_, err := k.TickUntilIdle(ctx)
	require.NoError(t, err)

	type balance struct {
		Balance int64 `json:"balance"`
	}
	var alice, bob balance
	read, err := k.GetReducerState(ctx, moduleAccount, []byte("alice"), Consistency{Level: Head})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(read.Value, &alice))
	read, err = k.GetReducerState(ctx, moduleAccount, []byte("bob"), Consistency{Level: Head})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(read.Value, &bob))

	assert.Equal(t, int64(75), alice.Balance)
	assert.Equal(t, int64(10), bob.Balance)
}

// TestReplayEquivalence covers replay equivalence: run a workload with a
// mid-stream snapshot, then open a fresh kernel over the same store and
// journal and compare final states byte for byte.
func TestReplayEquivalence(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	jnl := journal.NewMemJournal()
	k := newTestKernel(t, store, jnl)

	submitJSON(t, k, schemaStart, map[string]uint64{"target": 5})
	for i := 0; i < 2; i++ {
		submitJSON(t, k, schemaTick, map[string]any{})
	}
	_, err := k.TickUntilIdle(ctx)
	require.NoError(t, err)

	_, _, err = k.Snapshot(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		submitJSON(t, k, schemaTick, map[string]any{})
	}
	submitJSON(t, k, schemaDeposit, map[string]any{"account": "alice", "amount": 42})
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err)

	h1Counter := counterStateOf(t, k)
	read, err := k.GetReducerState(ctx, moduleAccount, []byte("alice"), Consistency{Level: Head})
	require.NoError(t, err)
	h1Alice := append([]byte(nil), read.Value...)

	// Fresh kernel over the same world: must replay to identical state.
	k2 := newTestKernel(t, store, jnl)
	h2Counter := counterStateOf(t, k2)
	read2, err := k2.GetReducerState(ctx, moduleAccount, []byte("alice"), Consistency{Level: Head})
	require.NoError(t, err)

	assert.Equal(t, h1Counter, h2Counter)
	assert.Equal(t, h1Alice, read2.Value)
	assert.Equal(t, k.GetJournalHead().JournalHeight, k2.GetJournalHead().JournalHeight)
}

// TestSnapshotReopen verifies that after a snapshot and reopen, the
// state equals the state at the snapshot moment even when the journal prefix
// is truncated.
func TestSnapshotReopen(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	jnl := journal.NewMemJournal()
	k := newTestKernel(t, store, jnl)

	submitJSON(t, k, schemaStart, map[string]uint64{"target": 2})
	submitJSON(t, k, schemaTick, map[string]any{})
	_, err := k.TickUntilIdle(ctx)
	require.NoError(t, err)
	want := counterStateOf(t, k)

	_, markerSeq, err := k.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, k.TruncateThroughSnapshot(ctx, markerSeq))

	k2 := newTestKernel(t, store, jnl)
	assert.Equal(t, want, counterStateOf(t, k2))
}

// TestReplayDoesNotRedispatchEffects verifies replay rebuilds the pending
// table without re-emitting intents.
func TestReplayDoesNotRedispatchEffects(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	jnl := journal.NewMemJournal()
	k := newTestKernel(t, store, jnl)

	submitJSON(t, k, schemaSave, map[string]any{"data": []byte("x")})
	_, err := k.TickUntilIdle(ctx)
	require.NoError(t, err)
	require.Len(t, k.DrainEffects(), 1)
	require.Equal(t, 1, k.PendingReceipts())

	k2 := newTestKernel(t, store, jnl)
	assert.Empty(t, k2.DrainEffects(), "replay must not re-dispatch effects")
	assert.Equal(t, 1, k2.PendingReceipts(), "replay must rebuild the pending table")
}

// TestChildEventsJournaled verifies child events land in the journal at
// production time, preserving pop order under replay.
func TestChildEventsJournaled(t *testing.T) {
	ctx := context.Background()
	store := cas.NewMemStore()
	jnl := journal.NewMemJournal()

	cat := buildTestCatalog(t, store)
	inv := testInvoker()
	// echoChild re-emits every Save event as a Tick child event.
	inv.Register(moduleArchiver, func(in *wasmrt.InEnvelope) (*wasmrt.OutEnvelope, error) {
		return &wasmrt.OutEnvelope{
			State:        []byte(`{}`),
			DomainEvents: []wasmrt.EventEnvelope{{Schema: schemaTick, Value: []byte(`{}`)}},
		}, nil
	})

	k, err := New(ctx, store, jnl, cat, inv, Config{}, &fixedClock{}, &fixedEntropy{}, nil)
	require.NoError(t, err)

	submitJSON(t, k, schemaStart, map[string]uint64{"target": 1})
	submitJSON(t, k, schemaSave, map[string]any{"data": []byte("x")})
	_, err = k.TickUntilIdle(ctx)
	require.NoError(t, err)

	// Start, Save, child Tick.
	assert.Equal(t, journal.Seq(3), jnl.Head())
	st := counterStateOf(t, k)
	assert.Equal(t, "done", st.PC)

	// Replay reproduces the same state from the journal alone.
	k2, err := New(ctx, store, jnl, cat, inv, Config{}, &fixedClock{}, &fixedEntropy{}, nil)
	require.NoError(t, err)
	assert.Equal(t, st, counterStateOf(t, k2))
}
