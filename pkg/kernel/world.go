package kernel

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

// ReceiptEventSchema is the event schema under which settled receipts reach
// reducers.
const ReceiptEventSchema = "sys/EffectReceipt@1"

// FrameEventSchema is the event schema under which stream frames reach
// reducers.
const FrameEventSchema = "sys/EffectFrame@1"

// RunMode selects cycle behavior: Batch drains to quiescence, Interactive
// yields to the host between cycles.
type RunMode int

const (
	Batch RunMode = iota
	Interactive
)

// Config tunes a kernel instance.
type Config struct {
	// SnapshotDir mirrors snapshot markers to <seq>.marker files; empty
	// disables the mirror.
	SnapshotDir string
	// StepBound caps work items (events, receipts, frames) processed per
	// TickUntilIdle; 0 means unbounded.
	StepBound int
	// ReceiptVerifyKey, when set, makes SubmitReceipt verify signatures.
	ReceiptVerifyKey ed25519.PublicKey
	// ValidateEvents enables JSON-schema validation of submitted domain
	// events against their manifest schema.
	ValidateEvents bool
}

// Kernel is the deterministic world core. It owns the journal exclusively,
// shares the content store with the effect manager and adapters, and drives
// one reducer invocation at a time. Instances are explicit: multiple worlds
// may coexist in one process.
type Kernel struct {
	mu   sync.Mutex
	cond *sync.Cond

	store   cas.Store
	jnl     journal.Journal
	catalog *air.Catalog
	invoker wasmrt.Invoker
	config  Config
	logger  *slog.Logger

	sched   *scheduler
	states  map[string]*reducerState
	frames  *frameTracker
	stamper *stamper

	// effectOut receives sealed intents in live mode; nil buffers them in
	// outbox for DrainEffects. Emission happens after the step loop releases
	// the kernel lock: a synchronous manager rejection re-enters
	// SubmitReceipt, which must be able to take the lock.
	effectOut   func(*effects.EffectIntent)
	outbox      []*effects.EffectIntent
	pendingEmit []*effects.EffectIntent

	valueSchemas map[air.Name]*jsonschema.Schema

	replaying bool
	closed    bool
}

// New assembles a kernel over an already-materialized catalog and replays the
// journal to head. clock and entropy default to the system sources.
func New(ctx context.Context, store cas.Store, jnl journal.Journal, catalog *air.Catalog,
	invoker wasmrt.Invoker, config Config, clock WallClock, entropy EntropySource, logger *slog.Logger) (*Kernel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemWallClock{}
	}
	if entropy == nil {
		entropy = CryptoEntropy{}
	}
	k := &Kernel{
		store:        store,
		jnl:          jnl,
		catalog:      catalog,
		invoker:      invoker,
		config:       config,
		logger:       logger.With("component", "kernel"),
		sched:        newScheduler(),
		states:       make(map[string]*reducerState),
		frames:       newFrameTracker(),
		valueSchemas: make(map[air.Name]*jsonschema.Schema),
		stamper: &stamper{
			clock:        clock,
			entropy:      entropy,
			manifestHash: catalog.ManifestHash,
		},
	}
	k.cond = sync.NewCond(&k.mu)
	if err := k.replayToHead(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

// Open loads the manifest from path against the store, mounts the journal,
// and replays to head.
func Open(ctx context.Context, store cas.Store, manifestPath string, jnl journal.Journal,
	invoker wasmrt.Invoker, config Config, logger *slog.Logger) (*Kernel, error) {
	catalog, err := air.LoadManifestFromPath(ctx, store, manifestPath)
	if err != nil {
		return nil, WrapErr(CodeManifestInvalid, err)
	}
	return New(ctx, store, jnl, catalog, invoker, config, nil, nil, logger)
}

// SetEffectOutput routes sealed intents to fn instead of the internal
// outbox. Must be called before any events are submitted.
func (k *Kernel) SetEffectOutput(fn func(*effects.EffectIntent)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.effectOut = fn
}

// SetReceiptVerifyKey installs the key SubmitReceipt verifies signatures
// against. The host wires the effect manager's key here after assembly.
func (k *Kernel) SetReceiptVerifyKey(pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.config.ReceiptVerifyKey = pub
}

// Catalog returns the materialized manifest.
func (k *Kernel) Catalog() *air.Catalog { return k.catalog }

// ManifestHash returns the pinned manifest hash.
func (k *Kernel) ManifestHash() cas.Hash { return k.catalog.ManifestHash }

// domainEventBody is the journal payload of a domain event.
type domainEventBody struct {
	EventID string `json:"event_id,omitempty"`
	Schema  string `json:"schema"`
	Value   []byte `json:"value"`
	// Parent links a child event to the reducer that emitted it.
	Parent string `json:"parent,omitempty"`
}

// SubmitDomainEvent stamps, journals, and enqueues an external event. The
// returned seq is the event's journal position.
func (k *Kernel) SubmitDomainEvent(ctx context.Context, schema string, value []byte, eventID string) (journal.Seq, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, Errf(CodeInternal, "kernel closed")
	}
	if _, ok := k.catalog.Schemas[air.Name(schema)]; !ok {
		return 0, Errf(CodeManifestInvalid, "unknown event schema %q", schema)
	}
	if err := k.validateEventValue(air.Name(schema), value); err != nil {
		return 0, err
	}

	stamp := k.stamper.stamp(k.jnl.Head())
	body, err := canonicalize.Canonical(domainEventBody{EventID: eventID, Schema: schema, Value: value})
	if err != nil {
		return 0, WrapErr(CodeInternal, err)
	}
	seq, err := k.appendLocked(ctx, journal.KindDomainEvent, stamp, body)
	if err != nil {
		return 0, err
	}
	k.sched.push(queuedWork{Seq: seq, Kind: journal.KindDomainEvent, Stamp: stamp, Schema: schema, Value: value})
	k.cond.Broadcast()
	return seq, nil
}

func (k *Kernel) validateEventValue(schema air.Name, value []byte) error {
	if !k.config.ValidateEvents {
		return nil
	}
	compiled, ok := k.valueSchemas[schema]
	if !ok {
		def := k.catalog.Schemas[schema]
		var err error
		compiled, err = air.CompileValueSchema(schema, def.Type)
		if err != nil {
			return WrapErr(CodeManifestInvalid, err)
		}
		k.valueSchemas[schema] = compiled
	}
	var v interface{}
	if err := json.Unmarshal(value, &v); err != nil {
		return Errf(CodeModuleDecode, "event value for %s is not valid JSON: %v", schema, err)
	}
	if err := compiled.Validate(v); err != nil {
		return Errf(CodeManifestInvalid, "event value violates schema %s: %v", schema, err)
	}
	return nil
}

// SubmitReceipt verifies, journals, and routes an adapter receipt. Receipts
// with no pending correlation are journaled as orphans and dropped.
func (k *Kernel) SubmitReceipt(ctx context.Context, receipt *effects.EffectReceipt) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return Errf(CodeInternal, "kernel closed")
	}
	if !receipt.Status.Valid() {
		return Errf(CodeAdapterError, "receipt status %q invalid", receipt.Status)
	}
	if k.config.ReceiptVerifyKey != nil {
		if err := receipt.VerifySignature(k.config.ReceiptVerifyKey); err != nil {
			return WrapErr(CodeAdapterError, err)
		}
	}

	stamp := k.stamper.stamp(k.jnl.Head())
	body, err := canonicalize.Canonical(receipt)
	if err != nil {
		return WrapErr(CodeInternal, err)
	}

	if _, ok := k.sched.peekReceipt(receipt.IntentHash); !ok {
		_, err := k.appendLocked(ctx, journal.KindOrphanReceipt, stamp, body)
		if err != nil {
			return err
		}
		k.logger.Warn("orphan receipt journaled and dropped",
			"intent_hash", receipt.IntentHash.String(), "adapter", receipt.AdapterID)
		k.cond.Broadcast()
		return nil
	}

	seq, err := k.appendLocked(ctx, journal.KindReceipt, stamp, body)
	if err != nil {
		return err
	}
	k.sched.push(queuedWork{Seq: seq, Kind: journal.KindReceipt, Stamp: stamp, Receipt: receipt})
	k.cond.Broadcast()
	return nil
}

// SubmitFrame journals and routes a mid-life stream frame.
func (k *Kernel) SubmitFrame(ctx context.Context, frame *effects.StreamFrame) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return Errf(CodeInternal, "kernel closed")
	}
	if _, ok := k.sched.peekReceipt(frame.IntentHash); !ok {
		k.logger.Warn("frame for unknown intent dropped", "intent_hash", frame.IntentHash.String())
		return nil
	}
	stamp := k.stamper.stamp(k.jnl.Head())
	body, err := canonicalize.Canonical(frame)
	if err != nil {
		return WrapErr(CodeInternal, err)
	}
	seq, err := k.appendLocked(ctx, journal.KindStreamFrame, stamp, body)
	if err != nil {
		return err
	}
	k.sched.push(queuedWork{Seq: seq, Kind: journal.KindStreamFrame, Stamp: stamp, Frame: frame})
	k.cond.Broadcast()
	return nil
}

func (k *Kernel) appendLocked(ctx context.Context, kind journal.EntryKind, stamp IngressStamp, payload []byte) (journal.Seq, error) {
	seq, err := k.jnl.Append(ctx, &journal.Entry{
		Kind:         kind,
		TimestampNS:  stamp.NowNS,
		LogicalNowNS: stamp.LogicalNowNS,
		Entropy:      stamp.Entropy,
		ManifestHash: stamp.ManifestHash,
		Payload:      payload,
	})
	if err != nil {
		return 0, WrapErr(CodeOf(err), err)
	}
	return seq, nil
}

// TickUntilIdle drains the work queue to quiescence (or the step bound) with
// one reducer invocation at a time. It does not wait for pending receipts;
// batch callers loop until PendingReceipts reaches zero.
func (k *Kernel) TickUntilIdle(ctx context.Context) (int, error) {
	k.mu.Lock()
	steps, err := k.drainLocked(ctx)
	emits, out := k.takeEmitsLocked()
	k.mu.Unlock()
	flushEmits(emits, out)
	return steps, err
}

func (k *Kernel) takeEmitsLocked() ([]*effects.EffectIntent, func(*effects.EffectIntent)) {
	emits := k.pendingEmit
	k.pendingEmit = nil
	return emits, k.effectOut
}

func flushEmits(emits []*effects.EffectIntent, out func(*effects.EffectIntent)) {
	if out == nil {
		return
	}
	for _, intent := range emits {
		out(intent)
	}
}

func (k *Kernel) drainLocked(ctx context.Context) (int, error) {
	steps := 0
	for {
		if k.config.StepBound > 0 && steps >= k.config.StepBound {
			return steps, nil
		}
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		work, ok := k.sched.pop()
		if !ok {
			return steps, nil
		}
		if err := k.processWork(ctx, work); err != nil {
			if IsFatal(err) {
				k.closed = true
				return steps, err
			}
			k.logger.Error("work item failed", "seq", work.Seq, "kind", work.Kind, "error", err)
		}
		steps++
	}
}

// RunCycle runs one scheduling cycle. Batch mode drains to quiescence;
// Interactive mode processes at most one queued item then yields.
func (k *Kernel) RunCycle(ctx context.Context, mode RunMode) (int, error) {
	if mode == Batch {
		return k.TickUntilIdle(ctx)
	}
	k.mu.Lock()
	work, ok := k.sched.pop()
	if !ok {
		k.mu.Unlock()
		return 0, nil
	}
	err := k.processWork(ctx, work)
	if err != nil {
		if IsFatal(err) {
			k.closed = true
			k.mu.Unlock()
			return 0, err
		}
		k.logger.Error("work item failed", "seq", work.Seq, "kind", work.Kind, "error", err)
	}
	emits, out := k.takeEmitsLocked()
	k.mu.Unlock()
	flushEmits(emits, out)
	return 1, nil
}

// processWork resolves one journaled work item into reducer invocations.
func (k *Kernel) processWork(ctx context.Context, work queuedWork) error {
	switch work.Kind {
	case journal.KindDomainEvent:
		return k.processDomainEvent(ctx, work)
	case journal.KindReceipt:
		return k.processReceipt(ctx, work)
	case journal.KindStreamFrame:
		return k.processFrame(ctx, work)
	}
	return nil
}

func (k *Kernel) processDomainEvent(ctx context.Context, work queuedWork) error {
	triggers := k.catalog.TriggersFor(air.Name(work.Schema))
	if len(triggers) == 0 {
		k.logger.Debug("event has no triggers", "schema", work.Schema, "seq", work.Seq)
		return nil
	}
	for _, trig := range triggers {
		if err := k.reduce(ctx, trig.Reducer, work.Stamp, wasmrt.EventEnvelope{
			Schema: work.Schema,
			Value:  work.Value,
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

// receiptEventBody is the event value reducers receive for a settled intent.
type receiptEventBody struct {
	IntentHash     cas.Hash              `json:"intent_hash"`
	AdapterID      string                `json:"adapter_id"`
	Status         effects.ReceiptStatus `json:"status"`
	Payload        []byte                `json:"payload"`
	CostCents      *uint64               `json:"cost_cents,omitempty"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

func (k *Kernel) processReceipt(ctx context.Context, work queuedWork) error {
	corr, ok := k.sched.takeReceipt(work.Receipt.IntentHash)
	if !ok {
		k.logger.Warn("receipt lost its correlator before processing",
			"intent_hash", work.Receipt.IntentHash.String())
		return nil
	}
	k.frames.settle(work.Receipt.IntentHash)

	value, err := canonicalize.Canonical(receiptEventBody{
		IntentHash:     work.Receipt.IntentHash,
		AdapterID:      work.Receipt.AdapterID,
		Status:         work.Receipt.Status,
		Payload:        work.Receipt.Payload,
		CostCents:      work.Receipt.CostCents,
		IdempotencyKey: corr.IdempotencyKey,
	})
	if err != nil {
		return WrapErr(CodeInternal, err)
	}
	err = k.reduce(ctx, corr.Reducer, work.Stamp, wasmrt.EventEnvelope{
		Schema: ReceiptEventSchema,
		Value:  value,
	}, corr.InstanceKey)
	if err == nil {
		k.cond.Broadcast()
	}
	return err
}

// frameEventBody is the event value reducers receive for a stream frame.
type frameEventBody struct {
	IntentHash cas.Hash `json:"intent_hash"`
	EffectKind string   `json:"effect_kind"`
	Seq        uint64   `json:"seq"`
	Kind       string   `json:"kind"`
	Payload    []byte   `json:"payload"`
}

func (k *Kernel) processFrame(ctx context.Context, work queuedWork) error {
	corr, ok := k.sched.peekReceipt(work.Frame.IntentHash)
	if !ok {
		k.logger.Warn("frame lost its correlator before processing",
			"intent_hash", work.Frame.IntentHash.String())
		return nil
	}
	for _, frame := range k.frames.admit(work.Frame) {
		// The adapter stamped the frame with the emitting instance; a
		// correlator that drifted from it must not settle into another cell.
		if len(frame.OriginInstanceKey) > 0 && !bytes.Equal(frame.OriginInstanceKey, corr.InstanceKey) {
			k.reportModuleFailure(ctx, corr.Reducer, work.Stamp, wasmrt.FailReduce,
				fmt.Sprintf("frame origin key %x does not match correlator key %x",
					frame.OriginInstanceKey, corr.InstanceKey))
			continue
		}
		value, err := canonicalize.Canonical(frameEventBody{
			IntentHash: frame.IntentHash,
			EffectKind: frame.EffectKind,
			Seq:        frame.Seq,
			Kind:       frame.Kind,
			Payload:    frame.Payload,
		})
		if err != nil {
			return WrapErr(CodeInternal, err)
		}
		if err := k.reduce(ctx, corr.Reducer, work.Stamp, wasmrt.EventEnvelope{
			Schema: FrameEventSchema,
			Value:  value,
		}, corr.InstanceKey); err != nil {
			return err
		}
	}
	return nil
}

// deriveKey extracts the cell key of a keyed reducer from the event value.
func deriveKey(module *air.DefModule, event wasmrt.EventEnvelope) ([]byte, error) {
	if !module.CellMode {
		return nil, nil
	}
	if module.KeyField == "" {
		return nil, fmt.Errorf("module %s is keyed but names no key field", module.Name)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(event.Value, &fields); err != nil {
		return nil, fmt.Errorf("event value not decodable for key derivation: %w", err)
	}
	raw, ok := fields[module.KeyField]
	if !ok {
		return nil, fmt.Errorf("event lacks key field %q", module.KeyField)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), nil
	}
	return raw, nil
}

// reduce invokes one reducer on one event and commits its output. State is
// committed only on success; every failure leaves it untouched.
func (k *Kernel) reduce(ctx context.Context, name air.Name, stamp IngressStamp,
	event wasmrt.EventEnvelope, explicitKey []byte) error {

	module, ok := k.catalog.Modules[name]
	if !ok {
		return Errf(CodeManifestInvalid, "trigger names unknown module %s", name)
	}
	if module.Flavor == air.FlavorPure {
		return Errf(CodeManifestInvalid, "module %s is pure and cannot reduce", name)
	}

	// key is what the invocation context carries; derived is the
	// authoritative key for this event. For domain events the key derives
	// from the event value; for receipt and frame settlements the correlator
	// recorded at emission is authoritative.
	key := explicitKey
	derived := explicitKey
	settlement := event.Schema == ReceiptEventSchema || event.Schema == FrameEventSchema
	if module.CellMode && !settlement {
		d, err := deriveKey(module, event)
		if err != nil {
			k.reportModuleFailure(ctx, name, stamp, wasmrt.FailReduce, err.Error())
			return nil
		}
		derived = d
		if key == nil {
			key = d
		}
	}

	st, ok := k.states[string(name)]
	if !ok {
		st = newReducerState(module.CellMode)
		k.states[string(name)] = st
	}

	in := &wasmrt.InEnvelope{
		Version: wasmrt.ABIVersion,
		State:   st.get(key),
		Event:   event,
		Ctx: wasmrt.CallCtx{
			Key:      key,
			CellMode: module.CellMode,
			Stamp: wasmrt.StampInfo{
				NowNS:         stamp.NowNS,
				LogicalNowNS:  stamp.LogicalNowNS,
				Entropy:       stamp.Entropy,
				JournalHeight: stamp.JournalHeight,
				ManifestHash:  stamp.ManifestHash.String(),
			},
		},
	}

	// A ctx key that does not match the derived key never reaches the
	// module: the invocation fails as a reduce error with state untouched.
	if err := wasmrt.CheckKey(in, derived, string(name)); err != nil {
		ie, _ := wasmrt.AsInvokeError(err)
		k.reportModuleFailure(ctx, name, stamp, ie.Kind, ie.Message)
		return nil
	}

	out, err := k.invoker.Invoke(ctx, module, in)
	if err != nil {
		ie, classified := wasmrt.AsInvokeError(err)
		if !classified {
			return WrapErr(CodeInternal, err)
		}
		k.reportModuleFailure(ctx, name, stamp, ie.Kind, ie.Message)
		return nil
	}

	// Commit state.
	st.set(key, out.State)

	// Child domain events are journaled at production time so pop order keeps
	// matching journal order, then enqueued like any other event.
	for _, child := range out.DomainEvents {
		if _, ok := k.catalog.Schemas[air.Name(child.Schema)]; !ok {
			k.logger.Warn("child event has unknown schema, dropped",
				"reducer", name, "schema", child.Schema)
			continue
		}
		if !k.replaying {
			body, err := canonicalize.Canonical(domainEventBody{
				Schema: child.Schema,
				Value:  child.Value,
				Parent: string(name),
			})
			if err != nil {
				return WrapErr(CodeInternal, err)
			}
			seq, err := k.appendLocked(ctx, journal.KindDomainEvent, stamp, body)
			if err != nil {
				return err
			}
			// The child inherits the parent stamp but observes its own
			// journal position, live and on replay alike.
			childStamp := stamp
			childStamp.JournalHeight = seq
			k.sched.push(queuedWork{Seq: seq, Kind: journal.KindDomainEvent, Stamp: childStamp,
				Schema: child.Schema, Value: child.Value})
		}
		// During replay the child's journal entry already exists and will be
		// processed at its own position.
	}

	// Seal and emit intents. On replay only the pending table is rebuilt:
	// effects must not dispatch twice.
	for _, mi := range out.Effects {
		intent, err := effects.NewIntent(mi.Kind, mi.Params, mi.CapSlot, effects.EffectSource{
			ModuleID:    string(name),
			InstanceKey: key,
		}, mi.IdempotencyKey)
		if err != nil {
			k.logger.Warn("module emitted malformed intent, dropped", "reducer", name, "error", err)
			continue
		}
		k.sched.expectReceipt(intent.IntentHash, pendingCorrelator{
			Reducer:        name,
			InstanceKey:    key,
			IdempotencyKey: mi.IdempotencyKey,
		})
		if !k.replaying {
			if k.effectOut != nil {
				k.pendingEmit = append(k.pendingEmit, intent)
			} else {
				k.outbox = append(k.outbox, intent)
			}
		}
	}
	return nil
}

// moduleFailureBody is the receipt-like journal payload for a contained
// module failure.
type moduleFailureBody struct {
	Module  string `json:"module"`
	Failure string `json:"failure"`
	Message string `json:"message"`
}

// reportModuleFailure journals a contained sandbox failure. Traps never crash
// the kernel; the event is marked failed and state stays reverted.
func (k *Kernel) reportModuleFailure(ctx context.Context, name air.Name, stamp IngressStamp,
	kind wasmrt.FailureKind, message string) {
	k.logger.Warn("module failure contained",
		"module", name, "failure", string(kind), "message", message)
	if k.replaying {
		return
	}
	body, err := canonicalize.Canonical(moduleFailureBody{
		Module:  string(name),
		Failure: string(kind),
		Message: message,
	})
	if err != nil {
		return
	}
	if _, err := k.appendLocked(ctx, journal.KindOrphanReceipt, stamp, body); err != nil {
		k.logger.Error("failed to journal module failure", "error", err)
	}
}

// DrainEffects pops the buffered intents for external dispatch. Used when no
// effect manager is attached (shadow runs, manual hosts).
func (k *Kernel) DrainEffects() []*effects.EffectIntent {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := k.outbox
	k.outbox = nil
	return out
}

// PendingReceipts reports the number of intents awaiting settlement.
func (k *Kernel) PendingReceipts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.pendingCount()
}

// QueueEmpty reports whether the work queue is drained.
func (k *Kernel) QueueEmpty() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.queueEmpty()
}

// Snapshot captures the world at the current quiescent point: all reducer
// states plus scheduler bookkeeping, stored as one canonical blob, anchored
// by a journal marker. The queue must be drained first.
func (k *Kernel) Snapshot(ctx context.Context) (cas.Hash, journal.Seq, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.sched.queueEmpty() {
		return cas.Hash{}, 0, Errf(CodeInternal, "snapshot requires a drained queue (%d items)", len(k.sched.queue))
	}
	snap := &Snapshot{
		JournalHeight: k.jnl.Head(),
		ManifestHash:  k.catalog.ManifestHash,
		ReducerStates: make(map[string]reducerStateSnap, len(k.states)),
		Scheduler:     k.sched.snapshot(),
	}
	for _, name := range sortedNames(k.states) {
		snap.ReducerStates[name] = k.states[name].snap()
	}
	return writeSnapshot(ctx, k.store, k.jnl, k.config.SnapshotDir, snap, k.catalog.ManifestHash)
}

// TruncateThroughSnapshot drops the journal prefix covered by the given
// snapshot. The marker itself stays reachable so a later open can find the
// snapshot. Call only after Snapshot returned durably.
func (k *Kernel) TruncateThroughSnapshot(ctx context.Context, markerSeq journal.Seq) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if markerSeq == 0 {
		return nil
	}
	if err := k.jnl.TruncatePrefix(ctx, markerSeq-1); err != nil {
		return WrapErr(CodeOf(err), err)
	}
	return nil
}

// replayToHead restores the world from the latest snapshot and re-processes
// the journal suffix. Replay re-supplies journaled stamps and never
// re-dispatches effects.
func (k *Kernel) replayToHead(ctx context.Context) error {
	snap, markerSeq, _, err := findLatestSnapshot(ctx, k.store, k.jnl)
	if err != nil {
		return err
	}
	from := journal.Seq(0)
	if snap != nil {
		if snap.ManifestHash != k.catalog.ManifestHash {
			return Errf(CodeManifestInvalid,
				"snapshot pins manifest %s, loaded manifest is %s", snap.ManifestHash, k.catalog.ManifestHash)
		}
		for name, rs := range snap.ReducerStates {
			k.states[name] = restoreReducerState(rs)
		}
		k.sched.restore(snap.Scheduler)
		from = markerSeq + 1
	} else {
		from = lowestReadable(k.jnl)
	}

	head := k.jnl.Head()
	k.replaying = true
	savedBound := k.config.StepBound
	k.config.StepBound = 0
	defer func() {
		k.replaying = false
		k.config.StepBound = savedBound
	}()

	var maxLogical uint64
	for seq := from; seq < head; {
		entries, err := k.jnl.Read(ctx, seq, 128)
		if err != nil {
			return WrapErr(CodeOf(err), err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			seq = e.Seq + 1
			if e.LogicalNowNS > maxLogical {
				maxLogical = e.LogicalNowNS
			}
			if err := k.replayEntry(ctx, e); err != nil {
				return err
			}
		}
	}
	// Logical time continues past the highest journaled value.
	if maxLogical > k.stamper.logicalNowNS {
		k.stamper.logicalNowNS = maxLogical
	}
	// Drain everything the replayed entries enqueued.
	if _, err := k.drainLocked(ctx); err != nil {
		return err
	}
	return nil
}

func (k *Kernel) replayEntry(ctx context.Context, e *journal.Entry) error {
	stamp := IngressStamp{
		NowNS:         e.TimestampNS,
		LogicalNowNS:  e.LogicalNowNS,
		Entropy:       e.Entropy,
		JournalHeight: e.Seq,
		ManifestHash:  e.ManifestHash,
	}
	switch e.Kind {
	case journal.KindDomainEvent:
		var body domainEventBody
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			return Errf(CodeJournalCorrupt, "entry %d undecodable: %v", e.Seq, err)
		}
		stamp.JournalHeight = e.Seq
		k.sched.push(queuedWork{Seq: e.Seq, Kind: e.Kind, Stamp: stamp, Schema: body.Schema, Value: body.Value})
	case journal.KindReceipt:
		var receipt effects.EffectReceipt
		if err := json.Unmarshal(e.Payload, &receipt); err != nil {
			return Errf(CodeJournalCorrupt, "entry %d undecodable: %v", e.Seq, err)
		}
		k.sched.push(queuedWork{Seq: e.Seq, Kind: e.Kind, Stamp: stamp, Receipt: &receipt})
	case journal.KindStreamFrame:
		var frame effects.StreamFrame
		if err := json.Unmarshal(e.Payload, &frame); err != nil {
			return Errf(CodeJournalCorrupt, "entry %d undecodable: %v", e.Seq, err)
		}
		k.sched.push(queuedWork{Seq: e.Seq, Kind: e.Kind, Stamp: stamp, Frame: &frame})
	case journal.KindSnapshotMarker, journal.KindOrphanReceipt:
		// Markers below the latest were superseded; orphans and failure
		// reports are audit records, not work.
	}
	return nil
}

// Close marks the kernel closed and releases the module runtime.
func (k *Kernel) Close(ctx context.Context) error {
	k.mu.Lock()
	k.closed = true
	k.cond.Broadcast()
	k.mu.Unlock()
	return k.invoker.Close(ctx)
}
