// Package effectmgr queues effect intents, gates them through capability and
// policy checks, dispatches them to adapters concurrently, and funnels
// normalized signed receipts back into the scheduler through a single sink.
package effectmgr

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/effectmgr/receiptindex"
)

// Sink receives normalized receipts and stream frames. The kernel's ingestion
// point implements it; delivery order follows adapter completion, not
// dispatch.
type Sink interface {
	OnReceipt(receipt *effects.EffectReceipt)
	OnFrame(frame *effects.StreamFrame)
}

// StreamingAdapter is an optional adapter extension for effects that emit
// mid-life frames before their terminal receipt.
type StreamingAdapter interface {
	effects.Adapter
	ExecuteStream(ctx context.Context, intent *effects.EffectIntent, emit func(*effects.StreamFrame)) (*effects.EffectReceipt, error)
}

// deadlineHinter lets an adapter replace the default per-intent timeout
// (timers legitimately outlive it).
type deadlineHinter interface {
	DeadlineHint(intent *effects.EffectIntent) (time.Duration, bool)
}

// Config tunes the manager.
type Config struct {
	// QueueDepth bounds each source's pending intent FIFO.
	QueueDepth int
	// EffectTimeout is the default per-intent deadline.
	EffectTimeout time.Duration
	// ShutdownGrace bounds the wait for in-flight adapters on Cancel.
	ShutdownGrace time.Duration
	// Policies maps effect kind to its dispatch policy.
	Policies map[string]DispatchPolicy
	// DefaultParallelism caps concurrent executions per kind when no policy
	// names the kind.
	DefaultParallelism int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:         1024,
		EffectTimeout:      30 * time.Second,
		ShutdownGrace:      5 * time.Second,
		DefaultParallelism: 8,
	}
}

// Manager owns adapter dispatch. Per (module, instance key) the dispatch
// order equals the emission order; across instances no ordering is
// guaranteed.
type Manager struct {
	config   Config
	capGate  effects.CapabilityGate
	polGate  effects.PolicyGate
	sink     Sink
	limiter  LimiterStore
	index    receiptindex.Index
	signKey  ed25519.PrivateKey
	verifyPb ed25519.PublicKey
	logger   *slog.Logger

	mu        sync.Mutex
	adapters  map[string]effects.Adapter
	kindSlots map[string]chan struct{}
	sources   map[string]*sourceQueue
	cancelled bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

type sourceQueue struct {
	mu      sync.Mutex
	pending []*effects.EffectIntent
	running bool
}

// New creates a manager. The signing key signs receipts whose adapter did not
// sign them; pass nil gates for allow-all behavior.
func New(cfg Config, capGate effects.CapabilityGate, polGate effects.PolicyGate, sink Sink,
	limiter LimiterStore, index receiptindex.Index, signKey ed25519.PrivateKey, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewLocalLimiter()
	}
	if index == nil {
		index = receiptindex.NewMemIndex()
	}
	if polGate == nil {
		polGate = allowAllPolicy{}
	}
	if signKey == nil {
		_, generated, _ := ed25519.GenerateKey(nil)
		signKey = generated
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     cfg,
		capGate:    capGate,
		polGate:    polGate,
		sink:       sink,
		limiter:    limiter,
		index:      index,
		signKey:    signKey,
		verifyPb:   signKey.Public().(ed25519.PublicKey),
		logger:     logger.With("component", "effectmgr"),
		adapters:   make(map[string]effects.Adapter),
		kindSlots:  make(map[string]chan struct{}),
		sources:    make(map[string]*sourceQueue),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// allowAllPolicy is the nil-policy fallback.
type allowAllPolicy struct{}

func (allowAllPolicy) Decide(*effects.EffectIntent, *effects.CapabilityGrant, *effects.EffectSource) (effects.PolicyDecision, error) {
	return effects.Allow, nil
}

// PublicKey returns the manager's receipt verification key.
func (m *Manager) PublicKey() ed25519.PublicKey {
	return m.verifyPb
}

// Register installs an adapter for its kind; the last registration wins.
func (m *Manager) Register(adapter effects.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[adapter.Kind()] = adapter
}

// RegisteredKinds returns the kinds with adapters, for diagnostics.
func (m *Manager) RegisteredKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.adapters))
	for k := range m.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

func sourceKey(src effects.EffectSource) string {
	return src.ModuleID + "\x00" + string(src.InstanceKey)
}

// Submit gates and enqueues an intent. Gate failures never reach an adapter:
// a synthetic Error receipt carrying the rejection reason is signed and
// delivered instead. Submit preserves per-source FIFO.
func (m *Manager) Submit(intent *effects.EffectIntent) {
	if m.capGate != nil {
		grant, err := m.capGate.Resolve(intent.CapSlot, intent.Kind)
		if err != nil {
			m.rejectIntent(intent, err)
			return
		}
		if err := m.capGate.CheckConstraints(intent, grant); err != nil {
			m.rejectIntent(intent, err)
			return
		}
		decision, err := m.polGate.Decide(intent, grant, &intent.Source)
		if err != nil {
			m.rejectIntent(intent, err)
			return
		}
		if decision == effects.Deny {
			m.rejectIntent(intent, fmt.Errorf("policy denied"))
			return
		}
	}
	m.enqueue(intent)
}

func (m *Manager) rejectIntent(intent *effects.EffectIntent, cause error) {
	reason := "policy_denied"
	message := cause.Error()
	type reasoned interface{ GateReason() string }
	if r, ok := cause.(reasoned); ok {
		reason = r.GateReason()
	}
	m.logger.Info("intent rejected at gate",
		"kind", intent.Kind, "cap_slot", intent.CapSlot, "reason", reason)
	receipt := effects.NewErrorReceipt(intent.IntentHash, "host.gate", reason, message)
	m.deliverReceipt(receipt)
}

func (m *Manager) enqueue(intent *effects.EffectIntent) {
	key := sourceKey(intent.Source)
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		m.deliverReceipt(effects.NewTimeoutReceipt(intent.IntentHash, "host.manager"))
		return
	}
	q, ok := m.sources[key]
	if !ok {
		q = &sourceQueue{}
		m.sources[key] = q
	}
	m.mu.Unlock()

	q.mu.Lock()
	if len(q.pending) >= m.config.QueueDepth {
		q.mu.Unlock()
		m.deliverReceipt(effects.NewErrorReceipt(intent.IntentHash, "host.manager",
			"queue_overflow", fmt.Sprintf("source queue depth %d exceeded", m.config.QueueDepth)))
		return
	}
	q.pending = append(q.pending, intent)
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		m.wg.Add(1)
		go m.drainSource(q)
	}
}

// drainSource executes one source's intents strictly in order.
func (m *Manager) drainSource(q *sourceQueue) {
	defer m.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		intent := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		m.execute(intent)
	}
}

func (m *Manager) kindSlot(kind string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.kindSlots[kind]
	if !ok {
		parallelism := m.config.DefaultParallelism
		if p, has := m.config.Policies[kind]; has && p.Parallelism > 0 {
			parallelism = p.Parallelism
		}
		if parallelism <= 0 {
			parallelism = 1
		}
		slot = make(chan struct{}, parallelism)
		m.kindSlots[kind] = slot
	}
	return slot
}

func (m *Manager) execute(intent *effects.EffectIntent) {
	m.mu.Lock()
	adapter, ok := m.adapters[intent.Kind]
	m.mu.Unlock()
	if !ok {
		m.deliverReceipt(effects.NewErrorReceipt(intent.IntentHash, "host.manager",
			"no_adapter", fmt.Sprintf("no adapter registered for kind %q", intent.Kind)))
		return
	}

	policy := m.config.Policies[intent.Kind]
	if err := m.limiter.Wait(m.rootCtx, intent.Kind, policy); err != nil {
		m.deliverReceipt(effects.NewTimeoutReceipt(intent.IntentHash, "host.manager"))
		return
	}

	slot := m.kindSlot(intent.Kind)
	select {
	case slot <- struct{}{}:
	case <-m.rootCtx.Done():
		m.deliverReceipt(effects.NewTimeoutReceipt(intent.IntentHash, "host.manager"))
		return
	}
	defer func() { <-slot }()

	timeout := m.config.EffectTimeout
	if hinter, ok := adapter.(deadlineHinter); ok {
		if d, has := hinter.DeadlineHint(intent); has {
			timeout = d
		}
	}
	ctx := m.rootCtx
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var receipt *effects.EffectReceipt
	var err error
	if streamer, ok := adapter.(StreamingAdapter); ok {
		receipt, err = streamer.ExecuteStream(ctx, intent, func(frame *effects.StreamFrame) {
			m.deliverFrame(intent, frame)
		})
	} else {
		receipt, err = adapter.Execute(ctx, intent)
	}

	switch {
	case err == nil && receipt != nil:
		m.normalize(intent, adapter, receipt)
		m.deliverReceipt(receipt)
	case ctx.Err() == context.DeadlineExceeded:
		m.logger.Warn("adapter deadline exceeded", "kind", intent.Kind, "timeout", timeout)
		m.deliverReceipt(effects.NewTimeoutReceipt(intent.IntentHash, adapter.Kind()))
	case m.rootCtx.Err() != nil:
		m.deliverReceipt(effects.NewTimeoutReceipt(intent.IntentHash, adapter.Kind()))
	default:
		m.logger.Warn("adapter failed", "kind", intent.Kind, "error", err)
		m.deliverReceipt(effects.NewErrorReceipt(intent.IntentHash, adapter.Kind(),
			"adapter_error", err.Error()))
	}
}

// normalize fills correlation fields the adapter may have left blank.
func (m *Manager) normalize(intent *effects.EffectIntent, adapter effects.Adapter, receipt *effects.EffectReceipt) {
	if receipt.IntentHash.IsZero() {
		receipt.IntentHash = intent.IntentHash
	}
	if receipt.AdapterID == "" {
		receipt.AdapterID = adapter.Kind()
	}
}

func (m *Manager) deliverReceipt(receipt *effects.EffectReceipt) {
	if !receipt.Status.Valid() {
		m.logger.Error("adapter produced invalid status", "status", receipt.Status)
		receipt.Status = effects.StatusError
	}
	fresh, err := m.index.MarkTerminal(context.Background(), receipt.IntentHash, receipt.AdapterID, string(receipt.Status))
	if err != nil {
		m.logger.Error("receipt index failure", "error", err)
		return
	}
	if !fresh {
		m.logger.Warn("duplicate terminal receipt suppressed", "intent_hash", receipt.IntentHash.String())
		return
	}
	if len(receipt.Signature) == 0 {
		if err := receipt.Sign(m.signKey); err != nil {
			m.logger.Error("receipt signing failed", "error", err)
			return
		}
	}
	m.sink.OnReceipt(receipt)
}

func (m *Manager) deliverFrame(intent *effects.EffectIntent, frame *effects.StreamFrame) {
	if frame.IntentHash.IsZero() {
		frame.IntentHash = intent.IntentHash
	}
	if frame.EffectKind == "" {
		frame.EffectKind = intent.Kind
	}
	if frame.OriginModuleID == "" {
		frame.OriginModuleID = intent.Source.ModuleID
		frame.OriginInstanceKey = intent.Source.InstanceKey
	}
	if len(frame.Signature) == 0 {
		if err := frame.Sign(m.signKey); err != nil {
			m.logger.Error("frame signing failed", "error", err)
			return
		}
	}
	m.sink.OnFrame(frame)
}

// Cancel drains outstanding work: queued intents settle as Timeout receipts,
// then in-flight adapter contexts are cancelled (a cancelled call settles as
// Timeout) and Cancel waits up to ShutdownGrace for running adapters to
// return; any still running after that are abandoned.
func (m *Manager) Cancel() {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	m.cancelled = true
	sources := make([]*sourceQueue, 0, len(m.sources))
	for _, q := range m.sources {
		sources = append(sources, q)
	}
	m.mu.Unlock()

	// Settle everything still queued before cancelling contexts, so queued
	// intents are not lost without a receipt.
	for _, q := range sources {
		q.mu.Lock()
		pending := q.pending
		q.pending = nil
		q.mu.Unlock()
		for _, intent := range pending {
			m.deliverReceipt(effects.NewTimeoutReceipt(intent.IntentHash, "host.manager"))
		}
	}

	m.rootCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.config.ShutdownGrace):
		m.logger.Warn("shutdown grace expired with adapters in flight")
	}
}
