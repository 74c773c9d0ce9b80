package kernel

import (
	"sort"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
)

// queuedWork is one unit of scheduler work: a journaled event awaiting
// processing. Work is enqueued at journal-append time and popped FIFO, so pop
// order always equals journal order; that equality is what makes replay
// reproduce live processing exactly. Routing (trigger fan-out, receipt
// correlation) happens at pop time against current scheduler state.
type queuedWork struct {
	Seq   journal.Seq
	Kind  journal.EntryKind
	Stamp IngressStamp

	// Domain event payload (KindDomainEvent).
	Schema string
	Value  []byte

	// Settlement payloads.
	Receipt *effects.EffectReceipt
	Frame   *effects.StreamFrame
}

// pendingCorrelator routes a receipt back to the reducer instance awaiting
// its intent hash. Correlation is an indexed map, never a callback captured
// inside a reducer: reducers cannot hold host references.
type pendingCorrelator struct {
	Reducer        air.Name `json:"reducer"`
	InstanceKey    []byte   `json:"instance_key,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// scheduler is the stepper's bookkeeping: the FIFO work queue, the pending
// receipts table, and the legacy plan id allocator. It is owned by the
// kernel's single-threaded step loop; no internal locking.
type scheduler struct {
	queue      []queuedWork
	pending    map[cas.Hash]pendingCorrelator
	nextPlanID uint64
}

func newScheduler() *scheduler {
	return &scheduler{pending: make(map[cas.Hash]pendingCorrelator)}
}

// push appends to the queue tail. Child events produced by a reduction go
// through here at their journal position; they never preempt queued work.
func (s *scheduler) push(w queuedWork) {
	s.queue = append(s.queue, w)
}

// pop removes the queue head.
func (s *scheduler) pop() (queuedWork, bool) {
	if len(s.queue) == 0 {
		return queuedWork{}, false
	}
	w := s.queue[0]
	s.queue = s.queue[1:]
	return w, true
}

func (s *scheduler) queueEmpty() bool { return len(s.queue) == 0 }

// expectReceipt records the correlator for an emitted intent.
func (s *scheduler) expectReceipt(intentHash cas.Hash, c pendingCorrelator) {
	s.pending[intentHash] = c
}

// takeReceipt resolves and clears the correlator for a settled intent.
func (s *scheduler) takeReceipt(intentHash cas.Hash) (pendingCorrelator, bool) {
	c, ok := s.pending[intentHash]
	if ok {
		delete(s.pending, intentHash)
	}
	return c, ok
}

// peekReceipt resolves without clearing; stream frames route mid-life.
func (s *scheduler) peekReceipt(intentHash cas.Hash) (pendingCorrelator, bool) {
	c, ok := s.pending[intentHash]
	return c, ok
}

func (s *scheduler) pendingCount() int { return len(s.pending) }

func (s *scheduler) allocPlanID() uint64 {
	id := s.nextPlanID
	s.nextPlanID++
	return id
}

// pendingEntry is the snapshot form of one pending receipt.
type pendingEntry struct {
	IntentHash cas.Hash          `json:"intent_hash"`
	Correlator pendingCorrelator `json:"correlator"`
}

// schedulerSnapshot is the canonical-encoded scheduler state captured by the
// snapshot engine. Pending receipts are sorted by intent hash so the encoding
// is deterministic.
type schedulerSnapshot struct {
	PendingReceipts []pendingEntry `json:"pending_receipts"`
	NextPlanID      uint64         `json:"next_plan_id"`
}

func (s *scheduler) snapshot() schedulerSnapshot {
	entries := make([]pendingEntry, 0, len(s.pending))
	for h, c := range s.pending {
		entries = append(entries, pendingEntry{IntentHash: h, Correlator: c})
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].IntentHash.Compare(entries[b].IntentHash) < 0
	})
	return schedulerSnapshot{PendingReceipts: entries, NextPlanID: s.nextPlanID}
}

func (s *scheduler) restore(snap schedulerSnapshot) {
	s.queue = nil
	s.pending = make(map[cas.Hash]pendingCorrelator, len(snap.PendingReceipts))
	for _, e := range snap.PendingReceipts {
		s.pending[e.IntentHash] = e.Correlator
	}
	s.nextPlanID = snap.NextPlanID
}
