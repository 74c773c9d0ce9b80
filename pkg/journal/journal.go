// Package journal provides the append-only ordered log that is the system's
// source of truth. Entries are canonical-encoded, dense from seq 0, and
// immutable once appended; truncation is only permitted behind a durable
// snapshot.
package journal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// Seq is a journal sequence number. Entries are dense and monotone from 0;
// Head is the exclusive upper bound.
type Seq = uint64

// EntryKind discriminates journal payloads.
type EntryKind string

const (
	KindDomainEvent    EntryKind = "domain_event"
	KindReceipt        EntryKind = "receipt"
	KindStreamFrame    EntryKind = "stream_frame"
	KindSnapshotMarker EntryKind = "snapshot_marker"
	// KindOrphanReceipt records a receipt whose pending correlation no longer
	// exists (e.g. after a manifest change). Journaled for audit, not routed.
	KindOrphanReceipt EntryKind = "orphan_receipt"
)

// Entry is one journaled record. Payload is the canonical encoding of the
// kind-specific body; the journal stores raw bytes and never interprets them.
type Entry struct {
	Seq          Seq             `json:"seq"`
	Kind         EntryKind       `json:"kind"`
	TimestampNS  uint64          `json:"timestamp_ns"`
	LogicalNowNS uint64          `json:"logical_now_ns"`
	Entropy      []byte          `json:"entropy,omitempty"`
	ManifestHash cas.Hash        `json:"manifest_hash"`
	Payload      json.RawMessage `json:"payload"`
}

// Filter selects entries for Tail scans. Nil/empty fields match everything.
type Filter struct {
	// Kinds restricts the entry kinds returned.
	Kinds []EntryKind
	// Schemas restricts domain events to these payload schemas.
	Schemas []string
	// Correlation restricts receipts and stream frames to one intent hash.
	Correlation *cas.Hash
}

// Journal is the append-only log contract shared by the disk and in-memory
// implementations.
type Journal interface {
	// Append assigns the next seq and fully persists the entry before
	// returning.
	Append(ctx context.Context, e *Entry) (Seq, error)
	// Read returns up to limit entries starting at from. The result is dense;
	// reading past head returns an empty slice.
	Read(ctx context.Context, from Seq, limit int) ([]*Entry, error)
	// Head returns the exclusive upper bound of existing entries (0 = empty).
	Head() Seq
	// TruncatePrefix drops entries [0, through]. Callers must only invoke it
	// immediately after a snapshot at through is durable.
	TruncatePrefix(ctx context.Context, through Seq) error
	// Tail returns a restartable iterator over entries matching filter,
	// finite when bounded by Head at call time.
	Tail(ctx context.Context, from Seq, filter Filter) (*Tailer, error)
}

// Error types
var (
	// ErrCorruption is a CRC or framing mismatch on read. Fatal: the world
	// must halt.
	ErrCorruption = errors.New("journal: corruption")
	// ErrTruncated is returned when reading below the truncation point.
	ErrTruncated = errors.New("journal: entry truncated away")
	// ErrOutOfOrder is returned when an entry carries an unexpected seq.
	ErrOutOfOrder = errors.New("journal: out of order append")
)

func (f Filter) matches(e *Entry) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Schemas) > 0 {
		if e.Kind != KindDomainEvent {
			return false
		}
		var body struct {
			Schema string `json:"schema"`
		}
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			return false
		}
		ok := false
		for _, s := range f.Schemas {
			if body.Schema == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Correlation != nil {
		if e.Kind != KindReceipt && e.Kind != KindStreamFrame && e.Kind != KindOrphanReceipt {
			return false
		}
		var body struct {
			IntentHash cas.Hash `json:"intent_hash"`
		}
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			return false
		}
		if body.IntentHash != *f.Correlation {
			return false
		}
	}
	return true
}

// Tailer lazily yields matching entries. It is finite: bounded by the head
// observed when the tail was opened. Restart by opening a new tail from the
// last seen seq + 1.
type Tailer struct {
	ctx     context.Context
	journal Journal
	filter  Filter
	next    Seq
	bound   Seq
}

func newTailer(ctx context.Context, j Journal, from Seq, filter Filter) *Tailer {
	return &Tailer{ctx: ctx, journal: j, filter: filter, next: from, bound: j.Head()}
}

// Next returns the next matching entry, or nil when the bound is reached.
func (t *Tailer) Next() (*Entry, error) {
	for t.next < t.bound {
		batch, err := t.journal.Read(t.ctx, t.next, 64)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return nil, nil
		}
		for _, e := range batch {
			if e.Seq >= t.bound {
				return nil, nil
			}
			t.next = e.Seq + 1
			if t.filter.matches(e) {
				return e, nil
			}
		}
	}
	return nil, nil
}
