package journal

import (
	"context"
	"fmt"
	"sync"
)

// MemJournal is the in-memory Journal used for shadow execution and tests.
// It satisfies the same contract as the disk journal.
type MemJournal struct {
	mu      sync.RWMutex
	entries []*Entry
	base    Seq // seq of entries[0]; advances on truncation
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{}
}

// Append implements Journal.
func (j *MemJournal) Append(ctx context.Context, e *Entry) (Seq, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.base + Seq(len(j.entries))
	e.Seq = seq
	j.entries = append(j.entries, e)
	return seq, nil
}

// Read implements Journal.
func (j *MemJournal) Read(ctx context.Context, from Seq, limit int) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if from < j.base {
		return nil, fmt.Errorf("%w: seq %d < truncation point %d", ErrTruncated, from, j.base)
	}
	head := j.base + Seq(len(j.entries))
	if from >= head {
		return nil, nil
	}
	out := make([]*Entry, 0, limit)
	for i := from - j.base; i < Seq(len(j.entries)) && len(out) < limit; i++ {
		out = append(out, j.entries[i])
	}
	return out, nil
}

// Head implements Journal.
func (j *MemJournal) Head() Seq {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.base + Seq(len(j.entries))
}

// TruncatePrefix implements Journal.
func (j *MemJournal) TruncatePrefix(ctx context.Context, through Seq) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	head := j.base + Seq(len(j.entries))
	if through+1 > head {
		return fmt.Errorf("journal: truncate through %d beyond head %d", through, head)
	}
	if through+1 <= j.base {
		return nil
	}
	drop := through + 1 - j.base
	j.entries = append([]*Entry(nil), j.entries[drop:]...)
	j.base = through + 1
	return nil
}

// Tail implements Journal.
func (j *MemJournal) Tail(ctx context.Context, from Seq, filter Filter) (*Tailer, error) {
	return newTailer(ctx, j, from, filter), nil
}
