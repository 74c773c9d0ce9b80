package kernel

import (
	"context"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
)

// ConsistencyLevel expresses a reader's freshness preference.
type ConsistencyLevel int

const (
	// Head serves the latest available state.
	Head ConsistencyLevel = iota
	// Exact requires the journal to be exactly at the requested height.
	Exact
	// AtLeast serves the newest state at or above the requested height,
	// blocking until the stepper reaches it or ctx ends.
	AtLeast
)

// Consistency pairs a level with its height argument.
type Consistency struct {
	Level  ConsistencyLevel
	Height journal.Seq
}

// ReadMeta is attached to every read so callers can reason about what they
// saw.
type ReadMeta struct {
	JournalHeight journal.Seq `json:"journal_height"`
	ManifestHash  cas.Hash    `json:"manifest_hash"`
}

// StateRead is the envelope for read responses.
type StateRead[T any] struct {
	Meta  ReadMeta
	Value T
}

// StateReader is the kernel's read-only surface.
type StateReader interface {
	// GetReducerState fetches a reducer's state (monolithic, or one keyed
	// cell when key is non-nil).
	GetReducerState(ctx context.Context, module string, key []byte, c Consistency) (StateRead[[]byte], error)
	// GetManifest fetches the manifest for inspection.
	GetManifest(ctx context.Context, c Consistency) (StateRead[air.Manifest], error)
	// GetJournalHead returns consistency metadata only.
	GetJournalHead() ReadMeta
}

func (k *Kernel) metaLocked() ReadMeta {
	return ReadMeta{JournalHeight: k.jnl.Head(), ManifestHash: k.catalog.ManifestHash}
}

// awaitConsistency blocks (for AtLeast) or fails (for Exact) until the
// requested height is available. Caller holds k.mu.
func (k *Kernel) awaitConsistency(ctx context.Context, c Consistency) error {
	switch c.Level {
	case Head:
		return nil
	case Exact:
		if k.jnl.Head() != c.Height {
			return Errf(CodeConsistency, "journal at %d, read requires exactly %d", k.jnl.Head(), c.Height)
		}
		return nil
	case AtLeast:
		for k.jnl.Head() < c.Height {
			if err := ctx.Err(); err != nil {
				return Errf(CodeConsistency, "journal at %d below required %d: %v", k.jnl.Head(), c.Height, err)
			}
			if k.closed {
				return Errf(CodeConsistency, "kernel closed below required height %d", c.Height)
			}
			k.waitForProgress(ctx)
		}
		return nil
	}
	return Errf(CodeInternal, "unknown consistency level %d", c.Level)
}

// waitForProgress waits on the kernel condition with ctx responsiveness.
func (k *Kernel) waitForProgress(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			k.cond.Broadcast()
		case <-done:
		}
	}()
	k.cond.Wait()
	close(done)
}

// GetReducerState implements StateReader.
func (k *Kernel) GetReducerState(ctx context.Context, module string, key []byte, c Consistency) (StateRead[[]byte], error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.awaitConsistency(ctx, c); err != nil {
		return StateRead[[]byte]{Meta: k.metaLocked()}, err
	}
	meta := k.metaLocked()
	st, ok := k.states[module]
	if !ok {
		return StateRead[[]byte]{Meta: meta}, nil
	}
	return StateRead[[]byte]{Meta: meta, Value: st.get(key)}, nil
}

// GetManifest implements StateReader.
func (k *Kernel) GetManifest(ctx context.Context, c Consistency) (StateRead[air.Manifest], error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.awaitConsistency(ctx, c); err != nil {
		return StateRead[air.Manifest]{Meta: k.metaLocked()}, err
	}
	return StateRead[air.Manifest]{Meta: k.metaLocked(), Value: k.catalog.Manifest}, nil
}

// GetJournalHead implements StateReader.
func (k *Kernel) GetJournalHead() ReadMeta {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.metaLocked()
}

var _ StateReader = (*Kernel)(nil)
