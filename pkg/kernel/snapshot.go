package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
)

// Snapshot is the canonical-encoded point-in-time dump of the world: every
// reducer's state plus the scheduler bookkeeping, pinned to a journal height
// and manifest.
type Snapshot struct {
	JournalHeight uint64                      `json:"journal_height"`
	ManifestHash  cas.Hash                    `json:"manifest_hash"`
	ReducerStates map[string]reducerStateSnap `json:"reducer_states"`
	Scheduler     schedulerSnapshot           `json:"scheduler"`
}

// snapshotMarkerBody is the journal payload pointing at a durable snapshot
// blob. The marker is appended only after the blob is durable, which makes
// snapshotting atomic from the reader's perspective.
type snapshotMarkerBody struct {
	SnapshotHash cas.Hash `json:"snapshot_hash"`
	Height       uint64   `json:"height"`
}

// writeSnapshot stores the snapshot blob, appends the marker, and mirrors the
// marker to <snapshotDir>/<seq>.marker when a directory is configured.
func writeSnapshot(ctx context.Context, store cas.Store, jnl journal.Journal, snapshotDir string,
	snap *Snapshot, manifestHash cas.Hash) (cas.Hash, journal.Seq, error) {

	blob, err := canonicalize.Canonical(snap)
	if err != nil {
		return cas.Hash{}, 0, WrapErr(CodeInternal, err)
	}
	blobHash, err := store.PutBlob(ctx, blob)
	if err != nil {
		return cas.Hash{}, 0, WrapErr(CodeOf(err), err)
	}

	body, err := canonicalize.Canonical(snapshotMarkerBody{
		SnapshotHash: blobHash,
		Height:       snap.JournalHeight,
	})
	if err != nil {
		return cas.Hash{}, 0, WrapErr(CodeInternal, err)
	}
	seq, err := jnl.Append(ctx, &journal.Entry{
		Kind:         journal.KindSnapshotMarker,
		ManifestHash: manifestHash,
		Payload:      body,
	})
	if err != nil {
		return cas.Hash{}, 0, WrapErr(CodeOf(err), err)
	}

	if snapshotDir != "" {
		if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
			return cas.Hash{}, 0, WrapErr(CodeInternal, err)
		}
		marker := filepath.Join(snapshotDir, fmt.Sprintf("%d.marker", seq))
		if err := os.WriteFile(marker, []byte(blobHash.String()+"\n"), 0o644); err != nil {
			return cas.Hash{}, 0, WrapErr(CodeInternal, err)
		}
	}
	return blobHash, seq, nil
}

// findLatestSnapshot scans the journal for the newest SnapshotMarker at or
// below head and loads its blob.
func findLatestSnapshot(ctx context.Context, store cas.Store, jnl journal.Journal) (*Snapshot, journal.Seq, cas.Hash, error) {
	tail, err := jnl.Tail(ctx, lowestReadable(jnl), journal.Filter{Kinds: []journal.EntryKind{journal.KindSnapshotMarker}})
	if err != nil {
		return nil, 0, cas.Hash{}, WrapErr(CodeOf(err), err)
	}
	var (
		markerSeq journal.Seq
		blobHash  cas.Hash
		found     bool
	)
	for {
		e, err := tail.Next()
		if err != nil {
			return nil, 0, cas.Hash{}, WrapErr(CodeOf(err), err)
		}
		if e == nil {
			break
		}
		var body snapshotMarkerBody
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			return nil, 0, cas.Hash{}, Errf(CodeJournalCorrupt, "snapshot marker at %d undecodable: %v", e.Seq, err)
		}
		markerSeq = e.Seq
		blobHash = body.SnapshotHash
		found = true
	}
	if !found {
		return nil, 0, cas.Hash{}, nil
	}

	blob, err := store.GetBlob(ctx, blobHash)
	if err != nil {
		return nil, 0, cas.Hash{}, WrapErr(CodeOf(err), err)
	}
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, 0, cas.Hash{}, Errf(CodeStoreCorruption, "snapshot blob %s undecodable: %v", blobHash, err)
	}
	return &snap, markerSeq, blobHash, nil
}

// lowestReadable probes for the journal's truncation point.
func lowestReadable(jnl journal.Journal) journal.Seq {
	// Truncated journals reject reads below their base; binary-search the
	// lowest readable seq.
	ctx := context.Background()
	head := jnl.Head()
	if head == 0 {
		return 0
	}
	if _, err := jnl.Read(ctx, 0, 1); err == nil {
		return 0
	}
	lo, hi := journal.Seq(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2
		if _, err := jnl.Read(ctx, mid, 1); err != nil {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
