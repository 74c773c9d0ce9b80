package kernel

import (
	"sort"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
)

// frameTracker reorders stream frames per intent hash. Frames arrive in
// adapter-assigned seq order per adapter, but cross-goroutine delivery can
// interleave; frames with gaps are buffered until the gap fills or the
// terminal receipt arrives, after which remaining gaps are dropped.
type frameTracker struct {
	streams map[cas.Hash]*streamState
}

type streamState struct {
	nextSeq  uint64
	buffered map[uint64]*effects.StreamFrame
}

// maxBufferedFrames bounds the per-intent gap buffer; overflow drops the
// oldest buffered frames.
const maxBufferedFrames = 256

func newFrameTracker() *frameTracker {
	return &frameTracker{streams: make(map[cas.Hash]*streamState)}
}

// admit accepts a frame and returns the frames now deliverable in order.
// Duplicates and frames behind the delivery cursor return nil.
func (t *frameTracker) admit(frame *effects.StreamFrame) []*effects.StreamFrame {
	st, ok := t.streams[frame.IntentHash]
	if !ok {
		st = &streamState{buffered: make(map[uint64]*effects.StreamFrame)}
		t.streams[frame.IntentHash] = st
	}
	if frame.Seq < st.nextSeq {
		return nil
	}
	if frame.Seq > st.nextSeq {
		if _, dup := st.buffered[frame.Seq]; !dup && len(st.buffered) >= maxBufferedFrames {
			t.dropOldest(st)
		}
		st.buffered[frame.Seq] = frame
		return nil
	}

	out := []*effects.StreamFrame{frame}
	st.nextSeq++
	for {
		next, ok := st.buffered[st.nextSeq]
		if !ok {
			break
		}
		delete(st.buffered, st.nextSeq)
		out = append(out, next)
		st.nextSeq++
	}
	return out
}

func (t *frameTracker) dropOldest(st *streamState) {
	seqs := make([]uint64, 0, len(st.buffered))
	for s := range st.buffered {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })
	delete(st.buffered, seqs[0])
}

// settle closes the stream for an intent: no frames may follow the terminal
// receipt, so remaining gapped frames are discarded.
func (t *frameTracker) settle(intentHash cas.Hash) {
	delete(t.streams, intentHash)
}
