package kernel

import (
	"encoding/hex"
	"sort"
)

// reducerState holds one module's state: monolithic (one opaque blob) or
// keyed cells (independent state per instance key). Created empty on first
// reduction, mutated only by that module's reducer.
type reducerState struct {
	cellMode bool
	mono     []byte
	cells    map[string][]byte // hex(key) -> state blob
}

func newReducerState(cellMode bool) *reducerState {
	rs := &reducerState{cellMode: cellMode}
	if cellMode {
		rs.cells = make(map[string][]byte)
	}
	return rs
}

func (rs *reducerState) get(key []byte) []byte {
	if rs.cellMode {
		return rs.cells[hex.EncodeToString(key)]
	}
	return rs.mono
}

func (rs *reducerState) set(key, state []byte) {
	if rs.cellMode {
		rs.cells[hex.EncodeToString(key)] = state
		return
	}
	rs.mono = state
}

// reducerStateSnap is the canonical-encoded snapshot form. Cell keys are hex
// strings; map ordering is handled by the canonical encoder.
type reducerStateSnap struct {
	CellMode bool              `json:"cell_mode"`
	Mono     []byte            `json:"mono,omitempty"`
	Cells    map[string][]byte `json:"cells,omitempty"`
}

func (rs *reducerState) snap() reducerStateSnap {
	out := reducerStateSnap{CellMode: rs.cellMode, Mono: rs.mono}
	if rs.cellMode {
		out.Cells = make(map[string][]byte, len(rs.cells))
		for k, v := range rs.cells {
			out.Cells[k] = v
		}
	}
	return out
}

func restoreReducerState(snap reducerStateSnap) *reducerState {
	rs := newReducerState(snap.CellMode)
	rs.mono = snap.Mono
	for k, v := range snap.Cells {
		rs.cells[k] = v
	}
	return rs
}

// sortedNames returns map keys in deterministic order.
func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
