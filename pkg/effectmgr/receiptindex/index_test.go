package receiptindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// runIndexContract exercises the uniqueness contract against any Index.
// Invariant: at most one terminal receipt per intent_hash.
func runIndexContract(t *testing.T, idx Index) {
	ctx := context.Background()
	h := cas.Sum([]byte("intent-1"))

	terminal, err := idx.IsTerminal(ctx, h)
	require.NoError(t, err)
	assert.False(t, terminal)

	first, err := idx.MarkTerminal(ctx, h, "host.blob.put", "ok")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := idx.MarkTerminal(ctx, h, "host.blob.put", "error")
	require.NoError(t, err)
	assert.False(t, second, "second terminal receipt must be refused")

	terminal, err = idx.IsTerminal(ctx, h)
	require.NoError(t, err)
	assert.True(t, terminal)

	other, err := idx.MarkTerminal(ctx, cas.Sum([]byte("intent-2")), "host.timer", "timeout")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemIndex_Contract(t *testing.T) {
	runIndexContract(t, NewMemIndex())
}

func TestSQLiteIndex_Contract(t *testing.T) {
	idx, err := OpenSQLiteIndex(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()
	runIndexContract(t, idx)
}

// TestSQLiteIndex_SurvivesReopen verifies settlement survives a restart.
func TestSQLiteIndex_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts.db")
	ctx := context.Background()
	h := cas.Sum([]byte("intent"))

	idx, err := OpenSQLiteIndex(path)
	require.NoError(t, err)
	first, err := idx.MarkTerminal(ctx, h, "a", "ok")
	require.NoError(t, err)
	require.True(t, first)
	require.NoError(t, idx.Close())

	idx2, err := OpenSQLiteIndex(path)
	require.NoError(t, err)
	defer func() { _ = idx2.Close() }()
	dup, err := idx2.MarkTerminal(ctx, h, "a", "ok")
	require.NoError(t, err)
	assert.False(t, dup)
}
