package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

// ShadowConfig describes a speculative execution of a patched manifest.
type ShadowConfig struct {
	Patch *air.PatchDoc
	// SeedEvents are (schema, value) pairs injected before the run.
	SeedEvents []ShadowSeedEvent
}

// ShadowSeedEvent is one synthetic event for the shadow harness.
type ShadowSeedEvent struct {
	Schema string
	Value  []byte
}

// ShadowSummary reports what a patched world would do.
type ShadowSummary struct {
	PredictedEffects []string
	PendingReceipts  []string
}

// ShadowExecutor runs a patched manifest against an in-memory journal and a
// read-only view of the shared content store: shadow runs may read blobs but
// never write them, and their journal never touches disk.
type ShadowExecutor struct {
	store   cas.Store
	invoker wasmrt.Invoker
	logger  *slog.Logger
}

// NewShadowExecutor creates a shadow harness over the shared store.
func NewShadowExecutor(store cas.Store, invoker wasmrt.Invoker, logger *slog.Logger) *ShadowExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShadowExecutor{store: store, invoker: invoker, logger: logger.With("component", "shadow")}
}

// Run applies the patch to base, opens a throwaway kernel on a MemJournal,
// injects the seed events, drains to quiescence, and reports predicted
// effects without executing any of them.
func (s *ShadowExecutor) Run(ctx context.Context, base air.Manifest, config *ShadowConfig) (*ShadowSummary, error) {
	patched := base
	if config.Patch != nil {
		if err := config.Patch.Autofill(); err != nil {
			return nil, WrapErr(CodeManifestInvalid, err)
		}
		// Patch nodes must be resolvable, so they are written to the real
		// store before the world itself goes read-only.
		next, err := air.ApplyPatch(ctx, s.store, base, config.Patch)
		if err != nil {
			return nil, WrapErr(CodeManifestInvalid, err)
		}
		patched = next
	}

	catalog, err := air.Materialize(ctx, cas.ReadOnly(s.store), patched)
	if err != nil {
		return nil, WrapErr(CodeManifestInvalid, err)
	}

	shadow, err := New(ctx, cas.ReadOnly(s.store), journal.NewMemJournal(), catalog,
		s.invoker, Config{}, nil, nil, s.logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		// The invoker is shared with the live world; detach instead of
		// closing it.
		shadow.mu.Lock()
		shadow.closed = true
		shadow.mu.Unlock()
	}()

	for _, seed := range config.SeedEvents {
		if _, err := shadow.SubmitDomainEvent(ctx, seed.Schema, seed.Value, ""); err != nil {
			return nil, err
		}
	}
	if _, err := shadow.TickUntilIdle(ctx); err != nil {
		return nil, err
	}

	summary := &ShadowSummary{}
	for _, intent := range shadow.DrainEffects() {
		summary.PredictedEffects = append(summary.PredictedEffects,
			fmt.Sprintf("%s:%s", intent.Kind, intent.IntentHash.Hex()))
	}
	shadow.mu.Lock()
	for _, e := range shadow.sched.snapshot().PendingReceipts {
		summary.PendingReceipts = append(summary.PendingReceipts,
			fmt.Sprintf("%s:%s", e.Correlator.Reducer, e.IntentHash.Hex()))
	}
	shadow.mu.Unlock()
	return summary, nil
}
