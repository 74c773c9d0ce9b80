package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/smartcomputer-ai/agent-os/pkg/air"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
	"github.com/smartcomputer-ai/agent-os/pkg/kernel"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

// TestHost is a thin convenience wrapper over WorldHost for tests and local
// development: native modules, a temp world root, JSON event helpers.
type TestHost struct {
	*WorldHost
	Invoker *wasmrt.NativeInvoker
	Store   cas.Store
}

// OpenTestHost writes the manifest into root, mounts disk backends there, and
// opens a world running native modules.
func OpenTestHost(ctx context.Context, root string, store cas.Store, manifest air.Manifest,
	invoker *wasmrt.NativeInvoker, logger *slog.Logger) (*TestHost, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if invoker == nil {
		invoker = wasmrt.NewNativeInvoker()
	}

	doc, err := manifest.Encode()
	if err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(root, "manifest.json")
	if err := os.WriteFile(manifestPath, doc, 0o644); err != nil {
		return nil, fmt.Errorf("host: write manifest: %w", err)
	}

	cfg := Load()
	cfg.WorldRoot = root
	cfg.ManifestPath = manifestPath

	jnl, err := journal.OpenDiskJournal(cfg.JournalDir())
	if err != nil {
		return nil, err
	}
	h, err := build(ctx, cfg, store, jnl, invoker, logger)
	if err != nil {
		return nil, err
	}
	return &TestHost{WorldHost: h, Invoker: invoker, Store: store}, nil
}

// SendEvent marshals v to JSON and submits it under schema.
func (h *TestHost) SendEvent(ctx context.Context, schema string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = h.SubmitDomainEvent(ctx, schema, raw, "")
	return err
}

// InjectReceipt hands a receipt straight to the kernel, bypassing adapters.
func (h *TestHost) InjectReceipt(ctx context.Context, receipt *effects.EffectReceipt) error {
	return h.Kernel.SubmitReceipt(ctx, receipt)
}

// StateJSON reads a reducer's state and unmarshals it into out.
func (h *TestHost) StateJSON(ctx context.Context, module string, key []byte, out interface{}) error {
	read, err := h.Kernel.GetReducerState(ctx, module, key, kernel.Consistency{Level: kernel.Head})
	if err != nil {
		return err
	}
	if read.Value == nil {
		return fmt.Errorf("host: reducer %s has no state", module)
	}
	return json.Unmarshal(read.Value, out)
}
