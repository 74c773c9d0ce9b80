package host

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smartcomputer-ai/agent-os/pkg/archive"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effectmgr"
	"github.com/smartcomputer-ai/agent-os/pkg/effectmgr/receiptindex"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
	"github.com/smartcomputer-ai/agent-os/pkg/gates"
	"github.com/smartcomputer-ai/agent-os/pkg/journal"
	"github.com/smartcomputer-ai/agent-os/pkg/kernel"
	"github.com/smartcomputer-ai/agent-os/pkg/wasmrt"
)

// WorldHost owns one world: the kernel plus its effect manager, wired so
// reducer intents dispatch asynchronously and receipts pump back into the
// stepper through a single ingestion point.
type WorldHost struct {
	Kernel  *kernel.Kernel
	Manager *effectmgr.Manager

	config  *Config
	jnl     journal.Journal
	store   cas.Store
	arch    *archive.PostgresArchive
	logger  *slog.Logger
	receipt chan struct{}
}

// kernelSink funnels manager output into the kernel.
type kernelSink struct {
	host *WorldHost
}

func (s *kernelSink) OnReceipt(receipt *effects.EffectReceipt) {
	ctx := context.Background()
	if err := s.host.Kernel.SubmitReceipt(ctx, receipt); err != nil {
		s.host.logger.Error("receipt ingestion failed",
			"intent_hash", receipt.IntentHash.String(), "error", err)
		return
	}
	select {
	case s.host.receipt <- struct{}{}:
	default:
	}
}

func (s *kernelSink) OnFrame(frame *effects.StreamFrame) {
	ctx := context.Background()
	if err := s.host.Kernel.SubmitFrame(ctx, frame); err != nil {
		s.host.logger.Error("frame ingestion failed",
			"intent_hash", frame.IntentHash.String(), "error", err)
		return
	}
	select {
	case s.host.receipt <- struct{}{}:
	default:
	}
}

// Open mounts the world at cfg.WorldRoot: disk store (optionally replicated
// to S3), disk journal, WASM module runtime, manifest catalog, gates, effect
// manager with the built-in adapters, and the kernel replayed to head.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*WorldHost, error) {
	if logger == nil {
		logger = slog.Default()
	}

	disk, err := cas.NewDiskStore(cfg.StoreDir())
	if err != nil {
		return nil, err
	}
	var store cas.Store = disk
	if cfg.S3Bucket != "" {
		s3store, err := cas.NewS3Store(ctx, cas.S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		store = cas.NewReplicaStore(disk, s3store, logger)
	}

	jnl, err := journal.OpenDiskJournal(cfg.JournalDir())
	if err != nil {
		return nil, err
	}

	invoker, err := wasmrt.NewWasmInvoker(ctx, store, wasmrt.DefaultConfig(), logger)
	if err != nil {
		return nil, err
	}

	return build(ctx, cfg, store, jnl, invoker, logger)
}

// build assembles the host over explicit backends. Tests inject in-memory
// stores and a native invoker through here.
func build(ctx context.Context, cfg *Config, store cas.Store, jnl journal.Journal,
	invoker wasmrt.Invoker, logger *slog.Logger) (*WorldHost, error) {

	h := &WorldHost{
		config:  cfg,
		store:   store,
		jnl:     jnl,
		logger:  logger.With("component", "host"),
		receipt: make(chan struct{}, 1),
	}

	k, err := kernel.Open(ctx, store, cfg.ManifestPath, jnl, invoker, kernel.Config{
		SnapshotDir:    cfg.SnapshotDir(),
		StepBound:      cfg.StepBound,
		ValidateEvents: cfg.ValidateEvents,
	}, logger)
	if err != nil {
		return nil, err
	}
	h.Kernel = k

	capGate, err := gates.NewCatalogCapabilityGate(k.Catalog())
	if err != nil {
		return nil, err
	}
	policy, err := gates.NewRulePolicy(k.Catalog())
	if err != nil {
		return nil, err
	}

	var limiter effectmgr.LimiterStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = effectmgr.NewRedisLimiter(client, "")
	}

	index, err := receiptindex.OpenSQLiteIndex(filepath.Join(cfg.WorldRoot, ".aos", "receipts.db"))
	if err != nil {
		return nil, err
	}

	mgrCfg := effectmgr.DefaultConfig()
	if cfg.EffectTimeout > 0 {
		mgrCfg.EffectTimeout = cfg.EffectTimeout
	}
	h.Manager = effectmgr.New(mgrCfg, capGate, policy, &kernelSink{host: h}, limiter, index, nil, logger)
	h.Manager.Register(effectmgr.NewBlobPutAdapter(store))
	h.Manager.Register(effectmgr.NewBlobGetAdapter(store))
	h.Manager.Register(effectmgr.NewTimerAdapter(nil))

	k.SetEffectOutput(h.Manager.Submit)
	k.SetReceiptVerifyKey(h.Manager.PublicKey())

	if cfg.ArchiveDSN != "" {
		arch, err := archive.Open(cfg.ArchiveDSN, k.ManifestHash().Hex())
		if err != nil {
			return nil, err
		}
		h.arch = arch
	}
	return h, nil
}

// Store returns the world's content store.
func (h *WorldHost) Store() cas.Store { return h.store }

// RegisterAdapter installs an external adapter (HTTP client, LLM provider).
func (h *WorldHost) RegisterAdapter(adapter effects.Adapter) {
	h.Manager.Register(adapter)
}

// SubmitDomainEvent stamps, journals, and enqueues an external event.
func (h *WorldHost) SubmitDomainEvent(ctx context.Context, schema string, value []byte, eventID string) (journal.Seq, error) {
	return h.Kernel.SubmitDomainEvent(ctx, schema, value, eventID)
}

// RunToQuiescence drives the stepper until the queue is empty AND no receipts
// are pending, waiting on adapter completions in between. Bounded by
// cfg.QuiesceTimeout.
func (h *WorldHost) RunToQuiescence(ctx context.Context) error {
	if h.config.QuiesceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.QuiesceTimeout)
		defer cancel()
	}
	for {
		if _, err := h.Kernel.TickUntilIdle(ctx); err != nil {
			return err
		}
		if h.Kernel.QueueEmpty() && h.Kernel.PendingReceipts() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("host: quiescence not reached: %w", ctx.Err())
		case <-h.receipt:
		case <-time.After(50 * time.Millisecond):
			// Periodic re-check: receipts may have landed between the
			// drain and the wait.
		}
	}
}

// Snapshot captures the world and optionally archives + truncates the
// journal prefix behind it.
func (h *WorldHost) Snapshot(ctx context.Context, truncate bool) (cas.Hash, error) {
	blobHash, markerSeq, err := h.Kernel.Snapshot(ctx)
	if err != nil {
		return cas.Hash{}, err
	}
	if !truncate || markerSeq == 0 {
		return blobHash, nil
	}

	if h.arch != nil {
		entries, err := h.jnl.Read(ctx, lowestSeq(ctx, h.jnl), int(markerSeq))
		if err != nil {
			return cas.Hash{}, err
		}
		var prefix []*journal.Entry
		for _, e := range entries {
			if e.Seq < markerSeq {
				prefix = append(prefix, e)
			}
		}
		if err := h.arch.ArchivePrefix(ctx, prefix); err != nil {
			return cas.Hash{}, err
		}
	}
	if err := h.Kernel.TruncateThroughSnapshot(ctx, markerSeq); err != nil {
		return cas.Hash{}, err
	}
	return blobHash, nil
}

func lowestSeq(ctx context.Context, jnl journal.Journal) journal.Seq {
	if _, err := jnl.Read(ctx, 0, 1); err == nil {
		return 0
	}
	lo, hi := journal.Seq(0), jnl.Head()
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

// Shutdown cancels the effect manager, journals timeout receipts for the
// remainder, takes a final snapshot, and closes the kernel.
func (h *WorldHost) Shutdown(ctx context.Context) error {
	h.Manager.Cancel()
	// One final drain picks up the cancellation receipts.
	if err := h.RunToQuiescence(ctx); err != nil {
		h.logger.Warn("shutdown drain incomplete", "error", err)
	}
	if h.Kernel.QueueEmpty() {
		if _, _, err := h.Kernel.Snapshot(ctx); err != nil {
			h.logger.Warn("final snapshot failed", "error", err)
		}
	}
	if h.arch != nil {
		_ = h.arch.Close()
	}
	return h.Kernel.Close(ctx)
}
