package effectmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
	"github.com/smartcomputer-ai/agent-os/pkg/effects"
)

// Built-in adapters. Network adapters (HTTP, LLM providers) are external
// collaborators registered by the host; the core ships the store-backed and
// timer adapters only.

// BlobPutAdapter writes intent bytes into the content store.
type BlobPutAdapter struct {
	store cas.Store
}

// NewBlobPutAdapter creates the blob.put adapter.
func NewBlobPutAdapter(store cas.Store) *BlobPutAdapter {
	return &BlobPutAdapter{store: store}
}

// Kind implements effects.Adapter.
func (a *BlobPutAdapter) Kind() string { return effects.KindBlobPut }

// Execute implements effects.Adapter.
func (a *BlobPutAdapter) Execute(ctx context.Context, intent *effects.EffectIntent) (*effects.EffectReceipt, error) {
	var params effects.BlobPutParams
	if err := effects.DecodeParams(intent.Params, &params); err != nil {
		return nil, err
	}
	h, err := a.store.PutBlob(ctx, params.Bytes)
	if err != nil {
		return nil, fmt.Errorf("blob.put: %w", err)
	}
	payload, err := effects.EncodeParams(effects.BlobPutReceipt{Hash: h, Size: uint64(len(params.Bytes))})
	if err != nil {
		return nil, err
	}
	zero := uint64(0)
	return &effects.EffectReceipt{
		IntentHash: intent.IntentHash,
		AdapterID:  "host.blob.put",
		Status:     effects.StatusOk,
		Payload:    payload,
		CostCents:  &zero,
	}, nil
}

// BlobGetAdapter serves blobs from the content store.
type BlobGetAdapter struct {
	store cas.Store
}

// NewBlobGetAdapter creates the blob.get adapter.
func NewBlobGetAdapter(store cas.Store) *BlobGetAdapter {
	return &BlobGetAdapter{store: store}
}

// Kind implements effects.Adapter.
func (a *BlobGetAdapter) Kind() string { return effects.KindBlobGet }

// Execute implements effects.Adapter.
func (a *BlobGetAdapter) Execute(ctx context.Context, intent *effects.EffectIntent) (*effects.EffectReceipt, error) {
	var params effects.BlobGetParams
	if err := effects.DecodeParams(intent.Params, &params); err != nil {
		return nil, err
	}
	data, err := a.store.GetBlob(ctx, params.BlobRef)
	if err != nil {
		return nil, fmt.Errorf("blob.get: %w", err)
	}
	payload, err := effects.EncodeParams(effects.BlobGetReceipt{
		BlobRef: params.BlobRef,
		Size:    uint64(len(data)),
		Bytes:   data,
	})
	if err != nil {
		return nil, err
	}
	zero := uint64(0)
	return &effects.EffectReceipt{
		IntentHash: intent.IntentHash,
		AdapterID:  "host.blob.get",
		Status:     effects.StatusOk,
		Payload:    payload,
		CostCents:  &zero,
	}, nil
}

// MonotonicClock abstracts the timer adapter's clock so tests and replay
// harnesses can compress time.
type MonotonicClock interface {
	NowNS() uint64
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the production MonotonicClock.
type SystemClock struct {
	epoch time.Time
}

// NewSystemClock anchors a monotonic clock at construction time.
func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

// NowNS implements MonotonicClock.
func (c *SystemClock) NowNS() uint64 {
	return uint64(time.Since(c.epoch))
}

// Sleep implements MonotonicClock.
func (c *SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TimerAdapter settles timer.set intents when the deadline passes. The firing
// receipt is journaled and re-injected into the scheduler like any other
// receipt.
type TimerAdapter struct {
	clock MonotonicClock
}

// NewTimerAdapter creates the timer.set adapter.
func NewTimerAdapter(clock MonotonicClock) *TimerAdapter {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TimerAdapter{clock: clock}
}

// Kind implements effects.Adapter.
func (a *TimerAdapter) Kind() string { return effects.KindTimerSet }

// DeadlineHint exempts long timers from the default per-intent timeout.
func (a *TimerAdapter) DeadlineHint(intent *effects.EffectIntent) (time.Duration, bool) {
	var params effects.TimerSetParams
	if err := effects.DecodeParams(intent.Params, &params); err != nil {
		return 0, false
	}
	d := a.remaining(params)
	// One extra second of slack over the timer duration itself.
	return d + time.Second, true
}

func (a *TimerAdapter) remaining(params effects.TimerSetParams) time.Duration {
	if params.DelayNS > 0 {
		return time.Duration(params.DelayNS)
	}
	now := a.clock.NowNS()
	if params.DeadlineNS > now {
		return time.Duration(params.DeadlineNS - now)
	}
	return 0
}

// Execute implements effects.Adapter.
func (a *TimerAdapter) Execute(ctx context.Context, intent *effects.EffectIntent) (*effects.EffectReceipt, error) {
	var params effects.TimerSetParams
	if err := effects.DecodeParams(intent.Params, &params); err != nil {
		return nil, err
	}
	if params.DelayNS == 0 && params.DeadlineNS == 0 {
		return nil, fmt.Errorf("timer.set: neither delay_ns nor deadline_ns set")
	}
	if err := a.clock.Sleep(ctx, a.remaining(params)); err != nil {
		return nil, err
	}
	fired := params.DeadlineNS
	if fired == 0 {
		fired = a.clock.NowNS()
	}
	payload, err := effects.EncodeParams(effects.TimerFiredReceipt{Key: params.Key, DeadlineNS: fired})
	if err != nil {
		return nil, err
	}
	return &effects.EffectReceipt{
		IntentHash: intent.IntentHash,
		AdapterID:  "host.timer",
		Status:     effects.StatusOk,
		Payload:    payload,
	}, nil
}
