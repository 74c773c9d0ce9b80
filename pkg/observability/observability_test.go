package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew_DisabledIsInert verifies a disabled provider still yields a logger
// and safe no-op recorders.
func TestNew_DisabledIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false, LogLevel: "DEBUG"})
	require.NoError(t, err)
	require.NotNil(t, p.Logger())

	ctx := context.Background()
	p.RecordEventIngested(ctx, "demo/Start@1")
	p.RecordReduction(ctx, "demo/CounterSm@1", time.Millisecond, false)
	p.RecordEffectDispatched(ctx, "blob.put")
	p.RecordReceiptRouted(ctx, "ok")
	assert.NoError(t, p.Shutdown(ctx))
}

// TestNewLogger_Levels verifies every level string, including unknown and
// empty ones, yields a logger.
func TestNewLogger_Levels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "bogus", ""} {
		assert.NotNil(t, NewLogger(level))
	}
}

// TestDefaultConfig pins safe defaults: telemetry off, dev environment.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "agent-os", cfg.ServiceName)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 1.0, cfg.SampleRate)
}
