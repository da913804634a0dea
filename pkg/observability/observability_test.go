package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "repcore", config.ServiceName)
	require.Equal(t, "1.0.0", config.ServiceVersion)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Recording on a disabled provider is a no-op, never a panic.
	ctx := context.Background()
	p.RecordValidation(ctx, true, "")
	p.RecordValidation(ctx, false, "cooldown_violation")
	p.RecordSybilBlock(ctx)
	p.RecordCollusionDetection(ctx, "high")
	p.RecordFraudFlag(ctx)
	p.RecordProof(ctx, "issued")
	p.RecordProof(ctx, "expired")
	p.RecordDuration(ctx, "validate_event", 3*time.Millisecond)

	require.NoError(t, p.Shutdown(ctx))
}

func TestDisabledProviderFallbackInstruments(t *testing.T) {
	p := &Provider{config: &Config{}}
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	_, span := p.StartSpan(context.Background(), "noop")
	span.End()
}
