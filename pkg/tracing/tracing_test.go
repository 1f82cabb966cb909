package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "chatnest", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, tracesdk.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, tracesdk.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "ParentBased")
}

func TestSpanHelpers_NoProvider(t *testing.T) {
	ctx := context.Background()

	ctx, span := TraceSignal(ctx, "offer", "nest-111", "nest-222")
	require.NotNil(t, span)
	AddSpanAttributes(ctx, attribute.String("test.key", "test.value"))
	RecordError(ctx, errors.New("relay failed"))
	MeasureDuration(ctx, time.Now(), "relay")
	span.End()

	_, span = TraceProtocol(context.Background(), "apply", "message", "nest-111")
	require.NotNil(t, span)
	span.End()

	_, span = TraceCall(context.Background(), "start", "nest-222", "video")
	require.NotNil(t, span)
	span.End()
}
