package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerProviderSamplesAll(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, Config{ServiceName: "edital-test", Version: "dev", SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, span := otel.Tracer("test").Start(ctx, "session")
	defer span.End()
	require.True(t, span.SpanContext().IsSampled())
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitTracerProviderZeroRatioDropsRoots(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, span := tp.Tracer("test").Start(context.Background(), "session")
	defer span.End()
	require.False(t, span.SpanContext().IsSampled())
}
