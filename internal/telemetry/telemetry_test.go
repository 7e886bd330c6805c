package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zaptest"

	"github.com/integration-fleet-dispatcher/ifd/internal/config"
)

func TestTelemetry_Disabled(t *testing.T) {
	tel, err := New(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tel.Start(ctx))

	spanCtx, span := tel.StartSpan(ctx, "test.op")
	assert.NotNil(t, spanCtx)
	span.End()

	// Instrument calls on disabled telemetry are no-ops, not panics.
	tel.IncrementCounter(ctx, "ifd_test_total")
	tel.RecordHistogram(ctx, "ifd_test", 1.5)
	tel.RecordDuration(ctx, "ifd_test", time.Now())

	require.NoError(t, tel.Stop(ctx))
}

func TestTelemetry_Enabled(t *testing.T) {
	tel, err := New(config.TelemetryConfig{
		Enabled:        true,
		ServiceName:    "ifd-test",
		ServiceVersion: "0.0.1",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()

	spanCtx, span := tel.StartSpan(ctx, "pool.execute_operation")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	// Repeated instrument use must reuse the cached instrument.
	for i := 0; i < 3; i++ {
		tel.IncrementCounter(spanCtx, "ifd_operations_total",
			attribute.String("operation", "sync_contacts"))
		tel.RecordDuration(spanCtx, "ifd_operation", time.Now().Add(-10*time.Millisecond))
	}

	require.NoError(t, tel.Stop(ctx))
}

func TestGlobalTelemetry(t *testing.T) {
	// Package-level funcs tolerate an absent global.
	SetGlobal(nil)
	ctx, span := StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	span.End()
	IncrementCounter(ctx, "ifd_test_total")
	RecordDuration(ctx, "ifd_test", time.Now())

	tel, err := New(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	SetGlobal(tel)
	defer SetGlobal(nil)

	_, span = StartSpan(context.Background(), "noop")
	span.End()
}
