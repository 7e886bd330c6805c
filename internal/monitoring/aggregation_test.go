package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/integration-fleet-dispatcher/ifd/internal/models"
)

func TestPercentile_NearestRank(t *testing.T) {
	sorted := make([]time.Duration, 100)
	for i := range sorted {
		sorted[i] = time.Duration(i+1) * time.Millisecond
	}

	assert.Equal(t, 50*time.Millisecond, percentile(sorted, 0.50))
	assert.Equal(t, 95*time.Millisecond, percentile(sorted, 0.95))
	assert.Equal(t, 99*time.Millisecond, percentile(sorted, 0.99))
}

func TestPercentile_SmallAndEmptyInputs(t *testing.T) {
	assert.Equal(t, time.Duration(0), percentile(nil, 0.95))
	assert.Equal(t, 7*time.Millisecond, percentile([]time.Duration{7 * time.Millisecond}, 0.99))
}

func TestAggregate_RollsUpWindow(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		svc.RecordMetrics(ctx, models.ServerMetrics{
			ServerID:     "srv-1",
			Timestamp:    clock.now(),
			ResponseTime: time.Duration(i+1) * 100 * time.Millisecond,
			Throughput:   10,
			SuccessRate:  1,
		})
		clock.advance(time.Second)
	}

	require.NoError(t, svc.Aggregate(ctx, models.WindowMinute))

	aggs := svc.Aggregates("srv-1", models.WindowMinute)
	require.Len(t, aggs, 1)
	agg := aggs[0]

	assert.Equal(t, 10, agg.SampleCount)
	assert.Equal(t, 550*time.Millisecond, agg.AvgResponseTime)
	assert.Equal(t, 500*time.Millisecond, agg.P50ResponseTime)
	assert.Equal(t, 1000*time.Millisecond, agg.P99ResponseTime)
	assert.Equal(t, 100.0, agg.UptimePercent)
	assert.Equal(t, models.WindowMinute, agg.Window)
}

func TestAggregate_SkipsServersWithoutSamples(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Aggregate(context.Background(), models.WindowMinute))
	assert.Empty(t, svc.Aggregates("srv-1", models.WindowMinute))
}

func TestAggregate_UptimeCountsDegradedSamples(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		sr := 1.0
		if i%2 == 0 {
			sr = 0.2 // below the 0.5 up threshold
		}
		svc.RecordMetrics(ctx, models.ServerMetrics{
			ServerID:     "srv-1",
			Timestamp:    clock.now(),
			ResponseTime: 100 * time.Millisecond,
			Throughput:   10,
			SuccessRate:  sr,
		})
		clock.advance(time.Second)
	}

	require.NoError(t, svc.Aggregate(ctx, models.WindowMinute))
	aggs := svc.Aggregates("srv-1", models.WindowMinute)
	require.Len(t, aggs, 1)
	assert.Equal(t, 50.0, aggs[0].UptimePercent)
}
