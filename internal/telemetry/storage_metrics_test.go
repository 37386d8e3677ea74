package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewStorageMetrics_Exports(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewStorageMetrics(provider.Meter("studb"))
	require.NoError(t, err)

	ctx := context.Background()
	m.BufferHitsCounter.Add(ctx, 3)
	m.PinnedFramesUpDown.Add(ctx, 2)
	m.PinnedFramesUpDown.Add(ctx, -1)
	m.LogAppendHistogram.Record(ctx, 1.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	got := map[string]metricdata.Metrics{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		got[md.Name] = md
	}

	hits, ok := got["studb.buffer.hits"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Equal(t, int64(3), hits.DataPoints[0].Value)

	pinned, ok := got["studb.buffer.pinned_frames"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.False(t, pinned.IsMonotonic)
	require.Equal(t, int64(1), pinned.DataPoints[0].Value)

	lat, ok := got["studb.log.append_duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Equal(t, uint64(1), lat.DataPoints[0].Count)
}

func TestNopStorageMetrics(t *testing.T) {
	m := NopStorageMetrics()
	require.NotNil(t, m.FileReadsCounter)
	m.FileReadsCounter.Add(context.Background(), 1)
}
