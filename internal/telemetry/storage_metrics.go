package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the metric instruments recorded by the storage core.
type StorageMetrics struct {
	FileReadsCounter       metric.Int64Counter
	FileWritesCounter      metric.Int64Counter
	FileAppendsCounter     metric.Int64Counter
	BufferHitsCounter      metric.Int64Counter
	BufferMissesCounter    metric.Int64Counter
	BufferEvictionsCounter metric.Int64Counter
	BufferFlushesCounter   metric.Int64Counter
	PinFailuresCounter     metric.Int64Counter
	PinnedFramesUpDown     metric.Int64UpDownCounter
	LogAppendsCounter      metric.Int64Counter
	LogBytesCounter        metric.Int64Counter
	LogAppendHistogram     metric.Float64Histogram
}

// NewStorageMetrics creates and registers all storage instruments on meter.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.FileReadsCounter, "studb.file.reads", "Blocks read from backing files."},
		{&m.FileWritesCounter, "studb.file.writes", "Blocks written to backing files."},
		{&m.FileAppendsCounter, "studb.file.appends", "Blocks appended to backing files."},
		{&m.BufferHitsCounter, "studb.buffer.hits", "Pins served from a resident frame."},
		{&m.BufferMissesCounter, "studb.buffer.misses", "Pins that had to read the block."},
		{&m.BufferEvictionsCounter, "studb.buffer.evictions", "Frames removed to make room."},
		{&m.BufferFlushesCounter, "studb.buffer.flushes", "Dirty frames written back."},
		{&m.PinFailuresCounter, "studb.buffer.pin_failures", "Pins rejected because every frame was pinned."},
		{&m.LogAppendsCounter, "studb.log.appends", "Records appended to the log."},
		{&m.LogBytesCounter, "studb.log.bytes", "Payload bytes appended to the log."},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	pinned, err := meter.Int64UpDownCounter(
		"studb.buffer.pinned_frames",
		metric.WithDescription("Frames currently holding at least one pin."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	m.PinnedFramesUpDown = pinned

	appendLatency, err := meter.Float64Histogram(
		"studb.log.append_duration",
		metric.WithDescription("Latency of a durable log append, including fsync."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.LogAppendHistogram = appendLatency

	return m, nil
}

// NopStorageMetrics returns instruments backed by a no-op meter.
func NopStorageMetrics() *StorageMetrics {
	m, err := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		// The no-op meter never fails to create instruments.
		panic(err)
	}
	return m
}
