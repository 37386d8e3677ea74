package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	internaltelemetry "github.com/yujikawa/studb/internal/telemetry"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.NotNil(t, tel.Meter)

	_, err = internaltelemetry.NewStorageMetrics(tel.Meter)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_EnabledWithoutEndpoint(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider)

	m, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	require.NoError(t, err)
	m.BufferHitsCounter.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}
