package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapExporterLogsCounters(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	exp := NewZapExporter(zap.New(core))
	reader := sdkmetric.NewPeriodicReader(exp)
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	meter := provider.Meter("telemetry-test")
	counter, err := meter.Int64Counter("authcore_login_success_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 4)
	_, err = meter.Int64ObservableGauge("authcore_validate_latency_seconds_count",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(9)
			return nil
		}))
	require.NoError(t, err)

	require.NoError(t, provider.ForceFlush(context.Background()))
	require.NoError(t, provider.Shutdown(context.Background()))

	entries := logs.FilterMessage("metrics").All()
	require.NotEmpty(t, entries)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 4, fields["authcore_login_success_total"])
	assert.EqualValues(t, 9, fields["authcore_validate_latency_seconds_count"])
}

func TestZapExporterIgnoresExportAfterShutdown(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	exp := NewZapExporter(zap.New(core))

	require.NoError(t, exp.Shutdown(context.Background()))
	require.NoError(t, exp.Export(context.Background(), nil))

	assert.Zero(t, logs.Len())
}
