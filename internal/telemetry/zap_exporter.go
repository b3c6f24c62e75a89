// Package telemetry ships OpenTelemetry metrics collected in-process to the service log.
package telemetry

import (
	"context"
	"sync/atomic"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// ZapExporter is a push exporter for a PeriodicReader that writes one structured log
// line per collection. Only int64 sums and gauges are written; the engine publishes
// nothing else.
type ZapExporter struct {
	logger   *zap.Logger
	shutdown atomic.Bool
}

var _ sdkmetric.Exporter = (*ZapExporter)(nil)

func NewZapExporter(logger *zap.Logger) *ZapExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapExporter{logger: logger}
}

func (e *ZapExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (e *ZapExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *ZapExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if e.shutdown.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fields := make([]zap.Field, 0, 64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if v, ok := int64Value(m.Data); ok {
				fields = append(fields, zap.Int64(m.Name, v))
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	e.logger.Info("metrics", fields...)
	return nil
}

func int64Value(data metricdata.Aggregation) (int64, bool) {
	switch d := data.(type) {
	case metricdata.Sum[int64]:
		var total int64
		for _, dp := range d.DataPoints {
			total += dp.Value
		}
		return total, len(d.DataPoints) > 0
	case metricdata.Gauge[int64]:
		if len(d.DataPoints) == 0 {
			return 0, false
		}
		return d.DataPoints[len(d.DataPoints)-1].Value, true
	default:
		return 0, false
	}
}

func (e *ZapExporter) ForceFlush(context.Context) error {
	return e.logger.Sync()
}

func (e *ZapExporter) Shutdown(context.Context) error {
	e.shutdown.Store(true)
	return nil
}
