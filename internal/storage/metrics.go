package storage

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/musubi/internal/telemetry"
)

// RegisterPoolMetrics exposes database/sql pool statistics as OTEL
// observable gauges. Call after telemetry.Init so the global meter provider
// is in place.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("musubi/storage")

	open, err := meter.Int64ObservableGauge("musubi.db.connections.open",
		metric.WithDescription("Established connections, in use or idle"))
	if err != nil {
		db.logger.Warn("storage: register pool metric", "metric", "open", "error", err)
		return
	}
	inUse, err := meter.Int64ObservableGauge("musubi.db.connections.in_use",
		metric.WithDescription("Connections currently in use"))
	if err != nil {
		db.logger.Warn("storage: register pool metric", "metric", "in_use", "error", err)
		return
	}
	waits, err := meter.Int64ObservableCounter("musubi.db.connections.waits",
		metric.WithDescription("Total number of connections waited for"))
	if err != nil {
		db.logger.Warn("storage: register pool metric", "metric", "waits", "error", err)
		return
	}

	attrs := metric.WithAttributes(attribute.String("dialect", string(db.dialect)))
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.conn.Stats()
		o.ObserveInt64(open, int64(st.OpenConnections), attrs)
		o.ObserveInt64(inUse, int64(st.InUse), attrs)
		o.ObserveInt64(waits, st.WaitCount, attrs)
		return nil
	}, open, inUse, waits)
	if err != nil {
		db.logger.Warn("storage: register pool metrics callback", "error", err)
	}
}
