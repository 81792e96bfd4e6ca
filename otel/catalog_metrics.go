package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// CatalogMetrics records tool catalog changes.
type CatalogMetrics struct {
	changes metric.Int64Counter
	tools   metric.Int64Gauge
}

// NewCatalogMetrics creates the catalog instruments on meter.
func NewCatalogMetrics(meter metric.Meter) (*CatalogMetrics, error) {
	changes, err := meter.Int64Counter("toolgate.catalog.changes",
		metric.WithDescription("Number of tool catalog reloads, registrations and removals"),
	)
	if err != nil {
		return nil, err
	}

	tools, err := meter.Int64Gauge("toolgate.catalog.tools",
		metric.WithDescription("Number of tools in the catalog"),
	)
	if err != nil {
		return nil, err
	}

	return &CatalogMetrics{changes: changes, tools: tools}, nil
}

// Changed records one catalog change that left tools entries.
func (m *CatalogMetrics) Changed(tools int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.changes.Add(ctx, 1)
	m.tools.Record(ctx, int64(tools))
}
