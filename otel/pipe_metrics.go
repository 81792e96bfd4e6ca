package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipeMetrics records remote pipe connection lifecycle metrics.
type PipeMetrics struct {
	active      metric.Int64UpDownCounter
	connects    metric.Int64Counter
	disconnects metric.Int64Counter
	idleClosed  metric.Int64Counter
}

// NewPipeMetrics creates the pipe instruments on meter.
func NewPipeMetrics(meter metric.Meter) (*PipeMetrics, error) {
	active, err := meter.Int64UpDownCounter("toolgate.pipe.connections.active",
		metric.WithDescription("Number of live remote pipe connections"),
	)
	if err != nil {
		return nil, err
	}

	connects, err := meter.Int64Counter("toolgate.pipe.connects",
		metric.WithDescription("Number of accepted remote pipe connections"),
	)
	if err != nil {
		return nil, err
	}

	disconnects, err := meter.Int64Counter("toolgate.pipe.disconnects",
		metric.WithDescription("Number of closed remote pipe connections"),
	)
	if err != nil {
		return nil, err
	}

	idleClosed, err := meter.Int64Counter("toolgate.pipe.keepalive.closed",
		metric.WithDescription("Number of connections closed for missing keepalive replies"),
	)
	if err != nil {
		return nil, err
	}

	return &PipeMetrics{
		active:      active,
		connects:    connects,
		disconnects: disconnects,
		idleClosed:  idleClosed,
	}, nil
}

// Connected records an accepted connection.
func (m *PipeMetrics) Connected(connID string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.active.Add(ctx, 1)
	m.connects.Add(ctx, 1, metric.WithAttributes(attribute.String("conn_id", connID)))
}

// Disconnected records a closed connection.
func (m *PipeMetrics) Disconnected(connID string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.active.Add(ctx, -1)
	m.disconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("conn_id", connID)))
}

// KeepaliveClosed records connections dropped by one keepalive sweep.
func (m *PipeMetrics) KeepaliveClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.idleClosed.Add(context.Background(), int64(n))
}
