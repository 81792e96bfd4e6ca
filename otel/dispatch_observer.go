// Package otel provides OpenTelemetry integration for tool dispatch and the
// remote pipe.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolgate/dispatch"
)

// DispatchObserver records dispatch outcomes into OpenTelemetry.
type DispatchObserver struct {
	tracer trace.Tracer

	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewDispatchObserver creates an observer bound to the provided meter/tracer.
// A nil tracer disables spans.
func NewDispatchObserver(meter metric.Meter, tracer trace.Tracer) (*DispatchObserver, error) {
	calls, err := meter.Int64Counter(
		"toolgate.dispatch.calls",
		metric.WithDescription("Number of tool dispatches"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"toolgate.dispatch.failures",
		metric.WithDescription("Number of failed tool dispatches"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolgate.dispatch.latency",
		metric.WithDescription("Tool dispatch latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchObserver{
		tracer:   tracer,
		calls:    calls,
		failures: failures,
		latency:  latency,
	}, nil
}

// ObserveDispatch records one dispatch. The span covers the call's wall-clock
// interval and is parented to the span in ctx, if any.
func (o *DispatchObserver) ObserveDispatch(ctx context.Context, observation dispatch.Observation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("adapter", observation.Adapter),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	elapsed := time.Duration(observation.DurationMS) * time.Millisecond
	options := metric.WithAttributes(attrs...)
	o.calls.Add(ctx, 1, options)
	if !observation.Success {
		o.failures.Add(ctx, 1, options)
	}
	o.latency.Record(ctx, elapsed.Seconds(), options)

	if o.tracer == nil {
		return
	}
	start := observation.StartedAt
	if start.IsZero() {
		start = time.Now().Add(-elapsed)
	}
	spanAttrs := append(attrs, attribute.String("call_id", observation.ID))
	_, span := o.tracer.Start(ctx, "tool.dispatch",
		trace.WithAttributes(spanAttrs...),
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
		if observation.ErrorMessage != "" {
			span.RecordError(spanError(observation.ErrorMessage), trace.WithTimestamp(start.Add(elapsed)))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(start.Add(elapsed)))
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }

var _ dispatch.Observer = (*DispatchObserver)(nil)
