// Package adapter provides adapters for shmchan integration with external systems.
package adapter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmchan"

// OTel records launcher activity through OpenTelemetry. A zero Meter or
// Tracer falls back to the noop implementation.
type OTel struct {
	tracer  trace.Tracer
	spawned metric.Int64Counter
	failed  metric.Int64Counter
}

// NewOTel builds the adapter and its instruments.
func NewOTel(meter metric.Meter, tracer trace.Tracer) (*OTel, error) {
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	spawned, err := meter.Int64Counter("spmd.processes.spawned",
		metric.WithDescription("Worker processes started by this process."))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("spmd.processes.spawn_failures",
		metric.WithDescription("Worker processes that could not be started."))
	if err != nil {
		return nil, err
	}
	return &OTel{tracer: tracer, spawned: spawned, failed: failed}, nil
}

// StartSpan starts a span for spawning the worker of the given rank.
func (o *OTel) StartSpan(ctx context.Context, name string, rank, span int) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("spmd.rank", rank),
		attribute.Int("spmd.span", span),
	))
}

// RecordSpawn counts one spawn attempt and ends the span.
func (o *OTel) RecordSpawn(ctx context.Context, sp trace.Span, rank int, err error) {
	attrs := metric.WithAttributes(attribute.Int("spmd.rank", rank))
	if err != nil {
		o.failed.Add(ctx, 1, attrs)
		sp.RecordError(err)
	} else {
		o.spawned.Add(ctx, 1, attrs)
	}
	sp.End()
}
