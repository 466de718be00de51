package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

// Tracer is a thin span wrapper so components can trace their steps
// without caring whether a collector is configured.
type Tracer interface {
	Start()
	Spawn(spanName string) Tracer
	SetAttribute(key, value string)
	SetStatus(code codes.Code, message string)
	End()
}

// TracerKey is used to store and retrieve the tracer from the context.
type TracerKey struct{}

// FromContext returns the tracer stored in ctx, or a no-op tracer.
func FromContext(ctx context.Context) Tracer {
	if t, ok := ctx.Value(TracerKey{}).(Tracer); ok {
		return t
	}
	return &dummyTracer{}
}

type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

func (f *TracerFactory) NewTracer(ctx context.Context, spanName string) Tracer {
	if f.telemetry == nil || f.telemetry.GetTracer() == nil {
		return &dummyTracer{}
	}
	return &spanTracer{ctx: ctx, tracer: f.telemetry.GetTracer(), name: spanName}
}

type spanTracer struct {
	ctx    context.Context
	tracer trace.Tracer
	name   string
	span   trace.Span
}

func (t *spanTracer) Start() {
	t.ctx, t.span = t.tracer.Start(t.ctx, t.name)
}

func (t *spanTracer) Spawn(spanName string) Tracer {
	return &spanTracer{ctx: t.ctx, tracer: t.tracer, name: spanName}
}

func (t *spanTracer) SetAttribute(key, value string) {
	if t.span != nil {
		t.span.SetAttributes(attribute.String(key, value))
	}
}

func (t *spanTracer) SetStatus(code codes.Code, message string) {
	if t.span != nil {
		t.span.SetStatus(code, message)
	}
}

func (t *spanTracer) End() {
	if t.span != nil {
		t.span.End()
	}
}

// dummyTracer does nothing when telemetry is not enabled.
type dummyTracer struct{}

func (t *dummyTracer) Start()                                    {}
func (t *dummyTracer) Spawn(spanName string) Tracer              { return t }
func (t *dummyTracer) SetAttribute(key, value string)            {}
func (t *dummyTracer) SetStatus(code codes.Code, message string) {}
func (t *dummyTracer) End()                                      {}
