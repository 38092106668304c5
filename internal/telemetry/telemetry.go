// Package telemetry provides the single explicit handle that carries
// logging and (optional) tracing through the backplane.
//
// There is no real tracing SDK wired in: telemetry/tracing is an
// out-of-scope external collaborator for this core. Handle exists so a
// caller that does want tracing has exactly one seam to attach to,
// instead of a package-level global.
package telemetry

import (
	"context"
	"log/slog"
)

// Span is the minimal surface a tracer needs to expose. The zero value
// (noopSpan) satisfies it and does nothing.
type Span interface {
	End()
	RecordError(err error)
}

// Tracer starts a span for a named operation. Handle.Tracer is nil by
// default, in which case Handle.StartSpan returns a no-op span.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

// Handle is threaded into the bus client and every service constructor.
type Handle struct {
	Logger *slog.Logger
	Tracer Tracer
}

// New builds a Handle around logger. tracer may be nil.
func New(logger *slog.Logger, tracer Tracer) Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return Handle{Logger: logger, Tracer: tracer}
}

// StartSpan starts a span if a Tracer is configured, otherwise returns a
// no-op span that is safe to End() unconditionally.
func (h Handle) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	if h.Tracer == nil {
		return ctx, noopSpan{}
	}
	return h.Tracer.Start(ctx, name)
}

type noopSpan struct{}

func (noopSpan) End()                {}
func (noopSpan) RecordError(error) {}
