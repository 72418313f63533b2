package service

import "context"

// Tracer starts a span around a unit of work. Implementations report the
// outcome through the returned finish function, called with a non-nil error
// when the traced operation failed.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer discards spans; it is the default for services that don't wire
// a real tracer.
var NoopTracer Tracer = noopTracer{}
