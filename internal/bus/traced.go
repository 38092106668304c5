package bus

import (
	"context"

	"github.com/jonathonfletcher/poq/internal/telemetry"
)

// Traced wraps handler so that invoking it starts and ends a span named
// name, recording any returned error on the span. It is meant to be
// applied once, at subscription-registration time, rather than at
// function definition — the decorator-based tracing the original used is
// replaced by this explicit wrapping per call to Subscribe.
func Traced(handle telemetry.Handle, name string, handler Handler) Handler {
	return func(ctx context.Context, subject string, payload []byte) ([]byte, error) {
		ctx, span := handle.StartSpan(ctx, name)
		defer span.End()

		reply, err := handler(ctx, subject, payload)
		if err != nil {
			span.RecordError(err)
		}
		return reply, err
	}
}
