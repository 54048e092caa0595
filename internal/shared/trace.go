package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a correlation id to ctx. Each accepted execute
// request gets its own id before it is handed to the coordinator.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the correlation id carried by ctx, or "-" when none was
// attached, so log lines always have a printable value.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID mints a fresh correlation id.
func NewTraceID() string {
	return uuid.NewString()
}
