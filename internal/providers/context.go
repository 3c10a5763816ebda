package providers

import "context"

type requestIDKeyType struct{}
type threadIDKeyType struct{}

var (
	requestIDKey = requestIDKeyType{}
	threadIDKey  = threadIDKeyType{}
)

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithThreadID returns a context carrying the debate thread this call serves.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// GetThreadID extracts the debate thread ID from context.
func GetThreadID(ctx context.Context) string {
	if id, ok := ctx.Value(threadIDKey).(string); ok {
		return id
	}
	return ""
}
