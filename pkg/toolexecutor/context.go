package toolexecutor

import "context"

// Call identifies the tool call a handler is serving.
type Call struct {
	ID   string
	Name string
}

type callKey struct{}

// WithCall attaches call to ctx for tool handlers.
func WithCall(ctx context.Context, call Call) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

// CallFromContext returns the call a handler is serving, if any.
func CallFromContext(ctx context.Context) (Call, bool) {
	call, ok := ctx.Value(callKey{}).(Call)
	return call, ok
}
