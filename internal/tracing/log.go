package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base enriched with the trace, conversation,
// epoch, workflow and activity ids found in ctx. Missing ids are omitted.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := base.With()
	for _, f := range tc.fields() {
		lc = lc.Str(f.log, f.value)
	}
	return lc.Logger()
}

// Detach returns a context that keeps ctx's values but is never cancelled.
// Cleanup paths that must run after cancellation use it.
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
