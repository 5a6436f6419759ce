package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/convoy/pkg/engine"
)

// emitChunk forwards one chunk to the sink and heartbeats the enclosing activity.
func emitChunk(ctx context.Context, sink StreamSink, text string) error {
	if text == "" {
		return nil
	}
	engine.RecordHeartbeat(ctx)
	if sink == nil {
		return nil
	}
	if err := sink.OnChunk(ctx, text); err != nil {
		return fmt.Errorf("stream sink: %w", err)
	}
	return nil
}

// streamFailed converts a stream error into the returned error. When ctx was
// cancelled the sink gets a chance to record the abort on a detached context
// and the result wraps the ctx error.
func streamFailed(ctx context.Context, sink StreamSink, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		cancelled := fmt.Errorf("stream cancelled: %w", ctxErr)
		if a, ok := sink.(StreamAborter); ok {
			if aerr := a.Abort(context.WithoutCancel(ctx)); aerr != nil {
				return errors.Join(cancelled, aerr)
			}
		}
		return cancelled
	}
	return err
}
