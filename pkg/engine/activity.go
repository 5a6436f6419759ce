package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/commandqueue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrHeartbeatTimeout is the cause of an attempt that stopped heartbeating.
	ErrHeartbeatTimeout = errors.New("activity heartbeat timeout")

	// ErrStartToCloseTimeout is the cause of an attempt that ran too long.
	ErrStartToCloseTimeout = errors.New("activity start-to-close timeout")
)

// NonRetryableError marks an activity failure that must not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so ExecuteActivity returns it without retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries a NonRetryableError.
func IsNonRetryable(err error) bool {
	var nr *NonRetryableError
	return errors.As(err, &nr)
}

// ActivityOptions is the retry and timeout policy of one activity call.
type ActivityOptions struct {
	// Queue is the task queue the activity runs on.
	Queue string
	// MaxAttempts caps attempts; values below 1 mean a single attempt.
	MaxAttempts int
	// StartToClose bounds a single attempt.
	StartToClose time.Duration
	// ScheduleToClose bounds all attempts including backoff.
	ScheduleToClose time.Duration
	// Heartbeat fails an attempt that has not heartbeated for this long.
	Heartbeat time.Duration

	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
}

// PolicyOptions converts a configured policy into options for queue.
func PolicyOptions(p config.ActivityPolicy, queue string) ActivityOptions {
	return ActivityOptions{
		Queue:              queue,
		MaxAttempts:        p.MaxAttempts,
		StartToClose:       p.StartToClose,
		ScheduleToClose:    p.ScheduleToClose,
		Heartbeat:          p.Heartbeat,
		InitialInterval:    p.InitialInterval,
		BackoffCoefficient: p.BackoffCoefficient,
	}
}

func (o ActivityOptions) backoff(attempt int) time.Duration {
	initial := o.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}
	coef := o.BackoffCoefficient
	if coef < 1 {
		coef = 2
	}
	d := time.Duration(float64(initial) * math.Pow(coef, float64(attempt-1)))
	maxInterval := o.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 100 * initial
	}
	if d > maxInterval || d <= 0 {
		d = maxInterval
	}
	return d
}

// Activities runs activity functions on task queues under a retry policy.
type Activities struct {
	queues *commandqueue.CommandQueue
	logger zerolog.Logger
}

// NewActivities returns a runner. A nil queues runs activities inline.
func NewActivities(queues *commandqueue.CommandQueue, logger zerolog.Logger) *Activities {
	observability.EnsureRegistered()
	return &Activities{
		queues: queues,
		logger: logger.With().Str("component", "activities").Logger(),
	}
}

// ExecuteActivity runs fn under opts, retrying failures until it succeeds,
// the attempts or the schedule-to-close budget run out, the error is
// non-retryable, or ctx is cancelled. Cancellation is never retried.
func ExecuteActivity[T any](ctx context.Context, a *Activities, name string, opts ActivityOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx = tracing.WithActivity(ctx, name)
	ctx, span := tracing.StartSpan(ctx, "convoy.engine", "activity."+name,
		attribute.String("queue", opts.Queue))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, a.logger)

	scheduleCtx := ctx
	if opts.ScheduleToClose > 0 {
		var cancel context.CancelFunc
		scheduleCtx, cancel = context.WithTimeout(ctx, opts.ScheduleToClose)
		defer cancel()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		recordEvent(ctx)

		value, err := runAttempt(scheduleCtx, a, opts, attempt, fn)
		observability.RecordActivityAttempt(name, err == nil)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return zero, ctx.Err()
		}
		if IsNonRetryable(err) {
			break
		}
		if scheduleCtx.Err() != nil {
			lastErr = fmt.Errorf("schedule-to-close timeout: %w", err)
			break
		}
		if attempt == maxAttempts {
			break
		}

		wait := opts.backoff(attempt)
		logger.Warn().
			Err(err).
			Str("activity", name).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Activity attempt failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-scheduleCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, fmt.Errorf("activity %s: schedule-to-close timeout: %w", name, lastErr)
		}
	}

	tracing.Fail(span, lastErr)
	return zero, fmt.Errorf("activity %s failed: %w", name, lastErr)
}

// runAttempt runs one attempt on the activity's queue, enforcing the
// start-to-close and heartbeat timeouts.
func runAttempt[T any](ctx context.Context, a *Activities, opts ActivityOptions, attempt int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if opts.StartToClose > 0 {
		timer := time.AfterFunc(opts.StartToClose, func() { cancel(ErrStartToCloseTimeout) })
		defer timer.Stop()
	}

	hb := &heartbeat{}
	hb.beat()
	attemptCtx = context.WithValue(attemptCtx, heartbeatKey{}, hb)
	attemptCtx = context.WithValue(attemptCtx, attemptKey{}, attempt)

	if opts.Heartbeat > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go hb.watch(opts.Heartbeat, stop, func() { cancel(ErrHeartbeatTimeout) })
	}

	call := func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}

	var (
		value interface{}
		err   error
	)
	if a.queues != nil && opts.Queue != "" {
		value, err = a.queues.Submit(attemptCtx, opts.Queue, call)
	} else {
		value, err = call(attemptCtx)
	}

	if cause := context.Cause(attemptCtx); err != nil && cause != nil && ctx.Err() == nil {
		if errors.Is(cause, ErrHeartbeatTimeout) || errors.Is(cause, ErrStartToCloseTimeout) {
			err = fmt.Errorf("%w: %v", cause, err)
		}
	}
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, NonRetryable(fmt.Errorf("activity returned %T", value))
	}
	return typed, nil
}

type heartbeatKey struct{}
type attemptKey struct{}

type heartbeat struct {
	last  atomic.Int64
	count atomic.Int64
}

func (h *heartbeat) beat() {
	h.last.Store(time.Now().UnixNano())
	h.count.Add(1)
}

func (h *heartbeat) watch(timeout time.Duration, stop <-chan struct{}, expire func()) {
	interval := timeout / 4
	if interval <= 0 {
		interval = timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, h.last.Load())) > timeout {
				expire()
				return
			}
		}
	}
}

// RecordHeartbeat marks the current activity attempt as alive. Outside an
// activity it does nothing.
func RecordHeartbeat(ctx context.Context) {
	if hb, ok := ctx.Value(heartbeatKey{}).(*heartbeat); ok {
		hb.beat()
	}
}

// Attempt returns the 1-based attempt number of the current activity, or 0
// outside an activity.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}
