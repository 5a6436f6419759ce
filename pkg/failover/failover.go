package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/convoy/internal/observability"
	"github.com/rs/zerolog"
)

var (
	// ErrNoCandidates is returned when Run is called with an empty candidate list.
	ErrNoCandidates = errors.New("failover: at least one candidate is required")

	// ErrAllCandidatesFailed matches every *ExhaustedError.
	ErrAllCandidatesFailed = errors.New("all candidates failed")
)

// Candidate is one zero-argument call bound to a backend.
type Candidate[T any] struct {
	// Name labels the candidate in logs and metrics, e.g. "openai/gpt-4o".
	Name string
	Call func(ctx context.Context) (T, error)
}

// Invoker runs a list of equivalent candidates under some policy.
type Invoker[T any] interface {
	Run(ctx context.Context, candidates []Candidate[T]) (T, error)
}

// CandidateError is a suppressed failure of a single candidate.
type CandidateError struct {
	Candidate string
	Err       error
}

func (e CandidateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Candidate, e.Err)
}

func (e CandidateError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every candidate failed. It carries each
// suppressed failure in call order.
type ExhaustedError struct {
	Failures []CandidateError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAllCandidatesFailed, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrAllCandidatesFailed) hold.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllCandidatesFailed
}

// Unwrap exposes the suppressed failures to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}

// Sequential tries candidates in order and returns the first success.
// Candidates after the first success are never called.
type Sequential[T any] struct {
	logger zerolog.Logger
}

// NewSequential creates the default first-success-wins policy.
func NewSequential[T any](logger zerolog.Logger) *Sequential[T] {
	return &Sequential[T]{
		logger: logger.With().Str("component", "failover").Logger(),
	}
}

// Run invokes candidates one at a time. A cancelled context stops the
// iteration and is returned as is; it never counts as a candidate failure.
func (s *Sequential[T]) Run(ctx context.Context, candidates []Candidate[T]) (T, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, ErrNoCandidates
	}

	var failures []CandidateError
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("candidate-%d", i)
		}
		if c.Call == nil {
			failures = append(failures, CandidateError{Candidate: name, Err: errors.New("nil call")})
			continue
		}

		result, err := c.Call(ctx)
		if err == nil {
			if len(failures) > 0 {
				s.logger.Info().
					Str("candidate", name).
					Int("suppressed", len(failures)).
					Msg("Failover candidate succeeded after earlier failures")
			}
			return result, nil
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return zero, err
		}

		s.logger.Warn().
			Str("candidate", name).
			Int("position", i).
			Err(err).
			Msg("Failover candidate failed")
		observability.RecordFailoverSuppressed(name)
		failures = append(failures, CandidateError{Candidate: name, Err: err})
	}

	observability.RecordFailoverExhausted()
	return zero, &ExhaustedError{Failures: failures}
}

// Run is a convenience wrapper around a default Sequential policy.
func Run[T any](ctx context.Context, logger zerolog.Logger, candidates ...Candidate[T]) (T, error) {
	return NewSequential[T](logger).Run(ctx, candidates)
}
