// Package saga coordinates booking tools that must be undone in reverse
// order when the user corrects an in-flight trip.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/coretools"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrForwardBlocked rejects a forward action while a correction awaits reconfirmation.
	ErrForwardBlocked = errors.New("compensation pending: reconfirm the destination before booking")

	// ErrUndoOutOfOrder rejects an undo that does not target the most recent committed step.
	ErrUndoOutOfOrder = errors.New("undo must target the most recent committed booking")
)

// CompensationError is returned when an undo action fails. The saga can no
// longer guarantee a consistent booking state.
type CompensationError struct {
	Step Step
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensate %s with %s: %v", e.Step.Action, e.Step.UndoAction, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// Pair binds a forward action to the action that undoes it.
type Pair struct {
	Action string `json:"action"`
	Undo   string `json:"undo"`
}

// DefaultPairs is the trip booking vocabulary.
var DefaultPairs = []Pair{
	{Action: coretools.BuyPlaneTicket, Undo: coretools.UndoBuyPlaneTicket},
	{Action: coretools.BookHotel, Undo: coretools.UndoBookHotel},
	{Action: coretools.RentCar, Undo: coretools.UndoRentCar},
}

// Step is one forward action in commit order.
type Step struct {
	Action     string          `json:"action"`
	UndoAction string          `json:"undo_action"`
	Input      json.RawMessage `json:"input"`
	ToolCallID string          `json:"tool_call_id"`
	Committed  bool            `json:"committed"`
}

// Log is the saga state carried across epochs.
type Log struct {
	Steps             []Step `json:"steps,omitempty"`
	CorrectionPending bool   `json:"correction_pending,omitempty"`
}

// Committed returns the committed steps in commit order.
func (l Log) Committed() []Step {
	var out []Step
	for _, s := range l.Steps {
		if s.Committed {
			out = append(out, s)
		}
	}
	return out
}

// Recorder persists the assistant message that carries compensation calls.
type Recorder interface {
	// Announce creates a placeholder assistant message and input-streaming
	// records for calls.
	Announce(ctx context.Context, calls []provider.ToolCall) error
}

// Config configures a Coordinator.
type Config struct {
	Pairs    []Pair
	Executor *toolexecutor.Executor
	Recorder Recorder
	Logger   zerolog.Logger
	// OnCompensated is called after a correction undid steps, in undo order.
	OnCompensated func(ctx context.Context, undone []Step)
}

// Coordinator routes tool calls of one conversation through the saga log.
// It is not safe for concurrent rounds; the agent loop runs one at a time.
type Coordinator struct {
	cfg     Config
	logger  zerolog.Logger
	forward map[string]Pair
	undo    map[string]Pair

	mu  sync.Mutex
	log Log
}

// New creates a coordinator resuming from state.
func New(cfg Config, state Log) *Coordinator {
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultPairs
	}
	c := &Coordinator{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "saga").Logger(),
		forward: make(map[string]Pair, len(cfg.Pairs)),
		undo:    make(map[string]Pair, len(cfg.Pairs)),
		log:     state,
	}
	for _, p := range cfg.Pairs {
		c.forward[p.Action] = p
		c.undo[p.Undo] = p
	}
	return c
}

// State returns a copy of the saga log.
func (c *Coordinator) State() Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Log{CorrectionPending: c.log.CorrectionPending}
	out.Steps = append([]Step(nil), c.log.Steps...)
	return out
}

// IsSagaTool reports whether name is a forward or undo action.
func (c *Coordinator) IsSagaTool(name string) bool {
	_, fwd := c.forward[name]
	_, undo := c.undo[name]
	return fwd || undo
}

// Route executes one round of tool calls. Saga actions run one at a time in
// call order; other calls run concurrently alongside them. Results are in
// call order. A failed undo returns a *CompensationError.
func (c *Coordinator) Route(ctx context.Context, calls []provider.ToolCall) ([]toolexecutor.Result, error) {
	results := make([]toolexecutor.Result, len(calls))

	var (
		passIdx   []int
		passCalls []provider.ToolCall
		sagaIdx   []int
	)
	for i, call := range calls {
		if c.IsSagaTool(call.Name) {
			sagaIdx = append(sagaIdx, i)
			continue
		}
		passIdx = append(passIdx, i)
		passCalls = append(passCalls, call)
	}

	var wg sync.WaitGroup
	if len(passCalls) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j, res := range c.cfg.Executor.ExecuteAll(ctx, passCalls) {
				results[passIdx[j]] = res
			}
		}()
	}

	var fatal error
	for _, i := range sagaIdx {
		call := calls[i]
		if fatal != nil {
			results[i] = c.cfg.Executor.Reject(ctx, call.Name, call.ID, call.Input, fatal)
			continue
		}
		if _, ok := c.forward[call.Name]; ok {
			results[i] = c.runForward(ctx, call)
			continue
		}
		results[i], fatal = c.runUndo(ctx, call)
	}

	wg.Wait()
	return results, fatal
}

func (c *Coordinator) runForward(ctx context.Context, call provider.ToolCall) toolexecutor.Result {
	c.mu.Lock()
	blocked := c.log.CorrectionPending
	c.mu.Unlock()

	if blocked {
		observability.RecordSagaGuardRejection()
		return c.cfg.Executor.Reject(ctx, call.Name, call.ID, call.Input, ErrForwardBlocked)
	}

	res := c.cfg.Executor.Execute(ctx, call.Name, call.ID, call.Input)
	if res.Failed() {
		return res
	}

	pair := c.forward[call.Name]
	c.mu.Lock()
	c.log.Steps = append(c.log.Steps, Step{
		Action:     pair.Action,
		UndoAction: pair.Undo,
		Input:      call.Input,
		ToolCallID: call.ID,
		Committed:  true,
	})
	c.mu.Unlock()
	return res
}

func (c *Coordinator) runUndo(ctx context.Context, call provider.ToolCall) (toolexecutor.Result, error) {
	c.mu.Lock()
	top := c.topCommitted()
	var step Step
	if top >= 0 {
		step = c.log.Steps[top]
	}
	c.mu.Unlock()

	if top < 0 || step.UndoAction != call.Name {
		return c.cfg.Executor.Reject(ctx, call.Name, call.ID, call.Input, ErrUndoOutOfOrder), nil
	}

	res := c.cfg.Executor.Execute(ctx, call.Name, call.ID, call.Input)
	observability.RecordSagaCompensation(step.Action, !res.Failed())
	if res.Failed() {
		return res, &CompensationError{Step: step, Err: res.Err}
	}

	c.mu.Lock()
	c.log.Steps = c.log.Steps[:top]
	c.mu.Unlock()
	return res, nil
}

// topCommitted returns the index of the most recent committed step, or -1.
// Caller holds mu.
func (c *Coordinator) topCommitted() int {
	for i := len(c.log.Steps) - 1; i >= 0; i-- {
		if c.log.Steps[i].Committed {
			return i
		}
	}
	return -1
}

// Merged is called when inbound user messages join the history. A message
// after a compensation is the reconfirmation and lifts the guard; a message
// while bookings are committed is a correction and undoes them. The
// returned messages describe the undo calls and belong after the merged
// user messages.
func (c *Coordinator) Merged(ctx context.Context) ([]provider.Message, error) {
	c.mu.Lock()
	if c.log.CorrectionPending {
		c.log.CorrectionPending = false
		c.logger.Debug().Msg("Correction reconfirmed, bookings allowed")
	}
	hasCommitted := c.topCommitted() >= 0
	c.mu.Unlock()

	if !hasCommitted {
		return nil, nil
	}
	return c.Correct(ctx)
}

// Correct undoes every committed step in reverse order of commitment with
// the forward action's input. A step is marked uncommitted only after its
// undo succeeds. On success forward actions are blocked until the next
// user message.
func (c *Coordinator) Correct(ctx context.Context) ([]provider.Message, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	c.mu.Lock()
	var pending []int
	for i := len(c.log.Steps) - 1; i >= 0; i-- {
		if c.log.Steps[i].Committed {
			pending = append(pending, i)
		}
	}
	steps := append([]Step(nil), c.log.Steps...)
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil, nil
	}

	calls := make([]provider.ToolCall, len(pending))
	for j, i := range pending {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("generate compensation call id: %w", err)
		}
		calls[j] = provider.ToolCall{ID: "undo_" + id, Name: steps[i].UndoAction, Input: steps[i].Input}
	}

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.Announce(ctx, calls); err != nil {
			return nil, fmt.Errorf("record compensation calls: %w", err)
		}
	}

	logger.Info().Int("steps", len(pending)).Msg("Correction received, compensating bookings")

	results := make([]provider.ToolResult, 0, len(calls))
	undone := make([]Step, 0, len(pending))
	for j, i := range pending {
		step := steps[i]
		res := c.cfg.Executor.Execute(ctx, calls[j].Name, calls[j].ID, calls[j].Input)
		observability.RecordSagaCompensation(step.Action, !res.Failed())
		if res.Failed() {
			logger.Error().Err(res.Err).Str("action", step.Action).Msg("Compensation failed")
			compErr := &CompensationError{Step: step, Err: res.Err}
			for _, rest := range calls[j+1:] {
				c.cfg.Executor.Reject(ctx, rest.Name, rest.ID, rest.Input, fmt.Errorf("compensation aborted: %w", compErr))
			}
			return nil, compErr
		}

		c.mu.Lock()
		c.log.Steps[i].Committed = false
		c.mu.Unlock()

		step.Committed = false
		undone = append(undone, step)
		results = append(results, res.ToolResult())
	}

	c.mu.Lock()
	c.log.Steps = nil
	c.log.CorrectionPending = true
	c.mu.Unlock()

	if c.cfg.OnCompensated != nil {
		c.cfg.OnCompensated(ctx, undone)
	}

	return []provider.Message{
		provider.AssistantMessage("", calls),
		provider.ToolMessage(results),
	}, nil
}
