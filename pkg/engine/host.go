package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrAlreadyRunning is returned when starting a conversation that already has a live execution.
	ErrAlreadyRunning = errors.New("conversation already running")

	// ErrNotRunning is returned when signalling or cancelling a conversation with no live execution.
	ErrNotRunning = errors.New("conversation not running")

	// ErrUnknownWorkflow is returned for an unregistered workflow type.
	ErrUnknownWorkflow = errors.New("unknown workflow type")
)

// EpochInfo describes the epoch being started.
type EpochInfo struct {
	ConversationID string
	WorkflowType   string
	EpochID        string
	// Epoch is 1 for the first epoch and increases on every continuation.
	Epoch int
	// Continuation is true for every epoch after the first.
	Continuation bool
	Mailbox      *Mailbox
}

// Outcome is how an epoch ended without error.
type Outcome struct {
	// ContinueAsNew asks the host to start a fresh epoch from Seed.
	ContinueAsNew bool
	Seed          interface{}
	Result        interface{}
}

// Epoch is one bounded run of a workflow.
type Epoch interface {
	Run(ctx context.Context) (Outcome, error)
	// Signal delivers payload to the execution. It may run before, during or
	// after Run and must be safe for concurrent use.
	Signal(ctx context.Context, payload interface{}) error
}

// Workflow creates epochs of one workflow type.
type Workflow interface {
	NewEpoch(ctx context.Context, info EpochInfo, seed interface{}) (Epoch, error)
}

// Status of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// EventType names a host lifecycle event.
type EventType string

const (
	EventEpochStarted   EventType = "epoch.started"
	EventEpochContinued EventType = "epoch.continued"
	EventCompleted      EventType = "execution.completed"
	EventFailed         EventType = "execution.failed"
	EventCancelled      EventType = "execution.cancelled"
)

// Event is emitted on host lifecycle transitions.
type Event struct {
	Type           EventType
	ConversationID string
	WorkflowType   string
	Epoch          int
	Err            error
}

// Result is the final state of an execution.
type Result struct {
	ConversationID string
	WorkflowType   string
	Status         Status
	Epochs         int
	Value          interface{}
	Err            error
}

// HostConfig configures a Host.
type HostConfig struct {
	// ContinueAsNewEvents is the per-epoch activity count after which
	// ShouldContinueAsNew reports true. Zero disables the suggestion.
	ContinueAsNewEvents int
	// Locker guards conversation ownership across processes. Optional.
	Locker  Locker
	Logger  zerolog.Logger
	OnEvent func(Event)
}

// Host runs workflow executions locally.
type Host struct {
	cfg       HostConfig
	logger    zerolog.Logger
	workflows map[string]Workflow

	mu         sync.Mutex
	executions map[string]*execution
	finished   map[string]*execution
	closed     bool
	wg         sync.WaitGroup
}

type execution struct {
	conversationID string
	workflowType   string
	mailbox        *Mailbox
	cancel         context.CancelFunc
	done           chan struct{}

	mu     sync.Mutex
	epoch  Epoch
	result Result
}

// NewHost creates a host with no registered workflows.
func NewHost(cfg HostConfig) *Host {
	observability.EnsureRegistered()
	return &Host{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "engine").Logger(),
		workflows:  make(map[string]Workflow),
		executions: make(map[string]*execution),
		finished:   make(map[string]*execution),
	}
}

// Register adds a workflow type. Registering twice replaces the previous one.
func (h *Host) Register(workflowType string, wf Workflow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workflows[workflowType] = wf
}

// WorkflowTypes returns the registered workflow types, sorted.
func (h *Host) WorkflowTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]string, 0, len(h.workflows))
	for t := range h.workflows {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// StartEpoch starts a new execution of workflowType for conversationID,
// seeded with seed. The first epoch is created before StartEpoch returns, so
// the execution accepts signals immediately.
func (h *Host) StartEpoch(ctx context.Context, conversationID, workflowType string, seed interface{}) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("host is shut down")
	}
	wf, ok := h.workflows[workflowType]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowType)
	}
	if _, running := h.executions[conversationID]; running {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, conversationID)
	}
	// Executions outlive the caller's ctx; only trace values are carried over.
	runCtx, cancel := context.WithCancel(tracing.Detach(ctx))
	exec := &execution{
		conversationID: conversationID,
		workflowType:   workflowType,
		mailbox:        NewMailbox(),
		cancel:         cancel,
		done:           make(chan struct{}),
		result: Result{
			ConversationID: conversationID,
			WorkflowType:   workflowType,
			Status:         StatusRunning,
		},
	}
	h.executions[conversationID] = exec
	h.mu.Unlock()

	release := func() {}
	if h.cfg.Locker != nil {
		r, err := h.cfg.Locker.Acquire(ctx, conversationID)
		if err != nil {
			cancel()
			h.forget(exec)
			return err
		}
		release = r
	}

	info := EpochInfo{
		ConversationID: conversationID,
		WorkflowType:   workflowType,
		Epoch:          1,
		Mailbox:        exec.mailbox,
	}
	epochCtx := tracing.NewEpochContext(runCtx, conversationID, workflowType)
	info.EpochID = tracing.GetEpochID(epochCtx)

	epoch, err := wf.NewEpoch(epochCtx, info, seed)
	if err != nil {
		cancel()
		release()
		h.forget(exec)
		return fmt.Errorf("failed to start epoch: %w", err)
	}
	exec.setEpoch(epoch)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer release()
		h.run(runCtx, epochCtx, exec, wf, info, epoch)
	}()
	return nil
}

func (h *Host) run(runCtx, epochCtx context.Context, exec *execution, wf Workflow, info EpochInfo, epoch Epoch) {
	defer close(exec.done)
	defer exec.cancel()

	for {
		observability.EpochStarted()
		h.emit(Event{Type: EventEpochStarted, ConversationID: info.ConversationID, WorkflowType: info.WorkflowType, Epoch: info.Epoch})

		logger := tracing.LoggerFromContext(epochCtx, h.logger)
		logger.Info().Int("epoch", info.Epoch).Bool("continuation", info.Continuation).Msg("Epoch started")

		ctx, span := tracing.StartSpan(epochCtx, "convoy.engine", "epoch.run",
			attribute.Int("epoch", info.Epoch))
		ctx = withEpochState(ctx, &epochState{limit: int64(h.cfg.ContinueAsNewEvents)})
		outcome, err := epoch.Run(ctx)
		span.End()

		switch {
		case err != nil && errors.Is(err, context.Canceled) && runCtx.Err() != nil:
			observability.EpochFinished(info.WorkflowType, string(StatusCancelled))
			logger.Info().Msg("Execution cancelled")
			h.finish(exec, StatusCancelled, nil, err, info.Epoch)
			return
		case err != nil:
			observability.EpochFinished(info.WorkflowType, string(StatusFailed))
			logger.Error().Err(err).Msg("Execution failed")
			h.finish(exec, StatusFailed, nil, err, info.Epoch)
			return
		case outcome.ContinueAsNew:
			observability.EpochFinished(info.WorkflowType, "continued")
			next := info
			next.Epoch++
			next.Continuation = true
			epochCtx = tracing.NewEpochContext(runCtx, info.ConversationID, info.WorkflowType)
			next.EpochID = tracing.GetEpochID(epochCtx)

			nextEpoch, nerr := wf.NewEpoch(epochCtx, next, outcome.Seed)
			if nerr != nil {
				observability.EpochFinished(info.WorkflowType, string(StatusFailed))
				h.finish(exec, StatusFailed, nil, fmt.Errorf("failed to continue as new: %w", nerr), info.Epoch)
				return
			}
			exec.setEpoch(nextEpoch)
			h.emit(Event{Type: EventEpochContinued, ConversationID: info.ConversationID, WorkflowType: info.WorkflowType, Epoch: next.Epoch})
			logger.Info().Int("next_epoch", next.Epoch).Msg("Continuing as new")
			info, epoch = next, nextEpoch
		default:
			observability.EpochFinished(info.WorkflowType, string(StatusCompleted))
			logger.Info().Msg("Execution completed")
			h.finish(exec, StatusCompleted, outcome.Result, nil, info.Epoch)
			return
		}
	}
}

func (h *Host) finish(exec *execution, status Status, value interface{}, err error, epochs int) {
	exec.mu.Lock()
	exec.result.Status = status
	exec.result.Value = value
	exec.result.Err = err
	exec.result.Epochs = epochs
	exec.mu.Unlock()

	h.mu.Lock()
	if h.executions[exec.conversationID] == exec {
		delete(h.executions, exec.conversationID)
	}
	h.finished[exec.conversationID] = exec
	h.mu.Unlock()

	event := Event{ConversationID: exec.conversationID, WorkflowType: exec.workflowType, Epoch: epochs, Err: err}
	switch status {
	case StatusCompleted:
		event.Type = EventCompleted
	case StatusCancelled:
		event.Type = EventCancelled
	default:
		event.Type = EventFailed
	}
	h.emit(event)
}

func (h *Host) forget(exec *execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.executions[exec.conversationID] == exec {
		delete(h.executions, exec.conversationID)
	}
}

func (h *Host) emit(event Event) {
	if h.cfg.OnEvent != nil {
		h.cfg.OnEvent(event)
	}
}

func (e *execution) setEpoch(epoch Epoch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch = epoch
}

func (e *execution) currentEpoch() Epoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

func (h *Host) lookup(conversationID string) (*execution, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	exec, ok := h.executions[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, conversationID)
	}
	return exec, nil
}

// Signal delivers payload to the running execution of conversationID.
func (h *Host) Signal(ctx context.Context, conversationID string, payload interface{}) error {
	exec, err := h.lookup(conversationID)
	if err != nil {
		return err
	}
	epoch := exec.currentEpoch()
	if epoch == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, conversationID)
	}
	return epoch.Signal(ctx, payload)
}

// Cancel requests cancellation of the execution. It does not wait.
func (h *Host) Cancel(conversationID string) error {
	exec, err := h.lookup(conversationID)
	if err != nil {
		return err
	}
	exec.cancel()
	return nil
}

// Wait blocks until the execution of conversationID ends and returns its
// result. A finished execution's result stays available until the
// conversation is started again.
func (h *Host) Wait(ctx context.Context, conversationID string) (Result, error) {
	h.mu.Lock()
	exec, ok := h.executions[conversationID]
	if !ok {
		exec, ok = h.finished[conversationID]
	}
	h.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotRunning, conversationID)
	}
	select {
	case <-exec.done:
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Running returns the conversation ids with a live execution, sorted.
func (h *Host) Running() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.executions))
	for id := range h.executions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every execution and waits for them to finish cleanup,
// up to timeout.
func (h *Host) Shutdown(timeout time.Duration) bool {
	h.mu.Lock()
	h.closed = true
	for _, exec := range h.executions {
		if exec.cancel != nil {
			exec.cancel()
		}
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		h.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for executions to stop")
		return false
	}
}

type epochStateKey struct{}

type epochState struct {
	events atomic.Int64
	limit  int64
}

func withEpochState(ctx context.Context, s *epochState) context.Context {
	return context.WithValue(ctx, epochStateKey{}, s)
}

// recordEvent counts one activity attempt against the epoch's history budget.
func recordEvent(ctx context.Context) {
	if s, ok := ctx.Value(epochStateKey{}).(*epochState); ok {
		s.events.Add(1)
	}
}

// ShouldContinueAsNew reports whether the current epoch has used up its
// history budget and should hand off to a fresh epoch.
func ShouldContinueAsNew(ctx context.Context) bool {
	s, ok := ctx.Value(epochStateKey{}).(*epochState)
	if !ok || s.limit <= 0 {
		return false
	}
	return s.events.Load() >= s.limit
}

// HistoryLength returns the number of activity attempts recorded in the current epoch.
func HistoryLength(ctx context.Context) int {
	s, ok := ctx.Value(epochStateKey{}).(*epochState)
	if !ok {
		return 0
	}
	return int(s.events.Load())
}
