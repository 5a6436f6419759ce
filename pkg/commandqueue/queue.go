package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks submitted after Close.
var ErrClosed = errors.New("command queue closed")

// DefaultConcurrency is used for queues created on first use.
const DefaultConcurrency = 1

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// Config configures the queues created up front.
type Config struct {
	// Queues maps a queue name to its concurrency limit.
	Queues map[string]int
	Logger zerolog.Logger
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// queueState manages execution state for a single queue
type queueState struct {
	concurrency int
	pending     []*taskRecord
	running     int
	completed   int64
	failed      int64
	mu          sync.Mutex
}

// QueueStats is a point-in-time snapshot of one queue.
type QueueStats struct {
	Queued      int   `json:"queued"`
	Running     int   `json:"running"`
	Concurrency int   `json:"concurrency"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
}

// CommandQueue runs tasks on named queues.
type CommandQueue struct {
	queues    map[string]*queueState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger
}

// New creates a CommandQueue with the configured queues.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		queues: make(map[string]*queueState),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger.With().Str("component", "commandqueue").Logger(),
	}
	for name, concurrency := range cfg.Queues {
		cq.SetConcurrency(name, concurrency)
	}
	return cq
}

func (cq *CommandQueue) queue(name string) *queueState {
	cq.mu.RLock()
	qs, ok := cq.queues[name]
	cq.mu.RUnlock()
	if ok {
		return qs
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if qs, ok := cq.queues[name]; ok {
		return qs
	}
	qs = &queueState{concurrency: DefaultConcurrency}
	cq.queues[name] = qs
	cq.logger.Debug().Str("queue", name).Int("concurrency", qs.concurrency).Msg("Queue initialized")
	return qs
}

// Submit runs task on the named queue and waits for its result. If ctx is
// cancelled before the task starts, the task is dropped and ctx.Err() returned.
func (cq *CommandQueue) Submit(ctx context.Context, queue string, task Task) (interface{}, error) {
	if cq.ctx.Err() != nil {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "convoy.commandqueue", "commandqueue.submit",
		attribute.String("queue", queue))
	defer span.End()

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", queue, cq.taskIDSeq)
	cq.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	qs := cq.queue(queue)
	qs.mu.Lock()
	qs.pending = append(qs.pending, record)
	queueSize := len(qs.pending)
	qs.mu.Unlock()

	observability.RecordQueueEnqueue(queue, queueSize)
	logger := tracing.LoggerFromContext(ctx, cq.logger)
	logger.Debug().
		Str("queue", queue).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	cq.process(queue, qs)

	select {
	case result := <-record.result:
		if result.err != nil {
			tracing.Fail(span, result.err)
		}
		return result.value, result.err
	case <-ctx.Done():
		// A running task observes the same ctx and returns on its own.
		qs.remove(record)
		return nil, ctx.Err()
	case <-cq.ctx.Done():
		return nil, ErrClosed
	}
}

func (qs *queueState) remove(record *taskRecord) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	for i, r := range qs.pending {
		if r == record {
			qs.pending = append(qs.pending[:i], qs.pending[i+1:]...)
			return
		}
	}
}

// process starts pending tasks while the queue has capacity.
func (cq *CommandQueue) process(name string, qs *queueState) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	for qs.running < qs.concurrency && len(qs.pending) > 0 {
		record := qs.pending[0]
		qs.pending = qs.pending[1:]

		if record.ctx.Err() != nil {
			record.result <- taskResult{err: record.ctx.Err()}
			continue
		}

		qs.running++
		cq.wg.Add(1)
		go cq.execute(name, qs, record)
	}
}

func (cq *CommandQueue) execute(name string, qs *queueState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "convoy.commandqueue", "commandqueue.execute_task",
		attribute.String("queue", name),
		attribute.String("task_id", record.id))
	defer span.End()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)
	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	qs.mu.Lock()
	qs.running--
	if err != nil {
		qs.failed++
	} else {
		qs.completed++
	}
	queueSize := len(qs.pending)
	qs.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.Fail(span, err)
		logger.Debug().
			Str("queue", name).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("queue", name).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(name, duration, err == nil, queueSize)

	cq.process(name, qs)
}

// SetConcurrency updates the concurrency limit for a queue, creating it if needed.
func (cq *CommandQueue) SetConcurrency(queue string, concurrency int) {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	qs := cq.queue(queue)
	qs.mu.Lock()
	oldMax := qs.concurrency
	qs.concurrency = concurrency
	qs.mu.Unlock()

	if oldMax != concurrency {
		cq.logger.Debug().
			Str("queue", queue).
			Int("oldMax", oldMax).
			Int("newMax", concurrency).
			Msg("Queue concurrency updated")
	}
	if concurrency > oldMax {
		cq.process(queue, qs)
	}
}

// Queues returns the known queue names, sorted.
func (cq *CommandQueue) Queues() []string {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	names := make([]string, 0, len(cq.queues))
	for name := range cq.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot for one queue.
func (cq *CommandQueue) Stats(queue string) QueueStats {
	cq.mu.RLock()
	qs, ok := cq.queues[queue]
	cq.mu.RUnlock()
	if !ok {
		return QueueStats{}
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	return QueueStats{
		Queued:      len(qs.pending),
		Running:     qs.running,
		Concurrency: qs.concurrency,
		Completed:   qs.completed,
		Failed:      qs.failed,
	}
}

// Drain waits for running tasks to finish, up to timeout.
func (cq *CommandQueue) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := false
		for _, name := range cq.Queues() {
			if s := cq.Stats(name); s.Running > 0 || s.Queued > 0 {
				busy = true
				break
			}
		}
		if !busy {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	return nil
}
