package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/store"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrDuplicateToolCall is returned for a call id the executor has already run.
	ErrDuplicateToolCall = errors.New("duplicate tool call id")

	// ErrInvalidArguments wraps schema validation failures.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ToolNotFoundError is returned when the model asks for a tool that is not registered.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return e.Name + " tool is not found"
}

// DefaultMaxOutputBytes caps the encoded output handed back to the model.
const DefaultMaxOutputBytes = 64 * 1024

const truncationSuffix = "\n... [output truncated]"

// DefaultActivityOptions is the retry policy for tool handlers.
func DefaultActivityOptions() engine.ActivityOptions {
	return engine.ActivityOptions{
		Queue:              config.QueueGeneral,
		MaxAttempts:        5,
		StartToClose:       2 * time.Minute,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
	}
}

// Result is the final outcome of one tool call.
type Result struct {
	ToolCallID string
	Name       string
	State      store.ToolState
	Output     json.RawMessage
	ErrorText  string
	Truncated  bool
	// Err is the typed cause when State is output-error.
	Err      error
	Duration time.Duration
}

// Failed reports whether the call ended in output-error.
func (r Result) Failed() bool { return r.State == store.ToolOutputError }

// ToolResult converts r into the tool-result part sent back to the model.
// Errors are sent as a JSON string holding the error text.
func (r Result) ToolResult() provider.ToolResult {
	if r.Failed() {
		text, _ := json.Marshal(r.ErrorText)
		return provider.ToolResult{ID: r.ToolCallID, Name: r.Name, Output: text, IsError: true}
	}
	return provider.ToolResult{ID: r.ToolCallID, Name: r.Name, Output: r.Output}
}

// Config configures an Executor.
type Config struct {
	Registry   *Registry
	Activities *engine.Activities
	// Store receives input-available and terminal records. Callers create
	// the input-streaming record first; a missing record is logged and the
	// call still runs. Optional.
	Store          store.ConversationStore
	Options        engine.ActivityOptions
	MaxOutputBytes int
	// Completed lists call ids that ran in an earlier epoch of the same
	// conversation. They are rejected as duplicates.
	Completed []string
	Logger    zerolog.Logger
}

// Executor runs registered tools as engine activities and records their
// lifecycle. Each call id runs at most once per executor.
type Executor struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates an executor over cfg.Registry.
func New(cfg Config) *Executor {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Activities == nil {
		cfg.Activities = engine.NewActivities(nil, cfg.Logger)
	}
	if cfg.Options.MaxAttempts == 0 {
		cfg.Options = DefaultActivityOptions()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	observability.EnsureRegistered()
	seen := make(map[string]struct{}, len(cfg.Completed))
	for _, id := range cfg.Completed {
		seen[id] = struct{}{}
	}
	return &Executor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "toolexecutor").Logger(),
		seen:   seen,
	}
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry { return e.cfg.Registry }

// Execute runs one tool call. Tool failures are returned as data in the
// Result; only the recorded state distinguishes success from failure.
func (e *Executor) Execute(ctx context.Context, toolName, toolCallID string, args json.RawMessage) Result {
	start := time.Now()
	ctx = WithCall(ctx, Call{ID: toolCallID, Name: toolName})
	ctx, span := tracing.StartSpan(ctx, "convoy.toolexecutor", "tool."+toolName,
		attribute.String("tool_call_id", toolCallID))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger).With().
		Str("tool", toolName).
		Str("tool_call_id", toolCallID).
		Logger()

	res := Result{ToolCallID: toolCallID, Name: toolName}
	finish := func(r Result) Result {
		r.Duration = time.Since(start)
		observability.RecordToolExecution(toolName, string(r.State), r.Duration)
		if r.Failed() {
			tracing.Fail(span, r.Err)
		}
		return r
	}

	if !e.claim(toolCallID) {
		logger.Warn().Msg("Duplicate tool call rejected")
		res.State = store.ToolOutputError
		res.Err = fmt.Errorf("%w: %s", ErrDuplicateToolCall, toolCallID)
		res.ErrorText = res.Err.Error()
		return finish(res)
	}

	args = normalizeArgs(args)
	e.record(ctx, logger, toolCallID, store.ToolPatch{
		State: store.StatePtr(store.ToolInputAvailable),
		Input: args,
	})

	tool := e.cfg.Registry.lookup(toolName)
	if tool == nil {
		res = e.fail(res, &ToolNotFoundError{Name: toolName})
		logger.Warn().Msg(res.ErrorText)
		e.recordTerminal(ctx, logger, res)
		return finish(res)
	}

	params, err := validateArgs(tool.validator, args)
	if err != nil {
		res = e.fail(res, err)
		logger.Warn().Err(err).Msg("Tool argument validation failed")
		e.recordTerminal(ctx, logger, res)
		return finish(res)
	}

	logger.Debug().Msg("Executing tool")
	value, err := engine.ExecuteActivity(ctx, e.cfg.Activities, "tool."+toolName, e.cfg.Options,
		func(ctx context.Context) (interface{}, error) {
			return tool.def.Handler(ctx, params)
		})
	if err != nil {
		res = e.fail(res, err)
		logger.Error().Err(err).Msg("Tool execution failed")
		e.recordTerminal(ctx, logger, res)
		return finish(res)
	}

	output, truncated, err := e.encodeOutput(value)
	if err != nil {
		res = e.fail(res, err)
		e.recordTerminal(ctx, logger, res)
		return finish(res)
	}
	res.State = store.ToolOutputAvailable
	res.Output = output
	res.Truncated = truncated

	logger.Debug().
		Dur("duration", time.Since(start)).
		Bool("truncated", truncated).
		Msg("Tool execution completed")
	e.recordTerminal(ctx, logger, res)
	return finish(res)
}

// Reject records a call as failed with err without running it. It is used
// for calls a caller refuses, such as a blocked saga action.
func (e *Executor) Reject(ctx context.Context, toolName, toolCallID string, args json.RawMessage, err error) Result {
	logger := tracing.LoggerFromContext(ctx, e.logger).With().
		Str("tool", toolName).
		Str("tool_call_id", toolCallID).
		Logger()

	res := Result{ToolCallID: toolCallID, Name: toolName}
	if !e.claim(toolCallID) {
		res.State = store.ToolOutputError
		res.Err = fmt.Errorf("%w: %s", ErrDuplicateToolCall, toolCallID)
		res.ErrorText = res.Err.Error()
		return res
	}

	e.record(ctx, logger, toolCallID, store.ToolPatch{
		State: store.StatePtr(store.ToolInputAvailable),
		Input: normalizeArgs(args),
	})
	res = e.fail(res, err)
	logger.Warn().Err(err).Msg("Tool call rejected")
	e.recordTerminal(ctx, logger, res)
	observability.RecordToolExecution(toolName, string(res.State), 0)
	return res
}

// ExecuteAll runs calls concurrently and returns their results in call order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []provider.ToolCall) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call provider.ToolCall) {
			defer wg.Done()
			results[i] = e.Execute(ctx, call.Name, call.ID, call.Input)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) claim(toolCallID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[toolCallID]; ok {
		return false
	}
	e.seen[toolCallID] = struct{}{}
	return true
}

func (e *Executor) fail(res Result, err error) Result {
	res.State = store.ToolOutputError
	res.Err = err
	res.ErrorText = errorText(err)
	return res
}

func (e *Executor) recordTerminal(ctx context.Context, logger zerolog.Logger, res Result) {
	patch := store.ToolPatch{State: store.StatePtr(res.State)}
	if res.Failed() {
		patch.ErrorText = store.StringPtr(res.ErrorText)
	} else {
		patch.Output = res.Output
	}
	e.record(ctx, logger, res.ToolCallID, patch)
}

// record writes a tool patch. Failures are logged, never returned: the
// model still gets the call outcome.
func (e *Executor) record(ctx context.Context, logger zerolog.Logger, toolCallID string, patch store.ToolPatch) {
	if e.cfg.Store == nil {
		return
	}
	// A cancelled round still records how its calls ended.
	if err := e.cfg.Store.UpdateTool(context.WithoutCancel(ctx), toolCallID, patch); err != nil {
		logger.Warn().Err(err).Str("state", stateOf(patch)).Msg("Failed to record tool state")
	}
}

func (e *Executor) encodeOutput(value interface{}) (json.RawMessage, bool, error) {
	var out json.RawMessage
	switch v := value.(type) {
	case json.RawMessage:
		out = v
	case []byte:
		out = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false, fmt.Errorf("encode tool output: %w", err)
		}
		out = data
	}
	if !json.Valid(out) {
		data, _ := json.Marshal(string(out))
		out = data
	}
	if len(out) <= e.cfg.MaxOutputBytes {
		return out, false, nil
	}

	e.logger.Warn().
		Int("original", len(out)).
		Int("truncated", e.cfg.MaxOutputBytes).
		Msg("Output truncated")
	data, _ := json.Marshal(string(out[:e.cfg.MaxOutputBytes]) + truncationSuffix)
	return data, true, nil
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	return args
}

func validateArgs(schema *gojsonschema.Schema, args json.RawMessage) (map[string]interface{}, error) {
	var params map[string]interface{}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object: %v", ErrInvalidArguments, err)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	if schema == nil {
		return params, nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return params, nil
}

// errorText is what the model sees for a failed call. Activity wrapping is
// stripped so retried handler failures read as the handler's own error.
func errorText(err error) string {
	var notFound *ToolNotFoundError
	if errors.As(err, &notFound) {
		return notFound.Error()
	}
	for {
		var nr *engine.NonRetryableError
		if errors.As(err, &nr) {
			err = nr.Err
			continue
		}
		break
	}
	msg := err.Error()
	if i := strings.Index(msg, " failed: "); strings.HasPrefix(msg, "activity ") && i >= 0 {
		msg = msg[i+len(" failed: "):]
	}
	return msg
}

func stateOf(patch store.ToolPatch) string {
	if patch.State == nil {
		return ""
	}
	return string(*patch.State)
}
