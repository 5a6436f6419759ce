package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/failover"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/saga"
	"github.com/harun/convoy/pkg/store"
	"github.com/harun/convoy/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultIdleCheckInterval = 30 * time.Second
	defaultCleanupTimeout    = 30 * time.Second
)

// Policies are the retry policies of provider rounds. The queue of each
// call is chosen from its binding.
type Policies struct {
	Provider engine.ActivityOptions
	Stream   engine.ActivityOptions
}

// DefaultPolicies returns the provider policies of the default config.
func DefaultPolicies() Policies {
	return PoliciesFromConfig(config.DefaultConfig().Activities)
}

// PoliciesFromConfig converts configured activity policies.
func PoliciesFromConfig(acts config.ActivitiesConfig) Policies {
	return Policies{
		Provider: engine.PolicyOptions(acts.Provider, ""),
		Stream:   engine.PolicyOptions(acts.Stream, ""),
	}
}

// Config holds workflow dependencies
type Config struct {
	Variant   Variant
	Providers ProviderSet
	Registry  *toolexecutor.Registry
	// Store receives every conversation write. Wrap it in a
	// store.ActivityStore to retry writes under the store policy.
	Store       store.ConversationStore
	Activities  *engine.Activities
	Policies    Policies
	ToolOptions engine.ActivityOptions
	Chat        config.ChatConfig

	IdleCheckInterval time.Duration
	CleanupTimeout    time.Duration

	Invoker failover.Invoker[*provider.Response]
	// OnCompensated is called after a saga correction undid bookings.
	OnCompensated func(ctx context.Context, conversationID string, undone []saga.Step)
	Logger        zerolog.Logger
}

// Workflow runs conversations of one variant. It implements engine.Workflow.
type Workflow struct {
	cfg    Config
	logger zerolog.Logger
}

var _ engine.Workflow = (*Workflow)(nil)

// New creates a workflow for cfg.Variant.
func New(cfg Config) (*Workflow, error) {
	observability.EnsureRegistered()

	if cfg.Variant.Name == "" {
		return nil, fmt.Errorf("workflow variant is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = toolexecutor.NewRegistry()
	}
	for _, name := range cfg.Variant.Tools {
		if _, ok := cfg.Registry.Get(name); !ok {
			return nil, fmt.Errorf("workflow %s: tool %s is not registered", cfg.Variant.Name, name)
		}
	}
	if cfg.Activities == nil {
		cfg.Activities = engine.NewActivities(nil, cfg.Logger)
	}
	if cfg.Policies.Provider.MaxAttempts == 0 && cfg.Policies.Stream.MaxAttempts == 0 {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = defaultIdleCheckInterval
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	if cfg.Chat.UserName == "" && cfg.Chat.BotName == "" {
		cfg.Chat = config.DefaultConfig().Chat
	}
	if cfg.Invoker == nil {
		cfg.Invoker = failover.NewSequential[*provider.Response](cfg.Logger)
	}

	return &Workflow{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agent").Str("workflow", cfg.Variant.Name).Logger(),
	}, nil
}

// Variant returns the workflow's variant.
func (w *Workflow) Variant() Variant { return w.cfg.Variant }

// NewEpoch implements engine.Workflow. The first epoch creates the
// conversation record before returning, so signals can be persisted at once.
func (w *Workflow) NewEpoch(ctx context.Context, info engine.EpochInfo, seed interface{}) (engine.Epoch, error) {
	s, err := decodeSeed(seed)
	if err != nil {
		return nil, err
	}
	history, err := normalizeHistory(s.History, w.cfg.Variant.SystemPrompt)
	if err != nil {
		return nil, err
	}

	loop := s.LoopFlag
	if !info.Continuation {
		title := Title(info.WorkflowType, info.ConversationID)
		if _, err := w.cfg.Store.CreateConversation(ctx, info.ConversationID, title); err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}

		if prompt := w.cfg.Variant.SeedPrompt; prompt != "" && !hasRole(history, provider.RoleUser) {
			if _, err := w.cfg.Store.CreateMessage(ctx, &store.Message{
				ConversationID: info.ConversationID,
				Sender:         store.SenderUser,
				Content:        prompt,
				Name:           w.cfg.Chat.UserName,
				Avatar:         w.cfg.Chat.UserAvatar,
			}); err != nil {
				return nil, fmt.Errorf("failed to save seed prompt: %w", err)
			}
			history = append(history, provider.TextMessage(provider.RoleUser, prompt))
		}
		loop = loop || awaitsReply(history)
	}

	mailbox := info.Mailbox
	if mailbox == nil {
		mailbox = engine.NewMailbox()
	}

	e := &epoch{
		wf:      w,
		info:    info,
		logger:  tracing.LoggerFromContext(ctx, w.logger),
		mailbox: mailbox,
		history: history,
		loop:    loop,
	}
	e.executor = toolexecutor.New(toolexecutor.Config{
		Registry:   w.cfg.Registry,
		Activities: w.cfg.Activities,
		Store:      w.cfg.Store,
		Options:    w.cfg.ToolOptions,
		Completed:  completedCalls(history),
		Logger:     w.cfg.Logger,
	})
	if w.cfg.Variant.Saga {
		e.saga = saga.New(saga.Config{
			Executor: e.executor,
			Recorder: e,
			Logger:   w.cfg.Logger,
			OnCompensated: func(ctx context.Context, undone []saga.Step) {
				if w.cfg.OnCompensated != nil {
					w.cfg.OnCompensated(ctx, info.ConversationID, undone)
				}
			},
		}, s.Saga)
	}
	return e, nil
}

// completedCalls returns the ids of tool calls whose results are already in
// history.
func completedCalls(history []provider.Message) []string {
	var ids []string
	for _, m := range history {
		for _, r := range m.ToolResults() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// epoch is one bounded run of a conversation. history, loop and rounds are
// owned by the Run goroutine.
type epoch struct {
	wf       *Workflow
	info     engine.EpochInfo
	logger   zerolog.Logger
	mailbox  *engine.Mailbox
	executor *toolexecutor.Executor
	saga     *saga.Coordinator

	// signalMu keeps persisted and queued order of user messages the same.
	signalMu sync.Mutex

	history []provider.Message
	loop    bool
	rounds  int
}

// Signal persists an inbound user message and queues it for the next merge.
// A message that could not be persisted is not queued.
func (e *epoch) Signal(ctx context.Context, payload interface{}) error {
	in, err := toInbound(payload)
	if err != nil {
		return err
	}
	chat := e.wf.cfg.Chat
	if in.Name == "" {
		in.Name = chat.UserName
	}
	if in.Avatar == "" {
		in.Avatar = chat.UserAvatar
	}

	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	if _, err := e.wf.cfg.Store.CreateMessage(ctx, &store.Message{
		ConversationID: e.info.ConversationID,
		Sender:         store.SenderUser,
		Content:        in.Content,
		Name:           in.Name,
		Avatar:         in.Avatar,
	}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to save user message")
		return fmt.Errorf("failed to save user message: %w", err)
	}

	e.mailbox.Put(provider.TextMessage(provider.RoleUser, in.Content))
	return nil
}

func toInbound(payload interface{}) (Inbound, error) {
	var in Inbound
	switch p := payload.(type) {
	case Inbound:
		in = p
	case *Inbound:
		if p != nil {
			in = *p
		}
	case string:
		in = Inbound{Content: p}
	default:
		return Inbound{}, fmt.Errorf("unsupported signal payload %T", payload)
	}
	if strings.TrimSpace(in.Content) == "" {
		return Inbound{}, fmt.Errorf("user message is empty")
	}
	return in, nil
}

// Run implements engine.Epoch.
func (e *epoch) Run(ctx context.Context) (engine.Outcome, error) {
	ticker := time.NewTicker(e.wf.cfg.IdleCheckInterval)
	defer ticker.Stop()

	for {
		if !e.loop && e.mailbox.Len() == 0 {
			if engine.ShouldContinueAsNew(ctx) {
				return e.continueAsNew(), nil
			}
			select {
			case <-e.mailbox.Wake():
			case <-ticker.C:
			case <-ctx.Done():
				return e.cancelled(ctx)
			}
			continue
		}
		if ctx.Err() != nil {
			return e.cancelled(ctx)
		}

		outcome, done, err := e.round(ctx)
		if ctx.Err() != nil {
			return e.cancelled(ctx)
		}
		if err != nil {
			return engine.Outcome{}, err
		}
		if done {
			return outcome, nil
		}
		if engine.ShouldContinueAsNew(ctx) {
			return e.continueAsNew(), nil
		}
	}
}

// round merges queued messages, invokes the providers once and acts on the
// finish reason.
func (e *epoch) round(ctx context.Context) (engine.Outcome, bool, error) {
	e.rounds++
	ctx, span := tracing.StartSpan(ctx, "convoy.agent", "agent.round",
		attribute.Int("round", e.rounds))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if err := e.merge(ctx); err != nil {
		tracing.Fail(span, err)
		return engine.Outcome{}, false, err
	}

	resp, err := e.invoke(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return engine.Outcome{}, false, ctx.Err()
		}
		tracing.Fail(span, err)
		logger.Error().Err(err).Msg("Every provider binding failed")
		return engine.Outcome{}, false, &FailedError{
			ConversationID: e.info.ConversationID,
			FinishReason:   provider.FinishError,
			Err:            err,
		}
	}

	observability.RecordRound(e.wf.cfg.Variant.Name, string(resp.FinishReason))
	span.SetAttributes(attribute.String("finish_reason", string(resp.FinishReason)))
	e.history = append(e.history, responseMessages(resp)...)

	switch resp.FinishReason {
	case provider.FinishToolCalls:
		if err := e.runTools(ctx, resp); err != nil {
			tracing.Fail(span, err)
			return engine.Outcome{}, false, err
		}
		e.loop = true
		return engine.Outcome{}, false, nil

	case provider.FinishStop:
		e.loop = false
		if !e.wf.cfg.Variant.Stream && resp.Text != "" {
			if err := e.saveReply(ctx, resp.Text); err != nil {
				return engine.Outcome{}, false, err
			}
		}
		logger.Debug().Int("round", e.rounds).Msg("Model finished, awaiting input")
		if e.wf.cfg.Variant.OneShot {
			return engine.Outcome{Result: resp.Text}, true, nil
		}
		return engine.Outcome{}, false, nil

	default:
		logger.Error().Str("finish_reason", string(resp.FinishReason)).Msg("Provider round failed")
		return engine.Outcome{}, false, &FailedError{
			ConversationID: e.info.ConversationID,
			FinishReason:   resp.FinishReason,
		}
	}
}

// merge moves every queued user message into history as a unit and clears
// the loop flag. In a saga, merged messages may trigger a correction whose
// undo calls follow them in history.
func (e *epoch) merge(ctx context.Context) error {
	e.loop = false

	var merged int
	for _, item := range e.mailbox.Drain() {
		msg, ok := item.(provider.Message)
		if !ok {
			e.logger.Warn().Str("type", fmt.Sprintf("%T", item)).Msg("Dropping unknown mailbox item")
			continue
		}
		e.history = append(e.history, msg)
		merged++
	}
	if merged == 0 || e.saga == nil {
		return nil
	}

	msgs, err := e.saga.Merged(ctx)
	if err != nil {
		return fmt.Errorf("failed to compensate bookings: %w", err)
	}
	e.history = append(e.history, msgs...)
	return nil
}

// invoke runs one provider round with failover across the variant's bindings.
func (e *epoch) invoke(ctx context.Context) (*provider.Response, error) {
	v := e.wf.cfg.Variant
	messages := make([]provider.Message, len(e.history))
	copy(messages, e.history)
	req := provider.Request{Messages: messages, Tools: e.wf.toolSet()}

	var recorder *provider.MessageRecorder
	if v.Stream {
		chat := e.wf.cfg.Chat
		recorder = provider.NewMessageRecorder(e.wf.cfg.Store, e.info.ConversationID, chat.BotName, chat.BotAvatar)
	}

	policy := e.wf.cfg.Policies.Provider
	if v.Cancellable {
		policy = e.wf.cfg.Policies.Stream
	}

	candidates := bindCandidates(ctx, e.wf.cfg.Providers, e.wf.cfg.Activities, v.Bindings, policy, e.logger,
		func(ctx context.Context, client provider.Client, req provider.Request) (*provider.Response, error) {
			if recorder == nil {
				return client.Generate(ctx, req)
			}
			recorder.Reset()
			return client.Stream(ctx, req, recorder)
		}, req)
	return e.wf.cfg.Invoker.Run(ctx, candidates)
}

// runTools records the requested calls, executes them and appends one tool
// message with the results in call order.
func (e *epoch) runTools(ctx context.Context, resp *provider.Response) error {
	var calls []provider.ToolCall
	for _, msg := range resp.Messages {
		if msg.Role != provider.RoleAssistant {
			continue
		}
		msgCalls := msg.ToolCalls()
		if len(msgCalls) == 0 {
			continue
		}
		if err := e.Announce(ctx, msgCalls); err != nil {
			return err
		}
		calls = append(calls, msgCalls...)
	}
	if len(calls) == 0 && len(resp.ToolCalls) > 0 {
		if err := e.Announce(ctx, resp.ToolCalls); err != nil {
			return err
		}
		calls = resp.ToolCalls
	}
	if len(calls) == 0 {
		return &FailedError{
			ConversationID: e.info.ConversationID,
			FinishReason:   provider.FinishToolCalls,
			Err:            errors.New("tool-calls round carried no tool calls"),
		}
	}

	var (
		results  []toolexecutor.Result
		routeErr error
	)
	if e.saga != nil {
		results, routeErr = e.saga.Route(ctx, calls)
	} else {
		results = e.executor.ExecuteAll(ctx, calls)
	}

	toolResults := make([]provider.ToolResult, len(results))
	for i, res := range results {
		toolResults[i] = res.ToolResult()
	}
	e.history = append(e.history, provider.ToolMessage(toolResults))

	if routeErr != nil {
		return fmt.Errorf("failed to route tool calls: %w", routeErr)
	}
	return nil
}

// Announce persists a placeholder assistant message and an input-streaming
// record for each call, attached to it. It implements saga.Recorder.
func (e *epoch) Announce(ctx context.Context, calls []provider.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	st := e.wf.cfg.Store
	chat := e.wf.cfg.Chat

	messageID, err := st.CreateMessage(ctx, &store.Message{
		ConversationID: e.info.ConversationID,
		Sender:         store.SenderAssistant,
		Content:        "",
		Name:           chat.BotName,
		Avatar:         chat.BotAvatar,
	})
	if err != nil {
		return fmt.Errorf("failed to create tool message: %w", err)
	}

	for _, call := range calls {
		err := st.UpsertTool(ctx, &store.Tool{
			ID:             call.ID,
			MessageID:      messageID,
			ConversationID: e.info.ConversationID,
			Type:           call.Name,
			State:          store.ToolInputStreaming,
			Input:          call.Input,
		}, store.ToolPatch{})
		if err != nil {
			return fmt.Errorf("failed to record tool call %s: %w", call.ID, err)
		}
	}
	return nil
}

func (e *epoch) saveReply(ctx context.Context, text string) error {
	chat := e.wf.cfg.Chat
	_, err := e.wf.cfg.Store.CreateMessage(ctx, &store.Message{
		ConversationID: e.info.ConversationID,
		Sender:         store.SenderAssistant,
		Content:        text,
		Name:           chat.BotName,
		Avatar:         chat.BotAvatar,
	})
	if err != nil {
		return fmt.Errorf("failed to save assistant message: %w", err)
	}
	return nil
}

func (e *epoch) continueAsNew() engine.Outcome {
	seed := Seed{History: e.history, LoopFlag: e.loop}
	if e.saga != nil {
		seed.Saga = e.saga.State()
	}
	e.logger.Info().
		Int("history", len(e.history)).
		Int("pending", e.mailbox.Len()).
		Msg("History budget reached, continuing as new")
	return engine.Outcome{ContinueAsNew: true, Seed: seed}
}

// cancelled closes the conversation on a context that survives the
// cancellation, bounded by the cleanup timeout.
func (e *epoch) cancelled(ctx context.Context) (engine.Outcome, error) {
	cause := ctx.Err()
	e.logger.Warn().Msg("Conversation is getting cancelled")

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.wf.cfg.CleanupTimeout)
	defer cancel()

	closed := store.StateClosed
	err := e.wf.cfg.Store.UpdateConversation(cleanupCtx, e.info.ConversationID, store.ConversationPatch{State: &closed})
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to close cancelled conversation")
	}

	if e.wf.cfg.Variant.CompleteOnCancel && err == nil {
		return engine.Outcome{}, nil
	}
	cancelErr := fmt.Errorf("conversation %s: %w", e.info.ConversationID, cause)
	if err != nil {
		return engine.Outcome{}, errors.Join(cancelErr, fmt.Errorf("close conversation: %w", err))
	}
	return engine.Outcome{}, cancelErr
}

// toolSet returns the schemas offered to the model this round.
func (w *Workflow) toolSet() provider.ToolSet {
	v := w.cfg.Variant
	switch {
	case v.AllTools:
		if w.cfg.Registry.Len() == 0 {
			return nil
		}
		return w.cfg.Registry.Schemas()
	case len(v.Tools) > 0:
		return w.cfg.Registry.Schemas(v.Tools...)
	default:
		return nil
	}
}

// bindCandidates turns bindings into failover candidates, each running as an
// activity on its vendor queue. Bindings without a configured client are
// skipped.
func bindCandidates(
	ctx context.Context,
	providers ProviderSet,
	acts *engine.Activities,
	bindings []Binding,
	policy engine.ActivityOptions,
	logger zerolog.Logger,
	call func(ctx context.Context, client provider.Client, req provider.Request) (*provider.Response, error),
	req provider.Request,
) []failover.Candidate[*provider.Response] {
	candidates := make([]failover.Candidate[*provider.Response], 0, len(bindings))
	for _, b := range bindings {
		client, ok := providers[b.Provider]
		if !ok {
			l := tracing.LoggerFromContext(ctx, logger)
			l.Debug().Str("binding", b.String()).Msg("No client configured, skipping binding")
			continue
		}
		b := b
		opts := policy
		opts.Queue = QueueFor(b.Provider)
		bound := req
		bound.Model = b.Model

		candidates = append(candidates, failover.Candidate[*provider.Response]{
			Name: b.String(),
			Call: func(ctx context.Context) (*provider.Response, error) {
				return engine.ExecuteActivity(ctx, acts, "provider."+b.Provider, opts, func(ctx context.Context) (*provider.Response, error) {
					start := time.Now()
					resp, err := call(ctx, client, bound)
					observability.RecordProviderCall(b.Provider, time.Since(start), err == nil)
					if errors.Is(err, provider.ErrEmptyRequest) {
						return nil, engine.NonRetryable(err)
					}
					if err == nil && resp == nil {
						return nil, fmt.Errorf("%s returned no response", b)
					}
					return resp, err
				})
			},
		})
	}
	return candidates
}

// responseMessages returns the messages a response adds to history.
func responseMessages(resp *provider.Response) []provider.Message {
	if len(resp.Messages) > 0 {
		return resp.Messages
	}
	if resp.Text != "" || len(resp.ToolCalls) > 0 {
		return []provider.Message{provider.AssistantMessage(resp.Text, resp.ToolCalls)}
	}
	return nil
}

func hasRole(history []provider.Message, role provider.Role) bool {
	for _, msg := range history {
		if msg.Role == role {
			return true
		}
	}
	return false
}
