package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/internal/logger"
	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/harun/convoy/pkg/agent"
	"github.com/harun/convoy/pkg/commandqueue"
	"github.com/harun/convoy/pkg/coretools"
	"github.com/harun/convoy/pkg/cron"
	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/hooks"
	"github.com/harun/convoy/pkg/mcp"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/store"
	"github.com/harun/convoy/pkg/toolexecutor"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Daemon is a convoy worker: the durable host with every workflow variant
// registered, its stores, queues and maintenance services.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	db         *store.SQLiteStore
	store      store.ConversationStore
	queue      *commandqueue.CommandQueue
	activities *engine.Activities
	redis      *backend.Client
	host       *engine.Host
	providers  agent.ProviderSet
	registry   *toolexecutor.Registry
	mcp        *mcp.Set
	mcpTools   []string
	hooks      *hooks.Manager
	janitor    *cron.Janitor

	statusServers []*StatusServer
	eventLoop     *EventLoop
	lifecycle     *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon state.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Active    []string
}

type options struct {
	factory    agent.ProviderCreator
	mcpClients []*mcp.Client
}

// Option customizes New.
type Option func(*options)

// WithProviderFactory replaces the vendor SDK factory.
func WithProviderFactory(f agent.ProviderCreator) Option {
	return func(o *options) { o.factory = f }
}

// WithMCPClients adds already connected MCP servers to the tool registry.
func WithMCPClients(clients ...*mcp.Client) Option {
	return func(o *options) { o.mcpClients = append(o.mcpClients, clients...) }
}

// New wires a worker from cfg. Nothing listens or runs on a schedule until
// Start, but conversations can already be started.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{factory: &provider.Factory{}}
	for _, opt := range opts {
		opt(&o)
	}

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		var export io.Writer
		if cfg.Tracing.Stdout {
			export = os.Stderr
		}
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName: "convoy-worker",
			SampleRatio: cfg.Tracing.SampleRatio,
			Export:      export,
		}); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
			d.log.Info().Msg("Tracing initialized")
		}
	}

	if err := d.initialize(o); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize(o options) error {
	cfg := d.config

	d.queue = commandqueue.New(commandqueue.Config{
		Queues: cfg.Engine.Queues,
		Logger: d.logger.Zerolog(),
	})
	d.activities = engine.NewActivities(d.queue, d.logger.Zerolog())
	d.log.Info().Strs("queues", d.queue.Queues()).Msg("Task queues initialized")

	db, err := store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Store.Path, Logger: d.logger.Zerolog()})
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	d.db = db
	d.store = store.NewActivityStore(db, d.activities, engine.PolicyOptions(cfg.Activities.Store, config.QueueGeneral))
	d.log.Info().Str("path", cfg.Store.Path).Msg("Conversation store initialized")

	hookDefs := make([]hooks.Hook, 0, len(cfg.Hooks.Hooks))
	for _, h := range cfg.Hooks.Hooks {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		hookDefs = append(hookDefs, hooks.Hook{ID: h.ID, Event: h.Event, Script: h.Script, Timeout: timeout})
	}
	d.hooks, err = hooks.NewManager(hooks.Config{Enabled: cfg.Hooks.Enabled, Hooks: hookDefs, Logger: d.logger.Zerolog()})
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}

	var locker engine.Locker
	if cfg.Redis.Enabled {
		d.redis = backend.NewClient(&backend.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		err := d.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		locker = engine.NewRedisLocker(d.redis, cfg.Redis.Prefix, cfg.Redis.LockTTL, d.logger.Zerolog())
		d.log.Info().Str("addr", cfg.Redis.Addr).Msg("Conversation locks backed by redis")
	}

	d.host = engine.NewHost(engine.HostConfig{
		ContinueAsNewEvents: cfg.Engine.ContinueAsNewHistory,
		Locker:              locker,
		Logger:              d.logger.Zerolog(),
		OnEvent:             d.onEngineEvent,
	})

	d.providers, err = agent.NewProviderSet(d.ctx, o.factory, cfg)
	if err != nil {
		return fmt.Errorf("failed to create providers: %w", err)
	}
	if len(d.providers) == 0 {
		d.log.Warn().Msg("No provider profiles configured, every model call will fail")
	}

	if err := d.initializeTools(o); err != nil {
		return err
	}
	if err := d.registerWorkflows(); err != nil {
		return err
	}

	if cfg.Maintenance.Enabled {
		d.janitor, err = cron.NewJanitor(cron.JanitorConfig{
			Schedule:  cfg.Maintenance.Schedule,
			Retention: cfg.Maintenance.Retention,
			Store:     d.db,
			Timeout:   cfg.Engine.CleanupTimeout,
			OnPruned:  d.onPruned,
			Logger:    d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create janitor: %w", err)
		}
	}

	if cfg.Status.Enabled {
		queues := make([]string, 0, len(cfg.Status.Ports))
		for q := range cfg.Status.Ports {
			queues = append(queues, q)
		}
		sort.Strings(queues)
		for _, q := range queues {
			d.statusServers = append(d.statusServers,
				NewStatusServer(cfg.Status.Host, cfg.Status.Ports[q], d.StatusRouter(q), d.logger.Zerolog()))
		}
	}

	d.eventLoop = NewEventLoop(d, time.Minute)
	d.lifecycle = NewLifecycleManager(cfg.DataDir, d.logger.Zerolog())
	return nil
}

func (d *Daemon) initializeTools(o options) error {
	d.registry = toolexecutor.NewRegistry()
	if err := coretools.Register(d.registry, coretools.Options{Clients: d.providers}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	set := mcp.NewSet(o.mcpClients...)
	if servers := d.config.MCP.Servers; len(servers) > 0 {
		cfgs := make([]mcp.ServerConfig, 0, len(servers))
		for _, s := range servers {
			cfgs = append(cfgs, mcp.ServerConfig{Name: s.Name, Command: s.Command, Args: s.Args, Env: s.Env, URL: s.URL})
		}
		connectCtx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
		remote, err := mcp.ConnectAll(connectCtx, cfgs, d.logger.Zerolog())
		cancel()
		if err != nil {
			return errors.Join(fmt.Errorf("failed to connect MCP servers: %w", err), set.Close())
		}
		set = mcp.NewSet(append(set.Clients(), remote.Clients()...)...)
	}
	d.mcp = set

	names, err := set.Register(d.ctx, d.registry)
	if err != nil {
		return fmt.Errorf("failed to register MCP tools: %w", err)
	}
	d.mcpTools = names
	d.log.Info().Int("tools", d.registry.Len()).Strs("mcp_tools", names).Msg("Tool registry initialized")
	return nil
}

func (d *Daemon) registerWorkflows() error {
	cfg := d.config
	policies := agent.PoliciesFromConfig(cfg.Activities)

	for _, v := range agent.Variants() {
		v = agent.Configure(v, cfg.Workflow(v.Name))
		if v.AllTools {
			// Only the tools discovered over MCP, not the demo tools.
			v.AllTools = false
			v.Tools = d.mcpTools
		}
		wf, err := agent.New(agent.Config{
			Variant:           v,
			Providers:         d.providers,
			Registry:          d.registry,
			Store:             d.store,
			Activities:        d.activities,
			Policies:          policies,
			ToolOptions:       engine.PolicyOptions(cfg.Activities.Tool, config.QueueGeneral),
			Chat:              cfg.Chat,
			IdleCheckInterval: cfg.Engine.IdleCheckInterval,
			CleanupTimeout:    cfg.Engine.CleanupTimeout,
			OnCompensated:     d.hooks.OnCompensated,
			Logger:            d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create %s workflow: %w", v.Name, err)
		}
		d.host.Register(v.Name, wf)
	}

	prompt := agent.Configure(agent.Variant{Bindings: agent.PromptBindings}, cfg.Workflow(agent.VariantPrompt))
	d.host.Register(agent.VariantPrompt, agent.NewPromptWorkflow(agent.PromptConfig{
		Providers:  d.providers,
		Bindings:   prompt.Bindings,
		Activities: d.activities,
		Options:    policies.Provider,
		Logger:     d.logger.Zerolog(),
	}))

	d.log.Info().Strs("workflows", d.host.WorkflowTypes()).Msg("Workflows registered")
	return nil
}

func (d *Daemon) onEngineEvent(ev engine.Event) {
	entry := d.log.Debug()
	if ev.Type == engine.EventFailed {
		entry = d.log.Warn().Err(ev.Err)
	}
	entry.
		Str("event", string(ev.Type)).
		Str("conversation_id", ev.ConversationID).
		Str("workflow_type", ev.WorkflowType).
		Int("epoch", ev.Epoch).
		Msg("Workflow event")
	d.hooks.OnEngineEvent(ev)
}

func (d *Daemon) onPruned(n int) {
	observability.RecordConversationsPruned(n)
	d.hooks.Go(hooks.EventConversationsPruned, map[string]interface{}{"count": n})
}

// Start writes the PID file and starts the status servers and the janitor.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting convoy worker")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	for _, srv := range d.statusServers {
		if err := srv.Start(); err != nil {
			d.stopServices(log)
			d.setStopped()
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	if d.janitor != nil {
		d.janitor.Start()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	if err := d.hooks.Trigger(d.ctx, hooks.EventDaemonStartup, map[string]interface{}{"pid": os.Getpid()}); err != nil {
		log.Warn().Err(err).Msg("Startup hooks failed")
	}

	log.Info().Int("status_servers", len(d.statusServers)).Msg("Worker started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) stopServices(log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, srv := range d.statusServers {
		if err := srv.Stop(ctx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr()).Msg("Failed to stop status server")
		}
	}
	if d.janitor != nil {
		if err := d.janitor.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to stop janitor")
		}
	}
	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
}

// Stop stops the services started by Start and closes the daemon.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping convoy worker")

	if err := d.hooks.Trigger(context.Background(), hooks.EventDaemonShutdown, map[string]interface{}{"pid": os.Getpid()}); err != nil {
		log.Warn().Err(err).Msg("Shutdown hooks failed")
	}
	d.stopServices(log)

	err := d.Close()
	log.Info().Msg("Worker stopped")
	return err
}

// Close cancels live conversations, waits up to the cleanup timeout for them
// to close, then releases every resource. It is safe to call more than once.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if !d.host.Shutdown(d.config.Engine.CleanupTimeout) {
		d.log.Warn().Strs("conversations", d.host.Running()).Msg("Conversations still running at shutdown")
	}

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	return d.release()
}

// release frees what initialize acquired; fields left nil are skipped.
func (d *Daemon) release() error {
	d.cancel()

	var errs []error
	if d.queue != nil {
		errs = append(errs, d.queue.Close())
	}
	if d.mcp != nil {
		errs = append(errs, d.mcp.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.hooks != nil {
		d.hooks.Wait()
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
		cancel()
		d.tracingEnabled = false
	}
	return errors.Join(errs...)
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running, Active: d.host.Running()}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// StartConversation starts a conversation of workflowType. An empty id is
// replaced with a fresh one; the id is returned.
func (d *Daemon) StartConversation(ctx context.Context, workflowType, id string, seed interface{}) (string, error) {
	if id == "" {
		id = store.NewID()
	}
	if err := d.host.StartEpoch(ctx, id, workflowType, seed); err != nil {
		return "", err
	}
	return id, nil
}

// Send delivers a user message to a running conversation.
func (d *Daemon) Send(ctx context.Context, conversationID, content string) error {
	return d.host.Signal(ctx, conversationID, agent.Inbound{
		Content: content,
		Name:    d.config.Chat.UserName,
		Avatar:  d.config.Chat.UserAvatar,
	})
}

// Cancel requests cancellation of a conversation.
func (d *Daemon) Cancel(conversationID string) error {
	return d.host.Cancel(conversationID)
}

// Result waits for a conversation to finish.
func (d *Daemon) Result(ctx context.Context, conversationID string) (engine.Result, error) {
	return d.host.Wait(ctx, conversationID)
}

// Config returns the daemon configuration.
func (d *Daemon) Config() *config.Config { return d.config }

// Host returns the workflow host.
func (d *Daemon) Host() *engine.Host { return d.host }

// Store returns the underlying conversation store. Workflows write through
// an activity wrapper around it.
func (d *Daemon) Store() store.Store { return d.db }

// Registry returns the tool registry.
func (d *Daemon) Registry() *toolexecutor.Registry { return d.registry }

// Queue returns the task queues.
func (d *Daemon) Queue() *commandqueue.CommandQueue { return d.queue }

// Janitor returns the janitor, nil when maintenance is disabled.
func (d *Daemon) Janitor() *cron.Janitor { return d.janitor }

// StatusServers returns the per-queue status servers.
func (d *Daemon) StatusServers() []*StatusServer { return d.statusServers }
