package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/saga"
	"github.com/rs/zerolog"
)

// Events emitted outside the engine.
const (
	EventDaemonStartup       = "daemon.startup"
	EventDaemonShutdown      = "daemon.shutdown"
	EventSagaCompensated     = "saga.compensated"
	EventConversationsPruned = "conversations.pruned"
)

// Hook binds a shell script to a lifecycle event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
}

// Config configures a Manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager runs the hooks configured for lifecycle events. Scripts see the
// event as CONVOY_HOOK_EVENT and its data as CONVOY_HOOK_DATA_<KEY>.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	byEvent map[string][]Hook
	wg      sync.WaitGroup
}

// NewManager validates the hooks and indexes them by event.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Hook),
	}
	if !cfg.Enabled {
		return m, nil
	}

	for _, hook := range cfg.Hooks {
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		m.byEvent[event] = append(m.byEvent[event], hook)
	}
	return m, nil
}

// Events lists the events with at least one hook.
func (m *Manager) Events() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.byEvent))
	for ev := range m.byEvent {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Trigger runs the hooks for event in order and joins their errors.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	var errs []error
	for _, hook := range m.byEvent[event] {
		if err := m.run(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Go runs Trigger in the background and logs failures. Wait blocks until
// every background trigger has returned.
func (m *Manager) Go(event string, data map[string]interface{}) {
	if m == nil || !m.enabled || len(m.byEvent[event]) == 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Trigger(context.Background(), event, data); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("Hook failed")
		}
	}()
}

// Wait blocks until background triggers are done.
func (m *Manager) Wait() {
	if m != nil {
		m.wg.Wait()
	}
}

// OnEngineEvent forwards a host lifecycle event. It has the signature of
// engine.HostConfig.OnEvent.
func (m *Manager) OnEngineEvent(ev engine.Event) {
	data := map[string]interface{}{
		"conversation_id": ev.ConversationID,
		"workflow_type":   ev.WorkflowType,
		"epoch":           ev.Epoch,
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	m.Go(string(ev.Type), data)
}

// OnCompensated reports a finished compensation pass.
func (m *Manager) OnCompensated(ctx context.Context, conversationID string, undone []saga.Step) {
	actions := make([]string, 0, len(undone))
	for _, step := range undone {
		actions = append(actions, step.Action)
	}
	m.Go(EventSagaCompensated, map[string]interface{}{
		"conversation_id": conversationID,
		"undone":          strings.Join(actions, ","),
		"count":           len(undone),
	})
}

func (m *Manager) run(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	id := hook.ID
	if strings.TrimSpace(id) == "" {
		id = event
	}

	if hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hook.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", hook.Script)
	cmd.Env = environment(event, data)

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", id, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", id, err)
	}

	if text != "" {
		m.logger.Debug().Str("event", event).Str("hook_id", id).Str("output", text).Msg("Hook executed")
	}
	return nil
}

func environment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "CONVOY_HOOK_EVENT="+event)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, fmt.Sprintf("CONVOY_HOOK_DATA_%s=%v", envKey(key), data[key]))
	}
	return env
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return '_'
	}, key)
}
