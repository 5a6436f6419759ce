package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Task queue names. Provider calls run on their vendor queue, tools and
// storage on the general one.
const (
	QueueGeneral   = "boilerplate-demo"
	QueueOpenAI    = "openai-demo"
	QueueAnthropic = "anthropic-demo"
	QueueGemini    = "gemini-demo"
)

// Config represents the main convoy configuration
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging     LoggingConfig             `json:"logging" mapstructure:"logging"`
	Providers   []ProviderProfile         `json:"providers" mapstructure:"providers"`
	Workflows   map[string]WorkflowConfig `json:"workflows" mapstructure:"workflows"`
	Engine      EngineConfig              `json:"engine" mapstructure:"engine"`
	Activities  ActivitiesConfig          `json:"activities" mapstructure:"activities"`
	Store       StoreConfig               `json:"store" mapstructure:"store"`
	Redis       RedisConfig               `json:"redis" mapstructure:"redis"`
	MCP         MCPConfig                 `json:"mcp" mapstructure:"mcp"`
	Status      StatusConfig              `json:"status" mapstructure:"status"`
	Maintenance MaintenanceConfig         `json:"maintenance" mapstructure:"maintenance"`
	Hooks       HooksConfig               `json:"hooks" mapstructure:"hooks"`
	Tracing     TracingConfig             `json:"tracing" mapstructure:"tracing"`
	Chat        ChatConfig                `json:"chat" mapstructure:"chat"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`

	MaxBackups int `json:"max_backups" mapstructure:"max_backups"`
}

// ProviderProfile is one set of vendor credentials. Lower priority is tried first.
type ProviderProfile struct {
	ID        string `json:"id" mapstructure:"id"`
	Provider  string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Priority  int    `json:"priority" mapstructure:"priority"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// WorkflowConfig overrides the system prompt and per-vendor models of a workflow variant.
type WorkflowConfig struct {
	SystemPrompt string            `json:"system_prompt" mapstructure:"system_prompt"`
	Models       map[string]string `json:"models" mapstructure:"models"` // provider -> model
}

// EngineConfig configures the local durable host.
type EngineConfig struct {
	// ContinueAsNewHistory is the history length at which an epoch hands off
	// to a fresh one.
	ContinueAsNewHistory int            `json:"continue_as_new_history" mapstructure:"continue_as_new_history"`
	IdleCheckInterval    time.Duration  `json:"idle_check_interval" mapstructure:"idle_check_interval"`
	CleanupTimeout       time.Duration  `json:"cleanup_timeout" mapstructure:"cleanup_timeout"`
	Queues               map[string]int `json:"queues" mapstructure:"queues"` // queue -> concurrency
}

// ActivityPolicy bounds one class of remote call.
type ActivityPolicy struct {
	MaxAttempts        int           `json:"max_attempts" mapstructure:"max_attempts"`
	StartToClose       time.Duration `json:"start_to_close" mapstructure:"start_to_close"`
	ScheduleToClose    time.Duration `json:"schedule_to_close" mapstructure:"schedule_to_close"`
	Heartbeat          time.Duration `json:"heartbeat" mapstructure:"heartbeat"`
	InitialInterval    time.Duration `json:"initial_interval" mapstructure:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient" mapstructure:"backoff_coefficient"`
}

// ActivitiesConfig holds the retry policy per call class.
type ActivitiesConfig struct {
	Tool     ActivityPolicy `json:"tool" mapstructure:"tool"`
	Provider ActivityPolicy `json:"provider" mapstructure:"provider"`
	Stream   ActivityPolicy `json:"stream" mapstructure:"stream"`
	Store    ActivityPolicy `json:"store" mapstructure:"store"`
}

// StoreConfig holds conversation store settings
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// RedisConfig enables cross-process conversation ownership.
type RedisConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"password" mapstructure:"password"`
	DB       int           `json:"db" mapstructure:"db"`
	Prefix   string        `json:"prefix" mapstructure:"prefix"`
	LockTTL  time.Duration `json:"lock_ttl" mapstructure:"lock_ttl"`
}

// MCPConfig lists remote tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers" mapstructure:"servers"`
}

// MCPServerConfig describes one MCP server. Either Command (stdio) or URL
// (streamable HTTP) is set.
type MCPServerConfig struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	Env     []string `json:"env" mapstructure:"env"`
	URL     string   `json:"url" mapstructure:"url"`
}

// StatusConfig configures the per-queue status servers.
type StatusConfig struct {
	Enabled bool           `json:"enabled" mapstructure:"enabled"`
	Host    string         `json:"host" mapstructure:"host"`
	Ports   map[string]int `json:"ports" mapstructure:"ports"` // queue -> port
}

// MaintenanceConfig configures the janitor.
type MaintenanceConfig struct {
	Enabled   bool          `json:"enabled" mapstructure:"enabled"`
	Schedule  string        `json:"schedule" mapstructure:"schedule"`
	Retention time.Duration `json:"retention" mapstructure:"retention"`
}

// HooksConfig configures lifecycle hooks.
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig is one shell hook bound to a lifecycle event.
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	Stdout      bool    `json:"stdout" mapstructure:"stdout"`
}

// ChatConfig holds the display names and avatars stored with messages.
type ChatConfig struct {
	UserName   string `json:"user_name" mapstructure:"user_name"`
	UserAvatar string `json:"user_avatar" mapstructure:"user_avatar"`
	BotName    string `json:"bot_name" mapstructure:"bot_name"`
	BotAvatar  string `json:"bot_avatar" mapstructure:"bot_avatar"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,

			MaxBackups: 5,
		},
		Providers: []ProviderProfile{},
		Workflows: map[string]WorkflowConfig{},
		Engine: EngineConfig{
			ContinueAsNewHistory: 200,
			IdleCheckInterval:    30 * time.Second,
			CleanupTimeout:       30 * time.Second,
			Queues: map[string]int{
				QueueGeneral:   10,
				QueueOpenAI:    4,
				QueueAnthropic: 4,
				QueueGemini:    4,
			},
		},
		Activities: ActivitiesConfig{
			Tool: ActivityPolicy{
				MaxAttempts:        5,
				StartToClose:       2 * time.Minute,
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
			},
			Provider: ActivityPolicy{
				MaxAttempts:        3,
				ScheduleToClose:    2 * time.Minute,
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
			},
			Stream: ActivityPolicy{
				MaxAttempts:        3,
				StartToClose:       60 * time.Second,
				Heartbeat:          10 * time.Second,
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
			},
			Store: ActivityPolicy{
				MaxAttempts:        3,
				ScheduleToClose:    2 * time.Minute,
				InitialInterval:    200 * time.Millisecond,
				BackoffCoefficient: 2,
			},
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Prefix:  "convoy:",
			LockTTL: 30 * time.Second,
		},
		Status: StatusConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Ports: map[string]int{
				QueueGeneral:   7002,
				QueueOpenAI:    7013,
				QueueAnthropic: 7014,
				QueueGemini:    7015,
			},
		},
		Maintenance: MaintenanceConfig{
			Enabled:   true,
			Schedule:  "@hourly",
			Retention: 7 * 24 * time.Hour,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Chat: ChatConfig{
			UserName:   "User",
			UserAvatar: "https://github.com/haydenbleasel.png",
			BotName:    "Convoy Bot",
			BotAvatar:  "https://github.com/shadcn.png",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Workflow returns the overrides for a workflow variant. Keys are matched
// case-insensitively since viper lowercases map keys.
func (c *Config) Workflow(name string) WorkflowConfig {
	for key, wf := range c.Workflows {
		if strings.EqualFold(key, name) {
			return wf
		}
	}
	return WorkflowConfig{}
}

// SortedProviders returns provider profiles ordered by priority, then ID.
func (c *Config) SortedProviders() []ProviderProfile {
	out := append([]ProviderProfile(nil), c.Providers...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if len(c.Providers) == 0 {
		return fmt.Errorf("no provider credentials configured: at least one provider profile is required")
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider profile %d: ID is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider profile %s: duplicate ID", p.ID)
		}
		seen[p.ID] = true
		if err := v.ValidateProvider(p.Provider); err != nil {
			return fmt.Errorf("provider profile %s: %w", p.ID, err)
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			return fmt.Errorf("provider profile %s: %w", p.ID, err)
		}
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	policies := map[string]ActivityPolicy{
		"tool":     c.Activities.Tool,
		"provider": c.Activities.Provider,
		"stream":   c.Activities.Stream,
		"store":    c.Activities.Store,
	}
	for name, p := range policies {
		if err := v.ValidateActivityPolicy(p); err != nil {
			return fmt.Errorf("activities.%s: %w", name, err)
		}
	}

	if c.Engine.ContinueAsNewHistory < 2 {
		return fmt.Errorf("engine.continue_as_new_history must be at least 2")
	}
	for queue, n := range c.Engine.Queues {
		if n < 1 {
			return fmt.Errorf("engine.queues.%s: concurrency must be positive", queue)
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp server %d: name is required", i)
		}
		if (s.Command == "") == (s.URL == "") {
			return fmt.Errorf("mcp server %s: exactly one of command or url is required", s.Name)
		}
	}

	if c.Status.Enabled {
		for queue, port := range c.Status.Ports {
			if err := v.ValidatePort(port); err != nil {
				return fmt.Errorf("status.ports.%s: %w", queue, err)
			}
		}
	}

	if c.Maintenance.Enabled && c.Maintenance.Schedule == "" {
		return fmt.Errorf("maintenance.schedule is required when maintenance is enabled")
	}

	return nil
}
