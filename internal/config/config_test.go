package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderProfile{
		{ID: "oa", Provider: "openai", APIKey: "sk-test-openai", Priority: 1},
		{ID: "an", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 2},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Activities.Tool.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Activities.Tool.StartToClose)
	assert.Equal(t, 3, cfg.Activities.Provider.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Activities.Stream.StartToClose)
	assert.Equal(t, 10*time.Second, cfg.Activities.Stream.Heartbeat)
	assert.Equal(t, 3, cfg.Activities.Store.MaxAttempts)
	assert.Equal(t, 7002, cfg.Status.Ports[QueueGeneral])
	assert.Equal(t, 7013, cfg.Status.Ports[QueueOpenAI])
	assert.Equal(t, 7014, cfg.Status.Ports[QueueAnthropic])
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider profile"},
		{"missing id", func(c *Config) { c.Providers[0].ID = "" }, "ID is required"},
		{"duplicate id", func(c *Config) { c.Providers[1].ID = "oa" }, "duplicate ID"},
		{"bad provider", func(c *Config) { c.Providers[0].Provider = "cohere" }, "invalid provider"},
		{"bad anthropic key", func(c *Config) { c.Providers[1].APIKey = "sk-wrong" }, "sk-ant-"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"zero attempts", func(c *Config) { c.Activities.Tool.MaxAttempts = 0 }, "activities.tool"},
		{"no timeout", func(c *Config) { c.Activities.Provider.ScheduleToClose = 0 }, "activities.provider"},
		{"history limit", func(c *Config) { c.Engine.ContinueAsNewHistory = 1 }, "continue_as_new_history"},
		{"queue concurrency", func(c *Config) { c.Engine.Queues["x"] = 0 }, "engine.queues.x"},
		{"redis addr", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, "redis.addr"},
		{"mcp both", func(c *Config) {
			c.MCP.Servers = []MCPServerConfig{{Name: "poke", Command: "node", URL: "http://x"}}
		}, "exactly one of command or url"},
		{"status port", func(c *Config) { c.Status.Ports[QueueOpenAI] = 70000 }, "status.ports"},
		{"maintenance schedule", func(c *Config) { c.Maintenance.Schedule = "" }, "maintenance.schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSortedProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderProfile{
		{ID: "b", Priority: 2},
		{ID: "c", Priority: 1},
		{ID: "a", Priority: 2},
	}

	sorted := cfg.SortedProviders()
	ids := []string{sorted[0].ID, sorted[1].ID, sorted[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, "b", cfg.Providers[0].ID, "original order untouched")
}

func TestWorkflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workflows["toolcalling"] = WorkflowConfig{SystemPrompt: "custom"}

	assert.Equal(t, "custom", cfg.Workflow("toolCalling").SystemPrompt)
	assert.Empty(t, cfg.Workflow("saga").SystemPrompt)
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	assert.Contains(t, s, `"continue_as_new_history": 200`)
}
