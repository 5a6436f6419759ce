package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CONVOY_LOGGING_LEVEL.
const EnvPrefix = "CONVOY"

// ConfigPathEnv names the config file when --config is not given.
const ConfigPathEnv = EnvPrefix + "_CONFIG"

// vendorKeyEnv lists the variables the vendor SDKs read by default.
var vendorKeyEnv = []struct{ provider, env string }{
	{"openai", "OPENAI_API_KEY"},
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"gemini", "GEMINI_API_KEY"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file over the defaults. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if level := v.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "~/.convoy"
	}
	for _, p := range []*string{&cfg.DataDir, &cfg.Logging.File, &cfg.Store.Path} {
		expanded, err := expandHome(*p)
		if err != nil {
			return nil, err
		}
		*p = expanded
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "convoy.log")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "convoy.db")
	}

	return cfg, nil
}

// AddVendorProfiles appends a profile for every vendor key found in the
// environment whose provider has no configured profile. It is kept out of
// Load so saving a loaded config never persists environment keys.
func (c *Config) AddVendorProfiles() {
	configured := make(map[string]bool)
	for _, p := range c.Providers {
		configured[strings.ToLower(p.Provider)] = true
	}
	for i, v := range vendorKeyEnv {
		key := os.Getenv(v.env)
		if key == "" || configured[v.provider] {
			continue
		}
		c.Providers = append(c.Providers, ProviderProfile{
			ID:       v.provider + "-env",
			Provider: v.provider,
			APIKey:   key,
			Priority: 100 + i,
		})
	}
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Save writes cfg as JSON, creating the directory when needed.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the explicit path, then $CONVOY_CONFIG, then
// ~/.convoy/convoy.json.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".convoy", "convoy.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
