package config

import (
	"fmt"
	"strings"
)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks the vendor name.
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "anthropic", "openai", "gemini":
		return nil
	case "":
		return fmt.Errorf("provider is required")
	default:
		return fmt.Errorf("invalid provider %s (must be: anthropic, openai, gemini)", provider)
	}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error", "":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be: debug, info, warn, error)", level)
}

// ValidateActivityPolicy checks retry and timeout bounds.
func (v *Validator) ValidateActivityPolicy(p ActivityPolicy) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if p.StartToClose <= 0 && p.ScheduleToClose <= 0 {
		return fmt.Errorf("one of start_to_close or schedule_to_close is required")
	}
	if p.Heartbeat < 0 || p.InitialInterval < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1 {
		return fmt.Errorf("backoff_coefficient must be >= 1")
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
