package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-abc", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-abc", "openai"))
	assert.NoError(t, v.ValidateAPIKey("AIzaanything", "gemini"))
	assert.Error(t, v.ValidateAPIKey("", "gemini"))
	assert.Error(t, v.ValidateAPIKey("abc", "openai"))
}

func TestValidateActivityPolicy(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name   string
		policy ActivityPolicy
		valid  bool
	}{
		{"start to close", ActivityPolicy{MaxAttempts: 5, StartToClose: time.Minute}, true},
		{"schedule to close", ActivityPolicy{MaxAttempts: 3, ScheduleToClose: time.Minute}, true},
		{"no attempts", ActivityPolicy{StartToClose: time.Minute}, false},
		{"no timeout", ActivityPolicy{MaxAttempts: 1}, false},
		{"negative heartbeat", ActivityPolicy{MaxAttempts: 1, StartToClose: time.Second, Heartbeat: -1}, false},
		{"shrinking backoff", ActivityPolicy{MaxAttempts: 1, StartToClose: time.Second, BackoffCoefficient: 0.5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateActivityPolicy(tt.policy)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidatePort(7002))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(65536))
}
