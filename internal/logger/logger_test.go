package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should write json lines to console", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := build(Config{Level: "debug", Console: true}, &buf)
		require.NoError(t, err)
		defer l.Close()

		agent := l.Component("agent")
		agent.Debug().Str("conversation_id", "c1").Msg("round started")

		out := buf.String()
		assert.Contains(t, out, `"component":"agent"`)
		assert.Contains(t, out, `"conversation_id":"c1"`)
		assert.Contains(t, out, `"level":"debug"`)
	})

	t.Run("should fall back to info on bad level", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := build(Config{Level: "loud", Console: true}, &buf)
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Debug().Msg("hidden")
		zl.Info().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("should redact api keys", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := build(Config{Level: "info", Console: true, Redaction: true}, &buf)
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Str("key", "sk-ant-REDACTED").Msg("provider configured")

		assert.NotContains(t, buf.String(), "abcdefghijklmnop")
		assert.Contains(t, buf.String(), "[REDACTED:anthropic]")
	})

	t.Run("should write to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "convoy.log")
		l, err := build(Config{Level: "info", File: path}, &bytes.Buffer{})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Msg("to file")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), "to file"))
	})
}

func TestNewMasksConfiguredSecrets(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(Config{Console: true, Redaction: true, Secrets: []string{"gateway-token-42"}}, &buf)
	require.NoError(t, err)

	prov := l.Component("provider")
	prov.Info().Str("base_url", "https://gw.example/?t=gateway-token-42").Msg("client created")

	assert.NotContains(t, buf.String(), "gateway-token-42")
	assert.Contains(t, buf.String(), "[REDACTED:secret]")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 5, cfg.MaxBackups)
}
