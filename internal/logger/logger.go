package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process logger and the file it may write to.
type Logger struct {
	logger zerolog.Logger
	file   *RotatingWriter
}

// Config holds logger configuration
type Config struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	File       string `json:"file" mapstructure:"file"`               // log file path
	Console    bool   `json:"console" mapstructure:"console"`         // enable console output
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`           // pretty format for console
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`     // mask api keys and tokens
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // MB before rotation, 0 disables
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // days to keep rotated files
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // rotated files to keep
	Compress   bool   `json:"compress" mapstructure:"compress"`       // gzip rotated files

	// Secrets are masked verbatim when Redaction is on, e.g. configured
	// provider keys.
	Secrets []string `json:"-" mapstructure:"-"`
}

// New creates a logger and installs it as the zerolog global. With neither
// console nor file output configured it writes JSON to stdout.
func New(cfg Config) (*Logger, error) {
	return build(cfg, os.Stdout)
}

func build(cfg Config, console io.Writer) (*Logger, error) {
	l := &Logger{}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(console, cfg.Pretty))
	}
	if cfg.File != "" {
		fw, err := NewRotatingWriter(cfg.File, RotationOptions{
			MaxSizeMB:  cfg.MaxSize,
			MaxAgeDays: cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = fw
		sinks = append(sinks, fw)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console)
	}

	out := zerolog.MultiLevelWriter(sinks...)
	var w io.Writer = out
	if cfg.Redaction {
		w = NewRedactor(cfg.Secrets...).Wrap(out)
	}

	l.logger = zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	log.Logger = l.logger
	return l, nil
}

func consoleSink(w io.Writer, pretty bool) io.Writer {
	if !pretty {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

// parseLevel falls back to info for empty or unknown levels.
func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 5,
		Compress:   true,
	}
}
