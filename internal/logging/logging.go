package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog severity for facade configuration.
type Level int8

const (
	TraceLevel Level = iota - 1
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	Disabled Level = 7
)

// Config controls facade output shape.
type Config struct {
	Level     Level
	Timestamp bool
	NoColor   bool
	// Bypass drops console formatting and emits raw JSON lines.
	Bypass bool
}

// DefaultConfig returns runtime defaults: info level, timestamps, color console.
func DefaultConfig() Config {
	return Config{
		Level:     InfoLevel,
		Timestamp: true,
		NoColor:   false,
		Bypass:    false,
	}
}

var (
	mu     sync.RWMutex
	logger = newLogger(DefaultConfig())
)

// Apply installs cfg as the process-wide logger.
func Apply(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(cfg)
}

func newLogger(cfg Config) zerolog.Logger {
	var out = zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.NoColor,
	}
	base := zerolog.New(out)
	if cfg.Bypass {
		base = zerolog.New(os.Stderr)
	}
	ctx := base.Level(zerolog.Level(cfg.Level)).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// Base returns the currently installed logger for integrations that
// need the zerolog handle directly (request middleware, services).
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Tracef(format string, args ...any) { l := Base(); l.Trace().Msgf(format, args...) }

func Debugf(format string, args ...any) { l := Base(); l.Debug().Msgf(format, args...) }

func Infof(format string, args ...any) { l := Base(); l.Info().Msgf(format, args...) }

func Warnf(format string, args ...any) { l := Base(); l.Warn().Msgf(format, args...) }

func Errf(format string, args ...any) { l := Base(); l.Error().Msgf(format, args...) }

// Logf emits at no level; it is never filtered short of Disabled.
func Logf(format string, args ...any) { l := Base(); l.Log().Msgf(format, args...) }

func Debug(msg string) { l := Base(); l.Debug().Msg(msg) }

func Log(msg string) { l := Base(); l.Log().Msg(msg) }
