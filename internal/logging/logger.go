// Package logging configures the process-wide zerolog logger: level, a
// human-readable console writer, an optional JSON log file, and component
// sub-loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config controls Setup.
type Config struct {
	Level string
	// Console writes human-readable lines to Output.
	Console bool
	// File appends JSON lines to this path when set.
	File string
	// Output receives console lines; defaults to os.Stderr.
	Output io.Writer
	// NoColor disables ANSI colors on the console writer.
	NoColor bool
}

// DefaultConfig logs info and above to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Console: true}
}

var (
	mu      sync.Mutex
	logFile *os.File
)

// ParseLevel parses a level name. Unknown names fall back to info;
// "warning" is accepted for warn.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Setup installs the global logger. Calling it again replaces the previous
// configuration and closes a previously opened log file.
func Setup(cfg Config) error {
	var writers []io.Writer

	if cfg.Console {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.NoColor,
		})
	}

	var f *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}

	var w io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	mu.Lock()
	prev := logFile
	logFile = f
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Close closes the log file opened by Setup, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// Component returns a sub-logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ═══════════════════════════════════════════════════════════════════════════════
// VERBOSE TRACING
// ═══════════════════════════════════════════════════════════════════════════════

// Trace logs entry into funcName at debug level and returns a func that
// logs the exit with the elapsed time.
//
//	defer logging.Trace("orchestrator.Process")()
func Trace(funcName string) func() {
	start := time.Now()
	log.Debug().Str("func", funcName).Msg("enter")
	return func() {
		log.Debug().Str("func", funcName).Dur("took", time.Since(start)).Msg("exit")
	}
}
