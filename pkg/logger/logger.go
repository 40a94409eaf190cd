// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

// Package logger provides structured logging using zerolog.
//
// This package wraps zerolog to provide a consistent logging interface across
// the metering core with structured, leveled logging written in zerolog's
// console-friendly format.
//
// # Logging Levels
//
// Supported log levels (from least to most verbose): panic, fatal, error,
// warn/warning, info (default), debug.
//
// # Configuration
//
// The logger is configured via Initialize(), typically called during startup
// with the log level from EngineConfig:
//
//	logger.Initialize("info")
//
// # Safe Initialization
//
// An init() function sets up a safe default configuration so logging
// functions never panic if called before Initialize().
package logger

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	log                zerolog.Logger
	errInvalidLogLevel = errors.New("invalid log level")
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log = zerolog.New(output).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
}

// Initialize sets up the global logger with the specified level.
func Initialize(level string) {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		tempOutput := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		tempLog := zerolog.New(tempOutput).With().Timestamp().Logger()
		tempLog.Warn().Str("invalid_level", level).Str("using", "info").Msg("Invalid log level, defaulting to info")
		logLevel = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	log = zerolog.New(output).
		Level(logLevel).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "panic":
		return zerolog.PanicLevel, nil
	case "":
		return zerolog.InfoLevel, nil
	default:
		return zerolog.InfoLevel, errInvalidLogLevel
	}
}

// Get returns the global logger instance.
func Get() *zerolog.Logger { return &log }

// Debug logs a debug message.
func Debug() *zerolog.Event { return log.Debug() }

// Info logs an info message.
func Info() *zerolog.Event { return log.Info() }

// Warn logs a warning message.
func Warn() *zerolog.Event { return log.Warn() }

// Error logs an error message.
func Error() *zerolog.Event { return log.Error() }

// Fatal logs a fatal message and exits.
func Fatal() *zerolog.Event { return log.Fatal() }

// With creates a child logger with additional fields.
func With() zerolog.Context { return log.With() }

// SetOutput sets the output writer for the logger.
func SetOutput(w io.Writer) { log = log.Output(w) }

// Adapter satisfies ifaces.Logger by formatting through the package logger,
// so the engine can be constructed with the real zerolog backend outside of
// tests without importing zerolog itself.
type Adapter struct{}

func (Adapter) Debugf(format string, args ...any) { Debug().Msgf(format, args...) }
func (Adapter) Infof(format string, args ...any)  { Info().Msgf(format, args...) }
func (Adapter) Warnf(format string, args ...any)  { Warn().Msgf(format, args...) }
func (Adapter) Errorf(format string, args ...any) { Error().Msgf(format, args...) }
