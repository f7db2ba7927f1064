// Package logging provides the engine's operational logger. The host
// injects a slog.Handler via SetSink; until it does, log records are
// discarded so that an embedded engine never writes to the host's
// stdio uninvited.
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(discardHandler{}))
}

// Op returns the operational logger used by all engine subsystems.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetSink routes engine logs to the given handler. Passing nil restores
// the discard handler.
func SetSink(h slog.Handler) {
	if h == nil {
		opLogger.Store(slog.New(discardHandler{}))
		return
	}
	opLogger.Store(slog.New(h))
}

// Level returns the shared level var so hosts can wire it into their own
// handler options.
func Level() *slog.LevelVar {
	return logLevel
}

// SetLevel changes the shared level var returned by Level. It filters
// records only for handlers that were built with that level var.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error"
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
