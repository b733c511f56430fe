// Package netlog provides the structured logger used by every component of
// the network event core.
package netlog

import (
	"log/slog"
	"os"
)

// Verbosity gates noisy, expected transport conditions (ECONNRESET,
// ECONNREFUSED, ENETUNREACH) so they don't flood logs in production but are
// still visible when debugging.
type Verbosity int

const (
	// VerbosityLow logs only actionable conditions.
	VerbosityLow Verbosity = iota
	// VerbosityHigh additionally logs expected, peer-driven transport noise.
	VerbosityHigh
)

// Setup builds the logger used across the core. Text output for console
// readability; swap for slog.NewJSONHandler in production deployments.
func Setup(v Verbosity) *slog.Logger {
	level := slog.LevelInfo
	if v >= VerbosityHigh {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

// Noisy logs a condition that is expected under normal peer behavior
// (connection reset, refused, unreachable) at Debug always, and promotes it
// to Warn when the caller has asked for high verbosity.
func Noisy(log *slog.Logger, v Verbosity, msg string, args ...any) {
	if v >= VerbosityHigh {
		log.Warn(msg, args...)
		return
	}
	log.Debug(msg, args...)
}
