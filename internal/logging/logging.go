// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options configures Setup.
type Options struct {
	Format string    // text or json
	Level  string    // debug, info, warn or error
	Writer io.Writer // os.Stderr when nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

// Setup installs a slog handler as the default and returns a logr.Logger on top of it.
// logr V(1) maps to slog debug.
func Setup(opts Options) (logr.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), err
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		handler = slog.NewTextHandler(w, handlerOpts)
	case FormatJSON:
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		return logr.Discard(), fmt.Errorf("unknown log format %q", opts.Format)
	}

	slog.SetDefault(slog.New(handler))
	return logr.FromSlogHandler(handler), nil
}
