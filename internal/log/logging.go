package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmcdole/kinoedge/internal/config"
)

// Setup builds the process logger. Every record carries the proxied origin
// and the cache version, so logs from several proxies can share one sink.
// The returned closer releases the log file, if one was opened.
func Setup(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}

	out, closer, err := openSink(cfg.Logging.File)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(out, cfg.Logging.Format, level)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	logger := slog.New(handler).With(
		slog.String("origin", cfg.Server.Origin),
		slog.String("cache", cfg.Cache.Version),
	)
	return logger, closer, nil
}

// Stderr is the fallback used when the configured sink cannot be opened
func Stderr() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// NullLogger returns a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openSink(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "", "stderr", "-":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}

	if rest, ok := strings.CutPrefix(path, "~"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve log path %q: %w", path, err)
		}
		path = filepath.Join(home, rest)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel accepts slog level names in any case, plus WARNING.
// An empty level means INFO.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid logging.level %q", s)
	}
	return level, nil
}
