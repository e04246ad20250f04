package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// Fields carries structured key/value pairs attached to a log event.
type Fields map[string]any

var (
	level = new(slog.LevelVar)
	base  atomic.Pointer[slog.Logger]
)

func init() {
	Configure(os.Stdout, "json", "info")
}

// Configure replaces the process logger. format is "json" or "text".
func Configure(w io.Writer, format, lvl string) {
	level.Set(parseLevel(lvl))
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text", "console":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	base.Store(slog.New(h))
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logWith(l slog.Level, msg string, f Fields) {
	lg := base.Load()
	ctx := context.Background()
	if !lg.Enabled(ctx, l) {
		return
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, f[k])
	}
	lg.Log(ctx, l, msg, args...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(slog.LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) { logWith(slog.LevelDebug, msg, f) }
