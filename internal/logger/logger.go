// Package logger builds the process-wide slog logger from LoggingConfig and
// carries request, venue and symbol scope through contexts.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey is the type of every logging key stored in a context.
type ContextKey string

const (
	RequestIDKey      ContextKey = "request_id"
	VenueKey          ContextKey = "venue"
	SymbolKey         ContextKey = "symbol"
	SubscriptionIDKey ContextKey = "subscription_id"
)

// contextKeys is the order attributes are emitted in.
var contextKeys = []ContextKey{RequestIDKey, VenueKey, SymbolKey, SubscriptionIDKey}

// LoggerManager owns the root logger and its output.
type LoggerManager struct {
	root   *slog.Logger
	output io.WriteCloser

	mu         sync.Mutex
	components map[string]*slog.Logger
}

// ComponentLogger is a logger tagged with a component attribute.
type ComponentLogger struct {
	*slog.Logger
}

// NewLoggerManager opens the configured output and builds a JSON or text handler.
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	out, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(cfg.Level),
		AddSource:   strings.EqualFold(cfg.Level, "debug"),
		ReplaceAttr: formatAttr,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.ContextFields) > 0 {
		static := make([]slog.Attr, 0, len(cfg.ContextFields))
		for k, v := range cfg.ContextFields {
			static = append(static, slog.String(k, v))
		}
		handler = handler.WithAttrs(static)
	}

	return &LoggerManager{
		root:       slog.New(handler),
		output:     out,
		components: make(map[string]*slog.Logger),
	}, nil
}

// formatAttr renders timestamps as RFC3339Nano and levels in upper case.
func formatAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
		}
	case slog.LevelKey:
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(strings.ToUpper(lvl.String()))
		}
	}
	return a
}

func openOutput(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopCloser{os.Stdout}, nil
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// GetLogger returns the root logger.
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.root
}

// GetComponentLogger returns a cached logger carrying component=name.
func (lm *LoggerManager) GetComponentLogger(name string) *ComponentLogger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.components[name]
	if !ok {
		l = lm.root.With(slog.String("component", name))
		lm.components[name] = l
	}
	return &ComponentLogger{Logger: l}
}

// Close flushes and closes a file output. Console outputs are left open.
func (lm *LoggerManager) Close() error {
	return lm.output.Close()
}

// ErrorWithContext logs err together with the scope stored in ctx.
func (cl *ComponentLogger) ErrorWithContext(ctx context.Context, msg string, err error, args ...any) {
	cl.ErrorContext(ctx, msg, append(append(Attrs(ctx), slog.Any("error", err)), args...)...)
}

// InfoWithContext logs msg together with the scope stored in ctx.
func (cl *ComponentLogger) InfoWithContext(ctx context.Context, msg string, args ...any) {
	cl.InfoContext(ctx, msg, append(Attrs(ctx), args...)...)
}

// Attrs returns the logging scope stored in ctx as slog key/value arguments.
func Attrs(ctx context.Context) []any {
	var attrs []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func WithVenue(ctx context.Context, venue string) context.Context {
	return context.WithValue(ctx, VenueKey, venue)
}

func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

func WithSubscriptionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SubscriptionIDKey, id)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
