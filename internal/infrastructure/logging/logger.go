package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "knxgateway"

// Logger wraps slog.Logger with the gateway's default fields.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to the configured output.
//
// JSON is the default format; "text" selects slog's text handler. Every
// entry carries service and version fields.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}
	return newLogger(output, cfg, version)
}

func newLogger(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// parseLevel converts a string log level to slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
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

// With returns a new Logger with additional default attributes.
//
//	engineLogger := logger.With("component", "engine")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component is shorthand for With("component", name).
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default creates a logger for use before configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
