// Package logger builds the structured zerolog loggers used across the
// attendance engine. It supports log levels, JSON or console output,
// common field keys, and context propagation.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line (production).
	FormatJSON Format = "json"
	// FormatConsole writes human readable lines (development).
	FormatConsole Format = "console"
)

// Common field keys so log queries stay stable across components.
const (
	FieldComponent = "component"
	FieldOperation = "operation"
	FieldStudentID = "student_id"
	FieldBadgeCode = "badge_code"
	FieldCriterion = "criterion"
	FieldBatchSize = "batch_size"
	FieldLatency   = "latency"
	FieldRequestID = "request_id"
)

// Options configures the logger.
type Options struct {
	Output    io.Writer
	Level     zerolog.Level
	Format    Format
	AddCaller bool
	Service   string
}

// DefaultOptions returns sensible defaults for the logger.
func DefaultOptions() Options {
	return Options{
		Output:    os.Stdout,
		Level:     zerolog.InfoLevel,
		Format:    FormatJSON,
		AddCaller: true,
		Service:   "attendance-engine",
	}
}

// ParseLevel parses a level name, falling back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseFormat parses a format name, falling back to JSON.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "console", "text":
		return FormatConsole
	default:
		return FormatJSON
	}
}

// New creates a logger with the given options.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(opts.Level).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	if opts.AddCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Default creates a logger with default options.
func Default() zerolog.Logger {
	return New(DefaultOptions())
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext retrieves the logger from context. A context without a logger
// yields the disabled logger rather than a global one.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

type requestIDKey struct{}

// WithRequestID attaches a request ID to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored in ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
