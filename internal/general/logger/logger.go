package logger

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes single-line JSON entries with the fields every service shares:
// timestamp, level, service, action, message, hostname, request_id, booking_id,
// details and, for errors, error{msg, stack}.
type Logger struct {
	service string
	zl      *zap.Logger
}

// New creates a structured logger for the given service.
// RSD_LOG_LEVEL=debug enables debug output.
func New(service string) *Logger {
	hn, err := os.Hostname()
	if err != nil || strings.TrimSpace(hn) == "" {
		hn = "unknown-hostname"
	}
	if strings.TrimSpace(service) == "" {
		service = "unknown-service"
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	zl, err := cfg.Build()
	if err != nil {
		// last resort: keep logging to stderr rather than fail startup
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		zl = zap.NewExample()
	}

	return &Logger{
		service: service,
		zl:      zl.With(zap.String("service", service), zap.String("hostname", hn)),
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{service: "nop", zl: zap.NewNop()}
}

func levelFromEnv() zapcore.Level {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RSD_LOG_LEVEL")), "debug") {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.zl.Sync()
}

// Debug writes a DEBUG line with optional details.
func (l *Logger) Debug(ctx context.Context, action, msg string, details any) {
	l.zl.Debug(strings.TrimSpace(msg), l.fields(ctx, action, details)...)
}

// Info writes an INFO line with optional details.
func (l *Logger) Info(ctx context.Context, action, msg string, details any) {
	l.zl.Info(strings.TrimSpace(msg), l.fields(ctx, action, details)...)
}

// Warn is Info for conditions an operator should look at.
func (l *Logger) Warn(ctx context.Context, action, msg string, details any) {
	l.zl.Warn(strings.TrimSpace(msg), l.fields(ctx, action, details)...)
}

// Error writes an ERROR line and attaches an error stack trace.
func (l *Logger) Error(ctx context.Context, action, msg string, err error, details any) {
	if err == nil {
		err = fmt.Errorf("unknown error")
	}
	fields := l.fields(ctx, action, details)
	fields = append(fields, zap.Dict("error",
		zap.String("msg", strings.TrimSpace(err.Error())),
		zap.StackSkip("stack", 1),
	))
	l.zl.Error(strings.TrimSpace(msg), fields...)
}

func (l *Logger) fields(ctx context.Context, action string, details any) []zap.Field {
	fields := make([]zap.Field, 0, 5)
	fields = append(fields, zap.String("action", safeAction(action)))
	if id := requestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := bookingID(ctx); id != "" {
		fields = append(fields, zap.String("booking_id", id))
	}
	if details != nil {
		fields = append(fields, zap.Any("details", details))
	}
	return fields
}

// ------------ Context helpers -------------

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "rsd_request_id"
	ctxKeyBookingID ctxKey = "rsd_booking_id"
)

// WithRequestID returns a new context carrying request_id.
func (l *Logger) WithRequestID(ctx context.Context, reqID string) context.Context {
	if strings.TrimSpace(reqID) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyRequestID, reqID)
}

// WithBookingID returns a new context carrying booking_id.
func (l *Logger) WithBookingID(ctx context.Context, id string) context.Context {
	if strings.TrimSpace(id) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyBookingID, id)
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(ctxKeyRequestID).(string)
	return s
}

func bookingID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(ctxKeyBookingID).(string)
	return s
}

func safeAction(a string) string {
	a = strings.TrimSpace(a)
	if a == "" {
		return "unspecified"
	}
	return a
}
