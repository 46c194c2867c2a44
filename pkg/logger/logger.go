package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey string

const (
	traceIDKey ctxKey = "traceID"
	spanIDKey  ctxKey = "spanID"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

type Logger struct {
	logger zerolog.Logger
}

func New(service string, w io.Writer) *Logger {
	return NewWithLevel(service, w, "debug")
}

// NewWithLevel 创建指定级别的日志器，无法识别的级别按 info 处理
func NewWithLevel(service string, w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stdout
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	l := zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{logger: l}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithContext 注入 traceID/spanID，优先取显式写入的值，其次取 otel span
func (l *Logger) WithContext(ctx context.Context) *Logger {
	traceID := TraceIDFromContext(ctx)
	spanID := SpanIDFromContext(ctx)

	if ctx != nil && (traceID == "" || spanID == "") {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			if traceID == "" {
				traceID = sc.TraceID().String()
			}
			if spanID == "" {
				spanID = sc.SpanID().String()
			}
		}
	}

	updated := l.logger.With().
		Str("traceID", traceID).
		Str("spanID", spanID).
		Logger()

	return &Logger{logger: updated}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Debugf 带字段的 Debug 日志
func (l *Logger) Debugf(msg string, fields map[string]interface{}) {
	withFields(l.logger.Debug(), fields).Msg(msg)
}

// Infof 带字段的 Info 日志
func (l *Logger) Infof(msg string, fields map[string]interface{}) {
	withFields(l.logger.Info(), fields).Msg(msg)
}

// Warnf 带字段的 Warn 日志
func (l *Logger) Warnf(msg string, fields map[string]interface{}) {
	withFields(l.logger.Warn(), fields).Msg(msg)
}

// Errorf 带字段的 Error 日志
func (l *Logger) Errorf(msg string, fields map[string]interface{}) {
	withFields(l.logger.Error(), fields).Msg(msg)
}

func withFields(event *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		if err, ok := v.(error); ok {
			event = event.AnErr(k, err)
			continue
		}
		event = event.Interface(k, v)
	}
	return event
}

// WithError 添加错误字段
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithField 添加单个字段
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithOrder binds the orderID field used across the lifecycle runtime.
func (l *Logger) WithOrder(orderID string) *Logger {
	return &Logger{logger: l.logger.With().Str("orderID", orderID).Logger()}
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}

	return value
}

func SpanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	value, ok := ctx.Value(spanIDKey).(string)
	if !ok {
		return ""
	}

	return value
}
