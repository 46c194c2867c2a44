package tracing

import (
	"context"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // 0.0-1.0
}

const (
	httpTraceHeader = "X-Trace-ID"
	tracerName      = "preorder"
	unknownService  = "unknown-service"
)

var tracingEnabled atomic.Bool

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// Init 初始化全局 TracerProvider，返回的 shutdown 需在退出时调用
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagator())
	if !cfg.Enabled {
		tracingEnabled.Store(false)
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = unknownService
	}

	sampleRate := cfg.SampleRate
	switch {
	case sampleRate <= 0:
		sampleRate = 0
	case sampleRate >= 1:
		sampleRate = 1
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.New(
		context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)

	return tp.Shutdown, nil
}

// Enabled reports whether Init installed an exporting provider.
func Enabled() bool {
	return tracingEnabled.Load()
}

// HTTPMiddleware HTTP请求追踪中间件
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tracingEnabled.Load() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		)
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			w.Header().Set(httpTraceHeader, traceID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// StartSpan 开始一个新span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SetError 记录错误
func SetError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InjectHTTP 注入trace到HTTP请求头
func InjectHTTP(ctx context.Context, req *http.Request) {
	if ctx == nil || req == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// InjectMap writes the trace context into message headers (stream fields,
// Kafka headers).
func InjectMap(ctx context.Context, headers map[string]string) {
	if ctx == nil || headers == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractMap restores a remote trace context from message headers.
func ExtractMap(ctx context.Context, headers map[string]string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
