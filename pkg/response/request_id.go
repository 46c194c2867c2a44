package response

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/storefront/preorder/pkg/logger"
	"github.com/storefront/preorder/pkg/tracing"
)

// HeaderRequestID 请求 ID 头
const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// ContextWithRequestID stores request ID in context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext reads request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// RequestIDMiddleware ensures every request carries an id, echoed in the
// response header. Without an active trace the id also becomes the log
// traceID, so one request's log lines can be grouped.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		r.Header.Set(HeaderRequestID, reqID)
		w.Header().Set(HeaderRequestID, reqID)

		ctx := ContextWithRequestID(r.Context(), reqID)
		if tracing.TraceIDFromContext(ctx) == "" && logger.TraceIDFromContext(ctx) == "" {
			ctx = logger.ContextWithTraceID(ctx, reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
