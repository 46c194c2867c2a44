package response

import (
	"net/http"
	"runtime/debug"

	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/logger"
)

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// RecoveryMiddleware turns a handler panic into a logged 500 instead of a
// dropped connection. Nothing is written if the handler already started the
// response.
func RecoveryMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusWriter{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.WithContext(r.Context()).Errorf("panic recovered", map[string]interface{}{
					"panic":     v,
					"method":    r.Method,
					"path":      r.URL.Path,
					"requestId": RequestIDFromContext(r.Context()),
					"stack":     string(debug.Stack()),
				})
				if !wrapped.wroteHeader {
					WriteErrorCode(wrapped, r, apperrors.CodeInternal, "internal error")
				}
			}()
			next.ServeHTTP(wrapped, r)
		})
	}
}
