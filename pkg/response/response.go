// Package response HTTP 响应辅助：错误体、请求 ID、panic 恢复
package response

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/storefront/preorder/pkg/errors"
)

// WriteError writes err as the JSON error body, stamped with the request id
// carried by r.
func WriteError(w http.ResponseWriter, r *http.Request, err *apperrors.Error) {
	if w == nil || err == nil {
		return
	}
	if r != nil {
		if reqID := RequestIDFromContext(r.Context()); reqID != "" {
			err = err.WithRequestID(reqID)
		}
	}
	WriteJSON(w, err.HTTPStatus(), err)
}

// WriteErrorCode writes an error body built from code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code apperrors.Code, message string) {
	WriteError(w, r, apperrors.New(code, message))
}

func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
