// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	CodeOK       Code = "OK"
	CodeInternal Code = "INTERNAL"

	// 请求与信号
	CodeInvalidOrder  Code = "INVALID_ORDER"
	CodeOrderNotFound Code = "ORDER_NOT_FOUND"
	CodeInvalidSignal Code = "INVALID_SIGNAL"

	// 协作方业务拒绝，不可重试
	CodePaymentDeclined Code = "PAYMENT_DECLINED"
	CodeOutOfStock      Code = "OUT_OF_STOCK"

	// 瞬时故障，可重试
	CodeUnavailable Code = "UNAVAILABLE"
	CodeTimeout     Code = "TIMEOUT"
	CodeRateLimited Code = "RATE_LIMITED"
	CodeSystemBusy  Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	clone := *e
	clone.RequestID = requestID
	return &clone
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// As 在错误链中查找 *Error
func As(err error) (*Error, bool) {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if coded, ok := As(err); ok {
		return coded.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err is worth another attempt. Errors that carry
// no code (network failures, deadline exceeded) are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if coded, ok := As(err); ok {
		return coded.Retryable
	}
	return true
}

// HTTPStatus maps any error to a status code for the HTTP surface.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return httpStatus(CodeOf(err))
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeSystemBusy, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidOrder, CodeInvalidSignal:
		return http.StatusBadRequest
	case CodeOrderNotFound:
		return http.StatusNotFound
	case CodePaymentDeclined:
		return http.StatusPaymentRequired
	case CodeOutOfStock:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidOrder    = New(CodeInvalidOrder, "invalid order")
	ErrOrderNotFound   = New(CodeOrderNotFound, "order not found")
	ErrInvalidSignal   = New(CodeInvalidSignal, "invalid signal")
	ErrPaymentDeclined = New(CodePaymentDeclined, "payment declined")
	ErrOutOfStock      = New(CodeOutOfStock, "out of stock")
	ErrUnavailable     = New(CodeUnavailable, "service unavailable")
	ErrSystemBusy      = New(CodeSystemBusy, "system busy, please retry")
)
