package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/storefront/preorder/internal/dispatch"
	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/internal/service"
	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/logger"
	"github.com/storefront/preorder/pkg/response"
	"github.com/storefront/preorder/pkg/saga"
	"github.com/storefront/preorder/pkg/tracing"
)

const maxBodyBytes = 1 << 20

type orderService interface {
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (order.View, error)
	Status(ctx context.Context, orderID string) (order.View, error)
	CompensationLog(ctx context.Context, orderID string) ([]saga.Entry, error)
	RetryCompensation(ctx context.Context) (int, error)
}

type api struct {
	orders  orderService
	signals dispatch.Dispatcher
	log     *logger.Logger
}

// SignalRequest 信号请求
type SignalRequest struct {
	ID     string           `json:"id,omitempty"`
	Kind   order.SignalKind `json:"kind"`
	Reason string           `json:"reason,omitempty"`
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/orders", a.handlePlaceOrder)
	mux.HandleFunc("GET /v1/orders/{id}", a.handleStatus)
	mux.HandleFunc("GET /v1/orders/{id}/compensation", a.handleCompensationLog)
	mux.HandleFunc("POST /v1/orders/{id}/signals", a.handleSignal)
	mux.HandleFunc("POST /v1/admin/compensations/retry", a.handleRetryCompensation)
}

// withMiddleware wraps h with the chain every endpoint shares: tracing
// outermost, then request ids, then panic recovery.
func withMiddleware(h http.Handler, log *logger.Logger) http.Handler {
	return tracing.HTTPMiddleware(response.RequestIDMiddleware(response.RecoveryMiddleware(log)(h)))
}

func (a *api) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req service.PlaceOrderRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, apperrors.Newf(apperrors.CodeInvalidOrder, "invalid body: %v", err))
		return
	}
	view, err := a.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := a.orders.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) handleCompensationLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := a.orders.CompensationLog(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orderId": id,
		"entries": entries,
	})
}

// handleSignal 信号异步投递，202 只表示已入队
func (a *api) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, apperrors.Newf(apperrors.CodeInvalidSignal, "invalid body: %v", err))
		return
	}
	id := r.PathValue("id")
	signalID, err := a.signals.Send(r.Context(), id, order.Signal{ID: req.ID, Kind: req.Kind, Reason: req.Reason})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"orderId":  id,
		"signalId": signalID,
	})
}

// handleRetryCompensation 运维入口：重新驱动所有补偿失败的订单
func (a *api) handleRetryCompensation(w http.ResponseWriter, r *http.Request) {
	n, err := a.orders.RetryCompensation(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.WithContext(r.Context()).Infof("compensation retry requested", map[string]interface{}{"queued": n})
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	coded, ok := apperrors.As(err)
	if !ok {
		coded = apperrors.New(apperrors.CodeInternal, err.Error())
	}
	if coded.HTTPStatus() >= http.StatusInternalServerError {
		a.log.WithContext(r.Context()).WithError(err).Errorf("request failed", map[string]interface{}{
			"method":    r.Method,
			"path":      r.URL.Path,
			"requestId": response.RequestIDFromContext(r.Context()),
		})
		if coded.Code == apperrors.CodeInternal {
			coded = apperrors.New(apperrors.CodeInternal, "internal error")
		}
	}
	response.WriteError(w, r, coded)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	response.WriteJSON(w, status, v)
}
