package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/internal/service"
	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/logger"
	"github.com/storefront/preorder/pkg/saga"
)

type fakeOrders struct {
	placed  []service.PlaceOrderRequest
	views   map[string]order.View
	entries map[string][]saga.Entry
	err     error
	panics  bool
}

func (f *fakeOrders) PlaceOrder(_ context.Context, req service.PlaceOrderRequest) (order.View, error) {
	if f.err != nil {
		return order.View{}, f.err
	}
	f.placed = append(f.placed, req)
	return order.View{OrderID: "po-1", Status: order.StatusPaymentInProgress, SKU: req.SKU}, nil
}

func (f *fakeOrders) Status(_ context.Context, id string) (order.View, error) {
	if f.panics {
		panic("status read blew up")
	}
	v, ok := f.views[id]
	if !ok {
		return order.View{}, apperrors.ErrOrderNotFound
	}
	return v, nil
}

func (f *fakeOrders) CompensationLog(_ context.Context, id string) ([]saga.Entry, error) {
	if _, ok := f.views[id]; !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return f.entries[id], nil
}

func (f *fakeOrders) RetryCompensation(context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(f.entries), nil
}

type fakeDispatcher struct {
	sent []order.Signal
	ids  []string
}

func (d *fakeDispatcher) Send(_ context.Context, orderID string, sig order.Signal) (string, error) {
	if !sig.Kind.Valid() {
		return "", apperrors.ErrInvalidSignal
	}
	d.ids = append(d.ids, orderID)
	d.sent = append(d.sent, sig)
	return "sig-1", nil
}

func newTestServer(orders *fakeOrders, signals *fakeDispatcher) *httptest.Server {
	mux := http.NewServeMux()
	(&api{orders: orders, signals: signals, log: logger.Nop()}).register(mux)
	return httptest.NewServer(withMiddleware(mux, logger.Nop()))
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestPlaceOrderHandler(t *testing.T) {
	orders := &fakeOrders{}
	srv := newTestServer(orders, &fakeDispatcher{})
	defer srv.Close()

	body := `{"customerEmail":"ada@example.com","sku":"CONSOLE-X","quantity":1,"amount":49900,"currency":"USD","releaseDate":"2026-11-20T00:00:00Z"}`
	resp, err := http.Post(srv.URL+"/v1/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var view order.View
	decodeBody(t, resp, &view)
	if view.OrderID != "po-1" || view.SKU != "CONSOLE-X" {
		t.Fatalf("unexpected view %+v", view)
	}
	want := time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC)
	if len(orders.placed) != 1 || !orders.placed[0].ReleaseDate.Equal(want) {
		t.Fatalf("unexpected request %+v", orders.placed)
	}
}

func TestPlaceOrderHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   apperrors.Code
	}{
		{"malformed", `{"sku":`, nil, http.StatusBadRequest, apperrors.CodeInvalidOrder},
		{"unknown field", `{"price":1}`, nil, http.StatusBadRequest, apperrors.CodeInvalidOrder},
		{"rejected", `{}`, apperrors.New(apperrors.CodeInvalidOrder, "sku is required"), http.StatusBadRequest, apperrors.CodeInvalidOrder},
		{"busy", `{}`, apperrors.ErrSystemBusy, http.StatusServiceUnavailable, apperrors.CodeSystemBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeOrders{err: tt.err}, &fakeDispatcher{})
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/v1/orders", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var e apperrors.Error
			decodeBody(t, resp, &e)
			if e.Code != tt.code {
				t.Fatalf("code = %s, want %s", e.Code, tt.code)
			}
		})
	}
}

func TestStatusAndCompensationHandlers(t *testing.T) {
	orders := &fakeOrders{
		views: map[string]order.View{"po-7": {OrderID: "po-7", Status: order.StatusCancelled, Compensation: saga.StateCompleted}},
		entries: map[string][]saga.Entry{"po-7": {
			{Sequence: 1, Kind: "RefundPayment", TargetRef: "pay-1", Reversed: true},
			{Sequence: 2, Kind: "ReleaseInventory", TargetRef: "res-1", Reversed: true},
		}},
	}
	srv := newTestServer(orders, &fakeDispatcher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/orders/po-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var view order.View
	decodeBody(t, resp, &view)
	if view.Status != order.StatusCancelled || view.Compensation != saga.StateCompleted {
		t.Fatalf("unexpected view %+v", view)
	}

	resp, err = http.Get(srv.URL + "/v1/orders/po-7/compensation")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var log struct {
		OrderID string       `json:"orderId"`
		Entries []saga.Entry `json:"entries"`
	}
	decodeBody(t, resp, &log)
	if log.OrderID != "po-7" || len(log.Entries) != 2 || log.Entries[1].Kind != "ReleaseInventory" {
		t.Fatalf("unexpected log %+v", log)
	}

	resp, err = http.Get(srv.URL + "/v1/orders/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSignalHandler(t *testing.T) {
	signals := &fakeDispatcher{}
	srv := newTestServer(&fakeOrders{}, signals)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/orders/po-3/signals", "application/json",
		strings.NewReader(`{"kind":"cancel","reason":"changed mind"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	decodeBody(t, resp, &out)
	if out["signalId"] != "sig-1" || out["orderId"] != "po-3" {
		t.Fatalf("unexpected response %v", out)
	}
	if signals.ids[0] != "po-3" || signals.sent[0].Kind != order.SignalCancel || signals.sent[0].Reason != "changed mind" {
		t.Fatalf("unexpected dispatch %v %+v", signals.ids, signals.sent)
	}

	resp, err = http.Post(srv.URL+"/v1/orders/po-3/signals", "application/json", strings.NewReader(`{"kind":"teleport"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(&fakeOrders{}, &fakeDispatcher{})
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/orders/po-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestRetryCompensationHandler(t *testing.T) {
	orders := &fakeOrders{entries: map[string][]saga.Entry{"po-1": nil, "po-2": nil}}
	srv := newTestServer(orders, &fakeDispatcher{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/admin/compensations/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]int
	decodeBody(t, resp, &out)
	if out["queued"] != 2 {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestErrorCarriesRequestID(t *testing.T) {
	srv := newTestServer(&fakeOrders{}, &fakeDispatcher{})
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/orders/po-missing", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("response header request id = %q", got)
	}
	var e apperrors.Error
	decodeBody(t, resp, &e)
	if e.Code != apperrors.CodeOrderNotFound || e.RequestID != "req-123" {
		t.Fatalf("unexpected body %+v", e)
	}

	// generated when the caller sends none
	resp, err = http.Get(srv.URL + "/v1/orders/po-missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	generated := resp.Header.Get("X-Request-ID")
	decodeBody(t, resp, &e)
	if generated == "" || e.RequestID != generated {
		t.Fatalf("header %q, body %q", generated, e.RequestID)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	srv := newTestServer(&fakeOrders{panics: true}, &fakeDispatcher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/orders/po-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var e apperrors.Error
	decodeBody(t, resp, &e)
	if e.Code != apperrors.CodeInternal || e.Message != "internal error" || e.RequestID == "" {
		t.Fatalf("unexpected body %+v", e)
	}

	// the server keeps serving after a panic
	resp, err = http.Get(srv.URL + "/v1/orders/po-1/compensation")
	if err != nil {
		t.Fatalf("get after panic: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after panic = %d", resp.StatusCode)
	}
}
