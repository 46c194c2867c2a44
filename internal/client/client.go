// Package client 外部协作方（支付、库存、履约、通知）的调用接口与 HTTP 实现
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/tracing"
)

// Payments charges and refunds customers.
type Payments interface {
	ChargePayment(ctx context.Context, idempotencyKey string, req ChargeRequest) (paymentRef string, err error)
	RefundPayment(ctx context.Context, idempotencyKey, paymentRef string) error
}

// Inventory holds stock for an order.
type Inventory interface {
	ReserveInventory(ctx context.Context, idempotencyKey, orderID, sku string, quantity int) (reservationRef string, err error)
	ReleaseInventory(ctx context.Context, idempotencyKey, reservationRef string) error
}

// Fulfillment ships the item and talks to the delivery partner.
type Fulfillment interface {
	CreateFulfillmentOrder(ctx context.Context, idempotencyKey string, req FulfillmentRequest) (fulfillmentRef string, err error)
	CancelFulfillment(ctx context.Context, idempotencyKey, fulfillmentRef string) error
	RequestPickup(ctx context.Context, idempotencyKey, fulfillmentRef string) error
	SendPickupReminder(ctx context.Context, idempotencyKey string, req ReminderRequest) error
}

type ChargeRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	OrderID        string `json:"OrderID"`
	CustomerEmail  string `json:"CustomerEmail"`
	Amount         int64  `json:"Amount"`
	Currency       string `json:"Currency"`
}

type FulfillmentRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	OrderID        string `json:"OrderID"`
	SKU            string `json:"SKU"`
	Quantity       int    `json:"Quantity"`
	ReservationRef string `json:"ReservationRef"`
	CustomerEmail  string `json:"CustomerEmail"`
}

type ReminderRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	OrderID        string `json:"OrderID"`
	FulfillmentRef string `json:"FulfillmentRef"`
	CustomerEmail  string `json:"CustomerEmail"`
}

type refRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	Ref            string `json:"Ref"`
}

// Response is the envelope every collaborator answers with.
type Response struct {
	Success   bool   `json:"Success"`
	Ref       string `json:"Ref"`
	ErrorCode string `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// httpClient 通用 JSON POST 调用，负责把传输层结果映射为错误码
type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string, timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c httpClient) call(ctx context.Context, path string, body interface{}) (*Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		// 网络错误不带错误码，按可重试处理
		return nil, fmt.Errorf("do request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out Response
	decodeErr := json.Unmarshal(respBody, &out)

	switch {
	case resp.StatusCode == http.StatusOK:
		if decodeErr != nil {
			return nil, fmt.Errorf("decode response: %w", decodeErr)
		}
		if !out.Success {
			return nil, responseError(&out, resp.StatusCode)
		}
		return &out, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.Newf(apperrors.CodeRateLimited, "%s: rate limited", path)
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return nil, apperrors.Newf(apperrors.CodeTimeout, "%s: status code %d", path, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, apperrors.Newf(apperrors.CodeUnavailable, "%s: status code %d", path, resp.StatusCode)
	default:
		if decodeErr == nil && out.ErrorCode != "" {
			return nil, responseError(&out, resp.StatusCode)
		}
		return nil, apperrors.Newf(apperrors.CodeInternal, "%s: status code %d", path, resp.StatusCode)
	}
}

func responseError(resp *Response, status int) error {
	code := apperrors.Code(resp.ErrorCode)
	if code == "" {
		code = apperrors.CodeInternal
	}
	msg := resp.Message
	if msg == "" {
		msg = fmt.Sprintf("rejected with status %d", status)
	}
	return apperrors.New(code, msg)
}
