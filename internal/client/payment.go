package client

import (
	"context"
	"time"
)

// PaymentClient calls the payment gateway.
type PaymentClient struct {
	httpClient
}

func NewPaymentClient(baseURL string, timeout time.Duration) *PaymentClient {
	return &PaymentClient{httpClient: newHTTPClient(baseURL, timeout)}
}

func (c *PaymentClient) ChargePayment(ctx context.Context, idempotencyKey string, req ChargeRequest) (string, error) {
	req.IdempotencyKey = idempotencyKey
	resp, err := c.call(ctx, "/internal/payments/charge", &req)
	if err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (c *PaymentClient) RefundPayment(ctx context.Context, idempotencyKey, paymentRef string) error {
	_, err := c.call(ctx, "/internal/payments/refund", &refRequest{
		IdempotencyKey: idempotencyKey,
		Ref:            paymentRef,
	})
	return err
}
