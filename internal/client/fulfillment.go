package client

import (
	"context"
	"time"
)

// FulfillmentClient 履约与配送方接口
type FulfillmentClient struct {
	httpClient
}

func NewFulfillmentClient(baseURL string, timeout time.Duration) *FulfillmentClient {
	return &FulfillmentClient{httpClient: newHTTPClient(baseURL, timeout)}
}

func (c *FulfillmentClient) CreateFulfillmentOrder(ctx context.Context, idempotencyKey string, req FulfillmentRequest) (string, error) {
	req.IdempotencyKey = idempotencyKey
	resp, err := c.call(ctx, "/internal/fulfillment/orders", &req)
	if err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (c *FulfillmentClient) CancelFulfillment(ctx context.Context, idempotencyKey, fulfillmentRef string) error {
	_, err := c.call(ctx, "/internal/fulfillment/cancel", &refRequest{
		IdempotencyKey: idempotencyKey,
		Ref:            fulfillmentRef,
	})
	return err
}

func (c *FulfillmentClient) RequestPickup(ctx context.Context, idempotencyKey, fulfillmentRef string) error {
	_, err := c.call(ctx, "/internal/fulfillment/pickup", &refRequest{
		IdempotencyKey: idempotencyKey,
		Ref:            fulfillmentRef,
	})
	return err
}

func (c *FulfillmentClient) SendPickupReminder(ctx context.Context, idempotencyKey string, req ReminderRequest) error {
	req.IdempotencyKey = idempotencyKey
	_, err := c.call(ctx, "/internal/fulfillment/reminders", &req)
	return err
}
