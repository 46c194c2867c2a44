package client

import (
	"context"
	"time"
)

// InventoryClient reserves and releases stock.
type InventoryClient struct {
	httpClient
}

func NewInventoryClient(baseURL string, timeout time.Duration) *InventoryClient {
	return &InventoryClient{httpClient: newHTTPClient(baseURL, timeout)}
}

type reserveRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	OrderID        string `json:"OrderID"`
	SKU            string `json:"SKU"`
	Quantity       int    `json:"Quantity"`
}

func (c *InventoryClient) ReserveInventory(ctx context.Context, idempotencyKey, orderID, sku string, quantity int) (string, error) {
	resp, err := c.call(ctx, "/internal/inventory/reserve", &reserveRequest{
		IdempotencyKey: idempotencyKey,
		OrderID:        orderID,
		SKU:            sku,
		Quantity:       quantity,
	})
	if err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (c *InventoryClient) ReleaseInventory(ctx context.Context, idempotencyKey, reservationRef string) error {
	_, err := c.call(ctx, "/internal/inventory/release", &refRequest{
		IdempotencyKey: idempotencyKey,
		Ref:            reservationRef,
	})
	return err
}
