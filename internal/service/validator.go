package service

import (
	"net/mail"
	"strings"

	apperrors "github.com/storefront/preorder/pkg/errors"
)

const maxQuantity = 1000

// validatePlacement normalizes req in place and rejects malformed orders.
func validatePlacement(req *PlaceOrderRequest) error {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.SKU = strings.TrimSpace(req.SKU)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	if len(req.OrderID) > 64 {
		return apperrors.New(apperrors.CodeInvalidOrder, "orderId is too long")
	}
	if req.CustomerEmail == "" {
		return apperrors.New(apperrors.CodeInvalidOrder, "customerEmail is required")
	}
	if addr, err := mail.ParseAddress(req.CustomerEmail); err != nil || addr.Address != req.CustomerEmail {
		return apperrors.Newf(apperrors.CodeInvalidOrder, "invalid customerEmail %q", req.CustomerEmail)
	}
	if req.SKU == "" {
		return apperrors.New(apperrors.CodeInvalidOrder, "sku is required")
	}
	if req.Quantity <= 0 || req.Quantity > maxQuantity {
		return apperrors.Newf(apperrors.CodeInvalidOrder, "quantity must be within [1, %d]", maxQuantity)
	}
	if req.Amount <= 0 {
		return apperrors.New(apperrors.CodeInvalidOrder, "amount must be positive")
	}
	if len(req.Currency) != 3 {
		return apperrors.Newf(apperrors.CodeInvalidOrder, "invalid currency %q", req.Currency)
	}
	if req.ReleaseDate.IsZero() {
		return apperrors.New(apperrors.CodeInvalidOrder, "releaseDate is required")
	}
	return nil
}
