package order

import (
	"time"

	"github.com/storefront/preorder/internal/timer"
	"github.com/storefront/preorder/pkg/saga"
)

// View is the read model returned by the status query.
type View struct {
	OrderID            string        `json:"orderId"`
	Status             Status        `json:"status"`
	Compensation       saga.State    `json:"compensation"`
	CompensationFailed bool          `json:"compensationFailed"`
	SKU                string        `json:"sku"`
	Quantity           int           `json:"quantity"`
	Amount             int64         `json:"amount"`
	Currency           string        `json:"currency"`
	PaymentRef         string        `json:"paymentRef,omitempty"`
	ReservationRef     string        `json:"reservationRef,omitempty"`
	FulfillmentRef     string        `json:"fulfillmentRef,omitempty"`
	ReleaseDate        time.Time     `json:"releaseDate"`
	Deadline           time.Time     `json:"deadline"`
	Timers             []timer.Timer `json:"timers"`
	Pending            Operation     `json:"pending,omitempty"`
	CancelReason       string        `json:"cancelReason,omitempty"`
	RejectReason       string        `json:"rejectReason,omitempty"`
	RemindersSent      int           `json:"remindersSent"`
	Version            int64         `json:"version"`
	PlacedAt           time.Time     `json:"placedAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

func (o *Order) View() View {
	v := View{
		OrderID:            o.OrderID,
		Status:             o.Status,
		Compensation:       o.Compensation(),
		CompensationFailed: o.CompensationFailed(),
		SKU:                o.SKU,
		Quantity:           o.Quantity,
		Amount:             o.Amount,
		Currency:           o.Currency,
		PaymentRef:         o.PaymentRef,
		ReservationRef:     o.ReservationRef,
		FulfillmentRef:     o.FulfillmentRef,
		ReleaseDate:        o.ReleaseDate,
		Deadline:           o.Deadline,
		Timers:             o.Timers.All(),
		CancelReason:       o.CancelReason,
		RejectReason:       o.RejectReason,
		RemindersSent:      o.RemindersSent,
		Version:            o.Version,
		PlacedAt:           o.PlacedAt,
		UpdatedAt:          o.UpdatedAt,
	}
	if o.Pending != nil {
		v.Pending = o.Pending.Operation
	}
	return v
}

// CompensationLog returns every entry ever pushed, ascending by sequence.
func (o *Order) CompensationLog() []saga.Entry {
	return o.Stack.Entries()
}

// RefsConsistent checks that each reference is set exactly when its
// compensation entry exists.
func (o *Order) RefsConsistent() bool {
	pairs := []struct {
		ref  string
		kind Operation
	}{
		{o.PaymentRef, OpRefundPayment},
		{o.ReservationRef, OpReleaseInventory},
		{o.FulfillmentRef, OpCancelFulfillment},
	}
	for _, p := range pairs {
		if (p.ref != "") != o.Stack.Has(string(p.kind)) {
			return false
		}
	}
	return true
}
