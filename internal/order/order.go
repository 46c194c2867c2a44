// Package order holds the pre-order aggregate and its event applier. The
// aggregate is rebuilt by folding its event log, so Apply must stay
// deterministic and free of I/O.
package order

import (
	"encoding/json"
	"time"

	"github.com/storefront/preorder/internal/timer"
	"github.com/storefront/preorder/pkg/saga"
)

type Status string

const (
	StatusPlaced               Status = "Placed"
	StatusPaymentInProgress    Status = "PaymentInProgress"
	StatusInventoryReserving   Status = "InventoryReserving"
	StatusPendingFulfillment   Status = "PendingFulfillment"
	StatusFulfillmentTriggered Status = "FulfillmentTriggered"
	StatusAwaitingDelivery     Status = "AwaitingDelivery"
	StatusCompleted            Status = "Completed"
	StatusCancelled            Status = "Cancelled"
	StatusRejected             Status = "Rejected"
)

// phase gives the forward order of non-failure statuses.
var phase = map[Status]int{
	StatusPlaced:               0,
	StatusPaymentInProgress:    1,
	StatusInventoryReserving:   2,
	StatusPendingFulfillment:   3,
	StatusFulfillmentTriggered: 4,
	StatusAwaitingDelivery:     5,
	StatusCompleted:            6,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// DeadlineAfterRelease is the grace period between release and the hard
// fulfillment deadline.
const DeadlineAfterRelease = 7 * 24 * time.Hour

// Operation names an external collaborator call.
type Operation string

const (
	OpChargePayment          Operation = "ChargePayment"
	OpRefundPayment          Operation = "RefundPayment"
	OpReserveInventory       Operation = "ReserveInventory"
	OpReleaseInventory       Operation = "ReleaseInventory"
	OpCreateFulfillmentOrder Operation = "CreateFulfillmentOrder"
	OpCancelFulfillment      Operation = "CancelFulfillment"
	OpRequestPickup          Operation = "RequestPickup"
	OpSendPickupReminder     Operation = "SendPickupReminder"
)

// Action is the forward call the order is waiting on.
type Action struct {
	Operation Operation `json:"operation"`
	// Key overrides the default idempotency key, used for repeated reminders.
	Key string `json:"key,omitempty"`
}

// Placement is the immutable input of an order.
type Placement struct {
	OrderID          string        `json:"orderId"`
	CustomerEmail    string        `json:"customerEmail"`
	SKU              string        `json:"sku"`
	Quantity         int           `json:"quantity"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	ReleaseDate      time.Time     `json:"releaseDate"`
	ReminderInterval time.Duration `json:"reminderInterval"`
}

// Order is the aggregate. Its JSON form is the persisted snapshot.
type Order struct {
	Placement

	Status         Status      `json:"status"`
	Deadline       time.Time   `json:"deadline"`
	PaymentRef     string      `json:"paymentRef,omitempty"`
	ReservationRef string      `json:"reservationRef,omitempty"`
	FulfillmentRef string      `json:"fulfillmentRef,omitempty"`
	CancelReason   string      `json:"cancelReason,omitempty"`
	RejectReason   string      `json:"rejectReason,omitempty"`
	Pending        *Action     `json:"pending,omitempty"`
	Stack          *saga.Stack `json:"compensation"`
	Timers         *timer.Set  `json:"timers"`
	RemindersSent  int         `json:"remindersSent"`
	Version        int64       `json:"version"`
	PlacedAt       time.Time   `json:"placedAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

func New() *Order {
	return &Order{Stack: saga.NewStack(), Timers: timer.NewSet()}
}

// Compensation returns the rollback sub-state.
func (o *Order) Compensation() saga.State {
	return o.Stack.State()
}

// CompensationFailed reports the Cancelled sub-state that needs an operator.
func (o *Order) CompensationFailed() bool {
	return o.Status == StatusCancelled && o.Stack.State() == saga.StateFailed
}

// Compensating reports whether reversals still have to run.
func (o *Order) Compensating() bool {
	return o.Status == StatusCancelled && o.Stack.State() == saga.StateRunning
}

// Finished reports whether the order needs no further runtime work.
func (o *Order) Finished() bool {
	if !o.Status.Terminal() || o.Pending != nil {
		return false
	}
	return !o.Compensating()
}

// Clone deep-copies the order through its snapshot encoding.
func (o *Order) Clone() *Order {
	data, err := json.Marshal(o)
	if err != nil {
		panic("order: clone marshal: " + err.Error())
	}
	c := New()
	if err := json.Unmarshal(data, c); err != nil {
		panic("order: clone unmarshal: " + err.Error())
	}
	return c
}

// MarshalSnapshot encodes the order for storage.
func (o *Order) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalSnapshot decodes a stored snapshot.
func UnmarshalSnapshot(data []byte) (*Order, error) {
	o := New()
	if err := json.Unmarshal(data, o); err != nil {
		return nil, err
	}
	if o.Timers.Timers == nil {
		o.Timers = timer.NewSet()
	}
	return o, nil
}
