package order

import (
	"time"

	"github.com/storefront/preorder/internal/timer"
)

type SignalKind string

const (
	SignalStartFulfillment  SignalKind = "start-fulfillment"
	SignalCancel            SignalKind = "cancel"
	SignalItemPicked        SignalKind = "item-picked"
	SignalConfirmDelivery   SignalKind = "confirm-delivery"
	SignalRetryCompensation SignalKind = "retry-compensation"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalStartFulfillment, SignalCancel, SignalItemPicked, SignalConfirmDelivery, SignalRetryCompensation:
		return true
	}
	return false
}

type Signal struct {
	ID     string     `json:"id"`
	Kind   SignalKind `json:"kind"`
	SentAt time.Time  `json:"sentAt"`
	Reason string     `json:"reason,omitempty"`
}

type EventType string

const (
	EventPlaced            EventType = "OrderPlaced"
	EventSignalReceived    EventType = "SignalReceived"
	EventTimerFired        EventType = "TimerFired"
	EventActivityCompleted EventType = "ActivityCompleted"
	EventActivityFailed    EventType = "ActivityFailed"
	EventReversalCompleted EventType = "ReversalCompleted"
	EventReversalFailed    EventType = "ReversalFailed"
)

// ActivityResult is the recorded outcome of a forward call.
type ActivityResult struct {
	Operation Operation `json:"operation"`
	Ref       string    `json:"ref,omitempty"`
	Code      string    `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
}

// ReversalResult is the recorded outcome of one compensation.
type ReversalResult struct {
	Sequence int64  `json:"sequence"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Event is one entry of an order's append-only log.
type Event struct {
	OrderID  string          `json:"orderId"`
	Version  int64           `json:"version"`
	Type     EventType       `json:"type"`
	At       time.Time       `json:"at"`
	Placed   *Placement      `json:"placed,omitempty"`
	Signal   *Signal         `json:"signal,omitempty"`
	Timer    *timer.Firing   `json:"timer,omitempty"`
	Activity *ActivityResult `json:"activity,omitempty"`
	Reversal *ReversalResult `json:"reversal,omitempty"`
}

// Input is something delivered to a running order: a signal or a timer
// firing.
type Input struct {
	Signal *Signal
	Firing *timer.Firing
}

// Event wraps the input as the log entry recording its consumption.
func (in Input) Event(orderID string, at time.Time) Event {
	if in.Signal != nil {
		return Event{OrderID: orderID, Type: EventSignalReceived, At: at, Signal: in.Signal}
	}
	return Event{OrderID: orderID, Type: EventTimerFired, At: at, Timer: in.Firing}
}

// Prioritize reorders a batch of inputs that were pending together: a
// deadline firing queued before a start-fulfillment signal is moved behind
// the last such signal, where it becomes a no-op. Signals and every other
// input keep arrival order.
func Prioritize(batch []Input) []Input {
	lastStart := -1
	for i, in := range batch {
		if in.Signal != nil && in.Signal.Kind == SignalStartFulfillment {
			lastStart = i
		}
	}
	if lastStart < 0 {
		return batch
	}

	out := make([]Input, 0, len(batch))
	var deferred []Input
	for i, in := range batch {
		if i < lastStart && in.Firing != nil && in.Firing.Purpose == timer.PurposeFulfillmentDeadline {
			deferred = append(deferred, in)
			continue
		}
		out = append(out, in)
		if i == lastStart {
			out = append(out, deferred...)
		}
	}
	return out
}
