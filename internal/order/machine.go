package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/storefront/preorder/internal/timer"
)

// ErrNotApplicable marks an event that has no transition from the current
// state. For live inputs this means "ignore"; during replay it means the log
// is corrupt.
var ErrNotApplicable = errors.New("event not applicable in current state")

type NoticeKind string

const (
	NoticePaymentConfirmed NoticeKind = "payment-confirmed"
	NoticePreparing        NoticeKind = "preparing"
	NoticePickupReminder   NoticeKind = "pickup-reminder"
	NoticePickedUp         NoticeKind = "picked-up"
	NoticeDelivered        NoticeKind = "delivered"
	NoticeRefunded         NoticeKind = "refunded"
	NoticeCancelled        NoticeKind = "cancelled"
	NoticeRejected         NoticeKind = "rejected"
)

// Notice is a customer-facing notification produced by a transition.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	OrderID string     `json:"orderId"`
	Email   string     `json:"email"`
	Detail  string     `json:"detail,omitempty"`
}

// Effects lists what the runtime must do once the event is durable.
type Effects struct {
	From   Status
	To     Status
	Arm    []timer.Timer
	Disarm []timer.Purpose
	Notify []Notice
}

func (e Effects) Transitioned() bool {
	return e.From != e.To
}

// Accepts reports whether in has a transition from the current state.
// Inputs it rejects are no-ops and are not recorded.
func (o *Order) Accepts(in Input) bool {
	switch {
	case in.Signal != nil:
		switch in.Signal.Kind {
		case SignalStartFulfillment:
			return o.Status == StatusPendingFulfillment
		case SignalCancel:
			return o.Status == StatusPendingFulfillment ||
				o.Status == StatusFulfillmentTriggered ||
				o.Status == StatusAwaitingDelivery
		case SignalItemPicked:
			return o.Status == StatusFulfillmentTriggered
		case SignalConfirmDelivery:
			return o.Status == StatusAwaitingDelivery
		case SignalRetryCompensation:
			return o.CompensationFailed()
		}
	case in.Firing != nil:
		if !o.Timers.Valid(in.Firing.Purpose, in.Firing.Generation) {
			return false
		}
		switch in.Firing.Purpose {
		case timer.PurposeFulfillmentDeadline:
			return o.Status == StatusPendingFulfillment
		case timer.PurposePickupReminder:
			return o.Status == StatusFulfillmentTriggered && o.Pending == nil
		}
	}
	return false
}

// Apply folds one event into the order.
func (o *Order) Apply(ev Event) (Effects, error) {
	eff := Effects{From: o.Status}

	var err error
	switch ev.Type {
	case EventPlaced:
		err = o.applyPlaced(ev, &eff)
	case EventSignalReceived:
		err = o.applySignal(ev, &eff)
	case EventTimerFired:
		err = o.applyTimer(ev, &eff)
	case EventActivityCompleted:
		err = o.applyActivityCompleted(ev, &eff)
	case EventActivityFailed:
		err = o.applyActivityFailed(ev, &eff)
	case EventReversalCompleted, EventReversalFailed:
		err = o.applyReversal(ev, &eff)
	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err != nil {
		return Effects{}, err
	}

	if ev.Version > 0 {
		o.Version = ev.Version
	}
	o.UpdatedAt = ev.At
	eff.To = o.Status
	return eff, nil
}

func (o *Order) applyPlaced(ev Event, eff *Effects) error {
	if o.Status != "" || ev.Placed == nil {
		return ErrNotApplicable
	}
	o.Placement = *ev.Placed
	o.PlacedAt = ev.At
	o.Deadline = o.ReleaseDate.Add(DeadlineAfterRelease)
	o.Status = StatusPaymentInProgress
	o.Pending = &Action{Operation: OpChargePayment}
	eff.From = StatusPlaced
	return nil
}

func (o *Order) applySignal(ev Event, eff *Effects) error {
	if ev.Signal == nil || !o.Accepts(Input{Signal: ev.Signal}) {
		return ErrNotApplicable
	}

	switch ev.Signal.Kind {
	case SignalStartFulfillment:
		o.disarm(timer.PurposeFulfillmentDeadline, eff)
		o.Status = StatusFulfillmentTriggered
		o.Pending = &Action{Operation: OpCreateFulfillmentOrder}
	case SignalCancel:
		reason := ev.Signal.Reason
		if reason == "" {
			reason = "cancelled by request"
		}
		o.cancel(reason, eff)
	case SignalItemPicked:
		o.disarm(timer.PurposePickupReminder, eff)
		o.Status = StatusAwaitingDelivery
		o.notify(NoticePickedUp, "", eff)
	case SignalConfirmDelivery:
		o.Status = StatusCompleted
		o.notify(NoticeDelivered, "", eff)
	case SignalRetryCompensation:
		o.Stack.Begin()
	}
	return nil
}

func (o *Order) applyTimer(ev Event, eff *Effects) error {
	f := ev.Timer
	if f == nil || !o.Accepts(Input{Firing: f}) {
		return ErrNotApplicable
	}
	t, _ := o.Timers.Get(f.Purpose)
	o.Timers.Fire(f.Purpose, f.Generation)
	eff.Disarm = append(eff.Disarm, f.Purpose)

	switch f.Purpose {
	case timer.PurposeFulfillmentDeadline:
		o.cancel("fulfillment deadline passed", eff)
	case timer.PurposePickupReminder:
		o.Pending = &Action{
			Operation: OpSendPickupReminder,
			Key:       fmt.Sprintf("%s:%s:%d", o.OrderID, OpSendPickupReminder, f.Generation),
		}
		next := t.FiresAt.Add(o.ReminderInterval)
		if !next.After(ev.At) {
			next = ev.At.Add(o.ReminderInterval)
		}
		o.arm(timer.PurposePickupReminder, next, eff)
	}
	return nil
}

func (o *Order) applyActivityCompleted(ev Event, eff *Effects) error {
	res := ev.Activity
	if res == nil || o.Pending == nil || o.Pending.Operation != res.Operation {
		return ErrNotApplicable
	}
	o.Pending = nil

	switch res.Operation {
	case OpChargePayment:
		o.PaymentRef = res.Ref
		o.Stack.Push(string(OpRefundPayment), res.Ref, ev.At)
		o.Status = StatusInventoryReserving
		o.Pending = &Action{Operation: OpReserveInventory}
		o.notify(NoticePaymentConfirmed, res.Ref, eff)
	case OpReserveInventory:
		o.ReservationRef = res.Ref
		o.Stack.Push(string(OpReleaseInventory), res.Ref, ev.At)
		o.Status = StatusPendingFulfillment
		o.arm(timer.PurposeFulfillmentDeadline, o.Deadline, eff)
	case OpCreateFulfillmentOrder:
		o.FulfillmentRef = res.Ref
		o.Stack.Push(string(OpCancelFulfillment), res.Ref, ev.At)
		o.Pending = &Action{Operation: OpRequestPickup}
		o.notify(NoticePreparing, res.Ref, eff)
	case OpRequestPickup:
		if o.ReminderInterval > 0 {
			o.arm(timer.PurposePickupReminder, ev.At.Add(o.ReminderInterval), eff)
		}
	case OpSendPickupReminder:
		o.RemindersSent++
	default:
		return ErrNotApplicable
	}
	return nil
}

func (o *Order) applyActivityFailed(ev Event, eff *Effects) error {
	res := ev.Activity
	if res == nil || o.Pending == nil || o.Pending.Operation != res.Operation {
		return ErrNotApplicable
	}
	o.Pending = nil

	switch res.Operation {
	case OpChargePayment:
		// nothing committed yet, so nothing to compensate
		o.Status = StatusRejected
		o.RejectReason = res.Reason
		o.notify(NoticeRejected, res.Reason, eff)
	case OpReserveInventory, OpCreateFulfillmentOrder, OpRequestPickup:
		o.cancel(fmt.Sprintf("%s failed: %s", res.Operation, res.Reason), eff)
	case OpSendPickupReminder:
		// reminders are best effort; the next tick tries again
	default:
		return ErrNotApplicable
	}
	return nil
}

func (o *Order) applyReversal(ev Event, eff *Effects) error {
	res := ev.Reversal
	if res == nil || !o.Compensating() {
		return ErrNotApplicable
	}
	if ev.Type == EventReversalFailed {
		top, ok := o.Stack.Top()
		if !ok || top.Sequence != res.Sequence {
			return ErrNotApplicable
		}
		o.Stack.RecordFailure(res.Sequence, res.Reason)
		return nil
	}
	if !o.Stack.MarkReversed(res.Sequence, ev.At) {
		return ErrNotApplicable
	}
	if res.Kind == string(OpRefundPayment) {
		o.notify(NoticeRefunded, "", eff)
	}
	return nil
}

func (o *Order) cancel(reason string, eff *Effects) {
	for _, t := range o.Timers.CancelAll() {
		eff.Disarm = append(eff.Disarm, t.Purpose)
	}
	o.Status = StatusCancelled
	o.CancelReason = reason
	o.Pending = nil
	o.Stack.Begin()
	o.notify(NoticeCancelled, reason, eff)
}

func (o *Order) arm(purpose timer.Purpose, at time.Time, eff *Effects) {
	eff.Arm = append(eff.Arm, o.Timers.Arm(purpose, at))
}

func (o *Order) disarm(purpose timer.Purpose, eff *Effects) {
	if _, ok := o.Timers.Cancel(purpose); ok {
		eff.Disarm = append(eff.Disarm, purpose)
	}
}

func (o *Order) notify(kind NoticeKind, detail string, eff *Effects) {
	eff.Notify = append(eff.Notify, Notice{
		Kind:    kind,
		OrderID: o.OrderID,
		Email:   o.CustomerEmail,
		Detail:  detail,
	})
}

// Replay rebuilds an order from its log.
func Replay(events []Event) (*Order, error) {
	o := New()
	for _, ev := range events {
		if _, err := o.Apply(ev); err != nil {
			return nil, fmt.Errorf("replay %s v%d: %w", ev.Type, ev.Version, err)
		}
	}
	return o, nil
}

// Advanced reports whether to is not behind from in the forward phase order.
// Failure states are reachable from any non-terminal status.
func Advanced(from, to Status) bool {
	if to == StatusCancelled || to == StatusRejected {
		return !from.Terminal() || from == to
	}
	f, okF := phase[from]
	t, okT := phase[to]
	return okF && okT && t >= f
}
