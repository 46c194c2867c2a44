package service

import (
	"context"
	"errors"
	"time"

	"github.com/storefront/preorder/internal/client"
	"github.com/storefront/preorder/internal/order"
	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/retry"
	"github.com/storefront/preorder/pkg/saga"
	"github.com/storefront/preorder/pkg/tracing"
)

// drive runs outstanding work until the order waits for an input.
func (a *actor) drive(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case a.order.Pending != nil:
			if err := a.runActivity(ctx, *a.order.Pending); err != nil {
				return err
			}
		case a.order.Compensating():
			if err := a.compensate(ctx); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// runActivity performs the pending forward call and records its outcome.
// A call abandoned through ctx records nothing and is repeated with the same
// idempotency key after restart.
func (a *actor) runActivity(ctx context.Context, action order.Action) error {
	call := retry.Call{
		OrderID:        a.id,
		Operation:      string(action.Operation),
		IdempotencyKey: action.Key,
	}

	var ref string
	started := a.engine.now()
	err := a.engine.invoker.Invoke(ctx, call, func(ctx context.Context, key string) error {
		r, err := a.forward(ctx, action.Operation, key)
		if err == nil {
			ref = r
		}
		return err
	})
	a.engine.metrics.ObserveActivity(call.Operation, a.engine.now().Sub(started))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	res := &order.ActivityResult{Operation: action.Operation}
	ev := order.Event{Activity: res}
	if err == nil {
		a.engine.metrics.ObserveAttempt(call.Operation, "success")
		res.Ref = ref
		ev.Type = order.EventActivityCompleted
	} else {
		res.Code = string(apperrors.CodeOf(err))
		res.Reason, res.Attempts = failureReason(err)
		ev.Type = order.EventActivityFailed
	}
	_, cerr := a.commit(ctx, ev)
	return cerr
}

func (a *actor) forward(ctx context.Context, op order.Operation, key string) (string, error) {
	o := a.order
	c := a.engine.collab

	var (
		ref string
		err error
	)
	switch op {
	case order.OpChargePayment:
		ref, err = c.Payments.ChargePayment(ctx, key, client.ChargeRequest{
			IdempotencyKey: key,
			OrderID:        o.OrderID,
			CustomerEmail:  o.CustomerEmail,
			Amount:         o.Amount,
			Currency:       o.Currency,
		})
	case order.OpReserveInventory:
		ref, err = c.Inventory.ReserveInventory(ctx, key, o.OrderID, o.SKU, o.Quantity)
	case order.OpCreateFulfillmentOrder:
		ref, err = c.Fulfillment.CreateFulfillmentOrder(ctx, key, client.FulfillmentRequest{
			IdempotencyKey: key,
			OrderID:        o.OrderID,
			SKU:            o.SKU,
			Quantity:       o.Quantity,
			ReservationRef: o.ReservationRef,
			CustomerEmail:  o.CustomerEmail,
		})
	case order.OpRequestPickup:
		return "", c.Fulfillment.RequestPickup(ctx, key, o.FulfillmentRef)
	case order.OpSendPickupReminder:
		return "", c.Fulfillment.SendPickupReminder(ctx, key, client.ReminderRequest{
			IdempotencyKey: key,
			OrderID:        o.OrderID,
			FulfillmentRef: o.FulfillmentRef,
			CustomerEmail:  o.CustomerEmail,
		})
	default:
		return "", apperrors.Newf(apperrors.CodeInternal, "unknown operation %s", op)
	}
	if err != nil {
		return "", err
	}
	// 协作方未返回引用时用幂等键作为引用，保证补偿有目标
	if ref == "" {
		ref = key
	}
	return ref, nil
}

// compensate reverses outstanding steps newest first. It returns nil when the
// stack completed or parked as failed.
func (a *actor) compensate(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "order.compensate")
	defer span.End()

	started := time.Now()
	err := a.order.Stack.RunAll(ctx, a.reverse)
	if a.fatal != nil {
		fatal := a.fatal
		a.fatal = nil
		tracing.SetError(ctx, fatal)
		return fatal
	}
	if err != nil {
		tracing.SetError(ctx, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	a.log.Infof("compensation completed", map[string]interface{}{
		"steps":    len(a.order.CompensationLog()),
		"duration": time.Since(started).String(),
	})
	return nil
}

// reverse is the saga callback. Every outcome it reports is already in the
// log when it returns.
func (a *actor) reverse(ctx context.Context, entry saga.Entry) error {
	call := retry.Call{
		OrderID:   a.id,
		Operation: entry.Kind,
		Sequence:  entry.Sequence,
	}
	err := a.engine.invoker.Invoke(ctx, call, func(ctx context.Context, key string) error {
		return a.reverseCall(ctx, entry, key)
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	res := &order.ReversalResult{Sequence: entry.Sequence, Kind: entry.Kind}
	ev := order.Event{Reversal: res}
	if err == nil {
		a.engine.metrics.ObserveAttempt(call.Operation, "success")
		a.engine.metrics.IncCompensation(entry.Kind, "reversed")
		ev.Type = order.EventReversalCompleted
	} else {
		a.engine.metrics.IncCompensation(entry.Kind, "failed")
		res.Reason, res.Attempts = failureReason(err)
		ev.Type = order.EventReversalFailed
	}
	if _, cerr := a.commit(ctx, ev); cerr != nil {
		a.fatal = cerr
		return cerr
	}
	return err
}

func (a *actor) reverseCall(ctx context.Context, entry saga.Entry, key string) error {
	c := a.engine.collab
	switch order.Operation(entry.Kind) {
	case order.OpRefundPayment:
		return c.Payments.RefundPayment(ctx, key, entry.TargetRef)
	case order.OpReleaseInventory:
		return c.Inventory.ReleaseInventory(ctx, key, entry.TargetRef)
	case order.OpCancelFulfillment:
		return c.Fulfillment.CancelFulfillment(ctx, key, entry.TargetRef)
	}
	return apperrors.Newf(apperrors.CodeInternal, "no reversal for %s", entry.Kind)
}

func failureReason(err error) (string, int) {
	attempts := 1
	var terminal *retry.TerminalError
	if errors.As(err, &terminal) {
		attempts = terminal.Attempts
		err = terminal.Err
	}
	if coded, ok := apperrors.As(err); ok {
		return coded.Message, attempts
	}
	return err.Error(), attempts
}
