package main

import (
	"context"
	"fmt"

	"github.com/storefront/preorder/internal/dispatch"
	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/internal/timer"
	"github.com/storefront/preorder/pkg/logger"
)

type orderStore interface {
	ListActive(ctx context.Context) ([]string, error)
	ListCompensationFailed(ctx context.Context) ([]string, error)
	LoadSnapshot(ctx context.Context, orderID string) (*order.Order, error)
}

// timerIndex is satisfied by *timer.RedisStore.
type timerIndex interface {
	Restore(ctx context.Context, f timer.Firing) (bool, error)
}

type report struct {
	CompensationRetries int `json:"compensation_retries"`
	TimersRestored      int `json:"timers_restored"`
	ActiveOrders        int `json:"active_orders"`
	Errors              int `json:"errors"`
}

// reconciler re-drives orders whose runtime work can stall without outside
// help: parked compensations and timers missing from the shared index.
type reconciler struct {
	orders  orderStore
	timers  timerIndex
	signals dispatch.Dispatcher
	log     *logger.Logger
}

func (r *reconciler) Run(ctx context.Context) (report, error) {
	var rep report

	failed, err := r.orders.ListCompensationFailed(ctx)
	if err != nil {
		return rep, fmt.Errorf("list compensation failed: %w", err)
	}
	for _, id := range failed {
		sig := order.Signal{Kind: order.SignalRetryCompensation, Reason: "reconciliation"}
		if _, err := r.signals.Send(ctx, id, sig); err != nil {
			rep.Errors++
			r.log.WithOrder(id).WithError(err).Warn("retry compensation not sent")
			continue
		}
		rep.CompensationRetries++
	}

	active, err := r.orders.ListActive(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active: %w", err)
	}
	rep.ActiveOrders = len(active)
	for _, id := range active {
		o, err := r.orders.LoadSnapshot(ctx, id)
		if err != nil {
			rep.Errors++
			r.log.WithOrder(id).WithError(err).Warn("load snapshot failed")
			continue
		}
		for _, t := range o.Timers.Armed() {
			added, err := r.timers.Restore(ctx, timer.Firing{
				OrderID:    id,
				Purpose:    t.Purpose,
				Generation: t.Generation,
				FiresAt:    t.FiresAt,
			})
			if err != nil {
				rep.Errors++
				r.log.WithOrder(id).WithError(err).Warn("restore timer failed")
				continue
			}
			if added {
				rep.TimersRestored++
				r.log.WithOrder(id).Infof("timer restored", map[string]interface{}{
					"purpose":    t.Purpose,
					"generation": t.Generation,
					"firesAt":    t.FiresAt,
				})
			}
		}
	}

	r.log.Infof("reconciliation finished", map[string]interface{}{
		"compensationRetries": rep.CompensationRetries,
		"timersRestored":      rep.TimersRestored,
		"activeOrders":        rep.ActiveOrders,
		"errors":              rep.Errors,
	})
	return rep, nil
}
