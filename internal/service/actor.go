package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/internal/repository"
	"github.com/storefront/preorder/internal/timer"
	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/logger"
	"github.com/storefront/preorder/pkg/saga"
)

type envelope struct {
	in   order.Input
	done chan Result
}

func (env envelope) reply(r Result) {
	if env.done == nil {
		return
	}
	select {
	case env.done <- r:
	default:
	}
}

type placementRequest struct {
	placement *order.Placement
	done      chan Result
}

func (p *placementRequest) reply(r Result) {
	envelope{done: p.done}.reply(r)
}

// viewState is the read model published after every commit.
type viewState struct {
	view         order.View
	compensation []saga.Entry
}

// actor runs one order. Only its goroutine touches order; mailbox is guarded
// by the engine mutex.
type actor struct {
	engine *Engine
	id     string
	log    *logger.Logger
	place  *placementRequest

	mailbox []envelope
	wake    chan struct{}

	order *order.Order
	view  atomic.Pointer[viewState]

	failed bool
	fatal  error
}

func newActor(e *Engine, id string, place *placementRequest) *actor {
	return &actor{
		engine: e,
		id:     id,
		log:    e.log.WithOrder(id),
		place:  place,
		wake:   make(chan struct{}, 1),
	}
}

func (a *actor) wakeup() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *actor) currentView() *viewState {
	return a.view.Load()
}

func (a *actor) run(ctx context.Context) {
	defer a.engine.wg.Done()

	err := a.loop(ctx)
	if err != nil && ctx.Err() == nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		a.failed = true
		a.log.WithError(err).Error("order actor stopped")
	}
	a.engine.release(a, err)
}

func (a *actor) loop(ctx context.Context) error {
	if a.place != nil {
		if err := a.placeOrder(ctx); err != nil {
			return err
		}
	} else if err := a.load(ctx); err != nil {
		return err
	}
	a.syncTimers(ctx)

	for {
		if err := a.drive(ctx); err != nil {
			return err
		}
		batch, ok := a.take(ctx)
		if !ok {
			return ctx.Err()
		}
		batch = prioritize(batch)
		for i, env := range batch {
			if err := a.handle(ctx, env); err != nil {
				for _, rest := range batch[i+1:] {
					rest.reply(Result{Err: unavailable(a.id, err)})
				}
				return err
			}
			if err := a.drive(ctx); err != nil {
				for _, rest := range batch[i+1:] {
					rest.reply(Result{Err: unavailable(a.id, err)})
				}
				return err
			}
		}
	}
}

func (a *actor) placeOrder(ctx context.Context) error {
	req := a.place
	a.order = order.New()
	a.order.Stack.WithClock(a.engine.now)
	_, err := a.commit(ctx, order.Event{Type: order.EventPlaced, Placed: req.placement})
	if errors.Is(err, repository.ErrSequenceConflict) {
		// 订单号已存在，返回已有订单
		if err := a.load(ctx); err != nil {
			req.reply(Result{Err: err})
			return err
		}
		req.reply(Result{View: a.order.View()})
		return nil
	}
	if err != nil {
		req.reply(Result{Err: unavailable(a.id, err)})
		return err
	}
	a.log.Infof("order placed", map[string]interface{}{
		"sku":         req.placement.SKU,
		"quantity":    req.placement.Quantity,
		"releaseDate": req.placement.ReleaseDate,
		"deadline":    a.order.Deadline,
	})
	req.reply(Result{Applied: true, View: a.order.View()})
	return nil
}

// load rebuilds the order by replaying its log.
func (a *actor) load(ctx context.Context) error {
	events, err := a.engine.store.Load(ctx, a.id)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found", a.id)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", a.id, err)
	}
	o, err := order.Replay(events)
	if err != nil {
		return fmt.Errorf("replay %s: %w", a.id, err)
	}
	o.Stack.WithClock(a.engine.now)
	a.order = o
	a.publishView()
	return nil
}

// take returns the queued inputs, waiting for some if needed. It reports
// false once the order is finished and nothing is queued, or ctx ends. The
// actor leaves the registry under the same lock that guards the mailbox, so
// no input can be queued to an actor that has stopped listening.
func (a *actor) take(ctx context.Context) ([]envelope, bool) {
	e := a.engine
	for {
		e.mu.Lock()
		if len(a.mailbox) > 0 {
			batch := a.mailbox
			a.mailbox = nil
			e.mu.Unlock()
			return batch, true
		}
		if a.order.Finished() {
			if e.actors[a.id] == a {
				delete(e.actors, a.id)
			}
			e.mu.Unlock()
			return nil, false
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-a.wake:
		}
	}
}

func (a *actor) handle(ctx context.Context, env envelope) error {
	in := env.in
	if !a.order.Accepts(in) {
		a.dropped(in)
		env.reply(Result{View: a.order.View()})
		return nil
	}

	if _, err := a.commit(ctx, in.Event(a.id, a.engine.now())); err != nil {
		env.reply(Result{Err: unavailable(a.id, err)})
		return err
	}
	if in.Signal != nil {
		a.engine.metrics.IncSignal(string(in.Signal.Kind), "applied")
	}
	env.reply(Result{Applied: true, View: a.order.View()})
	return nil
}

func (a *actor) dropped(in order.Input) {
	if in.Signal != nil {
		a.engine.metrics.IncSignal(string(in.Signal.Kind), "ignored")
		a.log.Infof("signal ignored", map[string]interface{}{
			"signal":   in.Signal.Kind,
			"signalID": in.Signal.ID,
			"status":   a.order.Status,
		})
		return
	}
	a.log.Debugf("stale timer firing ignored", map[string]interface{}{
		"purpose":    in.Firing.Purpose,
		"generation": in.Firing.Generation,
		"status":     a.order.Status,
	})
}

// commit makes ev durable together with the resulting snapshot, then applies
// it to the live order in place. Nothing is applied when the append fails.
func (a *actor) commit(ctx context.Context, ev order.Event) (order.Effects, error) {
	e := a.engine
	ev.OrderID = a.id
	ev.Version = a.order.Version + 1
	if ev.At.IsZero() {
		ev.At = e.now()
	}

	next := a.order.Clone()
	if _, err := next.Apply(ev); err != nil {
		return order.Effects{}, fmt.Errorf("apply %s: %w", ev.Type, err)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	err := e.store.Append(pctx, ev, next)
	cancel()
	if err != nil {
		return order.Effects{}, fmt.Errorf("append %s v%d: %w", ev.Type, ev.Version, err)
	}

	eff, err := a.order.Apply(ev)
	if err != nil {
		return order.Effects{}, fmt.Errorf("apply committed %s: %w", ev.Type, err)
	}
	a.publishView()
	a.afterCommit(ctx, ev, eff)
	return eff, nil
}

func (a *actor) afterCommit(ctx context.Context, ev order.Event, eff order.Effects) {
	e := a.engine
	bg := context.WithoutCancel(ctx)

	for _, p := range eff.Disarm {
		if err := e.timers.Remove(bg, a.id, p); err != nil {
			a.log.WithError(err).Errorf("timer index remove failed", map[string]interface{}{"purpose": p})
		}
	}
	for _, t := range eff.Arm {
		f := timer.Firing{OrderID: a.id, Purpose: t.Purpose, Generation: t.Generation, FiresAt: t.FiresAt}
		if err := e.timers.Schedule(bg, f); err != nil {
			a.log.WithError(err).Errorf("timer index schedule failed", map[string]interface{}{"purpose": t.Purpose})
		}
	}

	switch ev.Type {
	case order.EventActivityCompleted, order.EventActivityFailed:
		fields := map[string]interface{}{
			"operation": ev.Activity.Operation,
			"version":   ev.Version,
		}
		if ev.Type == order.EventActivityFailed {
			fields["code"] = ev.Activity.Code
			fields["reason"] = ev.Activity.Reason
			a.log.Warnf("external call failed terminally", fields)
		} else {
			fields["ref"] = ev.Activity.Ref
			a.log.Infof("external call completed", fields)
		}
	case order.EventReversalCompleted, order.EventReversalFailed:
		a.afterReversal(bg, ev)
	case order.EventTimerFired:
		a.log.Infof("timer fired", map[string]interface{}{
			"purpose":    ev.Timer.Purpose,
			"generation": ev.Timer.Generation,
			"firesAt":    ev.Timer.FiresAt,
		})
	}

	if eff.Transitioned() {
		e.metrics.ObserveTransition(string(eff.From), string(eff.To))
		a.log.Infof("order transitioned", map[string]interface{}{
			"from":    eff.From,
			"to":      eff.To,
			"event":   ev.Type,
			"version": ev.Version,
		})
		if e.publisher != nil {
			if err := e.publisher.PublishStatus(bg, a.order.View(), eff.From); err != nil {
				a.log.WithError(err).Warn("publish status failed")
			}
		}
	}

	for _, n := range eff.Notify {
		a.notify(bg, n)
	}
}

func (a *actor) afterReversal(ctx context.Context, ev order.Event) {
	e := a.engine
	res := ev.Reversal
	var entry saga.Entry
	for _, en := range a.order.CompensationLog() {
		if en.Sequence == res.Sequence {
			entry = en
			break
		}
	}
	fields := map[string]interface{}{
		"sequence": res.Sequence,
		"kind":     res.Kind,
		"ref":      entry.TargetRef,
	}
	if ev.Type == order.EventReversalFailed {
		e.metrics.IncCompensationFailed()
		fields["reason"] = res.Reason
		fields["attempts"] = res.Attempts
		a.log.Errorf("compensation failed, order needs operator action", fields)
	} else {
		a.log.Infof("compensation step completed", fields)
	}
	if e.publisher != nil {
		if err := e.publisher.PublishCompensation(ctx, a.id, entry); err != nil {
			a.log.WithError(err).Warn("publish compensation failed")
		}
	}
}

func (a *actor) notify(ctx context.Context, n order.Notice) {
	e := a.engine
	if e.collab.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := e.collab.Notifier.Notify(nctx, n); err != nil {
		e.metrics.IncNotificationError(string(n.Kind))
		a.log.WithError(err).Warnf("notification not delivered", map[string]interface{}{"kind": n.Kind})
	}
}

// syncTimers makes the shared index match the order's armed timers.
func (a *actor) syncTimers(ctx context.Context) {
	e := a.engine
	armed := make(map[timer.Purpose]bool)
	for _, t := range a.order.Timers.Armed() {
		armed[t.Purpose] = true
		f := timer.Firing{OrderID: a.id, Purpose: t.Purpose, Generation: t.Generation, FiresAt: t.FiresAt}
		if err := e.timers.Schedule(ctx, f); err != nil {
			a.log.WithError(err).Errorf("timer index schedule failed", map[string]interface{}{"purpose": t.Purpose})
		}
	}
	for _, p := range []timer.Purpose{timer.PurposeFulfillmentDeadline, timer.PurposePickupReminder} {
		if armed[p] {
			continue
		}
		if err := e.timers.Remove(ctx, a.id, p); err != nil {
			a.log.WithError(err).Errorf("timer index remove failed", map[string]interface{}{"purpose": p})
		}
	}
}

func (a *actor) publishView() {
	a.view.Store(&viewState{
		view:         a.order.View(),
		compensation: a.order.CompensationLog(),
	})
}

// prioritize applies order.Prioritize to a batch while keeping each input
// paired with its reply channel.
func prioritize(batch []envelope) []envelope {
	if len(batch) < 2 {
		return batch
	}
	inputs := make([]order.Input, len(batch))
	for i, env := range batch {
		inputs[i] = env.in
	}
	used := make([]bool, len(batch))
	out := make([]envelope, 0, len(batch))
	for _, in := range order.Prioritize(inputs) {
		for i, env := range batch {
			if !used[i] && env.in.Signal == in.Signal && env.in.Firing == in.Firing {
				used[i] = true
				out = append(out, env)
				break
			}
		}
	}
	return out
}

func unavailable(orderID string, err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.Newf(apperrors.CodeSystemBusy, "order %s unavailable: %v", orderID, err)
}
