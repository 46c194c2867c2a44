// Package service 预售订单运行时：每个活跃订单一个 actor，串行消费信号与定时器，
// 所有结果先落事件日志再继续推进。
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/storefront/preorder/internal/client"
	"github.com/storefront/preorder/internal/metrics"
	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/internal/repository"
	"github.com/storefront/preorder/internal/timer"
	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/logger"
	"github.com/storefront/preorder/pkg/retry"
	"github.com/storefront/preorder/pkg/saga"
)

const (
	defaultMailboxSize  = 64
	defaultRespawnDelay = 5 * time.Second
	persistTimeout      = 10 * time.Second
	notifyTimeout       = 5 * time.Second
)

// IDGenerator 订单号生成器，*snowflake.Generator 满足该接口
type IDGenerator interface {
	NextString() (string, error)
}

// StatusPublisher pushes read-model updates to subscribers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, view order.View, from order.Status) error
	PublishCompensation(ctx context.Context, orderID string, entry saga.Entry) error
}

// Collaborators groups the external systems an order talks to.
type Collaborators struct {
	Payments    client.Payments
	Inventory   client.Inventory
	Fulfillment client.Fulfillment
	// Notifier is optional.
	Notifier client.Notifier
}

type Options struct {
	Store  repository.Store
	Timers timer.Store
	Collaborators

	// RetryFallback applies to operations without their own policy.
	RetryFallback retry.Policy
	RetryOptions  []retry.Option

	IDs       IDGenerator
	Publisher StatusPublisher
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
	Now       func() time.Time

	ReminderInterval time.Duration
	MailboxSize      int
	// RespawnDelay is how long a failed actor waits before reloading from the
	// log. Negative disables respawn.
	RespawnDelay time.Duration
}

// Engine owns the actors of all active orders.
type Engine struct {
	store     repository.Store
	timers    timer.Store
	collab    Collaborators
	invoker   *retry.Invoker
	ids       IDGenerator
	publisher StatusPublisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time

	reminderInterval time.Duration
	mailboxSize      int
	respawnDelay     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

// Result is the outcome of one input delivered to an order.
type Result struct {
	// Applied is false when the input had no transition from the order's
	// state and was dropped.
	Applied bool
	View    order.View
	Err     error
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Timers == nil {
		return nil, errors.New("service: store and timer store are required")
	}
	if opts.Payments == nil || opts.Inventory == nil || opts.Fulfillment == nil {
		return nil, errors.New("service: payments, inventory and fulfillment clients are required")
	}
	if opts.IDs == nil {
		return nil, errors.New("service: id generator is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaultMailboxSize
	}
	if opts.RespawnDelay == 0 {
		opts.RespawnDelay = defaultRespawnDelay
	}
	if opts.RetryFallback.MaxAttempts == 0 && opts.RetryFallback.MaxElapsed == 0 {
		opts.RetryFallback = retry.ForwardDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:            opts.Store,
		timers:           opts.Timers,
		collab:           opts.Collaborators,
		ids:              opts.IDs,
		publisher:        opts.Publisher,
		metrics:          opts.Metrics,
		log:              opts.Logger,
		now:              opts.Now,
		reminderInterval: opts.ReminderInterval,
		mailboxSize:      opts.MailboxSize,
		respawnDelay:     opts.RespawnDelay,
		ctx:              ctx,
		cancel:           cancel,
		actors:           make(map[string]*actor),
	}
	retryOpts := append([]retry.Option{retry.WithClock(opts.Now)}, opts.RetryOptions...)
	retryOpts = append(retryOpts, retry.WithObserver(e.observeAttempt))
	e.invoker = retry.NewInvoker(opts.RetryFallback, retryOpts...)
	return e, nil
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	// OrderID is optional; a caller-supplied id makes placement idempotent.
	OrderID       string    `json:"orderId,omitempty"`
	CustomerEmail string    `json:"customerEmail"`
	SKU           string    `json:"sku"`
	Quantity      int       `json:"quantity"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	ReleaseDate   time.Time `json:"releaseDate"`
}

// PlaceOrder records a new order and starts its lifecycle. Placing an id
// that already exists returns the existing order unchanged.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (order.View, error) {
	// 1. 参数校验
	if err := validatePlacement(&req); err != nil {
		return order.View{}, err
	}

	// 2. 分配订单号
	id := req.OrderID
	if id == "" {
		next, err := e.ids.NextString()
		if err != nil {
			return order.View{}, apperrors.Newf(apperrors.CodeInternal, "generate order id: %v", err)
		}
		id = next
	}

	placement := &order.Placement{
		OrderID:          id,
		CustomerEmail:    req.CustomerEmail,
		SKU:              req.SKU,
		Quantity:         req.Quantity,
		Amount:           req.Amount,
		Currency:         req.Currency,
		ReleaseDate:      req.ReleaseDate.UTC(),
		ReminderInterval: e.reminderInterval,
	}

	// 3. 交给 actor 写入 OrderPlaced，等待落盘
	done := make(chan Result, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return order.View{}, apperrors.New(apperrors.CodeSystemBusy, "engine is shutting down")
	}
	if a, ok := e.actors[id]; ok {
		e.mu.Unlock()
		if v := a.currentView(); v != nil {
			return v.view, nil
		}
		return e.Status(ctx, id)
	}
	e.spawnLocked(id, &placementRequest{placement: placement, done: done})
	e.mu.Unlock()

	select {
	case res := <-done:
		if res.Err != nil {
			return order.View{}, res.Err
		}
		if res.Applied {
			e.metrics.IncOrdersPlaced()
		}
		return res.View, nil
	case <-ctx.Done():
		return order.View{}, ctx.Err()
	}
}

// Submit enqueues in for the order and returns immediately. The channel
// receives exactly one Result once the input has been consumed.
func (e *Engine) Submit(ctx context.Context, orderID string, in order.Input) (<-chan Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if orderID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidSignal, "order id is required")
	}
	switch {
	case in.Signal != nil:
		if !in.Signal.Kind.Valid() {
			return nil, apperrors.Newf(apperrors.CodeInvalidSignal, "unknown signal %q", in.Signal.Kind)
		}
	case in.Firing != nil:
	default:
		return nil, apperrors.New(apperrors.CodeInvalidSignal, "empty input")
	}

	done := make(chan Result, 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, apperrors.New(apperrors.CodeSystemBusy, "engine is shutting down")
	}
	a, ok := e.actors[orderID]
	if !ok {
		a = e.spawnLocked(orderID, nil)
	}
	if len(a.mailbox) >= e.mailboxSize {
		return nil, apperrors.Newf(apperrors.CodeSystemBusy, "mailbox of order %s is full", orderID)
	}
	a.mailbox = append(a.mailbox, envelope{in: in, done: done})
	a.wakeup()
	return done, nil
}

// Signal delivers sig and waits until the order consumed it.
func (e *Engine) Signal(ctx context.Context, orderID string, sig order.Signal) (Result, error) {
	if sig.SentAt.IsZero() {
		sig.SentAt = e.now()
	}
	done, err := e.Submit(ctx, orderID, order.Input{Signal: &sig})
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-done:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// DeliverFiring is the scanner's delivery callback. The firing is owned by
// the order once it is queued; recovery re-arms anything lost in between.
func (e *Engine) DeliverFiring(ctx context.Context, f timer.Firing) error {
	_, err := e.Submit(ctx, f.OrderID, order.Input{Firing: &f})
	return err
}

// Status returns the order's read model. The stored snapshot wins over the
// live actor's view when it is newer, which happens when another engine
// committed for the order. The live view alone answers while the store is
// unreachable.
func (e *Engine) Status(ctx context.Context, orderID string) (order.View, error) {
	live := e.liveView(orderID)
	o, err := e.store.LoadSnapshot(ctx, orderID)
	switch {
	case err == nil && (live == nil || o.Version > live.view.Version):
		return o.View(), nil
	case live != nil:
		return live.view, nil
	default:
		return order.View{}, mapStoreError(err)
	}
}

// CompensationLog returns every compensation entry ever pushed for the
// order, read the same way as Status.
func (e *Engine) CompensationLog(ctx context.Context, orderID string) ([]saga.Entry, error) {
	live := e.liveView(orderID)
	o, err := e.store.LoadSnapshot(ctx, orderID)
	switch {
	case err == nil && (live == nil || o.Version > live.view.Version):
		return o.CompensationLog(), nil
	case live != nil:
		return live.compensation, nil
	default:
		return nil, mapStoreError(err)
	}
}

// Recover starts an actor for every order that still has runtime work. It is
// safe to call while the engine is running.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active orders: %w", err)
	}
	started := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, apperrors.New(apperrors.CodeSystemBusy, "engine is shutting down")
	}
	for _, id := range ids {
		if _, ok := e.actors[id]; ok {
			continue
		}
		e.spawnLocked(id, nil)
		started++
	}
	e.log.Infof("recovered active orders", map[string]interface{}{
		"active":  len(ids),
		"started": started,
	})
	return started, nil
}

// RetryCompensation re-drives every order parked in CompensationFailed.
func (e *Engine) RetryCompensation(ctx context.Context) (int, error) {
	ids, err := e.store.ListCompensationFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("list compensation failed orders: %w", err)
	}
	n := 0
	for _, id := range ids {
		sig := order.Signal{Kind: order.SignalRetryCompensation, SentAt: e.now(), Reason: "reconciliation"}
		if _, err := e.Submit(ctx, id, order.Input{Signal: &sig}); err != nil {
			e.log.WithOrder(id).WithError(err).Warn("retry compensation not queued")
			continue
		}
		n++
	}
	return n, nil
}

// ActiveActors returns the number of running actors.
func (e *Engine) ActiveActors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

// Shutdown stops accepting inputs, cancels running actors and waits for them.
// An in-flight external call is abandoned; its outcome is re-established on
// the next start through the idempotency key.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) spawnLocked(id string, placement *placementRequest) *actor {
	a := newActor(e, id, placement)
	e.actors[id] = a
	e.wg.Add(1)
	e.metrics.IncActiveOrders()
	go a.run(e.ctx)
	return a
}

// release removes a from the registry and fails whatever is still queued.
func (e *Engine) release(a *actor, err error) {
	e.mu.Lock()
	if e.actors[a.id] == a {
		delete(e.actors, a.id)
	}
	pending := a.mailbox
	a.mailbox = nil
	closed := e.closed
	e.mu.Unlock()

	if err == nil {
		err = apperrors.New(apperrors.CodeSystemBusy, "order actor stopped")
	} else {
		err = unavailable(a.id, err)
	}
	for _, env := range pending {
		env.reply(Result{Err: err})
	}
	e.metrics.DecActiveOrders()

	if !closed && a.failed && e.respawnDelay > 0 {
		time.AfterFunc(e.respawnDelay, func() { e.respawn(a.id) })
	}
}

func (e *Engine) respawn(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.actors[id]; !ok {
		e.log.WithOrder(id).Info("respawning order actor")
		e.spawnLocked(id, nil)
	}
}

func (e *Engine) liveView(orderID string) *viewState {
	e.mu.Lock()
	a, ok := e.actors[orderID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return a.currentView()
}

func (e *Engine) observeAttempt(call retry.Call, attempt int, err error, wait time.Duration, final bool) {
	outcome := "retry"
	if final {
		outcome = "terminal"
	}
	e.metrics.ObserveAttempt(call.Operation, outcome)
	fields := map[string]interface{}{
		"operation": call.Operation,
		"attempt":   attempt,
		"code":      string(apperrors.CodeOf(err)),
		"error":     err,
	}
	if final {
		e.log.WithOrder(call.OrderID).Warnf("external call failed", fields)
		return
	}
	fields["backoff"] = wait.String()
	e.log.WithOrder(call.OrderID).Infof("external call will be retried", fields)
}

func mapStoreError(err error) error {
	if errors.Is(err, repository.ErrOrderNotFound) {
		return apperrors.ErrOrderNotFound
	}
	return fmt.Errorf("load order: %w", err)
}
