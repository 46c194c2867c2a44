package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "github.com/storefront/preorder/pkg/errors"
)

// Call identifies one logical external operation.
type Call struct {
	OrderID   string
	Operation string
	// Sequence is set for compensations so each reversal has its own key.
	Sequence int64
	// IdempotencyKey overrides the derived key when non-empty.
	IdempotencyKey string
}

// Key returns the idempotency key sent on every attempt of the call.
func (c Call) Key() string {
	if c.IdempotencyKey != "" {
		return c.IdempotencyKey
	}
	key := c.OrderID + ":" + c.Operation
	if c.Sequence > 0 {
		key += ":" + strconv.FormatInt(c.Sequence, 10)
	}
	return key
}

// Func performs one attempt.
type Func func(ctx context.Context, idempotencyKey string) error

// TerminalError is returned when the call will not succeed by retrying.
type TerminalError struct {
	Call     Call
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Call.Operation, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Observer is notified of every failed attempt.
type Observer func(call Call, attempt int, err error, wait time.Duration, final bool)

// Invoker retries calls with per-operation policies.
type Invoker struct {
	fallback Policy
	policies map[string]Policy
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	observer Observer
}

type Option func(*Invoker)

// WithPolicy sets the policy for one operation name.
func WithPolicy(operation string, p Policy) Option {
	return func(i *Invoker) {
		i.policies[operation] = p
	}
}

// WithPolicies sets many operation policies at once.
func WithPolicies(policies map[string]Policy) Option {
	return func(i *Invoker) {
		for op, p := range policies {
			i.policies[op] = p
		}
	}
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Invoker) {
		i.sleep = sleep
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Invoker) {
		i.now = now
	}
}

func WithObserver(o Observer) Option {
	return func(i *Invoker) {
		i.observer = o
	}
}

func NewInvoker(fallback Policy, opts ...Option) *Invoker {
	i := &Invoker{
		fallback: fallback,
		policies: make(map[string]Policy),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// PolicyFor returns the policy used for operation.
func (i *Invoker) PolicyFor(operation string) Policy {
	if p, ok := i.policies[operation]; ok {
		return p
	}
	return i.fallback
}

// Invoke runs fn until it succeeds, fails terminally, or the policy is
// exhausted. It returns nil, a *TerminalError, or the context error when the
// caller's context ends first.
func (i *Invoker) Invoke(ctx context.Context, call Call, fn Func) error {
	policy := i.PolicyFor(call.Operation).withDefaults()
	key := call.Key()
	started := i.now()

	ctx, span := otel.Tracer("preorder/retry").Start(ctx, call.Operation)
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", call.OrderID),
		attribute.String("idempotency.key", key),
	)

	for attempt := 1; ; attempt++ {
		err := i.attempt(ctx, policy, key, fn)
		if err == nil {
			span.SetAttributes(attribute.Int("retry.attempts", attempt))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.RecordError(ctxErr)
			return ctxErr
		}

		final := !apperrors.IsRetryable(err) ||
			(policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts)

		wait := policy.Backoff(attempt)
		if !final && policy.MaxElapsed > 0 && i.now().Add(wait).Sub(started) > policy.MaxElapsed {
			final = true
		}

		if i.observer != nil {
			i.observer(call, attempt, err, wait, final)
		}
		if final {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Int("retry.attempts", attempt))
			return &TerminalError{Call: call, Attempts: attempt, Err: err}
		}

		if err := i.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (i *Invoker) attempt(ctx context.Context, policy Policy, key string, fn Func) error {
	if policy.AttemptTimeout <= 0 {
		return fn(ctx, key)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx, key)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return apperrors.Newf(apperrors.CodeTimeout, "attempt exceeded %s", policy.AttemptTimeout)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
