package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/storefront/preorder/pkg/errors"
)

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestCallKey(t *testing.T) {
	tests := []struct {
		name string
		call Call
		want string
	}{
		{"forward", Call{OrderID: "o1", Operation: "ChargePayment"}, "o1:ChargePayment"},
		{"reversal", Call{OrderID: "o1", Operation: "RefundPayment", Sequence: 2}, "o1:RefundPayment:2"},
		{"override", Call{OrderID: "o1", Operation: "SendPickupReminder", IdempotencyKey: "o1:reminder:3"}, "o1:reminder:3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.call.Key(); got != tt.want {
				t.Fatalf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInvokeRetriesWithSameKey(t *testing.T) {
	sleeps := &recordedSleeps{}
	inv := NewInvoker(ForwardDefault(), WithSleeper(sleeps.sleep))

	var keys []string
	err := inv.Invoke(context.Background(), Call{OrderID: "o1", Operation: "ChargePayment"}, func(_ context.Context, key string) error {
		keys = append(keys, key)
		if len(keys) < 3 {
			return apperrors.ErrUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("attempts = %d, want 3", len(keys))
	}
	for _, k := range keys {
		if k != "o1:ChargePayment" {
			t.Fatalf("key changed between attempts: %v", keys)
		}
	}
	if len(sleeps.waits) != 2 || sleeps.waits[0] != 2*time.Second || sleeps.waits[1] != 4*time.Second {
		t.Fatalf("unexpected backoff %v", sleeps.waits)
	}
}

func TestInvokeTerminalBusinessError(t *testing.T) {
	inv := NewInvoker(ForwardDefault(), WithSleeper((&recordedSleeps{}).sleep))

	calls := 0
	err := inv.Invoke(context.Background(), Call{OrderID: "o1", Operation: "ChargePayment"}, func(context.Context, string) error {
		calls++
		return apperrors.ErrPaymentDeclined
	})

	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError, got %v", err)
	}
	if calls != 1 || terminal.Attempts != 1 {
		t.Fatalf("business errors must not be retried, calls=%d", calls)
	}
	if apperrors.CodeOf(err) != apperrors.CodePaymentDeclined {
		t.Fatalf("code lost through wrapping: %s", apperrors.CodeOf(err))
	}
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	var observed []bool
	inv := NewInvoker(ForwardDefault(),
		WithSleeper((&recordedSleeps{}).sleep),
		WithObserver(func(_ Call, _ int, _ error, _ time.Duration, final bool) {
			observed = append(observed, final)
		}),
	)

	calls := 0
	err := inv.Invoke(context.Background(), Call{OrderID: "o1", Operation: "ReserveInventory"}, func(context.Context, string) error {
		calls++
		return errors.New("connection reset")
	})

	var terminal *TerminalError
	if !errors.As(err, &terminal) || terminal.Attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts then terminal, got calls=%d err=%v", calls, err)
	}
	if len(observed) != 3 || observed[0] || observed[1] || !observed[2] {
		t.Fatalf("observer flags = %v", observed)
	}
}

func TestInvokePerOperationPolicy(t *testing.T) {
	inv := NewInvoker(ForwardDefault(),
		WithSleeper((&recordedSleeps{}).sleep),
		WithPolicy("SendPickupReminder", ReminderDefault()),
	)

	calls := 0
	_ = inv.Invoke(context.Background(), Call{OrderID: "o1", Operation: "SendPickupReminder"}, func(context.Context, string) error {
		calls++
		return apperrors.ErrUnavailable
	})
	if calls != 1 {
		t.Fatalf("reminder attempts = %d, want 1", calls)
	}
}

func TestInvokeMaxElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sleeper := func(_ context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	inv := NewInvoker(Policy{InitialInterval: time.Second, BackoffCoefficient: 2, MaxElapsed: 5 * time.Second},
		WithSleeper(sleeper), WithClock(clock))

	calls := 0
	err := inv.Invoke(context.Background(), Call{OrderID: "o1", Operation: "X"}, func(context.Context, string) error {
		calls++
		return apperrors.ErrSystemBusy
	})
	// waits 1s, 2s, then the 4s wait would exceed 5s
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError, got %v", err)
	}
}

func TestInvokeAttemptTimeoutIsRetryable(t *testing.T) {
	inv := NewInvoker(Policy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond},
		WithSleeper((&recordedSleeps{}).sleep))

	calls := 0
	err := inv.Invoke(context.Background(), Call{OrderID: "o1", Operation: "CreateFulfillmentOrder"}, func(ctx context.Context, _ string) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected timeout then success, calls=%d err=%v", calls, err)
	}
}

func TestInvokeStopsOnCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := NewInvoker(ForwardDefault(), WithSleeper(sleepContext))

	err := inv.Invoke(ctx, Call{OrderID: "o1", Operation: "ChargePayment"}, func(context.Context, string) error {
		cancel()
		return apperrors.ErrUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		t.Fatal("caller cancellation must not be reported as terminal")
	}
}

func TestPolicyBackoffAndValidate(t *testing.T) {
	p := ReversalDefault()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}

	if err := (Policy{}).Validate(); err == nil {
		t.Fatal("expected unbounded policy to be rejected")
	}
	if err := (Policy{MaxAttempts: 1, InitialInterval: time.Minute, MaxInterval: time.Second}).Validate(); err == nil {
		t.Fatal("expected initial > max to be rejected")
	}
	if err := ForwardDefault().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}
