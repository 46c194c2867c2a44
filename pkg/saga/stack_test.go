package saga

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0.Add(time.Hour) }

func TestPushAssignsIncreasingSequence(t *testing.T) {
	s := NewStack()
	a := s.Push("RefundPayment", "pay-1", t0)
	b := s.Push("ReleaseInventory", "res-1", t0)
	if a.Sequence != 1 || b.Sequence != 2 {
		t.Fatalf("unexpected sequences %d, %d", a.Sequence, b.Sequence)
	}
	top, ok := s.Top()
	if !ok || top.Sequence != 2 {
		t.Fatalf("expected top to be #2, got %+v", top)
	}
}

func TestRunAllReversesNewestFirst(t *testing.T) {
	s := NewStack().WithClock(fixedClock)
	s.Push("RefundPayment", "pay-1", t0)
	s.Push("ReleaseInventory", "res-1", t0)
	s.Push("CancelFulfillment", "ful-1", t0)

	var order []string
	err := s.RunAll(context.Background(), func(_ context.Context, e Entry) error {
		order = append(order, e.Kind)
		return nil
	})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	want := []string{"CancelFulfillment", "ReleaseInventory", "RefundPayment"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	if s.State() != StateCompleted {
		t.Fatalf("state = %s", s.State())
	}
	for _, e := range s.Entries() {
		if !e.Reversed || !e.ReversedAt.Equal(fixedClock()) {
			t.Fatalf("entry not reversed: %+v", e)
		}
	}
}

func TestRunAllStopsOnFailureAndResumes(t *testing.T) {
	s := NewStack()
	s.Push("RefundPayment", "pay-1", t0)
	s.Push("ReleaseInventory", "res-1", t0)

	calls := map[string]int{}
	failRefund := true
	reverse := func(_ context.Context, e Entry) error {
		calls[e.Kind]++
		if e.Kind == "RefundPayment" && failRefund {
			return errors.New("gateway down")
		}
		return nil
	}

	err := s.RunAll(context.Background(), reverse)
	var compErr *CompensationError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected CompensationError, got %v", err)
	}
	if compErr.Entry.Kind != "RefundPayment" {
		t.Fatalf("failed entry = %s", compErr.Entry.Kind)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
	out := s.Outstanding()
	if len(out) != 1 || out[0].Kind != "RefundPayment" || out[0].LastError != "gateway down" || out[0].Attempts != 1 {
		t.Fatalf("unexpected outstanding %+v", out)
	}

	failRefund = false
	if err := s.RunAll(context.Background(), reverse); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if calls["ReleaseInventory"] != 1 {
		t.Fatalf("release reversed %d times, want 1", calls["ReleaseInventory"])
	}
	if calls["RefundPayment"] != 2 {
		t.Fatalf("refund attempted %d times, want 2", calls["RefundPayment"])
	}
	if s.State() != StateCompleted {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRunAllHonoursReverseRecordedFailure(t *testing.T) {
	s := NewStack()
	s.Push("RefundPayment", "pay-1", t0)

	err := s.RunAll(context.Background(), func(_ context.Context, e Entry) error {
		s.RecordFailure(e.Sequence, "declined by bank")
		return errors.New("declined by bank")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if e := s.Entries()[0]; e.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", e.Attempts)
	}
}

func TestRunAllRecordsOnlyWhatReverseLeftUnrecorded(t *testing.T) {
	callbackAt := t0.Add(5 * time.Minute)
	tests := []struct {
		name         string
		reverse      func(s *Stack) ReverseFunc
		wantErr      bool
		wantAttempts int
		wantReason   string
		wantReversed bool
		wantAt       time.Time
	}{
		{
			name: "callback records nothing on failure",
			reverse: func(*Stack) ReverseFunc {
				return func(context.Context, Entry) error { return errors.New("gateway down") }
			},
			wantErr: true, wantAttempts: 1, wantReason: "gateway down",
		},
		{
			name: "callback recorded its own failure",
			reverse: func(s *Stack) ReverseFunc {
				return func(_ context.Context, e Entry) error {
					s.RecordFailure(e.Sequence, "refund declined: 3 attempts")
					return errors.New("declined")
				}
			},
			wantErr: true, wantAttempts: 1, wantReason: "refund declined: 3 attempts",
		},
		{
			name: "callback records nothing on success",
			reverse: func(*Stack) ReverseFunc {
				return func(context.Context, Entry) error { return nil }
			},
			wantAttempts: 1, wantReversed: true, wantAt: fixedClock(),
		},
		{
			name: "callback marked the entry reversed",
			reverse: func(s *Stack) ReverseFunc {
				return func(_ context.Context, e Entry) error {
					s.MarkReversed(e.Sequence, callbackAt)
					return nil
				}
			},
			wantAttempts: 1, wantReversed: true, wantAt: callbackAt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStack().WithClock(fixedClock)
			s.Push("RefundPayment", "pay-1", t0)

			err := s.RunAll(context.Background(), tt.reverse(s))
			if (err != nil) != tt.wantErr {
				t.Fatalf("RunAll err = %v, wantErr %v", err, tt.wantErr)
			}
			e := s.Entries()[0]
			if e.Attempts != tt.wantAttempts || e.LastError != tt.wantReason || e.Reversed != tt.wantReversed {
				t.Fatalf("unexpected entry %+v", e)
			}
			if tt.wantReversed && !e.ReversedAt.Equal(tt.wantAt) {
				t.Fatalf("reversedAt = %s, want %s", e.ReversedAt, tt.wantAt)
			}
			wantState := StateCompleted
			if tt.wantErr {
				wantState = StateFailed
			}
			if s.State() != wantState {
				t.Fatalf("state = %s, want %s", s.State(), wantState)
			}
		})
	}
}

func TestMarkReversedIsIdempotent(t *testing.T) {
	s := NewStack()
	e := s.Push("RefundPayment", "pay-1", t0)
	s.Begin()
	if !s.MarkReversed(e.Sequence, t0) {
		t.Fatal("first mark should succeed")
	}
	if s.MarkReversed(e.Sequence, t0.Add(time.Minute)) {
		t.Fatal("second mark should be a no-op")
	}
	if s.MarkReversed(99, t0) {
		t.Fatal("unknown sequence should be a no-op")
	}
	if s.State() != StateCompleted {
		t.Fatalf("state = %s", s.State())
	}
}

func TestBeginOnEmptyStackCompletes(t *testing.T) {
	s := NewStack()
	s.Begin()
	if s.State() != StateCompleted {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRunAllCancelledContext(t *testing.T) {
	s := NewStack()
	s.Push("RefundPayment", "pay-1", t0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.RunAll(ctx, func(context.Context, Entry) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected context error without calling reverse, err=%v called=%v", err, called)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStackJSONRoundTripKeepsSequence(t *testing.T) {
	s := NewStack()
	s.Push("RefundPayment", "pay-1", t0)
	s.Push("ReleaseInventory", "res-1", t0)
	s.Begin()
	s.MarkReversed(2, t0)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := NewStack()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if next := restored.Push("CancelFulfillment", "ful-1", t0); next.Sequence != 3 {
		t.Fatalf("next sequence = %d, want 3", next.Sequence)
	}
	if restored.State() != StateRunning {
		t.Fatalf("state = %s", restored.State())
	}
}
