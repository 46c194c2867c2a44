package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/internal/service"
	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/logger"
	pkgredis "github.com/storefront/preorder/pkg/redis"
)

type fakeRuntime struct {
	mu        sync.Mutex
	submitted []order.Input
	signals   []order.Signal
	orders    []string
	err       error
	// stuck orders hold Signal until the caller gives up
	stuck map[string]bool
}

func (f *fakeRuntime) Submit(_ context.Context, orderID string, in order.Input) (<-chan service.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.orders = append(f.orders, orderID)
	f.submitted = append(f.submitted, in)
	done := make(chan service.Result, 1)
	done <- service.Result{Applied: true}
	return done, nil
}

func (f *fakeRuntime) Signal(ctx context.Context, orderID string, sig order.Signal) (service.Result, error) {
	if f.stuck[orderID] {
		<-ctx.Done()
		return service.Result{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return service.Result{}, f.err
	}
	f.orders = append(f.orders, orderID)
	f.signals = append(f.signals, sig)
	return service.Result{Applied: true}, nil
}

func (f *fakeRuntime) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.orders...)
}

func (f *fakeRuntime) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func TestLocalSendAssignsID(t *testing.T) {
	rt := &fakeRuntime{}
	d := NewLocal(rt)

	id, err := d.Send(context.Background(), "o1", order.Signal{Kind: order.SignalCancel, Reason: "changed mind"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Fatal("expected a signal id")
	}
	if len(rt.submitted) != 1 || rt.orders[0] != "o1" {
		t.Fatalf("unexpected submissions %+v", rt.submitted)
	}
	sig := rt.submitted[0].Signal
	if sig.ID != id || sig.SentAt.IsZero() || sig.Reason != "changed mind" {
		t.Fatalf("signal not prepared: %+v", sig)
	}
}

func TestLocalSendRejectsInvalid(t *testing.T) {
	d := NewLocal(&fakeRuntime{})
	tests := []struct {
		name    string
		orderID string
		kind    order.SignalKind
	}{
		{"no order", "", order.SignalCancel},
		{"unknown kind", "o1", "teleport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Send(context.Background(), tt.orderID, order.Signal{Kind: tt.kind})
			if apperrors.CodeOf(err) != apperrors.CodeInvalidSignal {
				t.Fatalf("expected INVALID_SIGNAL, got %v", err)
			}
		})
	}
}

func TestLocalSendPropagatesBusy(t *testing.T) {
	d := NewLocal(&fakeRuntime{err: apperrors.ErrSystemBusy})
	_, err := d.Send(context.Background(), "o1", order.Signal{Kind: order.SignalCancel})
	if apperrors.CodeOf(err) != apperrors.CodeSystemBusy {
		t.Fatalf("expected SYSTEM_BUSY, got %v", err)
	}
}

func TestStreamSendPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := NewStream(pkgredis.NewStreamClient(client), "preorder:signals")
	id, err := d.Send(context.Background(), "o9", order.Signal{Kind: order.SignalStartFulfillment})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := client.XRange(context.Background(), "preorder:signals", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Values["orderId"] != "o9" || msgs[0].Values["kind"] != "start-fulfillment" {
		t.Fatalf("unexpected headers %v", msgs[0].Values)
	}
	var m SignalMessage
	if err := json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.OrderID != "o9" || m.Signal.ID != id {
		t.Fatalf("unexpected payload %+v", m)
	}
}

func TestStreamSendUnavailable(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	d := NewStream(pkgredis.NewStreamClient(client), "preorder:signals")
	_, err := d.Send(context.Background(), "o1", order.Signal{Kind: order.SignalCancel})
	if apperrors.CodeOf(err) != apperrors.CodeUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
}

func message(t *testing.T, m SignalMessage) *pkgredis.Message {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &pkgredis.Message{ID: "1-0", Stream: "preorder:signals", Data: data, Headers: map[string]string{}}
}

func TestHandlerAcks(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"consumed", nil, false},
		{"unknown order", apperrors.ErrOrderNotFound, false},
		{"invalid signal", apperrors.New(apperrors.CodeInvalidSignal, "bad"), false},
		{"busy", apperrors.ErrSystemBusy, true},
		{"uncoded", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{err: tt.err}
			h := NewHandler(rt, nil)
			err := h(context.Background(), message(t, SignalMessage{OrderID: "o1", Signal: order.Signal{Kind: order.SignalCancel}}))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandlerRejectsMalformed(t *testing.T) {
	h := NewHandler(&fakeRuntime{}, nil)
	err := h(context.Background(), &pkgredis.Message{ID: "1-0", Data: []byte("{")})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	streams := pkgredis.NewStreamClient(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := &fakeRuntime{}
	consumer := pkgredis.NewConsumer(streams, "preorder-runtime", "c1", []string{"preorder:signals"},
		NewHandler(rt, nil), &pkgredis.ConsumerOptions{BlockTime: 20 * time.Millisecond})
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("EnsureGroups: %v", err)
	}
	go func() { _ = consumer.Start(ctx) }()

	d := NewStream(streams, "preorder:signals")
	if _, err := d.Send(ctx, "o5", order.Signal{Kind: order.SignalItemPicked}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rt.received() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("signal not consumed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rt.orders[0] != "o5" || rt.signals[0].Kind != order.SignalItemPicked {
		t.Fatalf("unexpected delivery %v %+v", rt.orders, rt.signals)
	}
}

func TestStuckOrderDoesNotStallOthers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	streams := pkgredis.NewStreamClient(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewStream(streams, "preorder:signals")
	for _, id := range []string{"o-stuck", "o-a", "o-b"} {
		if _, err := d.Send(ctx, id, order.Signal{Kind: order.SignalCancel}); err != nil {
			t.Fatalf("Send %s: %v", id, err)
		}
	}

	rt := &fakeRuntime{stuck: map[string]bool{"o-stuck": true}}
	consumer := pkgredis.NewConsumer(streams, "preorder-runtime", "c1", []string{"preorder:signals"},
		NewHandler(rt, nil), &pkgredis.ConsumerOptions{
			BlockTime:      20 * time.Millisecond,
			PartitionKey:   "orderId",
			HandlerTimeout: 300 * time.Millisecond,
			ClaimMinIdle:   time.Hour,
		})
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("EnsureGroups: %v", err)
	}
	go func() { _ = consumer.Start(ctx) }()

	// both healthy orders land while the stuck one is still waiting
	deadline := time.Now().Add(250 * time.Millisecond)
	for rt.received() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("healthy orders stalled behind stuck one, delivered %v", rt.delivered())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a signal published after the stuck wait expires is still delivered
	time.Sleep(400 * time.Millisecond)
	if _, err := d.Send(ctx, "o-c", order.Signal{Kind: order.SignalCancel}); err != nil {
		t.Fatalf("Send o-c: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for rt.received() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("later signal not consumed, delivered %v", rt.delivered())
		}
		time.Sleep(5 * time.Millisecond)
	}

	pending, err := consumer.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending["preorder:signals"] != 1 {
		t.Fatalf("pending = %d, want only the stuck signal", pending["preorder:signals"])
	}
}

func TestHandlerTagsLogsWithSignal(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&fakeRuntime{}, logger.NewWithLevel("preorder", &buf, "debug"))
	msg := message(t, SignalMessage{OrderID: "o1", Signal: order.Signal{ID: "sig-42", Kind: order.SignalCancel}})
	if err := h(context.Background(), msg); err != nil {
		t.Fatalf("handler: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"traceID":"sig-42"`) || !strings.Contains(out, `"spanID":"1-0"`) {
		t.Fatalf("log not correlated with signal: %s", out)
	}
}
