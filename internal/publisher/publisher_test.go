package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/pkg/saga"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func receive(t *testing.T, ctx context.Context, sub *redis.PubSub) map[string]interface{} {
	t.Helper()
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return payload
}

func TestPublisherPublishStatus(t *testing.T) {
	client := newClient(t)
	publisher := NewPublisher(client, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "preorder:order:o1:status", "preorder:orders")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	view := order.View{OrderID: "o1", Status: order.StatusCancelled}
	if err := publisher.PublishStatus(ctx, view, order.StatusPendingFulfillment); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < 2; i++ {
		payload := receive(t, ctx, sub)
		if payload["channel"].(string) != "status" {
			t.Fatalf("channel = %v, want status", payload["channel"])
		}
		if payload["event"].(string) != "PendingFulfillment->Cancelled" {
			t.Fatalf("event = %v", payload["event"])
		}
		if payload["orderId"].(string) != "o1" {
			t.Fatalf("orderId = %v", payload["orderId"])
		}
	}
}

func TestPublisherPublishCompensation(t *testing.T) {
	client := newClient(t)
	publisher := NewPublisher(client, "custom:channel")
	if publisher.hasOrderID {
		t.Fatal("custom channel has no orderId placeholder")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "custom:channel")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	entry := saga.Entry{Sequence: 2, Kind: "ReleaseInventory", TargetRef: "res-1", Reversed: true}
	if err := publisher.PublishCompensation(ctx, "o7", entry); err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload := receive(t, ctx, sub)
	if payload["event"].(string) != "reversed" {
		t.Fatalf("event = %v, want reversed", payload["event"])
	}
}
