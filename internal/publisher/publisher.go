// Package publisher publishes order status changes to Redis pub/sub.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/pkg/saga"
)

const orderStatusChannelTemplate = "preorder:order:{orderId}:status"

// Publisher publishes order events.
type Publisher struct {
	client         redis.Cmdable
	channelFormat  string
	hasOrderID     bool
	allOrdersTopic string
}

// NewPublisher creates a publisher. Every message also goes to
// "preorder:orders" unless the template has no per-order placeholder.
func NewPublisher(client redis.Cmdable, channel string) *Publisher {
	if channel == "" {
		channel = orderStatusChannelTemplate
	}
	format, hasOrderID := normalizeOrderChannelFormat(channel)
	p := &Publisher{
		client:        client,
		channelFormat: format,
		hasOrderID:    hasOrderID,
	}
	if hasOrderID {
		p.allOrdersTopic = "preorder:orders"
	}
	return p
}

// PublishStatus publishes the order's read model after a transition.
func (p *Publisher) PublishStatus(ctx context.Context, view order.View, from order.Status) error {
	return p.publish(ctx, view.OrderID, "status", string(from)+"->"+string(view.Status), view)
}

// PublishCompensation publishes the outcome of one compensation step.
func (p *Publisher) PublishCompensation(ctx context.Context, orderID string, entry saga.Entry) error {
	event := "reversed"
	if !entry.Reversed {
		event = "failed"
	}
	return p.publish(ctx, orderID, "compensation", event, entry)
}

func (p *Publisher) publish(ctx context.Context, orderID, channel, event string, data interface{}) error {
	payload := map[string]interface{}{
		"channel": channel,
		"orderId": orderID,
		"data":    data,
	}
	if event != "" {
		payload["event"] = event
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	targetChannel := p.channelFormat
	if p.hasOrderID {
		targetChannel = fmt.Sprintf(p.channelFormat, orderID)
	}
	if err := p.client.Publish(ctx, targetChannel, raw).Err(); err != nil {
		return err
	}
	if p.allOrdersTopic != "" {
		return p.client.Publish(ctx, p.allOrdersTopic, raw).Err()
	}
	return nil
}

func normalizeOrderChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{orderId}") {
		return strings.ReplaceAll(template, "{orderId}", "%s"), true
	}
	return template, false
}
