package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/pkg/tracing"
)

// Notifier delivers customer-facing notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n order.Notice) error
}

// MessageWriter is the part of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NotificationEvent 写入通知 topic 的消息体
type NotificationEvent struct {
	Kind    order.NoticeKind `json:"kind"`
	OrderID string           `json:"orderId"`
	Email   string           `json:"email"`
	Detail  string           `json:"detail,omitempty"`
	SentAt  int64            `json:"sentAt"`
}

// KafkaNotifier 通过 Kafka 投递客户通知，按订单号分区保证同一订单的通知有序
type KafkaNotifier struct {
	writer MessageWriter
	now    func() time.Time
}

func NewKafkaNotifier(writer MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, now: time.Now}
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, notice order.Notice) error {
	payload, err := json.Marshal(NotificationEvent{
		Kind:    notice.Kind,
		OrderID: notice.OrderID,
		Email:   notice.Email,
		Detail:  notice.Detail,
		SentAt:  n.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	carrier := make(map[string]string)
	tracing.InjectMap(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier)+1)
	headers = append(headers, kafka.Header{Key: "kind", Value: []byte(notice.Kind)})
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(notice.OrderID),
		Value:   payload,
		Headers: headers,
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
