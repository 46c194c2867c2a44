// Package dispatch 信号投递：进程内直达 actor 邮箱，或经 Redis Streams 跨进程投递
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/internal/service"
	apperrors "github.com/storefront/preorder/pkg/errors"
	"github.com/storefront/preorder/pkg/logger"
	pkgredis "github.com/storefront/preorder/pkg/redis"
	"github.com/storefront/preorder/pkg/tracing"
)

// Dispatcher delivers a signal to an order. Send returns once the signal is
// queued, not when the order consumed it.
type Dispatcher interface {
	Send(ctx context.Context, orderID string, sig order.Signal) (signalID string, err error)
}

// Runtime is the part of the order engine a dispatcher talks to.
type Runtime interface {
	Submit(ctx context.Context, orderID string, in order.Input) (<-chan service.Result, error)
	Signal(ctx context.Context, orderID string, sig order.Signal) (service.Result, error)
}

// SignalMessage is the stream payload.
type SignalMessage struct {
	OrderID string       `json:"orderId"`
	Signal  order.Signal `json:"signal"`
}

func prepare(orderID string, sig *order.Signal, now func() time.Time) error {
	if orderID == "" {
		return apperrors.New(apperrors.CodeInvalidSignal, "order id is required")
	}
	if !sig.Kind.Valid() {
		return apperrors.Newf(apperrors.CodeInvalidSignal, "unknown signal %q", sig.Kind)
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = now().UTC()
	}
	return nil
}

// Local queues signals straight into the in-process runtime.
type Local struct {
	runtime Runtime
	now     func() time.Time
}

func NewLocal(rt Runtime) *Local {
	return &Local{runtime: rt, now: time.Now}
}

func (l *Local) Send(ctx context.Context, orderID string, sig order.Signal) (string, error) {
	if err := prepare(orderID, &sig, l.now); err != nil {
		return "", err
	}
	if _, err := l.runtime.Submit(ctx, orderID, order.Input{Signal: &sig}); err != nil {
		return "", err
	}
	return sig.ID, nil
}

// Stream publishes signals to a Redis stream consumed by Handler.
type Stream struct {
	client *pkgredis.StreamClient
	stream string
	now    func() time.Time
}

func NewStream(client *pkgredis.StreamClient, stream string) *Stream {
	return &Stream{client: client, stream: stream, now: time.Now}
}

func (s *Stream) Send(ctx context.Context, orderID string, sig order.Signal) (string, error) {
	if err := prepare(orderID, &sig, s.now); err != nil {
		return "", err
	}
	headers := map[string]string{
		"orderId": orderID,
		"kind":    string(sig.Kind),
	}
	tracing.InjectMap(ctx, headers)
	if _, err := s.client.Publish(ctx, s.stream, SignalMessage{OrderID: orderID, Signal: sig}, headers); err != nil {
		return "", apperrors.Newf(apperrors.CodeUnavailable, "publish signal: %v", err)
	}
	return sig.ID, nil
}

// NewHandler consumes stream messages into rt. A message is acked once the
// order consumed the signal, or when it can never apply (unknown order,
// invalid signal). Anything else stays pending and is reclaimed later.
//
// The wait is bounded by ctx, so run it under a consumer with
// PartitionKey "orderId" and a HandlerTimeout: a slow order then holds only
// its own messages. A redelivered signal the order already consumed is
// dropped by the state machine.
func NewHandler(rt Runtime, log *logger.Logger) pkgredis.MessageHandler {
	if log == nil {
		log = logger.Nop()
	}
	return func(ctx context.Context, msg *pkgredis.Message) error {
		var m SignalMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return fmt.Errorf("decode signal %s: %w", msg.ID, err)
		}
		ctx = correlate(tracing.ExtractMap(ctx, msg.Headers), m.Signal.ID, msg.ID)
		l := log.WithContext(ctx).WithOrder(m.OrderID)

		res, err := rt.Signal(ctx, m.OrderID, m.Signal)
		if errors.Is(err, context.DeadlineExceeded) {
			l.Warnf("signal not consumed in time, left pending", map[string]interface{}{
				"signal":   m.Signal.Kind,
				"signalID": m.Signal.ID,
				"msgId":    msg.ID,
			})
			return err
		}
		if err != nil {
			var coded *apperrors.Error
			if errors.As(err, &coded) &&
				(coded.Code == apperrors.CodeOrderNotFound || coded.Code == apperrors.CodeInvalidSignal) {
				l.WithError(err).Warnf("signal dropped", map[string]interface{}{
					"signal":   m.Signal.Kind,
					"signalID": m.Signal.ID,
					"msgId":    msg.ID,
				})
				return nil
			}
			return err
		}
		l.Debugf("signal consumed", map[string]interface{}{
			"signal":   m.Signal.Kind,
			"signalID": m.Signal.ID,
			"applied":  res.Applied,
			"status":   res.View.Status,
		})
		return nil
	}
}

// correlate tags log lines with the signal when the publisher sent no trace
// context: traceID is the signal id, spanID the stream message id.
func correlate(ctx context.Context, signalID, msgID string) context.Context {
	if tracing.TraceIDFromContext(ctx) != "" || logger.TraceIDFromContext(ctx) != "" {
		return ctx
	}
	ctx = logger.ContextWithTraceID(ctx, signalID)
	return logger.ContextWithSpanID(ctx, msgID)
}
