package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/storefront/preorder/pkg/logger"
)

// StreamClient Redis Streams 客户端
type StreamClient struct {
	client redis.Cmdable
}

// NewStreamClient 创建客户端
func NewStreamClient(client redis.Cmdable) *StreamClient {
	return &StreamClient{client: client}
}

// Publish 发布消息到 Stream，消息体放在 data 字段，headers 作为附加字段
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}, headers map[string]string) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	values := make(map[string]interface{}, len(headers)+1)
	for k, v := range headers {
		values[k] = v
	}
	values["data"] = string(data)

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// Message 消息
type Message struct {
	ID      string
	Stream  string
	Data    []byte
	Headers map[string]string
}

// MessageHandler 消息处理函数，返回 nil 才会 ACK
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 超过后进入死信流
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
	// PartitionKey names the header whose value serializes messages: the
	// same value is handled in stream order, different values concurrently.
	// Empty means every message is independent.
	PartitionKey string
	Workers      int           // 同一批次内并发处理的分区数
	// HandlerTimeout bounds one handler call. A message that runs out of time
	// stays pending and is reclaimed after ClaimMinIdle.
	HandlerTimeout time.Duration
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           5,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
	Workers:              8,
}

func (o ConsumerOptions) normalize() ConsumerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultConsumerOptions.BatchSize
	}
	if o.BlockTime <= 0 {
		o.BlockTime = DefaultConsumerOptions.BlockTime
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
	}
	if o.PendingCheckInterval <= 0 {
		o.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
	}
	if o.Workers <= 0 {
		o.Workers = DefaultConsumerOptions.Workers
	}
	if o.HandlerTimeout < 0 {
		o.HandlerTimeout = 0
	}
	return o
}

// ConsumerHooks receive consumer events, typically for metrics.
type ConsumerHooks struct {
	OnError   func(stream string, err error)
	OnDLQ     func(stream string)
	OnPending func(stream string, count int64)
}

// Consumer 消费者组成员
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
	hooks    ConsumerHooks
	log      *logger.Logger
}

// NewConsumer 创建消费者
func NewConsumer(client *StreamClient, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions) *Consumer {
	if opts == nil {
		opts = &DefaultConsumerOptions
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     opts.normalize(),
		log:      logger.Nop(),
	}
}

// WithLogger 设置日志
func (c *Consumer) WithLogger(l *logger.Logger) *Consumer {
	if l != nil {
		c.log = l
	}
	return c
}

// WithHooks 设置回调
func (c *Consumer) WithHooks(h ConsumerHooks) *Consumer {
	c.hooks = h
	return c
}

// EnsureGroups 确保消费者组存在
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group: %w", err)
		}
	}
	return nil
}

// Start 启动消费，阻塞直到 ctx 结束
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}

	// 先处理 pending 消息
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	return c.consume(ctx)
}

// PendingCount 返回各 stream 在本组内的待确认数
func (c *Consumer) PendingCount(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(c.streams))
	for _, stream := range c.streams {
		summary, err := c.client.client.XPending(ctx, stream, c.group).Result()
		if err != nil {
			return nil, fmt.Errorf("xpending %s: %w", stream, err)
		}
		out[stream] = summary.Count
		if c.hooks.OnPending != nil {
			c.hooks.OnPending(stream, summary.Count)
		}
	}
	return out, nil
}

// processPending 认领空闲消息并重新处理，超过重试次数进入死信
func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}
			if len(pending) == 0 {
				break
			}

			ids := make([]string, 0, len(pending))
			dlqIDs := make(map[string]int64)
			for _, p := range pending {
				if p.Idle < c.opts.ClaimMinIdle {
					continue
				}
				ids = append(ids, p.ID)
				if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
					dlqIDs[p.ID] = p.RetryCount
				}
			}
			// claimed messages drop to zero idle, so this terminates
			if len(ids) == 0 {
				break
			}

			messages, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}

			live := messages[:0]
			for _, m := range messages {
				if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
					c.deadLetter(ctx, stream, m, fmt.Sprintf("max retries exceeded: %d", retryCount))
					continue
				}
				live = append(live, m)
			}
			c.processBatch(ctx, stream, live)
		}
	}
	return nil
}

// consume 消费新消息
func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.reportError("", "", err)
			}
			if _, err := c.PendingCount(ctx); err != nil && ctx.Err() == nil {
				c.reportError("", "", err)
			}
		default:
		}

		results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			c.processBatch(ctx, result.Stream, result.Messages)
		}
	}
}

// processBatch 按分区并发处理一批消息，分区内保持顺序
func (c *Consumer) processBatch(ctx context.Context, stream string, messages []redis.XMessage) {
	var (
		order []string
		parts = make(map[string][]redis.XMessage)
	)
	for _, m := range messages {
		key := m.ID
		if c.opts.PartitionKey != "" {
			if v, ok := m.Values[c.opts.PartitionKey].(string); ok && v != "" {
				key = v
			}
		}
		if _, ok := parts[key]; !ok {
			order = append(order, key)
		}
		parts[key] = append(parts[key], m)
	}

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for _, key := range order {
		part := parts[key]
		g.Go(func() error {
			for _, m := range part {
				if err := c.processMessage(ctx, stream, m); err != nil {
					c.reportError(stream, m.ID, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		c.deadLetter(ctx, stream, m, "missing data field")
		return nil
	}

	msg := &Message{
		ID:      m.ID,
		Stream:  stream,
		Data:    []byte(data),
		Headers: make(map[string]string, len(m.Values)),
	}
	for k, v := range m.Values {
		if k == "data" {
			continue
		}
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		}
	}

	hctx := ctx
	if c.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.opts.HandlerTimeout)
		defer cancel()
	}
	if err := c.handler(hctx, msg); err != nil {
		return err
	}

	return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
}

func (c *Consumer) deadLetter(ctx context.Context, stream string, m redis.XMessage, reason string) {
	dlqStream := stream + ":dlq"
	values := map[string]interface{}{
		"stream":   stream,
		"msgId":    m.ID,
		"reason":   reason,
		"data":     m.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	if _, err := c.client.client.XAdd(ctx, &redis.XAddArgs{Stream: dlqStream, Values: values}).Result(); err != nil {
		c.reportError(stream, m.ID, fmt.Errorf("xadd dlq: %w", err))
		return
	}
	if err := c.client.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
		c.reportError(stream, m.ID, fmt.Errorf("ack dlq message: %w", err))
	}
	c.log.Warnf("message moved to dead letter stream", map[string]interface{}{
		"stream": stream,
		"msgId":  m.ID,
		"reason": reason,
	})
	if c.hooks.OnDLQ != nil {
		c.hooks.OnDLQ(stream)
	}
}

func (c *Consumer) reportError(stream, id string, err error) {
	c.log.WithError(err).Warnf("stream consumer error", map[string]interface{}{
		"stream": stream,
		"msgId":  id,
	})
	if c.hooks.OnError != nil {
		c.hooks.OnError(stream, err)
	}
}

// Ack 手动确认消息
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	return c.client.client.XAck(ctx, stream, c.group, id).Err()
}
