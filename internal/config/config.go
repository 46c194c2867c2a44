// Package config 配置
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storefront/preorder/internal/order"
	envconfig "github.com/storefront/preorder/pkg/config"
	pkgredis "github.com/storefront/preorder/pkg/redis"
	"github.com/storefront/preorder/pkg/retry"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	DBAutoMigrate bool

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      pkgredis.TLSOptions

	// Signals (Redis Streams)
	SignalStream        string
	SignalConsumerGroup string
	SignalConsumerName  string
	SignalMaxRetries    int64
	SignalWorkers       int

	// SignalHandlerTimeout bounds how long one stream message waits for its
	// order to consume the signal.
	SignalHandlerTimeout time.Duration

	// RuntimeLeaseKey names the lease that makes one replica the only writer;
	// the others wait as standbys.
	RuntimeLeaseKey string
	RuntimeLeaseTTL time.Duration

	// Timers
	TimerKey        string
	ScannerInterval time.Duration
	ScannerBatch    int

	// Status feed (pub/sub)
	StatusChannel string

	// Notifications (Kafka)
	KafkaBrokers      []string
	NotificationTopic string

	// Collaborators
	PaymentBaseURL      string
	InventoryBaseURL    string
	FulfillmentBaseURL  string
	CollaboratorTimeout time.Duration

	WorkerID         int64
	ReminderInterval time.Duration
	MailboxSize      int
	ShutdownTimeout  time.Duration

	// Reconciliation
	ReconcileSchedule string

	// Tracing
	TracingEnabled    bool
	JaegerEndpoint    string
	TracingSampleRate float64

	LogLevel string

	Retry RetryConfig
}

// RetryConfig 每个外部调用的重试策略
type RetryConfig struct {
	Fallback   retry.Policy
	Operations map[string]retry.Policy
}

// Load 加载配置。RETRY_POLICY_FILE 指向的 YAML 会覆盖默认重试策略。
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "preorder"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),

		DBHost:        envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:        envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:        envconfig.GetEnv("DB_USER", "preorder"),
		DBPassword:    envconfig.GetEnv("DB_PASSWORD", "preorder"),
		DBName:        envconfig.GetEnv("DB_NAME", "preorder"),
		DBSSLMode:     envconfig.GetEnv("DB_SSL_MODE", "disable"),
		DBAutoMigrate: envconfig.GetEnvBool("DB_AUTO_MIGRATE", false),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),
		RedisTLS: pkgredis.TLSOptions{
			Enabled:    envconfig.GetEnvBool("REDIS_TLS_ENABLED", false),
			CACertPath: envconfig.GetEnv("REDIS_TLS_CA_CERT", ""),
			CertPath:   envconfig.GetEnv("REDIS_TLS_CERT", ""),
			KeyPath:    envconfig.GetEnv("REDIS_TLS_KEY", ""),
			ServerName: envconfig.GetEnv("REDIS_TLS_SERVER_NAME", ""),
		},

		SignalStream:        envconfig.GetEnv("SIGNAL_STREAM", "preorder:signals"),
		SignalConsumerGroup: envconfig.GetEnv("SIGNAL_CONSUMER_GROUP", "preorder-runtime"),
		SignalConsumerName:  envconfig.GetEnv("SIGNAL_CONSUMER_NAME", hostnameOr("preorder-1")),
		SignalMaxRetries:    envconfig.GetEnvInt64("SIGNAL_MAX_RETRIES", 5),
		SignalWorkers:       envconfig.GetEnvInt("SIGNAL_WORKERS", 8),

		SignalHandlerTimeout: envconfig.GetEnvPositiveDuration("SIGNAL_HANDLER_TIMEOUT", 10*time.Second),

		RuntimeLeaseKey: envconfig.GetEnv("RUNTIME_LEASE_KEY", "preorder:runtime:owner"),
		RuntimeLeaseTTL: envconfig.GetEnvPositiveDuration("RUNTIME_LEASE_TTL", 15*time.Second),

		TimerKey:        envconfig.GetEnv("TIMER_KEY", "preorder:timers"),
		ScannerInterval: envconfig.GetEnvPositiveDuration("TIMER_SCAN_INTERVAL", time.Second),
		ScannerBatch:    envconfig.GetEnvInt("TIMER_SCAN_BATCH", 100),

		StatusChannel: envconfig.GetEnv("STATUS_CHANNEL", "preorder:order:{orderId}:status"),

		KafkaBrokers:      envconfig.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		NotificationTopic: envconfig.GetEnv("NOTIFICATION_TOPIC", "preorder.notifications"),

		PaymentBaseURL:      envconfig.GetEnv("PAYMENT_BASE_URL", "http://localhost:8091"),
		InventoryBaseURL:    envconfig.GetEnv("INVENTORY_BASE_URL", "http://localhost:8092"),
		FulfillmentBaseURL:  envconfig.GetEnv("FULFILLMENT_BASE_URL", "http://localhost:8093"),
		CollaboratorTimeout: envconfig.GetEnvPositiveDuration("COLLABORATOR_TIMEOUT", 30*time.Second),

		WorkerID:         envconfig.GetEnvInt64("WORKER_ID", 1),
		ReminderInterval: envconfig.GetEnvDuration("PICKUP_REMINDER_INTERVAL", time.Hour),
		MailboxSize:      envconfig.GetEnvInt("MAILBOX_SIZE", 64),
		ShutdownTimeout:  envconfig.GetEnvPositiveDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		ReconcileSchedule: envconfig.GetEnv("RECONCILE_SCHEDULE", "@every 10m"),

		TracingEnabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:    envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 1.0),

		LogLevel: envconfig.GetEnv("LOG_LEVEL", "info"),

		Retry: DefaultRetryConfig(),
	}

	if path := envconfig.GetEnv("RETRY_POLICY_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read retry policy file: %w", err)
		}
		if err := cfg.Retry.Overlay(data); err != nil {
			return nil, fmt.Errorf("retry policy file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.ReminderInterval < 0 {
		return fmt.Errorf("PICKUP_REMINDER_INTERVAL must not be negative")
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("MAILBOX_SIZE must be positive, got %d", c.MailboxSize)
	}
	if c.SignalWorkers <= 0 {
		return fmt.Errorf("SIGNAL_WORKERS must be positive, got %d", c.SignalWorkers)
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return fmt.Errorf("WORKER_ID must be within [0, 1023], got %d", c.WorkerID)
	}
	if err := c.Retry.Fallback.Validate(); err != nil {
		return fmt.Errorf("fallback retry policy: %w", err)
	}
	for _, op := range c.Retry.names() {
		if err := c.Retry.Operations[op].Validate(); err != nil {
			return fmt.Errorf("retry policy %s: %w", op, err)
		}
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

// RedisConfig 基于默认连接池参数生成 Redis 配置
func (c *Config) RedisConfig() *pkgredis.Config {
	cfg := pkgredis.DefaultConfig
	cfg.Addr = c.RedisAddr
	cfg.Password = c.RedisPassword
	cfg.DB = c.RedisDB
	cfg.TLS = c.RedisTLS
	return &cfg
}

// DefaultRetryConfig 默认策略：正向调用 3 次，补偿 100 次，提醒 1 次
func DefaultRetryConfig() RetryConfig {
	forward := []order.Operation{
		order.OpChargePayment,
		order.OpReserveInventory,
		order.OpCreateFulfillmentOrder,
		order.OpRequestPickup,
	}
	reversal := []order.Operation{
		order.OpRefundPayment,
		order.OpReleaseInventory,
		order.OpCancelFulfillment,
	}
	ops := make(map[string]retry.Policy, len(forward)+len(reversal)+1)
	for _, op := range forward {
		ops[string(op)] = retry.ForwardDefault()
	}
	for _, op := range reversal {
		ops[string(op)] = retry.ReversalDefault()
	}
	ops[string(order.OpSendPickupReminder)] = retry.ReminderDefault()
	return RetryConfig{Fallback: retry.ForwardDefault(), Operations: ops}
}

type retryFile struct {
	Default    *yaml.Node           `yaml:"default"`
	Operations map[string]yaml.Node `yaml:"operations"`
}

// Overlay merges a YAML policy document into the config. Only the fields a
// document sets are changed:
//
//	default:
//	  max_attempts: 5
//	operations:
//	  ChargePayment:
//	    initial_interval: 1s
func (r *RetryConfig) Overlay(data []byte) error {
	var doc retryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if doc.Default != nil {
		if err := doc.Default.Decode(&r.Fallback); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	for name, node := range doc.Operations {
		p, ok := r.Operations[name]
		if !ok {
			return fmt.Errorf("unknown operation %q", name)
		}
		if err := node.Decode(&p); err != nil {
			return fmt.Errorf("operation %s: %w", name, err)
		}
		r.Operations[name] = p
	}
	return nil
}

// Options converts the config into invoker options.
func (r RetryConfig) Options() []retry.Option {
	return []retry.Option{retry.WithPolicies(r.Operations)}
}

func (r RetryConfig) names() []string {
	names := make([]string, 0, len(r.Operations))
	for name := range r.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
