// Package redis Redis 客户端封装
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config Redis 配置
type Config struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	PoolSize     int           `json:"poolSize" yaml:"poolSize"`
	MinIdleConns int           `json:"minIdleConns" yaml:"minIdleConns"`
	DialTimeout  time.Duration `json:"dialTimeout" yaml:"dialTimeout"`
	ReadTimeout  time.Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
	TLS          TLSOptions    `json:"tls" yaml:"tls"`
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	Addr:         "localhost:6379",
	PoolSize:     50,
	MinIdleConns: 5,
	DialTimeout:  5 * time.Second,
	ReadTimeout:  3 * time.Second,
	WriteTimeout: 3 * time.Second,
}

// NewClient 创建客户端并检查连通性
func NewClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}

	tlsCfg, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    tlsCfg,
	})

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultConfig.DialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return client, nil
}

// Lock 分布式锁，value 为持有者令牌
type Lock struct {
	client redis.Cmdable
	key    string
	value  string
	ttl    time.Duration
}

// NewLock 创建锁
func NewLock(client redis.Cmdable, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire 获取锁
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
}

// Release 释放锁（仅释放自己持有的锁）
func (l *Lock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	return l.client.Eval(ctx, script, []string{l.key}, l.value).Err()
}

// Extend 延长锁时间
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Hold acquires the lock if free, or extends it when already held by us.
func (l *Lock) Hold(ctx context.Context) (bool, error) {
	ok, err := l.Extend(ctx)
	if err != nil || ok {
		return ok, err
	}
	return l.Acquire(ctx)
}
