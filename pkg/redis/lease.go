package redis

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost 续约时发现锁已被他人持有
var ErrLeaseLost = errors.New("redis: lease lost")

// WaitAcquire blocks until the lock is ours, polling every interval. Redis
// errors are retried; only ctx ends the wait.
func (l *Lock) WaitAcquire(ctx context.Context, interval time.Duration) error {
	for {
		if ok, err := l.Hold(ctx); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Keep extends the lock every interval until ctx ends. It returns
// ErrLeaseLost as soon as an extension finds the key gone or owned by
// another holder; a failed round trip is retried on the next tick.
func (l *Lock) Keep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := l.Extend(ctx)
			if err != nil {
				continue
			}
			if !ok {
				return ErrLeaseLost
			}
		}
	}
}
