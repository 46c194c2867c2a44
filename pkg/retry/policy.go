// Package retry invokes external operations with truncated exponential
// backoff and a stable idempotency key.
package retry

import (
	"fmt"
	"time"
)

// Policy configures retries for one operation. Zero values take defaults
// from withDefaults.
type Policy struct {
	// MaxAttempts 0 means unlimited (bounded by MaxElapsed or the context).
	MaxAttempts        int           `yaml:"max_attempts" json:"maxAttempts"`
	InitialInterval    time.Duration `yaml:"initial_interval" json:"initialInterval"`
	BackoffCoefficient float64       `yaml:"backoff_coefficient" json:"backoffCoefficient"`
	MaxInterval        time.Duration `yaml:"max_interval" json:"maxInterval"`
	MaxElapsed         time.Duration `yaml:"max_elapsed" json:"maxElapsed"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout" json:"attemptTimeout"`
}

// ForwardDefault 正向调用默认策略
func ForwardDefault() Policy {
	return Policy{
		MaxAttempts:        3,
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2,
		MaxInterval:        30 * time.Second,
		AttemptTimeout:     30 * time.Second,
	}
}

// ReversalDefault 补偿调用默认策略
func ReversalDefault() Policy {
	return Policy{
		MaxAttempts:        100,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaxInterval:        30 * time.Second,
		AttemptTimeout:     30 * time.Second,
	}
}

// ReminderDefault sends a reminder once; a miss is picked up by the next tick.
func ReminderDefault() Policy {
	return Policy{
		MaxAttempts:    1,
		AttemptTimeout: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 2.0
	}
	return p
}

// Validate rejects policies that can never make progress.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0, got %d", p.MaxAttempts)
	}
	if p.MaxAttempts == 0 && p.MaxElapsed <= 0 {
		return fmt.Errorf("unbounded policy: set max_attempts or max_elapsed")
	}
	if p.MaxInterval > 0 && p.InitialInterval > p.MaxInterval {
		return fmt.Errorf("initial_interval %s exceeds max_interval %s", p.InitialInterval, p.MaxInterval)
	}
	return nil
}

// Backoff returns the wait before attempt n+1, n starting at 1.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	interval := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		interval *= p.BackoffCoefficient
		if p.MaxInterval > 0 && interval >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	d := time.Duration(interval)
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
