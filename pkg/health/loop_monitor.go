package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var errNilDependency = errors.New("dependency not configured")

// LoopMonitor tracks whether a background loop is still ticking.
type LoopMonitor struct {
	lastTickUnixNano atomic.Int64
	lastErr          atomic.Value // string
}

func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
}

func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.lastErr.Store(err.Error())
}

func (m *LoopMonitor) LastError() string {
	if v := m.lastErr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Healthy reports whether the loop ticked within maxAge. A loop that never
// ticked is unhealthy.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		return false, 0, lastErr
	}
	t := time.Unix(0, last)
	if now.Before(t) {
		return true, 0, lastErr
	}
	age = now.Sub(t)
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return age <= maxAge, age, lastErr
}

type loopChecker struct {
	name   string
	mon    *LoopMonitor
	maxAge time.Duration
}

// NewLoopChecker reports a loop as down once it stops ticking for maxAge.
func NewLoopChecker(name string, mon *LoopMonitor, maxAge time.Duration) Checker {
	return &loopChecker{name: name, mon: mon, maxAge: maxAge}
}

func (c *loopChecker) Name() string { return c.name }

func (c *loopChecker) Check(context.Context) CheckResult {
	if c.mon == nil {
		return CheckResult{Status: StatusDown, Message: errNilDependency.Error()}
	}
	ok, age, lastErr := c.mon.Healthy(time.Now(), c.maxAge)
	if !ok {
		msg := "loop stalled"
		if age == 0 {
			msg = "loop not started"
		}
		if lastErr != "" {
			msg = fmt.Sprintf("%s: %s", msg, lastErr)
		}
		return CheckResult{Status: StatusDown, Message: msg}
	}
	return CheckResult{Status: StatusUp, Message: lastErr}
}
