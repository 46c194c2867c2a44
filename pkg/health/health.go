// Package health exposes liveness and readiness endpoints backed by
// dependency checks.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type Health struct {
	mu       sync.RWMutex
	checkers []Checker
	ready    atomic.Bool
	timeout  time.Duration
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{timeout: defaultCheckTimeout}
}

func (h *Health) Register(c Checker) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 存活检查（只检查进程是否响应）
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready 就绪检查：未标记就绪时直接 down，否则汇总依赖状态
func (h *Health) Ready(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	if !h.IsReady() {
		return Response{Status: StatusDown, Dependencies: deps}
	}
	return Response{Status: summarize(deps), Dependencies: deps}
}

func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()
	if len(checkers) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var g errgroup.Group

	for _, c := range checkers {
		c := c
		g.Go(func() error {
			name := c.Name()
			if name == "" {
				name = "unknown"
			}
			res := h.checkOne(ctx, c)

			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

func (h *Health) checkOne(parent context.Context, c Checker) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	resCh := make(chan CheckResult, 1)
	go func() {
		resCh <- c.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	return res
}

func summarize(deps map[string]CheckResult) Status {
	overall := StatusUp
	for _, r := range deps {
		switch r.Status {
		case StatusDown:
			return StatusDegraded
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func statusCode(s Status) int {
	if s == StatusUp {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Live()
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	if c.Fn == nil {
		return CheckResult{Status: StatusDown, Message: "no check"}
	}
	if err := c.Fn(ctx); err != nil {
		return CheckResult{Status: StatusDown, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp}
}

func NewPostgresChecker(db *sql.DB) Checker {
	return CheckFunc{CheckName: "postgres", Fn: func(ctx context.Context) error {
		if db == nil {
			return errNilDependency
		}
		return db.PingContext(ctx)
	}}
}

func NewRedisChecker(client redis.Cmdable) Checker {
	return CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
		if client == nil {
			return errNilDependency
		}
		return client.Ping(ctx).Err()
	}}
}
