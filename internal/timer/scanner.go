package timer

import (
	"context"
	"time"

	"github.com/storefront/preorder/pkg/health"
	"github.com/storefront/preorder/pkg/logger"
)

// DeliverFunc hands a due firing to the order runtime. A nil error means the
// runtime took ownership of the firing.
type DeliverFunc func(ctx context.Context, f Firing) error

// Leader restricts scanning to one replica. *redis.Lock satisfies it.
type Leader interface {
	Hold(ctx context.Context) (bool, error)
}

type ScannerOptions struct {
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    *logger.Logger
	Monitor   *health.LoopMonitor
	Leader    Leader
	OnFired   func(purpose Purpose, lag time.Duration)
	OnError   func(err error)
}

// Scanner polls the store for due timers. It holds no state of its own, so a
// restart only delays delivery.
type Scanner struct {
	store   Store
	deliver DeliverFunc
	opts    ScannerOptions
}

func NewScanner(store Store, deliver DeliverFunc, opts ScannerOptions) *Scanner {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Monitor == nil {
		opts.Monitor = &health.LoopMonitor{}
	}
	return &Scanner{store: store, deliver: deliver, opts: opts}
}

// Run scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.opts.Monitor.SetError(err)
			s.opts.Logger.WithError(err).Warn("timer scan failed")
			if s.opts.OnError != nil {
				s.opts.OnError(err)
			}
		}
		s.opts.Monitor.Tick()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce delivers every timer due at Now and returns how many were handed
// over. Failed deliveries stay indexed for the next pass.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	if s.opts.Leader != nil {
		ok, err := s.opts.Leader.Hold(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
	}

	now := s.opts.Now()
	delivered := 0
	for {
		due, err := s.store.Due(ctx, now, s.opts.BatchSize)
		if err != nil {
			return delivered, err
		}
		progressed := false
		for _, f := range due {
			if err := s.deliver(ctx, f); err != nil {
				s.opts.Logger.WithOrder(f.OrderID).WithError(err).Warnf("timer delivery failed", map[string]interface{}{
					"purpose":    f.Purpose,
					"generation": f.Generation,
				})
				continue
			}
			if err := s.store.Ack(ctx, f); err != nil {
				return delivered, err
			}
			progressed = true
			delivered++
			if s.opts.OnFired != nil {
				s.opts.OnFired(f.Purpose, now.Sub(f.FiresAt))
			}
		}
		if len(due) < s.opts.BatchSize || !progressed {
			return delivered, nil
		}
	}
}
