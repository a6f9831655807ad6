// Package ratelimit implements the sliding-window guard placed in front of
// sensitive dispute actions. Redis is the shared backend; when it is absent
// or failing the guard keeps enforcing limits with per-process state.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kindfi-org/kindfi-sub006/metrics"
)

// Result is the outcome of one check. ResetAt is when the oldest attempt in
// the window expires.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Backend stores attempts. Check records the attempt whether or not it is
// allowed.
type Backend interface {
	Name() string
	Check(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Result, error)
	Reset(ctx context.Context, key string) error
}

// Key builds the storage key for an action performed by actor.
func Key(action, actor string) string {
	return "ratelimit:" + action + ":" + actor
}

func actionOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return key
	}
	return parts[1]
}

type Config struct {
	MaxAttempts   int
	Window        time.Duration
	SweepInterval time.Duration
}

type Guard struct {
	primary  Backend
	fallback *MemoryBackend
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Registry
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewGuard returns a guard using primary when set, with an in-memory
// fallback. A nil primary means memory only.
func NewGuard(primary Backend, cfg Config, logger *slog.Logger, m *metrics.Registry) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		primary:  primary,
		fallback: NewMemoryBackend(),
		cfg:      cfg,
		logger:   logger.With("component", "ratelimit"),
		metrics:  m,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Check records an attempt against key and reports whether it is allowed.
// It never fails: backend errors degrade to the local fallback.
func (g *Guard) Check(ctx context.Context, key string) Result {
	now := g.now()
	if g.primary != nil {
		res, err := g.primary.Check(ctx, key, now, g.cfg.Window, g.cfg.MaxAttempts)
		if err == nil {
			g.metrics.RateDecision(actionOf(key), res.Allowed, g.primary.Name())
			return res
		}
		g.logger.Warn("distributed limiter unavailable, using local fallback", "key", key, "error", err)
	}
	res, _ := g.fallback.Check(ctx, key, now, g.cfg.Window, g.cfg.MaxAttempts)
	g.metrics.RateDecision(actionOf(key), res.Allowed, g.fallback.Name())
	return res
}

// Reset clears key in both backends.
func (g *Guard) Reset(ctx context.Context, key string) {
	if g.primary != nil {
		if err := g.primary.Reset(ctx, key); err != nil {
			g.logger.Warn("reset on distributed limiter failed", "key", key, "error", err)
		}
	}
	_ = g.fallback.Reset(ctx, key)
}

// Start runs the fallback sweeper until ctx ends or Stop is called.
func (g *Guard) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				if n := g.fallback.Sweep(g.now()); n > 0 {
					g.logger.Debug("swept expired limiter entries", "evicted", n)
				}
			}
		}
	}()
}

func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.wg.Wait()
}

func decide(count int, oldest *time.Time, now time.Time, window time.Duration, max int) Result {
	res := Result{Allowed: count < max, ResetAt: now.Add(window)}
	if oldest != nil {
		res.ResetAt = oldest.Add(window)
	}
	if res.Allowed {
		res.Remaining = max - count - 1
	}
	return res
}
