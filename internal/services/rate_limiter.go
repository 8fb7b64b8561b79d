package services

import (
	"context"
	"sync"
	"time"

	"mailflow/internal/config"
	"mailflow/internal/utils"
)

// Clock abstracts time for the rate limiter so tests can inject a fake.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock is the production clock.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RateLimiter caps outbound provider calls with sliding minute and hour
// windows plus a max-concurrent gate. The counters are process-local;
// deployments sharing one provider quota across several instances would
// need them moved into the shared backend store.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	clock  Clock
	logger *utils.Logger

	mu          sync.Mutex
	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
	backoff     time.Duration

	sem chan struct{}
}

// NewRateLimiter builds a limiter from the configured ceilings.
func NewRateLimiter(cfg config.RateLimitConfig, clock Clock) *RateLimiter {
	if clock == nil {
		clock = realClock{}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &RateLimiter{
		cfg:    cfg,
		clock:  clock,
		logger: utils.NewLogger("RateLimiter"),
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a request slot is available under both window
// ceilings and the concurrency gate. Callers must pair it with Release.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		wait := l.reserve()
		if wait == 0 {
			break
		}
		l.logger.Debug("Rate ceiling reached, deferring %v", wait)
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		l.unreserve()
		return ctx.Err()
	case l.sem <- struct{}{}:
		return nil
	}
}

// Release returns the concurrency slot taken by Acquire.
func (l *RateLimiter) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// reserve counts one request against both windows, or returns how long the
// caller must wait for the binding window to roll over.
func (l *RateLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.roll(now)

	if l.cfg.RequestsPerMinute > 0 && l.minuteCount >= l.cfg.RequestsPerMinute {
		return l.minuteStart.Add(time.Minute).Sub(now)
	}
	if l.cfg.RequestsPerHour > 0 && l.hourCount >= l.cfg.RequestsPerHour {
		return l.hourStart.Add(time.Hour).Sub(now)
	}

	l.minuteCount++
	l.hourCount++
	return 0
}

// unreserve gives back a reservation that never turned into a request.
func (l *RateLimiter) unreserve() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.minuteCount > 0 {
		l.minuteCount--
	}
	if l.hourCount > 0 {
		l.hourCount--
	}
}

// roll resets whichever windows have expired.
func (l *RateLimiter) roll(now time.Time) {
	if l.minuteStart.IsZero() || now.Sub(l.minuteStart) >= time.Minute {
		l.minuteStart = now
		l.minuteCount = 0
	}
	if l.hourStart.IsZero() || now.Sub(l.hourStart) >= time.Hour {
		l.hourStart = now
		l.hourCount = 0
	}
}

// BackoffAfterThrottle sleeps the current penalty after an upstream
// throttling error, then grows the penalty for the next hit (bounded by
// the configured maximum). A successful slice resets it via ResetBackoff.
func (l *RateLimiter) BackoffAfterThrottle(ctx context.Context) error {
	l.mu.Lock()
	if l.backoff <= 0 {
		l.backoff = time.Second
	}
	wait := l.backoff

	next := time.Duration(float64(l.backoff) * l.cfg.BackoffMultiplier)
	if l.cfg.BackoffMultiplier <= 1 {
		next = l.backoff * 2
	}
	if l.cfg.MaxBackoff > 0 && next > l.cfg.MaxBackoff {
		next = l.cfg.MaxBackoff
	}
	l.backoff = next
	l.mu.Unlock()

	l.logger.Warn("Upstream throttling detected, backing off %v", wait)
	return l.clock.Sleep(ctx, wait)
}

// ResetBackoff clears the throttle penalty after a clean request.
func (l *RateLimiter) ResetBackoff() {
	l.mu.Lock()
	l.backoff = 0
	l.mu.Unlock()
}

// Snapshot returns the current window counts, for status surfaces.
func (l *RateLimiter) Snapshot() (minuteCount, hourCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(l.clock.Now())
	return l.minuteCount, l.hourCount
}
