// Package ratelimit provides the fixed-window limiter in front of outbound
// Telegram calls. Bots that post too fast get throttled server-side with long
// penalties, so pacing here is cheaper than handling 429s.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerMinute int
	// WindowDuration defaults to 60 seconds if zero.
	WindowDuration time.Duration
	Logger         *slog.Logger
}

// Limiter is a fixed-window rate limiter. Wait blocks until a slot frees up;
// Allow is the non-blocking probe.
type Limiter struct {
	mu sync.Mutex

	limit  int
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	windowStart time.Time
	consumed    int
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Limiter{
		limit:       cfg.RequestsPerMinute,
		window:      cfg.WindowDuration,
		logger:      cfg.Logger.WithGroup("ratelimit"),
		now:         time.Now,
		windowStart: time.Now(),
	}
}

// Allow consumes a slot if one is free in the current window. A limiter with
// a non-positive limit never throttles.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return true
	}
	l.rollWindowLocked()
	if l.consumed >= l.limit {
		return false
	}
	l.consumed++
	return true
}

// Wait blocks until a slot is consumed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		delay := l.untilNextWindow()
		l.logger.Debug("window exhausted, waiting",
			slog.Duration("delay", delay), slog.Int("limit", l.limit))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) untilNextWindow() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := l.now().Sub(l.windowStart)
	if elapsed >= l.window {
		return time.Millisecond
	}
	return l.window - elapsed
}

func (l *Limiter) rollWindowLocked() {
	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.consumed = 0
	}
}
