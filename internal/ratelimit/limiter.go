// Package ratelimit throttles dialogue turns per student with a token bucket.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited is returned when a student has used up their turn allowance.
var ErrLimited = errors.New("turn rate limit exceeded, please try again shortly")

// idleAfter is how long an untouched, full bucket is kept before pruning.
const idleAfter = 10 * time.Minute

// Limiter implements a per-key token bucket rate limiter.
// It is safe for concurrent use. A nil *Limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // max burst size (also initial token count)
	nowFunc func() time.Time
	pruned  time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewLimiter creates a limiter allowing turnsPerMinute sustained turns per
// key with the given burst. It returns nil (disabled) when turnsPerMinute is
// not positive. A burst below 1 is raised to 1.
func NewLimiter(turnsPerMinute float64, burst int) *Limiter {
	if turnsPerMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    turnsPerMinute / 60.0,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow reports whether one more turn for key may proceed and consumes a
// token if so.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	l.prune(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastCheck: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	if elapsed > 0 {
		b.tokens += l.rate * elapsed
		if b.tokens > float64(l.burst) {
			b.tokens = float64(l.burst)
		}
		b.lastCheck = now
	}

	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// Check is Allow returning ErrLimited on rejection.
func (l *Limiter) Check(key string) error {
	if !l.Allow(key) {
		return ErrLimited
	}
	return nil
}

// prune drops buckets that would have refilled completely. Callers hold mu.
func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.pruned) < idleAfter {
		return
	}
	l.pruned = now
	for key, b := range l.buckets {
		if now.Sub(b.lastCheck) >= idleAfter {
			delete(l.buckets, key)
		}
	}
}
