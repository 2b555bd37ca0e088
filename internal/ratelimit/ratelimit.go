// Package ratelimit guards the gateway: a token bucket per API key bounds
// the request rate and a slot pool bounds how many agent sessions run at once.
package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when a key has no tokens left.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNoSlot is returned when every session slot is taken.
	ErrNoSlot = errors.New("too many concurrent sessions")
)

// Config configures a Limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited.
	BurstSize         int // 0 = RequestsPerMinute.
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewLimiter creates a limiter. A zero rate never limits.
func NewLimiter(cfg Config) *Limiter {
	burst := max(cfg.RequestsPerMinute, 1)
	if cfg.BurstSize > 0 {
		burst = cfg.BurstSize
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	if !b.AllowN(l.now(), 1) {
		return ErrRateLimited
	}
	return nil
}

// Slots bounds concurrent work. The zero size means unbounded.
type Slots struct {
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

// NewSlots creates a pool of n slots.
func NewSlots(n int) *Slots {
	if n <= 0 {
		return &Slots{}
	}
	return &Slots{sem: semaphore.NewWeighted(int64(n))}
}

// TryAcquire takes a slot without waiting. The returned func releases it and
// is safe to call more than once.
func (s *Slots) TryAcquire() (release func(), err error) {
	if s == nil || s.sem == nil {
		return func() {}, nil
	}
	if !s.sem.TryAcquire(1) {
		return nil, ErrNoSlot
	}
	s.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.inUse.Add(-1)
			s.sem.Release(1)
		})
	}, nil
}

// InUse returns the number of slots held.
func (s *Slots) InUse() int {
	if s == nil {
		return 0
	}
	return int(s.inUse.Load())
}
