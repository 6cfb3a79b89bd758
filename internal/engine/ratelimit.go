package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles operation starts.
//
// Await returns false when the caller holds a permit and may start an
// operation. It returns true when no permit was granted; the caller must go
// back to the top of its loop (re-checking its stop signal) and ask again.
type RateLimiter interface {
	Await(ctx context.Context) bool
}

// RateMode selects the throttling algorithm.
type RateMode string

const (
	// RateModeInterval grants a fixed budget of permits per interval.
	RateModeInterval RateMode = "interval"
	// RateModeSmooth spaces permits evenly using a token bucket.
	RateModeSmooth RateMode = "smooth"
)

// NewRateLimiter builds a limiter for targetRate operations per second.
// A target rate <= 0 disables limiting.
func NewRateLimiter(mode RateMode, targetRate float64, interval time.Duration, clock Clock) RateLimiter {
	if targetRate <= 0 {
		return Unlimited{}
	}
	if mode == RateModeSmooth {
		return NewSmoothLimiter(targetRate)
	}
	return NewIntervalLimiter(targetRate, interval, clock)
}

// Unlimited grants every permit immediately.
type Unlimited struct{}

func (Unlimited) Await(context.Context) bool { return false }

// IntervalLimiter divides time into fixed intervals and grants at most
// targetRate*interval permits within each one. Callers arriving after the
// budget is spent sleep until the next boundary. Permits are never returned.
//
// IntervalLimiter is safe for concurrent use; sharing one instance between
// workers caps their aggregate rate.
type IntervalLimiter struct {
	clock       Clock
	interval    time.Duration
	perInterval int64

	mu            sync.Mutex
	intervalStart time.Time
	issued        int64
}

// maxStretchedInterval caps the interval of a limiter whose rate is below one
// permit per interval.
const maxStretchedInterval = 24 * time.Hour

// NewIntervalLimiter creates an interval limiter. When the budget for one
// interval would be below a single permit, the interval is stretched so that
// exactly one permit is granted per 1/targetRate seconds, up to a day.
func NewIntervalLimiter(targetRate float64, interval time.Duration, clock Clock) *IntervalLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	budget := int64(math.Round(targetRate * interval.Seconds()))
	if budget < 1 {
		budget = 1
		stretched := float64(time.Second) / targetRate
		if stretched > float64(maxStretchedInterval) || math.IsNaN(stretched) {
			interval = maxStretchedInterval
		} else {
			interval = time.Duration(stretched)
		}
	}
	return &IntervalLimiter{
		clock:         clock,
		interval:      interval,
		perInterval:   budget,
		intervalStart: clock.Now(),
	}
}

// PermitsPerInterval returns the budget granted within each interval.
func (l *IntervalLimiter) PermitsPerInterval() int64 { return l.perInterval }

// Interval returns the effective interval length.
func (l *IntervalLimiter) Interval() time.Duration { return l.interval }

func (l *IntervalLimiter) Await(ctx context.Context) bool {
	l.mu.Lock()
	now := l.clock.Now()
	l.roll(now)
	if l.issued < l.perInterval {
		l.issued++
		l.mu.Unlock()
		return false
	}
	boundary := l.intervalStart.Add(l.interval)
	l.mu.Unlock()

	_ = l.clock.SleepUntil(ctx, boundary)
	return true
}

// roll advances intervalStart to the interval containing now. Boundaries stay
// aligned to the limiter's creation time. Must be called with mu held.
func (l *IntervalLimiter) roll(now time.Time) {
	elapsed := now.Sub(l.intervalStart)
	if elapsed < l.interval {
		return
	}
	skipped := elapsed / l.interval
	l.intervalStart = l.intervalStart.Add(skipped * l.interval)
	l.issued = 0
}

// SmoothLimiter spaces permits evenly using a token bucket.
type SmoothLimiter struct {
	limiter *rate.Limiter
}

func NewSmoothLimiter(targetRate float64) *SmoothLimiter {
	burst := int(targetRate)
	if burst < 1 {
		burst = 1
	}
	return &SmoothLimiter{limiter: rate.NewLimiter(rate.Limit(targetRate), burst)}
}

func (s *SmoothLimiter) Await(ctx context.Context) bool {
	return s.limiter.Wait(ctx) != nil
}
