package stats

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willfong/workload-generator/internal/engine"
)

// Collector aggregates outcomes in memory. It implements engine.Sink and is
// safe for concurrent use by every worker of a run.
type Collector struct {
	clock engine.Clock

	ops         atomic.Int64
	failures    atomic.Int64
	skipped     atomic.Int64
	substituted atomic.Int64
	exceeded    atomic.Int64

	// fixed at construction; only the values change
	kinds     map[engine.Kind]*kindTracker
	requested map[engine.Kind]*atomic.Int64

	overall *Histogram
	recent  *RollingWindow

	mu         sync.Mutex
	codes      map[string]int64
	collecting map[int]bool
	firstStart time.Time
	lastStop   time.Time
}

type kindTracker struct {
	count    atomic.Int64
	failures atomic.Int64
	exceeded atomic.Int64
	latency  *Histogram
}

// NewCollector creates an empty collector. A nil clock uses wall time.
func NewCollector(clock engine.Clock) *Collector {
	if clock == nil {
		clock = engine.RealClock{}
	}
	c := &Collector{
		clock:      clock,
		kinds:      make(map[engine.Kind]*kindTracker, len(engine.AllKinds)),
		requested:  make(map[engine.Kind]*atomic.Int64, len(engine.AllKinds)),
		overall:    NewHistogram(),
		recent:     NewRollingWindow(clock, 10*time.Second, 100*time.Millisecond),
		codes:      make(map[string]int64),
		collecting: make(map[int]bool),
	}
	for _, k := range engine.AllKinds {
		c.kinds[k] = &kindTracker{latency: NewHistogram()}
		c.requested[k] = &atomic.Int64{}
	}
	return c
}

func (c *Collector) CollectionStarted(worker int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collecting[worker] = true
	if c.firstStart.IsZero() || at.Before(c.firstStart) {
		c.firstStart = at
	}
}

func (c *Collector) CollectionStopped(worker int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collecting, worker)
	if at.After(c.lastStop) {
		c.lastStop = at
	}
}

func (c *Collector) Record(_ int, o engine.Outcome) {
	c.requested[o.Requested].Add(1)

	c.mu.Lock()
	c.codes[o.Code]++
	c.mu.Unlock()

	if o.Substituted {
		c.substituted.Add(1)
	}
	if o.Skipped {
		c.skipped.Add(1)
		return
	}

	c.ops.Add(1)
	c.recent.Add(1)

	kt := c.kinds[o.Kind]
	kt.count.Add(1)
	kt.latency.Record(o.Elapsed)
	c.overall.Record(o.Elapsed)

	if o.Failed() {
		c.failures.Add(1)
		kt.failures.Add(1)
	}
	if o.ExceededThreshold {
		c.exceeded.Add(1)
		kt.exceeded.Add(1)
	}
}

// KindStat holds the statistics of one operation kind.
type KindStat struct {
	Kind     engine.Kind
	Count    int64
	Failures int64
	Exceeded int64
	Mean     time.Duration
	P50      time.Duration
	P95      time.Duration
	P99      time.Duration
	Max      time.Duration
}

// CodeCount is the number of outcomes with one result code.
type CodeCount struct {
	Code  string
	Count int64
}

// Snapshot is a point-in-time view of a Collector.
type Snapshot struct {
	Collecting bool
	// Elapsed is the length of the collection window so far.
	Elapsed     time.Duration
	Ops         int64
	Failures    int64
	Skipped     int64
	Substituted int64
	Exceeded    int64
	Rate        float64
	RecentRate  float64

	Mean time.Duration
	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration

	// Kinds lists kinds that completed at least one operation, in canonical order.
	Kinds []KindStat
	// Requested counts what the dispatcher chose, before any substitution.
	Requested map[engine.Kind]int64
	// Codes is sorted by descending count.
	Codes []CodeCount
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	collecting := len(c.collecting) > 0
	var elapsed time.Duration
	if !c.firstStart.IsZero() {
		end := c.lastStop
		if collecting || end.Before(c.firstStart) {
			end = c.clock.Now()
		}
		elapsed = end.Sub(c.firstStart)
	}
	codes := make([]CodeCount, 0, len(c.codes))
	for code, n := range c.codes {
		codes = append(codes, CodeCount{Code: code, Count: n})
	}
	c.mu.Unlock()

	sort.Slice(codes, func(i, j int) bool {
		if codes[i].Count != codes[j].Count {
			return codes[i].Count > codes[j].Count
		}
		return codes[i].Code < codes[j].Code
	})

	ops := c.ops.Load()
	s := Snapshot{
		Collecting:  collecting,
		Elapsed:     elapsed,
		Ops:         ops,
		Failures:    c.failures.Load(),
		Skipped:     c.skipped.Load(),
		Substituted: c.substituted.Load(),
		Exceeded:    c.exceeded.Load(),
		RecentRate:  c.recent.Rate(),
		Mean:        c.overall.Mean(),
		P50:         c.overall.Quantile(50),
		P95:         c.overall.Quantile(95),
		P99:         c.overall.Quantile(99),
		Max:         c.overall.Max(),
		Requested:   make(map[engine.Kind]int64),
		Codes:       codes,
	}
	if elapsed > 0 {
		s.Rate = float64(ops) / elapsed.Seconds()
	}

	for _, k := range engine.AllKinds {
		if n := c.requested[k].Load(); n > 0 {
			s.Requested[k] = n
		}
		kt := c.kinds[k]
		n := kt.count.Load()
		if n == 0 {
			continue
		}
		s.Kinds = append(s.Kinds, KindStat{
			Kind:     k,
			Count:    n,
			Failures: kt.failures.Load(),
			Exceeded: kt.exceeded.Load(),
			Mean:     kt.latency.Mean(),
			P50:      kt.latency.Quantile(50),
			P95:      kt.latency.Quantile(95),
			P99:      kt.latency.Quantile(99),
			Max:      kt.latency.Max(),
		})
	}
	return s
}

// FormatLine returns a one-line summary suitable for periodic reporting.
func (c *Collector) FormatLine() string {
	s := c.Snapshot()
	return fmt.Sprintf("Rate: %.1f/s (recent: %.1f) | Ops: %d | Failures: %d | Latency: avg=%s p95=%s p99=%s",
		s.Rate,
		s.RecentRate,
		s.Ops,
		s.Failures,
		s.Mean.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
	)
}

// RollingWindow tracks counts within a sliding time window.
type RollingWindow struct {
	clock    engine.Clock
	mu       sync.Mutex
	buckets  []windowBucket
	duration time.Duration
	bucketMs int64
}

type windowBucket struct {
	timestamp int64 // Unix milliseconds
	count     int64
}

func NewRollingWindow(clock engine.Clock, duration, bucketSize time.Duration) *RollingWindow {
	numBuckets := int(duration / bucketSize)
	if numBuckets < 10 {
		numBuckets = 10
	}
	return &RollingWindow{
		clock:    clock,
		buckets:  make([]windowBucket, 0, numBuckets),
		duration: duration,
		bucketMs: bucketSize.Milliseconds(),
	}
}

// Add increments the count in the current time bucket.
func (rw *RollingWindow) Add(count int64) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	now := rw.clock.Now().UnixMilli()
	bucketTime := (now / rw.bucketMs) * rw.bucketMs

	cutoff := now - rw.duration.Milliseconds()
	kept := rw.buckets[:0]
	for _, b := range rw.buckets {
		if b.timestamp >= cutoff {
			kept = append(kept, b)
		}
	}
	rw.buckets = kept

	if n := len(rw.buckets); n > 0 && rw.buckets[n-1].timestamp == bucketTime {
		rw.buckets[n-1].count += count
	} else {
		rw.buckets = append(rw.buckets, windowBucket{timestamp: bucketTime, count: count})
	}
}

// Rate returns the per-second rate over the window.
func (rw *RollingWindow) Rate() float64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	cutoff := rw.clock.Now().UnixMilli() - rw.duration.Milliseconds()
	var total int64
	for _, b := range rw.buckets {
		if b.timestamp >= cutoff {
			total += b.count
		}
	}
	return float64(total) / rw.duration.Seconds()
}
