// Package metrics collects counters for the scrape and analysis pipeline.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const bucketCount = 8

// Collector collects and aggregates metrics.
type Collector struct {
	// Scrape counters
	attemptsTotal  atomic.Int64
	retriesTotal   atomic.Int64
	failuresTotal  atomic.Int64
	productsTotal  atomic.Int64
	detailsOK      atomic.Int64
	detailsFailed  atomic.Int64
	navigationsNum atomic.Int64
	navigationsSum atomic.Int64

	// Pipeline counters
	runsTotal    atomic.Int64
	runsFailed   atomic.Int64
	storedHits   atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	rejectedBusy atomic.Int64
	runTimeSumMs atomic.Int64
	runTimeNum   atomic.Int64

	// Gauges
	queueDepth atomic.Int64
	active     atomic.Int64

	// Navigation latency buckets: <1s, <2.5s, <5s, <10s, <20s, <30s, <60s, >=60s
	navigationBuckets [bucketCount]atomic.Int64

	// Failure breakdown by classification
	failureCounts map[string]*atomic.Int64
	failureMu     sync.RWMutex

	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{
		failureCounts: make(map[string]*atomic.Int64),
		startTime:     time.Now(),
	}
}

// RecordAttempt records one scrape session attempt.
func (c *Collector) RecordAttempt() {
	c.attemptsTotal.Add(1)
}

// RecordRetry records a retry after a failed attempt.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Add(1)
}

// RecordFailure records a failed attempt by classification.
func (c *Collector) RecordFailure(kind string) {
	c.failuresTotal.Add(1)

	c.failureMu.Lock()
	if c.failureCounts[kind] == nil {
		c.failureCounts[kind] = &atomic.Int64{}
	}
	c.failureCounts[kind].Add(1)
	c.failureMu.Unlock()
}

// RecordNavigation records how long a search navigation took.
func (c *Collector) RecordNavigation(d time.Duration) {
	c.navigationsSum.Add(d.Milliseconds())
	c.navigationsNum.Add(1)
	c.navigationBuckets[bucket(d)].Add(1)
}

func bucket(d time.Duration) int {
	switch {
	case d < time.Second:
		return 0
	case d < 2500*time.Millisecond:
		return 1
	case d < 5*time.Second:
		return 2
	case d < 10*time.Second:
		return 3
	case d < 20*time.Second:
		return 4
	case d < 30*time.Second:
		return 5
	case d < time.Minute:
		return 6
	default:
		return 7
	}
}

// RecordProducts records the size of a scraped batch.
func (c *Collector) RecordProducts(n int) {
	c.productsTotal.Add(int64(n))
}

// RecordDetail records a detail page visit.
func (c *Collector) RecordDetail(ok bool) {
	if ok {
		c.detailsOK.Add(1)
		return
	}
	c.detailsFailed.Add(1)
}

// RecordRun records a finished pipeline run.
func (c *Collector) RecordRun(d time.Duration, ok bool) {
	c.runsTotal.Add(1)
	if !ok {
		c.runsFailed.Add(1)
	}
	c.runTimeSumMs.Add(d.Milliseconds())
	c.runTimeNum.Add(1)
}

// RecordStoredHit records a run answered from stored products.
func (c *Collector) RecordStoredHit() {
	c.storedHits.Add(1)
}

// RecordCache records a report cache lookup.
func (c *Collector) RecordCache(hit bool) {
	if hit {
		c.cacheHits.Add(1)
		return
	}
	c.cacheMisses.Add(1)
}

// RecordBusy records a submission rejected because a pipeline was running.
func (c *Collector) RecordBusy() {
	c.rejectedBusy.Add(1)
}

// SetQueueDepth sets the number of waiting submissions.
func (c *Collector) SetQueueDepth(depth int64) {
	c.queueDepth.Store(depth)
}

// SetActive sets the number of running pipelines.
func (c *Collector) SetActive(n int64) {
	c.active.Store(n)
}

func average(sum, num *atomic.Int64) time.Duration {
	n := num.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(sum.Load()/n) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:         time.Now(),
		Uptime:            time.Since(c.startTime),
		AttemptsTotal:     c.attemptsTotal.Load(),
		RetriesTotal:      c.retriesTotal.Load(),
		FailuresTotal:     c.failuresTotal.Load(),
		ProductsTotal:     c.productsTotal.Load(),
		DetailsOK:         c.detailsOK.Load(),
		DetailsFailed:     c.detailsFailed.Load(),
		RunsTotal:         c.runsTotal.Load(),
		RunsFailed:        c.runsFailed.Load(),
		StoredHits:        c.storedHits.Load(),
		CacheHits:         c.cacheHits.Load(),
		CacheMisses:       c.cacheMisses.Load(),
		RejectedBusy:      c.rejectedBusy.Load(),
		QueueDepth:        c.queueDepth.Load(),
		Active:            c.active.Load(),
		AverageNavigation: average(&c.navigationsSum, &c.navigationsNum),
		AverageRun:        average(&c.runTimeSumMs, &c.runTimeNum),
		FailureCounts:     make(map[string]int64),
		NavigationHist:    make([]int64, bucketCount),
	}

	c.failureMu.RLock()
	for k, v := range c.failureCounts {
		s.FailureCounts[k] = v.Load()
	}
	c.failureMu.RUnlock()

	for i := 0; i < bucketCount; i++ {
		s.NavigationHist[i] = c.navigationBuckets[i].Load()
	}

	return s
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp         time.Time        `json:"timestamp"`
	Uptime            time.Duration    `json:"uptime"`
	AttemptsTotal     int64            `json:"attempts_total"`
	RetriesTotal      int64            `json:"retries_total"`
	FailuresTotal     int64            `json:"failures_total"`
	ProductsTotal     int64            `json:"products_total"`
	DetailsOK         int64            `json:"details_ok"`
	DetailsFailed     int64            `json:"details_failed"`
	RunsTotal         int64            `json:"runs_total"`
	RunsFailed        int64            `json:"runs_failed"`
	StoredHits        int64            `json:"stored_hits"`
	CacheHits         int64            `json:"cache_hits"`
	CacheMisses       int64            `json:"cache_misses"`
	RejectedBusy      int64            `json:"rejected_busy"`
	QueueDepth        int64            `json:"queue_depth"`
	Active            int64            `json:"active"`
	AverageNavigation time.Duration    `json:"average_navigation"`
	AverageRun        time.Duration    `json:"average_run"`
	FailureCounts     map[string]int64 `json:"failure_counts"`
	NavigationHist    []int64          `json:"navigation_histogram"`
}

// FailureRate returns failed attempts over all attempts.
func (s *Snapshot) FailureRate() float64 {
	if s.AttemptsTotal == 0 {
		return 0
	}
	return float64(s.FailuresTotal) / float64(s.AttemptsTotal)
}

// CacheHitRate returns cache hits over lookups.
func (s *Snapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Summary returns a flat view for logging.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":            s.Uptime.String(),
		"runs_total":        s.RunsTotal,
		"runs_failed":       s.RunsFailed,
		"attempts_total":    s.AttemptsTotal,
		"retries_total":     s.RetriesTotal,
		"failure_rate":      s.FailureRate(),
		"products_total":    s.ProductsTotal,
		"stored_hits":       s.StoredHits,
		"cache_hit_rate":    s.CacheHitRate(),
		"rejected_busy":     s.RejectedBusy,
		"queue_depth":       s.QueueDepth,
		"avg_navigation_ms": s.AverageNavigation.Milliseconds(),
	}
}

// Global metrics collector.
var globalCollector = New()

// SetGlobal sets the global metrics collector.
func SetGlobal(c *Collector) {
	globalCollector = c
}

// Global returns the global metrics collector.
func Global() *Collector {
	return globalCollector
}
