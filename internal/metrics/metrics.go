// Package metrics implements §4.6's latency recorders, counters, and stats
// snapshot: load/compile/bundle latency histograms (bounded sample window,
// on-demand quantiles), monotonic counters, and a health grading pass.
package metrics

import (
	"encoding/json"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewCorrelationID returns a fresh random (version 4) UUID string for use as
// a per-operation correlation id with modlog.Logger.WithCorrelationID.
// StatsSnapshot does not carry correlation ids.
func NewCorrelationID() string { return uuid.NewString() }

const defaultSampleWindow = 10000

// Recorder is a single latency histogram with count/sum/min/max and a
// bounded reservoir of recent samples for on-demand quantiles.
type Recorder struct {
	mu sync.Mutex

	count      int64
	sumNanos   int64
	minNanos   int64
	maxNanos   int64
	window     []time.Duration
	windowSize int
	cursor     int
}

// NewRecorder constructs a Recorder with the given sample-window size (0
// defaults to 10 000, §4.6).
func NewRecorder(windowSize int) *Recorder {
	if windowSize <= 0 {
		windowSize = defaultSampleWindow
	}
	return &Recorder{windowSize: windowSize}
}

// Record adds one latency observation.
func (r *Recorder) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	r.sumNanos += int64(d)
	if r.count == 1 || int64(d) < r.minNanos {
		r.minNanos = int64(d)
	}
	if int64(d) > r.maxNanos {
		r.maxNanos = int64(d)
	}

	if len(r.window) < r.windowSize {
		r.window = append(r.window, d)
	} else {
		r.window[r.cursor] = d
		r.cursor = (r.cursor + 1) % r.windowSize
	}
}

// Snapshot is a Recorder's point-in-time aggregate view.
type Snapshot struct {
	Count int64         `json:"count"`
	Sum   time.Duration `json:"sum"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// Snapshot computes count/sum/min/max plus quantiles from the current
// sample window.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	samples := append([]time.Duration(nil), r.window...)
	s := Snapshot{
		Count: r.count,
		Sum:   time.Duration(r.sumNanos),
		Min:   time.Duration(r.minNanos),
		Max:   time.Duration(r.maxNanos),
	}
	r.mu.Unlock()

	if len(samples) == 0 {
		return s
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	s.P50 = percentile(samples, 0.50)
	s.P95 = percentile(samples, 0.95)
	s.P99 = percentile(samples, 0.99)
	s.P999 = percentile(samples, 0.999)
	return s
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Counters tracks monotonic request/error/breaker-trip counts (§4.6).
type Counters struct {
	requests    int64
	loadErrors  int64
	compileErrs int64
	bundleErrs  int64
	breakerTrips int64
}

func (c *Counters) IncRequests()    { atomic.AddInt64(&c.requests, 1) }
func (c *Counters) IncLoadError()   { atomic.AddInt64(&c.loadErrors, 1) }
func (c *Counters) IncCompileError() { atomic.AddInt64(&c.compileErrs, 1) }
func (c *Counters) IncBundleError() { atomic.AddInt64(&c.bundleErrs, 1) }
func (c *Counters) IncBreakerTrip() { atomic.AddInt64(&c.breakerTrips, 1) }

// Reset zeroes every counter; used by the management server's /admin/reset.
func (c *Counters) Reset() {
	atomic.StoreInt64(&c.requests, 0)
	atomic.StoreInt64(&c.loadErrors, 0)
	atomic.StoreInt64(&c.compileErrs, 0)
	atomic.StoreInt64(&c.bundleErrs, 0)
	atomic.StoreInt64(&c.breakerTrips, 0)
}

// CounterSnapshot is a point-in-time read of Counters.
type CounterSnapshot struct {
	Requests      int64 `json:"requests"`
	LoadErrors    int64 `json:"loadErrors"`
	CompileErrors int64 `json:"compileErrors"`
	BundleErrors  int64 `json:"bundleErrors"`
	BreakerTrips  int64 `json:"breakerTrips"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Requests:      atomic.LoadInt64(&c.requests),
		LoadErrors:    atomic.LoadInt64(&c.loadErrors),
		CompileErrors: atomic.LoadInt64(&c.compileErrs),
		BundleErrors:  atomic.LoadInt64(&c.bundleErrs),
		BreakerTrips:  atomic.LoadInt64(&c.breakerTrips),
	}
}

// CacheStatsProvider lets Metrics pull current cache occupancy without a
// hard dependency on the loader package.
type CacheStatsProvider func() (size int, hits, misses int64)

// Metrics aggregates every C6 instrument the management server exposes.
type Metrics struct {
	Load    *Recorder
	Compile *Recorder
	Bundle  *Recorder
	Counters *Counters

	startedAt time.Time
	cacheFn   CacheStatsProvider
}

// New constructs the full metrics set. cacheFn may be nil.
func New(sampleWindow int, cacheFn CacheStatsProvider) *Metrics {
	return &Metrics{
		Load:      NewRecorder(sampleWindow),
		Compile:   NewRecorder(sampleWindow),
		Bundle:    NewRecorder(sampleWindow),
		Counters:  &Counters{},
		startedAt: time.Now(),
		cacheFn:   cacheFn,
	}
}

// StatsSnapshot is §4.6's full "/metrics" payload.
type StatsSnapshot struct {
	Load     Snapshot        `json:"load"`
	Compile  Snapshot        `json:"compile"`
	Bundle   Snapshot        `json:"bundle"`
	Counters CounterSnapshot `json:"counters"`

	MemoryRSS     uint64  `json:"memoryRss"`
	MemoryHeap    uint64  `json:"memoryHeap"`
	CacheSize     int     `json:"cacheSize"`
	CacheHitRate  float64 `json:"cacheHitRate"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Stats computes the full snapshot (§4.6 "stats snapshot").
func (m *Metrics) Stats() StatsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := StatsSnapshot{
		Load:          m.Load.Snapshot(),
		Compile:       m.Compile.Snapshot(),
		Bundle:        m.Bundle.Snapshot(),
		Counters:      m.Counters.Snapshot(),
		MemoryRSS:     mem.Sys,
		MemoryHeap:    mem.HeapAlloc,
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
	}
	if m.cacheFn != nil {
		size, hits, misses := m.cacheFn()
		s.CacheSize = size
		if total := hits + misses; total > 0 {
			s.CacheHitRate = float64(hits) / float64(total)
		}
	}
	return s
}

// Grade is a health-check verdict (§4.6 "pass/warn/fail").
type Grade int

const (
	Pass Grade = iota
	Warn
	Fail
)

func (g Grade) String() string {
	switch g {
	case Pass:
		return "pass"
	case Warn:
		return "warn"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalJSON renders a Grade as its "pass"/"warn"/"fail" string form.
func (g Grade) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

// HealthCheck is one named check's grade.
type HealthCheck struct {
	Name  string `json:"name"`
	Grade Grade  `json:"grade"`
}

// Overall combines checks into a single healthy/degraded/unhealthy verdict.
type Overall int

const (
	Healthy Overall = iota
	Degraded
	Unhealthy
)

func (o Overall) String() string {
	switch o {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders an Overall as its "healthy"/"degraded"/"unhealthy"
// string form.
func (o Overall) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// HealthReport is the combined §4.6 health-check result.
type HealthReport struct {
	Checks  []HealthCheck `json:"checks"`
	Overall Overall       `json:"overall"`
}

// HealthThresholds configures the memory/cache/error-rate grading bounds.
type HealthThresholds struct {
	MemoryWarnPercent  float64
	MemoryFailPercent  float64
	CacheWarnPercent   float64
	CacheFailPercent   float64
	ErrorRateWarn      float64
	ErrorRateFail      float64
	MaxMemoryBytes     int64
	MaxCachedModules   int
}

// DefaultHealthThresholds grades memory and cache as warn at 75% and fail at
// 95% of their limits, and the error rate as warn at 5% and fail at 25%. The
// memory and cache limits are left at zero, which skips those two checks
// until a caller sets them.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		MemoryWarnPercent: 75,
		MemoryFailPercent: 95,
		CacheWarnPercent:  75,
		CacheFailPercent:  95,
		ErrorRateWarn:     0.05,
		ErrorRateFail:     0.25,
	}
}

// Health grades memory, cache, and error-rate into pass/warn/fail and
// combines them into an overall verdict (§4.6).
func (m *Metrics) Health(t HealthThresholds) HealthReport {
	stats := m.Stats()
	var checks []HealthCheck

	memGrade := Pass
	if t.MaxMemoryBytes > 0 {
		pct := float64(stats.MemoryRSS) / float64(t.MaxMemoryBytes) * 100
		switch {
		case pct >= t.MemoryFailPercent:
			memGrade = Fail
		case pct >= t.MemoryWarnPercent:
			memGrade = Warn
		}
	}
	checks = append(checks, HealthCheck{Name: "memory", Grade: memGrade})

	cacheGrade := Pass
	if t.MaxCachedModules > 0 {
		pct := float64(stats.CacheSize) / float64(t.MaxCachedModules) * 100
		switch {
		case pct >= t.CacheFailPercent:
			cacheGrade = Fail
		case pct >= t.CacheWarnPercent:
			cacheGrade = Warn
		}
	}
	checks = append(checks, HealthCheck{Name: "cache", Grade: cacheGrade})

	errGrade := Pass
	if stats.Counters.Requests > 0 {
		errs := stats.Counters.LoadErrors + stats.Counters.CompileErrors + stats.Counters.BundleErrors
		rate := float64(errs) / float64(stats.Counters.Requests)
		switch {
		case rate >= t.ErrorRateFail:
			errGrade = Fail
		case rate >= t.ErrorRateWarn:
			errGrade = Warn
		}
	}
	checks = append(checks, HealthCheck{Name: "error-rate", Grade: errGrade})

	overall := Healthy
	for _, c := range checks {
		if c.Grade == Fail {
			overall = Unhealthy
			break
		}
		if c.Grade == Warn && overall == Healthy {
			overall = Degraded
		}
	}

	return HealthReport{Checks: checks, Overall: overall}
}
