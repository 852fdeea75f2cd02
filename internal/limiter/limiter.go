// Package limiter implements §4.6's resource limiter: a background sampler
// over memory, open-handle, and cached-module counts that fires a warning
// callback at 90% of budget and gates new loads once the cache is full.
package limiter

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Config bounds the resources the limiter watches (mirrors
// config.ResourceLimits).
type Config struct {
	MaxMemoryBytes   int64
	MaxFileHandles   int
	MaxCachedModules int
	CheckInterval    time.Duration
}

// Sample is one point-in-time reading.
type Sample struct {
	MemoryBytes    int64
	FileHandles    int
	CachedModules  int
	MemoryPercent  float64
	HandlesPercent float64
	ModulesPercent float64
}

// WarningFunc is invoked once any tracked resource crosses 90% of its limit.
type WarningFunc func(Sample)

// Limiter samples on an interval and exposes an admission gate.
type Limiter struct {
	cfg     Config
	onWarn  WarningFunc
	fileHandles int64 // atomically adjusted by OpenHandle/CloseHandle
	moduleCount func() int

	mu        sync.Mutex
	lastWarn  bool
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
}

// New constructs a Limiter. moduleCount reports the current cached-module
// count (typically loader.Loader.GetCacheStats().Size); it may be nil, in
// which case cached-module pressure is never sampled.
func New(cfg Config, moduleCount func() int, onWarn WarningFunc) *Limiter {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Limiter{cfg: cfg, onWarn: onWarn, moduleCount: moduleCount}
}

// Start begins the background sampling goroutine. It is safe to call Start
// at most once per Limiter.
func (l *Limiter) Start() {
	l.mu.Lock()
	if l.stopCh != nil {
		l.mu.Unlock()
		return
	}
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				l.sampleAndWarn()
			}
		}
	}()
}

// Stop halts the background sampler; safe to call multiple times.
func (l *Limiter) Stop() {
	l.mu.Lock()
	if l.stopped || l.stopCh == nil {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.stopCh)
	l.mu.Unlock()
	l.wg.Wait()
}

// OpenHandle increments the tracked open-file-handle count. The count
// changes only through OpenHandle and CloseHandle; the Loader does not call
// them, so inside a ModuleSystem the sampled handle count stays at zero.
func (l *Limiter) OpenHandle() { atomic.AddInt64(&l.fileHandles, 1) }

// CloseHandle decrements the tracked open-file-handle count.
func (l *Limiter) CloseHandle() { atomic.AddInt64(&l.fileHandles, -1) }

// Sample takes an immediate reading without waiting for the next tick.
func (l *Limiter) Sample() Sample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	handles := int(atomic.LoadInt64(&l.fileHandles))
	modules := 0
	if l.moduleCount != nil {
		modules = l.moduleCount()
	}

	s := Sample{
		MemoryBytes:   int64(mem.Sys),
		FileHandles:   handles,
		CachedModules: modules,
	}
	if l.cfg.MaxMemoryBytes > 0 {
		s.MemoryPercent = float64(s.MemoryBytes) / float64(l.cfg.MaxMemoryBytes) * 100
	}
	if l.cfg.MaxFileHandles > 0 {
		s.HandlesPercent = float64(s.FileHandles) / float64(l.cfg.MaxFileHandles) * 100
	}
	if l.cfg.MaxCachedModules > 0 {
		s.ModulesPercent = float64(s.CachedModules) / float64(l.cfg.MaxCachedModules) * 100
	}
	return s
}

func (l *Limiter) sampleAndWarn() {
	s := l.Sample()
	crossed := s.MemoryPercent >= 90 || s.HandlesPercent >= 90 || s.ModulesPercent >= 90
	if crossed && l.onWarn != nil {
		l.onWarn(s)
	}
}

// CanLoadModule reports false once the cache has reached its module-count
// limit (§4.6 "the ModuleSystem refuses to admit new loads").
func (l *Limiter) CanLoadModule() bool {
	if l.cfg.MaxCachedModules <= 0 || l.moduleCount == nil {
		return true
	}
	return l.moduleCount() < l.cfg.MaxCachedModules
}
