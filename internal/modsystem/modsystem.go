// Package modsystem wires C1-C6 into the single ModuleSystem facade the
// rest of the codebase talks to: Resolver, Loader, Registry, Compiler
// driver, Bundler, and the operational envelope (breaker, limiter,
// metrics, logger, management server, dev-mode watcher). Grounded on the
// teacher's Runtime (construct, then Configure, then Dispose; a single
// owner of every subordinate component) and its eventLoop/QueueJSOperation
// pattern, generalized here into "public async operations race a
// deadline" (§5) rather than a single-threaded JS event loop.
package modsystem

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/somlang/modsys/internal/breaker"
	"github.com/somlang/modsys/internal/bundler"
	"github.com/somlang/modsys/internal/compiler"
	"github.com/somlang/modsys/internal/langiface"
	"github.com/somlang/modsys/internal/limiter"
	"github.com/somlang/modsys/internal/loader"
	"github.com/somlang/modsys/internal/metrics"
	"github.com/somlang/modsys/internal/modlog"
	"github.com/somlang/modsys/internal/modulerr"
	"github.com/somlang/modsys/internal/registry"
	"github.com/somlang/modsys/internal/resolver"
	"github.com/somlang/modsys/internal/retry"
	"github.com/somlang/modsys/internal/server"
	"github.com/somlang/modsys/internal/watcher"
	"github.com/somlang/modsys/pkg/config"
)

// shutdownTimeout bounds the whole graceful-shutdown sequence (§4.6).
const shutdownTimeout = 30 * time.Second

// ModuleSystem is the single facade over C1-C6. Construct with New, which
// performs eager configuration validation (§4.6); operate through Load,
// Compile, Bundle; tear down with Shutdown or by letting signal handling
// invoke it automatically via ListenForSignals.
type ModuleSystem struct {
	Resolver *resolver.Resolver
	Loader   *loader.Loader
	Registry *registry.Registry
	Compiler *compiler.Compiler
	Bundler  *bundler.Bundler

	breakers *breaker.Manager
	limiter  *limiter.Limiter
	metrics  *metrics.Metrics
	logger   *modlog.Logger
	server   *server.Server
	watcher  *watcher.Watcher

	mu        sync.RWMutex
	cfg       config.Config
	timeout   time.Duration
	disposed  bool
	shutdownOnce sync.Once
}

// New validates cfg, wires every enabled component, and returns a ready
// ModuleSystem. pipeline is the external parser/compile contract (§6); fs
// lets tests substitute afero.NewMemMapFs() for the real filesystem.
func New(fs afero.Fs, cfg config.Config, pipeline langiface.Pipeline) (*ModuleSystem, error) {
	if err := config.Validate(&cfg); err != nil {
		if ve, ok := err.(*config.ValidationError); ok {
			return nil, modulerr.NewConfigurationError(ve.Problems)
		}
		return nil, modulerr.NewConfigurationError([]string{err.Error()})
	}

	res := resolver.New(fs, cfg.Resolution)
	l := loader.New(fs, res, pipeline, cfg.Loading)
	reg := registry.New(cfg.Resolution.Extensions)
	comp := compiler.New(l, reg, pipeline)
	bun := bundler.New(res, nil)

	ms := &ModuleSystem{
		Resolver: res,
		Loader:   l,
		Registry: reg,
		Compiler: comp,
		Bundler:  bun,
		cfg:      cfg,
		timeout:  time.Duration(cfg.OperationTimeoutMS) * time.Millisecond,
	}

	if cfg.Logger {
		ms.logger = modlog.New("modsystem", modlog.LevelInfo)
	}

	if cfg.CircuitBreakers {
		ms.breakers = breaker.NewManager(breaker.DefaultConfig())
		l.SetBreakerGuard(ms.breakers.Guard)
	}

	ms.limiter = limiter.New(limiter.Config{
		MaxMemoryBytes:   cfg.ResourceLimits.MaxMemoryBytes,
		MaxFileHandles:   cfg.ResourceLimits.MaxFileHandles,
		MaxCachedModules: cfg.ResourceLimits.MaxCachedModules,
		CheckInterval:    time.Duration(cfg.ResourceLimits.CheckIntervalMS) * time.Millisecond,
	}, func() int { return l.GetCacheStats().Size }, ms.onResourceWarning)
	ms.limiter.Start()

	if cfg.Metrics {
		ms.metrics = metrics.New(10000, func() (int, int64, int64) {
			stats := l.GetCacheStats()
			return stats.Size, stats.Hits, stats.Misses
		})
	}

	if cfg.WatchMode {
		w, err := watcher.New(l)
		if err != nil {
			return nil, fmt.Errorf("starting file watcher: %w", err)
		}
		ms.watcher = w
		ms.watcher.Start()
	}

	if cfg.ManagementServer {
		ms.server = server.New(server.Options{
			Metrics:    ms.metrics,
			Breakers:   ms.breakers,
			Config:     (*configStore)(ms),
			Reset:      (*metricsResetter)(ms),
			Thresholds: metrics.DefaultHealthThresholds(),
		})
		if err := ms.server.Start(fmt.Sprintf(":%d", cfg.ManagementPort)); err != nil {
			return nil, fmt.Errorf("starting management server: %w", err)
		}
	}

	return ms, nil
}

func (ms *ModuleSystem) onResourceWarning(s limiter.Sample) {
	if ms.logger != nil {
		ms.logger.WithFields(map[string]interface{}{
			"memoryPercent":  s.MemoryPercent,
			"handlesPercent": s.HandlesPercent,
			"modulesPercent": s.ModulesPercent,
		}).Warn("resource usage approaching configured limit")
	}
}

// withTimeout races fn against duration, always clearing the timer (§4.6
// "the timer handle is always cleared on both paths to prevent leaks").
func withTimeout[T any](ctx context.Context, duration time.Duration, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	deadline, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(deadline)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-deadline.Done():
		return zero, modulerr.NewTimeoutError(operation, duration.Milliseconds())
	}
}

// Load resolves spec from referrer and loads it, racing the configured
// operation timeout (§5).
func (ms *ModuleSystem) Load(ctx context.Context, spec, referrer string) (*loader.LoadedModule, error) {
	if ms.isDisposed() {
		return nil, fmt.Errorf("module system is shut down")
	}
	if !ms.limiter.CanLoadModule() {
		return nil, modulerr.NewResourceLimitError("cached module count at configured limit")
	}
	start := time.Now()
	m, err := withTimeout(ctx, ms.timeout, "load", func(ctx context.Context) (*loader.LoadedModule, error) {
		return ms.Loader.Load(spec, referrer)
	})
	if ms.metrics != nil {
		ms.metrics.Counters.IncRequests()
		ms.metrics.Load.Record(time.Since(start))
		if err != nil {
			ms.metrics.Counters.IncLoadError()
		}
	}
	return m, err
}

// Compile drives the full compile pass for entryPoint (§4.4), racing the
// configured operation timeout.
func (ms *ModuleSystem) Compile(ctx context.Context, entryPoint string, externals []string, opts compiler.Options) (*compiler.Result, error) {
	if ms.isDisposed() {
		return nil, fmt.Errorf("module system is shut down")
	}
	start := time.Now()
	result, err := withTimeout(ctx, ms.timeout, "compile", func(ctx context.Context) (*compiler.Result, error) {
		return ms.Compiler.Compile(ctx, entryPoint, externals, opts)
	})
	if ms.metrics != nil {
		ms.metrics.Counters.IncRequests()
		ms.metrics.Compile.Record(time.Since(start))
		if err != nil || (result != nil && len(result.Errors) > 0) {
			ms.metrics.Counters.IncCompileError()
		}
	}
	return result, err
}

// Bundle turns a completed compiler.Result into a bundle artifact (§4.5),
// racing the configured operation timeout.
func (ms *ModuleSystem) Bundle(ctx context.Context, result *compiler.Result, opts bundler.Options) (*bundler.Result, error) {
	if ms.isDisposed() {
		return nil, fmt.Errorf("module system is shut down")
	}
	start := time.Now()
	out, err := withTimeout(ctx, ms.timeout, "bundle", func(ctx context.Context) (*bundler.Result, error) {
		return ms.Bundler.Bundle(result, opts)
	})
	if ms.metrics != nil {
		ms.metrics.Counters.IncRequests()
		ms.metrics.Bundle.Record(time.Since(start))
		if err != nil {
			ms.metrics.Counters.IncBundleError()
		}
	}
	return out, err
}

// CallExternal wraps an external invocation with retry-around-breaker
// semantics (§4.6 "Retries... occur only between breaker-allowed
// attempts"). key names the breaker/circuit this external dependency uses;
// used by callers that reach outside the module system (e.g. a minifier
// service or a remote registry lookup) rather than by Load/Compile/Bundle
// themselves, which operate entirely on local/injected state.
func (ms *ModuleSystem) CallExternal(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if ms.breakers == nil {
		return retry.Do(ctx, retry.DefaultConfig(), fn)
	}
	before := ms.breakers.Get(key).State()
	err := retry.WithBreaker(ctx, retry.DefaultConfig(), ms.breakers.Get(key).Guard, fn)
	if ms.metrics != nil && before != breaker.Open && ms.breakers.Get(key).State() == breaker.Open {
		ms.metrics.Counters.IncBreakerTrip()
	}
	return err
}

// Health reports the operational envelope's aggregated health (§4.6),
// usable independently of whether the management server is enabled.
func (ms *ModuleSystem) Health() (metrics.HealthReport, bool) {
	if ms.metrics == nil {
		return metrics.HealthReport{}, false
	}
	return ms.metrics.Health(metrics.DefaultHealthThresholds()), true
}

// ListenForSignals invokes Shutdown exactly once on SIGTERM/SIGINT/SIGHUP
// (§4.6); subsequent signals are ignored since Shutdown itself is
// idempotent via sync.Once.
func (ms *ModuleSystem) ListenForSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		<-sigCh
		ms.Shutdown(context.Background())
	}()
}

// Shutdown runs the exact sequence of §4.6: stop the resource limiter,
// close file watchers, shut down breakers, stop the management server,
// clear caches. The whole pass is bounded by shutdownTimeout; a failing
// step is logged but never aborts the remaining steps. Safe to call more
// than once; only the first call has effect.
func (ms *ModuleSystem) Shutdown(ctx context.Context) {
	ms.shutdownOnce.Do(func() {
		ms.mu.Lock()
		ms.disposed = true
		ms.mu.Unlock()

		deadline, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		ms.logStep("stopping resource limiter", func() error {
			ms.limiter.Stop()
			return nil
		})

		ms.logStep("closing file watchers", func() error {
			if ms.watcher == nil {
				return nil
			}
			return ms.watcher.Stop(deadline)
		})

		ms.logStep("shutting down circuit breakers", func() error {
			if ms.breakers == nil {
				return nil
			}
			ms.breakers.Reset()
			return nil
		})

		ms.logStep("stopping management server", func() error {
			if ms.server == nil {
				return nil
			}
			return ms.server.Stop()
		})

		ms.logStep("clearing caches", func() error {
			ms.Loader.ClearCache()
			return nil
		})
	})
}

func (ms *ModuleSystem) isDisposed() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.disposed
}

func (ms *ModuleSystem) logStep(name string, fn func() error) {
	if err := fn(); err != nil && ms.logger != nil {
		ms.logger.WithError(err).Warn(name + " failed during shutdown")
	}
}

// configStore adapts ModuleSystem to server.ConfigStore without the server
// package depending on modsystem (which would cycle back through it).
type configStore ModuleSystem

func (c *configStore) Current() config.Config {
	ms := (*ModuleSystem)(c)
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.cfg
}

func (c *configStore) Merge(update map[string]interface{}) (config.Config, error) {
	ms := (*ModuleSystem)(c)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	merged, err := config.Merge(ms.cfg, update)
	if err != nil {
		return ms.cfg, err
	}
	ms.cfg = merged
	return merged, nil
}

// metricsResetter adapts ModuleSystem to server.MetricsResetter.
type metricsResetter ModuleSystem

func (m *metricsResetter) Reset() {
	ms := (*ModuleSystem)(m)
	if ms.metrics != nil {
		ms.metrics.Counters.Reset()
	}
}
