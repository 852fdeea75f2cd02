// Package loader implements C2: read, parse, extract dependencies, cache,
// detect cycles (§4.2).
package loader

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/somlang/modsys/internal/langiface"
	"github.com/somlang/modsys/internal/modulerr"
	"github.com/somlang/modsys/internal/resolver"
	"github.com/somlang/modsys/internal/specifier"
	"github.com/somlang/modsys/pkg/config"
)

// CycleStrategy mirrors loading.circularDependencyStrategy (§4.2 step 5).
type CycleStrategy string

const (
	CycleError  CycleStrategy = "error"
	CycleWarn   CycleStrategy = "warn"
	CycleIgnore CycleStrategy = "ignore"
)

// Exports is the module's export surface (§3 LoadedModule).
type Exports struct {
	Default interface{}
	Named   map[string]interface{}
}

// LoadedModule is §3's LoadedModule.
type LoadedModule struct {
	ID           string
	AbsolutePath string
	Source       string
	Dependencies []string                         // raw specifier strings, as recorded by the parser
	Imports      []langiface.ImportDeclarationNode // full declarations, specifiers included (§3 imports)
	Exports      Exports
	IsLoaded     bool
	IsLoading    bool
	LastAccessed time.Time
	Error        error

	resolvedExtension string
}

// ResolvedExtension reports the file extension this module resolved to, or
// "" for externals.
func (m *LoadedModule) ResolvedExtension() string { return m.resolvedExtension }

// CacheStats is the §8 snapshot used to check eviction invariants.
type CacheStats struct {
	Size        int
	MemoryUsage int64
	Hits        int64
	Misses      int64
}

// Loader owns the module cache and the in-flight loading stack exclusively
// (§3 Ownership).
type Loader struct {
	mu sync.Mutex

	fs       afero.Fs
	resolver *resolver.Resolver
	pipeline langiface.Parser

	// breakerGuard wraps loading an external module (§4.2 "Circuit-breaker
	// integration"). Nil means no breaker is wired (circuitBreakers disabled).
	breakerGuard func(key string, fn func() error) error

	cycleStrategy CycleStrategy
	externals     []string
	maxCacheSize  int
	maxCacheMem   int64

	cache         map[string]*LoadedModule
	loadingStack  []string
	loadingSet    map[string]bool
	lruOrder      []string // most-recently-used at the end
	currentMemory int64
	warnings      []string

	cacheHits   int64
	cacheMisses int64

	group singleflight.Group
}

// New constructs a Loader over fs, using resolver for §4.1 resolution and
// pipeline.Parse for dependency extraction (§6).
func New(fs afero.Fs, res *resolver.Resolver, pipeline langiface.Parser, cfg config.Loading) *Loader {
	strategy := CycleStrategy(cfg.CircularDependencyStrategy)
	if strategy == "" {
		strategy = CycleError
	}
	maxSize := cfg.MaxCacheSize
	if maxSize <= 0 {
		maxSize = 500
	}
	maxMem := cfg.MaxCacheMemory
	if maxMem <= 0 {
		maxMem = 64 * 1024 * 1024
	}
	return &Loader{
		fs:            fs,
		resolver:      res,
		pipeline:      pipeline,
		cycleStrategy: strategy,
		externals:     append([]string(nil), cfg.Externals...),
		maxCacheSize:  maxSize,
		maxCacheMem:   maxMem,
		cache:         make(map[string]*LoadedModule),
		loadingSet:    make(map[string]bool),
	}
}

// SetBreakerGuard wires a circuit-breaker invocation wrapper for external
// module loads (§4.2). fn's error, if any, is surfaced on the stub module's
// Error field per the breaker's fallback contract.
func (l *Loader) SetBreakerGuard(guard func(key string, fn func() error) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.breakerGuard = guard
}

// SetExternals replaces the configured external module patterns (§4.2).
func (l *Loader) SetExternals(patterns []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.externals = append([]string(nil), patterns...)
}

// GetExternals returns the configured external module patterns.
func (l *Loader) GetExternals() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.externals...)
}

// GetWarnings returns accumulated warnings (cycle notices, suspicious
// specifiers) (§4.2 step 5/8).
func (l *Loader) GetWarnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

// ClearWarnings empties the warnings list.
func (l *Loader) ClearWarnings() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = nil
}

// GetCacheStats returns the §8 cache snapshot.
func (l *Loader) GetCacheStats() CacheStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CacheStats{Size: len(l.cache), MemoryUsage: l.currentMemory, Hits: l.cacheHits, Misses: l.cacheMisses}
}

// GetModule returns a cached module by id.
func (l *Loader) GetModule(id string) (*LoadedModule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.cache[id]
	return m, ok
}

// IsLoaded reports whether id is cached and terminally loaded.
func (l *Loader) IsLoaded(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.cache[id]
	return ok && m.IsLoaded
}

// GetAllModules returns every cached module, loaded or errored.
func (l *Loader) GetAllModules() []*LoadedModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LoadedModule, 0, len(l.cache))
	for _, m := range l.cache {
		out = append(out, m)
	}
	return out
}

// GetDependencyGraph returns id -> raw dependency specifiers for every
// cached module, the shape the Registry consumes to build its graph.
func (l *Loader) GetDependencyGraph() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]string, len(l.cache))
	for id, m := range l.cache {
		out[id] = append([]string(nil), m.Dependencies...)
	}
	return out
}

// ClearCache empties the module cache and memory accounting. Registry
// entries are untouched (§3 Lifecycle: "Registry entries live until
// clearCache or shutdown" is driven by the owning ModuleSystem calling both).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*LoadedModule)
	l.lruOrder = nil
	l.currentMemory = 0
}

// Invalidate evicts a single module by absolute path, if cached. Used by a
// dev-mode file watcher reacting to on-disk changes: the next Load re-reads
// and re-parses the file instead of serving a stale cache entry.
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.cache[id]
	if !ok {
		return
	}
	l.currentMemory -= estimateSize(m)
	delete(l.cache, id)
	l.lruOrder = removeString(l.lruOrder, id)
}

func externalID(canonical string) string { return "external:" + canonical }

// isExternal reports whether spec matches a configured external pattern,
// trying the raw specifier with/without ".js" and the language extension
// (§4.2 step 1).
func (l *Loader) isExternal(spec string) (canonical string, ok bool) {
	variants := []string{
		spec,
		strings.TrimSuffix(spec, ".js"),
		strings.TrimSuffix(spec, ".som"),
	}
	for _, pattern := range l.externals {
		for _, v := range variants {
			if v == pattern {
				return pattern, true
			}
		}
	}
	return "", false
}

// Load is the async entry point (§4.2). The concurrency model is
// cooperative (§5); this implementation additionally dedupes concurrent
// callers racing on the same absolute path with singleflight so only one
// caller actually performs the read+parse.
func (l *Loader) Load(spec, referrer string) (*LoadedModule, error) {
	if canonical, ok := l.isExternal(spec); ok {
		return l.loadExternal(canonical), nil
	}

	rm, err := l.resolver.Resolve(spec, referrer)
	if err != nil {
		return nil, err
	}

	v, err, _ := l.group.Do(rm.AbsolutePath, func() (interface{}, error) {
		return l.loadResolved(rm)
	})
	if err != nil {
		return nil, err
	}
	return v.(*LoadedModule), nil
}

// loadDependency is populate()'s recursive entry point for a module's own
// import declarations. It must bypass l.group.Do: populate() already runs
// inside an outer in-flight call for its own path, so on a cyclic graph a
// nested Do for a path still in-flight on the same goroutine would wait on
// a singleflight waitgroup that only that same (blocked) outer call could
// ever signal — a permanent deadlock. Cycle safety here comes entirely from
// loadingStack/loadingSet in loadResolved, exactly as LoadSync relies on it;
// group.Do is reserved for genuinely concurrent top-level Load callers.
func (l *Loader) loadDependency(spec, referrer string) (*LoadedModule, error) {
	if canonical, ok := l.isExternal(spec); ok {
		return l.loadExternal(canonical), nil
	}
	rm, err := l.resolver.Resolve(spec, referrer)
	if err != nil {
		return nil, err
	}
	return l.loadResolved(rm)
}

// LoadSync is the synchronous variant (§4.2): identical semantics, no
// suspension point, no singleflight dedup (a single caller never races
// itself).
func (l *Loader) LoadSync(spec, referrer string) (*LoadedModule, error) {
	if canonical, ok := l.isExternal(spec); ok {
		return l.loadExternal(canonical), nil
	}
	rm, err := l.resolver.Resolve(spec, referrer)
	if err != nil {
		return nil, err
	}
	return l.loadResolved(rm)
}

func (l *Loader) loadExternal(canonical string) *LoadedModule {
	id := externalID(canonical)
	l.mu.Lock()
	if m, ok := l.cache[id]; ok {
		m.LastAccessed = time.Now()
		l.touch(id)
		l.cacheHits++
		guard := l.breakerGuard
		l.mu.Unlock()
		_ = guard
		return m
	}
	l.cacheMisses++
	guard := l.breakerGuard
	l.mu.Unlock()

	m := &LoadedModule{ID: id, IsLoaded: true, LastAccessed: time.Now(), Exports: Exports{Named: map[string]interface{}{}}}
	if guard != nil {
		if err := guard(id, func() error { return nil }); err != nil {
			// Open-circuit fallback: synthesize a stub module carrying the
			// failure cause instead of propagating it (§4.2).
			m.Error = err
		}
	}

	l.mu.Lock()
	l.insertLocked(id, m)
	l.mu.Unlock()
	return m
}

func (l *Loader) loadResolved(rm specifier.ResolvedModule) (*LoadedModule, error) {
	id := rm.AbsolutePath

	l.mu.Lock()
	if cached, ok := l.cache[id]; ok {
		if cached.IsLoaded {
			cached.LastAccessed = time.Now()
			l.touch(id)
			l.cacheHits++
			l.mu.Unlock()
			return cached, nil
		}
		if cached.IsLoading {
			chain := append(append([]string(nil), l.loadingStack...), id)
			l.mu.Unlock()
			return l.handleCycle(chain, cached)
		}
	}
	if l.loadingSet[id] {
		chain := append(append([]string(nil), l.loadingStack...), id)
		partial := l.cache[id]
		l.mu.Unlock()
		return l.handleCycle(chain, partial)
	}

	l.cacheMisses++
	m := &LoadedModule{ID: id, AbsolutePath: id, IsLoading: true, resolvedExtension: rm.Extension, LastAccessed: time.Now()}
	l.cache[id] = m
	l.loadingSet[id] = true
	l.loadingStack = append(l.loadingStack, id)
	l.mu.Unlock()

	finalErr := l.populate(m, rm)

	l.mu.Lock()
	l.loadingStack = popID(l.loadingStack, id)
	delete(l.loadingSet, id)
	if finalErr != nil {
		m.IsLoading = false
		m.IsLoaded = false
		m.Error = finalErr
	} else {
		m.IsLoading = false
		m.IsLoaded = true
	}
	l.accountAndEvictLocked(m)
	l.mu.Unlock()

	if finalErr != nil {
		return m, finalErr
	}
	return m, nil
}

// handleCycle implements §4.2 step 5's three strategies.
func (l *Loader) handleCycle(chain []string, partial *LoadedModule) (*LoadedModule, error) {
	switch l.cycleStrategy {
	case CycleError:
		return nil, modulerr.NewCircularDependencyError(chain)
	case CycleWarn:
		l.mu.Lock()
		l.warnings = append(l.warnings, "circular dependency: "+strings.Join(chain, " -> "))
		l.mu.Unlock()
		return partial, nil
	default: // CycleIgnore
		return partial, nil
	}
}

// populate performs §4.2 steps 6-9 against an already-inserted, IsLoading
// entry. It never returns without leaving m in a consistent terminal shape
// for the caller to finalize under the lock (§4.2: "All side-effectful
// caches must be restored on every exit path").
func (l *Loader) populate(m *LoadedModule, rm specifier.ResolvedModule) error {
	data, err := afero.ReadFile(l.fs, rm.AbsolutePath)
	if err != nil {
		return modulerr.NewIOError(rm.AbsolutePath, err)
	}
	m.Source = string(data)

	if rm.Extension != ".som" {
		return nil
	}

	if l.pipeline == nil {
		return nil
	}
	result, err := l.pipeline.Parse(m.Source)
	if err != nil {
		return modulerr.NewParseError(rm.AbsolutePath, err.Error(), err)
	}
	if len(result.Errors) > 0 {
		return modulerr.NewParseError(rm.AbsolutePath, result.Errors[0], fmt.Errorf(result.Errors[0]))
	}

	dir := filepath.Dir(rm.AbsolutePath)
	for _, decl := range result.Dependencies {
		if !validSpecifier(decl.SourceValue) {
			l.mu.Lock()
			l.warnings = append(l.warnings, fmt.Sprintf("suspicious import specifier %q in %s", decl.SourceValue, rm.AbsolutePath))
			l.mu.Unlock()
			continue
		}
		m.Dependencies = append(m.Dependencies, decl.SourceValue)
		m.Imports = append(m.Imports, decl)

		dep, err := l.loadDependency(decl.SourceValue, dir)
		if err != nil {
			if _, isCycle := err.(*modulerr.CircularDependencyError); isCycle && l.cycleStrategy != CycleError {
				continue
			}
			return err
		}
		_ = dep
	}
	return nil
}

// validSpecifier implements §4.2 step 8's validation rule.
func validSpecifier(spec string) bool {
	if spec == "" || len(spec) > 500 {
		return false
	}
	if strings.ContainsRune(spec, '\\') {
		return false
	}
	if strings.Count(spec, "..") >= 5 {
		return false
	}
	return true
}

func popID(stack []string, id string) []string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == id {
			return append(stack[:i], stack[i+1:]...)
		}
	}
	return stack
}

// touch moves id to the most-recently-used end of the LRU order.
func (l *Loader) touch(id string) {
	l.lruOrder = removeString(l.lruOrder, id)
	l.lruOrder = append(l.lruOrder, id)
}

func (l *Loader) insertLocked(id string, m *LoadedModule) {
	l.cache[id] = m
	l.touch(id)
	l.currentMemory += estimateSize(m)
	l.evictLocked()
}

// accountAndEvictLocked updates memory accounting for a freshly finalized
// module and enforces the LRU/memory cache limits (§4.2 "LRU + memory
// accounting").
func (l *Loader) accountAndEvictLocked(m *LoadedModule) {
	l.touch(m.ID)
	l.currentMemory += estimateSize(m)
	l.evictLocked()
}

// estimateSize is the heuristic footprint estimator from §4.2 ("estimate a
// module's footprint as 2*|source| + 2*|ast-serialized| + 50*|deps| + 200").
// The constants are tunables, not contracts (§9 Open Questions).
func estimateSize(m *LoadedModule) int64 {
	astSize := len(m.Source) // no serialized AST is retained; approximate with source length
	return int64(2*len(m.Source) + 2*astSize + 50*len(m.Dependencies) + 200)
}

// evictLocked evicts oldest-first while len(cache) > maxCacheSize, then
// evicts in LRU order while currentMemory > maxCacheMem, trimming down to
// 80% of the budget once eviction fires (§4.2).
func (l *Loader) evictLocked() {
	for len(l.cache) > l.maxCacheSize && len(l.lruOrder) > 0 {
		l.evictOldestLocked()
	}
	if l.currentMemory > l.maxCacheMem {
		target := int64(float64(l.maxCacheMem) * 0.8)
		for l.currentMemory > target && len(l.lruOrder) > 0 {
			l.evictOldestLocked()
		}
	}
}

func (l *Loader) evictOldestLocked() {
	if len(l.lruOrder) == 0 {
		return
	}
	id := l.lruOrder[0]
	l.lruOrder = l.lruOrder[1:]
	if m, ok := l.cache[id]; ok {
		l.currentMemory -= estimateSize(m)
		delete(l.cache, id)
	}
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
