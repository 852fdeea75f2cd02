// Package registry implements C3: persisted module metadata, the resolved
// dependency graph, topological sort, cycle enumeration, and dead-code /
// entry-point queries (§4.3).
package registry

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/somlang/modsys/internal/modulerr"
)

// Imports mirrors §3 ModuleMetadata.imports.
type Imports struct {
	Default   []string
	Named     map[string][]string
	Namespace []string
}

// ModuleMetadata is §3's Registry view of a module.
type ModuleMetadata struct {
	ID           string
	AbsolutePath string
	Dependencies []string // resolved ids where known, else raw specifiers
	Dependents   []string
	Exports      map[string]interface{}
	Imports      Imports
	LastModified time.Time
	SourceSize   int

	level     int
	hasLevel  bool
	rawDeps   []string // raw specifiers as recorded by the Loader, for edge re-resolution
	insertion int
}

// Registry is C3.
type Registry struct {
	extensions []string

	modules   map[string]*ModuleMetadata
	order     []string // insertion order, for deterministic tie-breaks
	nextOrder int
}

// New constructs an empty Registry. extensions is the configured
// resolution.extensions set, used for edge re-resolution probing.
func New(extensions []string) *Registry {
	return &Registry{
		extensions: extensions,
		modules:    make(map[string]*ModuleMetadata),
	}
}

func isValidModuleID(id string) bool {
	if strings.HasPrefix(id, "external:") {
		return len(id) > len("external:")
	}
	return filepath.IsAbs(id)
}

// Register is idempotent (§4.3). rawDeps are the raw specifier strings the
// Loader recorded; Register re-resolves them against already-registered
// modules to build dependents/dependencies edges, and recomputes levels.
func (r *Registry) Register(id, absolutePath string, rawDeps []string, exports map[string]interface{}, imports Imports, sourceSize int) error {
	if !isValidModuleID(id) {
		return &modulerr.InvalidModuleID{ID: id}
	}

	existing, exists := r.modules[id]
	if !exists {
		r.order = append(r.order, id)
		existing = &ModuleMetadata{ID: id, insertion: r.nextOrder}
		r.nextOrder++
		r.modules[id] = existing
	}

	existing.AbsolutePath = absolutePath
	existing.rawDeps = append([]string(nil), rawDeps...)
	existing.Exports = exports
	existing.Imports = imports
	existing.SourceSize = sourceSize
	existing.LastModified = time.Now()

	r.resolveEdges()
	r.recomputeLevels()
	return nil
}

// resolveEdges re-resolves every module's raw dependency specifiers against
// the set of registered modules (§4.3 "Edge resolution"), rebuilding
// Dependencies/Dependents from scratch so the invariant in §8 always holds
// after a full pass.
func (r *Registry) resolveEdges() {
	for _, m := range r.modules {
		m.Dependents = nil
	}
	for _, id := range r.order {
		m := r.modules[id]
		m.Dependencies = nil
		referrerDir := filepath.Dir(m.AbsolutePath)
		for _, raw := range m.rawDeps {
			target, ok := r.matchRaw(raw, referrerDir)
			if !ok {
				// Unmatched raw specifiers remain visible via Dependencies
				// to surface as "missing dependency" during validation.
				m.Dependencies = append(m.Dependencies, raw)
				continue
			}
			m.Dependencies = append(m.Dependencies, target)
			r.modules[target].Dependents = append(r.modules[target].Dependents, id)
		}
	}
}

// matchRaw tries the raw string as-is, then with each configured extension,
// then as "<spec>/index.<ext>", against the referrer's directory (§4.3).
func (r *Registry) matchRaw(raw, referrerDir string) (string, bool) {
	if strings.HasPrefix(raw, "external:") {
		if _, ok := r.modules[raw]; ok {
			return raw, true
		}
	}
	if id := "external:" + raw; r.hasModule(id) {
		return id, true
	}

	candidates := []string{raw}
	for _, ext := range r.extensions {
		candidates = append(candidates, raw+ext)
	}
	for _, ext := range r.extensions {
		candidates = append(candidates, filepath.Join(raw, "index"+ext))
	}

	for _, c := range candidates {
		abs := c
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(referrerDir, c)
		}
		abs = filepath.Clean(abs)
		if r.hasModule(abs) {
			return abs, true
		}
	}
	return "", false
}

func (r *Registry) hasModule(id string) bool {
	_, ok := r.modules[id]
	return ok
}

// Get returns a module's metadata by id.
func (r *Registry) Get(id string) (*ModuleMetadata, bool) {
	m, ok := r.modules[id]
	return m, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool { return r.hasModule(id) }

// GetAll returns every registered module.
func (r *Registry) GetAll() []*ModuleMetadata {
	out := make([]*ModuleMetadata, 0, len(r.modules))
	for _, id := range r.order {
		out = append(out, r.modules[id])
	}
	return out
}

// GetDependencies returns the resolved/raw dependency ids of id.
func (r *Registry) GetDependencies(id string) []string {
	if m, ok := r.modules[id]; ok {
		return append([]string(nil), m.Dependencies...)
	}
	return nil
}

// GetDependents returns the ids depending on id.
func (r *Registry) GetDependents(id string) []string {
	if m, ok := r.modules[id]; ok {
		return append([]string(nil), m.Dependents...)
	}
	return nil
}

// recomputeLevels assigns the topological level to every node via memoized
// DFS over resolved edges (§3 DependencyNode.level); nodes participating in
// a cycle keep their previous level (0 if fresh) (§4.3).
func (r *Registry) recomputeLevels() {
	visiting := make(map[string]bool)
	memo := make(map[string]int)

	var visit func(id string) (int, bool)
	visit = func(id string) (int, bool) {
		if lvl, ok := memo[id]; ok {
			return lvl, true
		}
		if visiting[id] {
			return 0, false // cycle
		}
		m, ok := r.modules[id]
		if !ok {
			return 0, true
		}
		visiting[id] = true
		maxDepLevel := -1
		ok2 := true
		for _, dep := range m.Dependencies {
			depLvl, fine := visit(dep)
			if !fine {
				ok2 = false
				continue
			}
			if depLvl > maxDepLevel {
				maxDepLevel = depLvl
			}
		}
		visiting[id] = false
		if !ok2 {
			return 0, false
		}
		level := maxDepLevel + 1
		memo[id] = level
		return level, true
	}

	for _, id := range r.order {
		lvl, ok := visit(id)
		m := r.modules[id]
		if ok {
			m.level = lvl
			m.hasLevel = true
		} else if !m.hasLevel {
			m.level = 0
			m.hasLevel = true
		}
	}
}

// Level returns the topological level of a module, or 0/false if it has
// none recorded yet.
func (r *Registry) Level(id string) (int, bool) {
	m, ok := r.modules[id]
	if !ok {
		return 0, false
	}
	return m.level, true
}

// GetTopologicalSort implements §4.3: DFS with a visiting set, tie-broken
// by insertion order for determinism.
func (r *Registry) GetTopologicalSort() ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.modules))
	var order []string

	ids := append([]string(nil), r.order...)
	sort.SliceStable(ids, func(i, j int) bool {
		return r.modules[ids[i]].insertion < r.modules[ids[j]].insertion
	})

	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		m := r.modules[id]
		deps := append([]string(nil), m.Dependencies...)
		sort.SliceStable(deps, func(i, j int) bool {
			mi, oki := r.modules[deps[i]]
			mj, okj := r.modules[deps[j]]
			if !oki || !okj {
				return deps[i] < deps[j]
			}
			return mi.insertion < mj.insertion
		})
		for _, dep := range deps {
			if _, ok := r.modules[dep]; !ok {
				continue // missing dependency: surfaced separately by validation
			}
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				chain := append(append([]string(nil), stack...), dep)
				return modulerr.NewCircularDependencyError(chain)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// FindCircularDependencies enumerates every cycle (§4.3): each cycle is an
// ordered list of ids with the closing id repeated at the end.
func (r *Registry) FindCircularDependencies() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.modules))
	var cycles [][]string
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		m, ok := r.modules[id]
		if ok {
			for _, dep := range m.Dependencies {
				if _, ok := r.modules[dep]; !ok {
					continue
				}
				switch color[dep] {
				case white:
					visit(dep)
				case gray:
					idx := indexOf(stack, dep)
					if idx >= 0 {
						cycle := append(append([]string(nil), stack[idx:]...), dep)
						cycles = append(cycles, cycle)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range r.order {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// Statistics is §4.3's getStatistics() result.
type Statistics struct {
	TotalModules            int
	TotalDependencies       int
	AverageDependencies     float64
	MaxDependencyDepth      int
	CircularDependencyCount int
}

// GetStatistics computes §4.3's aggregate view.
func (r *Registry) GetStatistics() Statistics {
	stats := Statistics{TotalModules: len(r.modules)}
	maxDepth := 0
	for _, m := range r.modules {
		stats.TotalDependencies += len(m.Dependencies)
		if m.hasLevel && m.level > maxDepth {
			maxDepth = m.level
		}
	}
	if stats.TotalModules > 0 {
		stats.AverageDependencies = float64(stats.TotalDependencies) / float64(stats.TotalModules)
	}
	stats.MaxDependencyDepth = maxDepth
	stats.CircularDependencyCount = len(r.FindCircularDependencies())
	return stats
}

// GetEntryPoints returns modules with no dependencies (§4.3).
func (r *Registry) GetEntryPoints() []string {
	var out []string
	for _, id := range r.order {
		if len(r.modules[id].Dependencies) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// GetDeadCodeCandidates returns modules with no dependents (§4.3).
func (r *Registry) GetDeadCodeCandidates() []string {
	var out []string
	for _, id := range r.order {
		if len(r.modules[id].Dependents) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// DependencyTreeNode is §4.3's getDependencyTree() result shape.
type DependencyTreeNode struct {
	ID       string
	Children []*DependencyTreeNode
	Circular bool
}

// GetDependencyTree builds a tree rooted at id, marking revisited ids as
// circular rather than recursing forever (§4.3).
func (r *Registry) GetDependencyTree(id string) *DependencyTreeNode {
	visited := make(map[string]bool)
	var build func(id string) *DependencyTreeNode
	build = func(id string) *DependencyTreeNode {
		if visited[id] {
			return &DependencyTreeNode{ID: id, Circular: true}
		}
		visited[id] = true
		node := &DependencyTreeNode{ID: id}
		m, ok := r.modules[id]
		if !ok {
			return node
		}
		for _, dep := range m.Dependencies {
			if _, ok := r.modules[dep]; !ok {
				continue
			}
			node.Children = append(node.Children, build(dep))
		}
		visited[id] = false
		return node
	}
	return build(id)
}
