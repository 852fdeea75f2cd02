// Package compiler implements C4: the orchestration pass that loads an
// entry point, registers every reachable module, topologically orders them,
// and invokes the external compile pipeline on each (§4.4).
package compiler

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/go-sourcemap/sourcemap"

	"github.com/somlang/modsys/internal/langiface"
	"github.com/somlang/modsys/internal/loader"
	"github.com/somlang/modsys/internal/modulerr"
	"github.com/somlang/modsys/internal/registry"
)

// ModuleOutput is a single module's compiled artifact.
type ModuleOutput struct {
	Code      string
	SourceMap string
	HasMap    bool
}

// Result is §4.4's compile() return shape.
type Result struct {
	Modules      map[string]ModuleOutput
	EntryPoint   string
	Dependencies []string // topological order
	Errors       []*modulerr.CompilationError
	Warnings     []string
}

// Options mirrors the per-module compile overrides accepted by compile().
type Options struct {
	Target      string
	SourceMap   bool
	Minify      bool
	NoTypeCheck bool
	Strict      bool
}

// Compiler is C4.
type Compiler struct {
	Loader   *loader.Loader
	Registry *registry.Registry
	Pipeline langiface.Compiler
}

// New constructs a Compiler driver wired to an already-configured Loader and
// Registry and the external compile pipeline.
func New(l *loader.Loader, reg *registry.Registry, pipeline langiface.Compiler) *Compiler {
	return &Compiler{Loader: l, Registry: reg, Pipeline: pipeline}
}

// Compile runs §4.4's full procedure.
func (c *Compiler) Compile(ctx context.Context, entryPoint string, externals []string, overrides Options) (*Result, error) {
	result := &Result{
		Modules: make(map[string]ModuleOutput),
	}

	// Step 1: save and apply externals, restored via defer (the "finally
	// block" of §4.4 step 7).
	prevExternals := c.Loader.GetExternals()
	if externals != nil {
		c.Loader.SetExternals(externals)
	}
	defer c.Loader.SetExternals(prevExternals)

	// Step 2: load the entry point.
	entryDir := filepath.Dir(entryPoint)
	entryModule, err := c.Loader.Load(entryPoint, entryDir)
	if err != nil {
		ce := compilationErrorFromLoadFailure(entryPoint, err)
		result.Errors = append(result.Errors, ce)
		return result, nil
	}
	result.EntryPoint = entryModule.AbsolutePath

	// Step 3: drain warnings, register every loaded module.
	result.Warnings = append(result.Warnings, c.Loader.GetWarnings()...)
	c.Loader.ClearWarnings()

	for _, m := range c.Loader.GetAllModules() {
		if m.Error != nil {
			continue
		}
		imports := registryImportsFrom(m)
		if err := c.Registry.Register(m.ID, m.AbsolutePath, m.Dependencies, exportsMap(m), imports, len(m.Source)); err != nil {
			result.Errors = append(result.Errors, &modulerr.CompilationError{
				Message:  err.Error(),
				FilePath: m.AbsolutePath,
			})
		}
	}

	// Step 4: topological order, cycles surfaced as warnings.
	order, topoErr := c.Registry.GetTopologicalSort()
	if topoErr != nil {
		order = fallbackOrder(c.Registry)
	}
	result.Dependencies = order
	for _, cycle := range c.Registry.FindCircularDependencies() {
		result.Warnings = append(result.Warnings, "circular dependency: "+strings.Join(cycle, " -> "))
	}

	// Step 5: compile each module whose resolved extension is the language
	// extension, collecting every error across the whole pass.
	compileOpts := langiface.CompileOptions{
		Target:    overrides.Target,
		SourceMap: overrides.SourceMap,
		Minify:    overrides.Minify,
		TypeCheck: !overrides.NoTypeCheck,
		Strict:    overrides.Strict,
	}

	type compiled struct {
		id  string
		out ModuleOutput
		err *modulerr.CompilationError
	}
	outputs := make([]compiled, len(order))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range order {
		i, id := i, id
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			m, ok := c.Loader.GetModule(id)
			if !ok || m.ResolvedExtension() != langiface.LanguageExtension {
				return nil
			}
			if c.Pipeline == nil {
				outputs[i] = compiled{id: id, out: ModuleOutput{Code: m.Source}}
				return nil
			}
			cr, err := c.Pipeline.Compile(m.Source, compileOpts)
			if err != nil {
				outputs[i] = compiled{id: id, err: compilationErrorFromErr(m.AbsolutePath, err)}
				return nil
			}
			if len(cr.Errors) > 0 {
				outputs[i] = compiled{id: id, err: compilationErrorFromMessage(m.AbsolutePath, cr.Errors[0])}
				return nil
			}
			out := ModuleOutput{Code: cr.Code}
			if cr.SourceMap != "" {
				validated, err := validateAndRewriteSourceMap(cr.SourceMap, m.AbsolutePath, m.Source)
				if err != nil {
					outputs[i] = compiled{id: id, err: &modulerr.CompilationError{
						Message:  "invalid source map: " + err.Error(),
						FilePath: m.AbsolutePath,
					}}
					return nil
				}
				out.SourceMap = validated
				out.HasMap = true
			}
			outputs[i] = compiled{id: id, out: out}
			return nil
		})
	}
	// errgroup cancellation is only used to stop issuing new work on ctx
	// cancellation; compile failures themselves never cause g.Wait() to
	// return early, since each goroutine above always returns nil.
	_ = g.Wait()

	for _, co := range outputs {
		if co.id == "" {
			continue
		}
		if co.err != nil {
			result.Errors = append(result.Errors, co.err)
			continue
		}
		if co.out.Code != "" {
			result.Modules[co.id] = co.out
		}
	}

	return result, nil
}

func fallbackOrder(reg *registry.Registry) []string {
	all := reg.GetAll()
	out := make([]string, len(all))
	for i, m := range all {
		out[i] = m.ID
	}
	return out
}

func exportsMap(m *loader.LoadedModule) map[string]interface{} {
	out := map[string]interface{}{}
	if m.Exports.Default != nil {
		out["default"] = m.Exports.Default
	}
	for k, v := range m.Exports.Named {
		out[k] = v
	}
	return out
}

func registryImportsFrom(m *loader.LoadedModule) registry.Imports {
	imports := registry.Imports{Named: map[string][]string{}}
	for _, decl := range m.Imports {
		for _, spec := range decl.Specifiers {
			switch spec.Type {
			case langiface.ImportDefaultSpecifier:
				imports.Default = append(imports.Default, spec.LocalName)
			case langiface.ImportNamespaceSpecifier:
				imports.Namespace = append(imports.Namespace, spec.LocalName)
			default: // langiface.ImportSpecifier
				imports.Named[decl.SourceValue] = append(imports.Named[decl.SourceValue], spec.ImportedName)
			}
		}
	}
	return imports
}

var locationRe = regexp.MustCompile(`^(.*?):(\d+)(?::(\d+))?: (.*)$`)
var trailingLocationRe = regexp.MustCompile(`^(.*) \(line (\d+)(?:, column (\d+))?\)$`)

func compilationErrorFromLoadFailure(entryPoint string, err error) *modulerr.CompilationError {
	ce := compilationErrorFromMessage(entryPoint, err.Error())
	ce.OriginalError = err
	return ce
}

func compilationErrorFromErr(filePath string, err error) *modulerr.CompilationError {
	return compilationErrorFromMessage(filePath, err.Error())
}

func compilationErrorFromMessage(filePath, msg string) *modulerr.CompilationError {
	ce := &modulerr.CompilationError{Message: msg, FilePath: filePath}
	if m := locationRe.FindStringSubmatch(msg); m != nil {
		ce.FilePath = m[1]
		if line, err := strconv.Atoi(m[2]); err == nil {
			ce.Line = line
			ce.HasLine = true
		}
		if m[3] != "" {
			if col, err := strconv.Atoi(m[3]); err == nil {
				ce.Column = col
				ce.HasColumn = true
			}
		}
		ce.Message = m[4]
	} else if m := trailingLocationRe.FindStringSubmatch(msg); m != nil {
		ce.Message = m[1]
		if line, err := strconv.Atoi(m[2]); err == nil {
			ce.Line = line
			ce.HasLine = true
		}
		if m[3] != "" {
			if col, err := strconv.Atoi(m[3]); err == nil {
				ce.Column = col
				ce.HasColumn = true
			}
		}
	}
	ce.Suggestion = modulerr.SuggestFor(ce.Message)
	return ce
}

// validateAndRewriteSourceMap enforces §4.4 step 6: version===3, sources is
// a list, mappings is a string; then rewrites sources/sourcesContent to
// reference the module's absolute path and original source.
func validateAndRewriteSourceMap(raw, absolutePath, originalSource string) (string, error) {
	consumer, err := sourcemap.Parse(absolutePath, []byte(raw))
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	_ = consumer // parse success already proves version==3 / sources / mappings shape

	rewritten, err := rewriteSourceMapFields(raw, absolutePath, originalSource)
	if err != nil {
		return "", err
	}
	return rewritten, nil
}
