// Package bundler implements C5: turning a Compiler driver result into a
// single self-executing artifact (§4.5).
package bundler

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/somlang/modsys/internal/compiler"
	"github.com/somlang/modsys/internal/modulerr"
	"github.com/somlang/modsys/internal/resolver"
)

// Options mirrors §4.5's bundle() input alongside the compiler result.
type Options struct {
	EntryPoint    string
	OutputPath    string
	Minify        bool
	SourceMaps    bool
	Externals     []string
	InlineSources bool
	// OriginalSources maps module id to its original (pre-compile) source
	// text; used to populate sourcesContent when InlineSources is set.
	OriginalSources map[string]string
}

// Minifier is the pluggable minifier §4.5 names; failures are fatal.
type Minifier interface {
	Minify(code string, mapJSON string) (string, string, error)
}

// Result is §4.5's { code, map? } output.
type Result struct {
	Code      string
	SourceMap string
	HasMap    bool
}

// Bundler is C5.
type Bundler struct {
	Resolver *resolver.Resolver
	Minifier Minifier
}

// New constructs a Bundler. minifier may be nil when minification is never
// requested.
func New(res *resolver.Resolver, minifier Minifier) *Bundler {
	return &Bundler{Resolver: res, Minifier: minifier}
}

var requireCallRe = regexp.MustCompile("require\\s*\\(\\s*(['\"`])((?:[^\\\\]|\\\\.)*?)\\1\\s*\\)")
var dynamicRequireRe = regexp.MustCompile(`require\s*\(\s*[^'"` + "`" + `)]`)
var templateInterpRe = regexp.MustCompile("\\$\\{")

// Bundle runs §4.5's full procedure against a completed compiler.Result.
func (b *Bundler) Bundle(result *compiler.Result, opts Options) (*Result, error) {
	entryPoint := opts.EntryPoint
	if entryPoint == "" {
		entryPoint = result.EntryPoint
	}
	if !filepath.IsAbs(entryPoint) {
		return nil, modulerr.NewBundleError("entryPoint must be absolute", nil)
	}
	entryDir := filepath.Dir(entryPoint)

	externalIDs, err := b.markExternals(opts.Externals, entryPoint)
	if err != nil {
		return nil, err
	}

	bundleKeys := make(map[string]string, len(result.Modules)) // absolute path -> bundle key
	for id := range result.Modules {
		bundleKeys[id] = deriveBundleKey(id, entryDir)
	}

	entryKey, ok := bundleKeys[entryPoint]
	if !ok {
		return nil, modulerr.NewBundleError(fmt.Sprintf("entry point %q was not compiled", entryPoint), nil)
	}

	order := result.Dependencies
	if len(order) == 0 {
		for id := range result.Modules {
			order = append(order, id)
		}
	}

	var body strings.Builder
	mapBuilder := newMapComposer()
	currentLine := 1 // tracked for source-map composition only

	body.WriteString("(function() {\n")
	body.WriteString("  var modules = {};\n")
	body.WriteString("  var cache = {};\n")
	body.WriteString("  var __externalRequire = (typeof require === 'function') ? require : undefined;\n")
	currentLine += 4

	for _, id := range order {
		out, ok := result.Modules[id]
		if !ok {
			continue
		}
		key, ok := bundleKeys[id]
		if !ok {
			continue
		}
		rewritten, err := b.rewriteRequires(out.Code, id, externalIDs, bundleKeys)
		if err != nil {
			return nil, err
		}

		moduleStartLine := currentLine
		fmt.Fprintf(&body, "  modules[%s] = function(module, exports, require) {\n", jsonString(key))
		currentLine++
		body.WriteString(rewritten)
		lineCount := strings.Count(rewritten, "\n")
		if !strings.HasSuffix(rewritten, "\n") {
			lineCount++
		}
		currentLine += lineCount
		body.WriteString("\n  };\n")
		currentLine += 2

		if opts.SourceMaps && out.HasMap {
			original := opts.OriginalSources[id]
			mapBuilder.addModule(key, out.SourceMap, moduleStartLine, opts.InlineSources, original)
		}
	}

	body.WriteString(`  function _require(id) {
    if (cache[id]) { return cache[id].exports; }
    if (!modules[id]) {
      if (__externalRequire) { return __externalRequire(id); }
      throw new Error("Module '" + id + "' not found in bundle and no external require available.");
    }
    var module = { exports: {} };
    cache[id] = module;
    modules[id](module, module.exports, _require);
    return module.exports;
  }
`)
	fmt.Fprintf(&body, "  return _require(%s);\n", jsonString(entryKey))
	body.WriteString("})();\n")

	code := body.String()
	var mapJSON string
	hasMap := false
	if opts.SourceMaps {
		mapJSON = mapBuilder.finish(outputFileName(opts.OutputPath, entryPoint))
		hasMap = true
	}

	if opts.Minify {
		if b.Minifier == nil {
			return nil, modulerr.NewBundleError("minify requested but no minifier is configured", nil)
		}
		minCode, minMap, err := b.Minifier.Minify(code, mapJSON)
		if err != nil {
			return nil, modulerr.NewBundleError("minification failed", err)
		}
		code = minCode
		if minMap != "" {
			mapJSON = minMap
		}
	}

	return &Result{Code: code, SourceMap: mapJSON, HasMap: hasMap}, nil
}

// markExternals resolves each configured external specifier from the entry
// point, per §4.5's "External marking".
func (b *Bundler) markExternals(externals []string, entryPoint string) (map[string]bool, error) {
	ids := make(map[string]bool, len(externals))
	for _, ext := range externals {
		candidates := []string{ext, ext + ".som", ext + ".js", filepath.Join(ext, "index.som"), filepath.Join(ext, "index.js")}
		if strings.HasPrefix(ext, "./") || strings.HasPrefix(ext, "../") {
			candidates = append(candidates, ext)
		}
		for _, c := range candidates {
			if rm, err := b.Resolver.Resolve(c, entryPoint); err == nil {
				ids[rm.AbsolutePath] = true
				break
			}
		}
	}
	return ids, nil
}

// deriveBundleKey computes the stable, forward-slash, entry-relative key for
// a module (§4.5 "Bundle key derivation").
func deriveBundleKey(absolutePath, entryDir string) string {
	rel, err := filepath.Rel(entryDir, absolutePath)
	if err != nil || rel == "." || rel == "" {
		return filepath.Base(absolutePath)
	}
	return filepath.ToSlash(rel)
}

// rewriteRequires implements §4.5's "Require rewriting" rule set.
func (b *Bundler) rewriteRequires(code, moduleID string, externalIDs map[string]bool, bundleKeys map[string]string) (string, error) {
	if dynamicRequireRe.MatchString(code) {
		return "", modulerr.NewBundleError("unsupported bundle construct: dynamic require", nil)
	}

	var out strings.Builder
	lastEnd := 0
	matches := requireCallRe.FindAllStringSubmatchIndex(code, -1)
	for _, m := range matches {
		fullStart, fullEnd := m[0], m[1]
		quoteStart, quoteEnd := m[2], m[3]
		specStart, specEnd := m[4], m[5]

		quote := code[quoteStart:quoteEnd]
		spec := code[specStart:specEnd]

		if quote == "`" && templateInterpRe.MatchString(spec) {
			return "", modulerr.NewBundleError("unsupported bundle construct: template require with interpolation", nil)
		}

		out.WriteString(code[lastEnd:fullStart])

		if len(spec) > 500 || strings.Count(spec, "..") > 4 {
			out.WriteString(code[fullStart:fullEnd])
			lastEnd = fullEnd
			continue
		}

		target, isExternal, resolved := b.resolveRequireTarget(spec, moduleID, externalIDs)
		bundleKey, known := bundleKeys[target]
		switch {
		case isExternal, !resolved, !known:
			out.WriteString(code[fullStart:fullEnd])
		default:
			key := sanitizeBundleKey(bundleKey)
			fmt.Fprintf(&out, "require(%s%s%s)", quote, key, quote)
		}
		lastEnd = fullEnd
	}
	out.WriteString(code[lastEnd:])
	return out.String(), nil
}

func (b *Bundler) resolveRequireTarget(spec, moduleID string, externalIDs map[string]bool) (target string, isExternal bool, resolved bool) {
	candidates := []string{spec, spec + ".js", spec + ".som"}
	for _, c := range candidates {
		rm, err := b.Resolver.Resolve(c, moduleID)
		if err != nil {
			continue
		}
		if externalIDs[rm.AbsolutePath] {
			return "", true, false
		}
		return rm.AbsolutePath, false, true
	}
	return "", false, false
}

func sanitizeBundleKey(key string) string {
	replacer := strings.NewReplacer("'", "", "\"", "", "`", "", "\\", "")
	return replacer.Replace(key)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// outputFileName derives the composed map's "file" field (§4.5 "Source-map
// composition": defaults to "<entryBasename>.bundle.js").
func outputFileName(outputPath, entryPoint string) string {
	if outputPath != "" {
		return filepath.Base(outputPath)
	}
	base := filepath.Base(entryPoint)
	ext := filepath.Ext(base)
	if ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base + ".bundle.js"
}
