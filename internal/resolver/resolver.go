// Package resolver implements C1: mapping a specifier + referrer to a
// ResolvedModule (§4.1).
package resolver

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/somlang/modsys/internal/modulerr"
	"github.com/somlang/modsys/internal/specifier"
	"github.com/somlang/modsys/pkg/config"
)

// Resolver implements §4.1's rule chain over an injected filesystem, so
// tests can swap in afero.NewMemMapFs() instead of touching disk — the same
// testability seam bennypowers-mappa's fs.FileSystem interface provides.
type Resolver struct {
	fs   afero.Fs
	cfg  config.Resolution
}

// New constructs a Resolver. cfg.BaseURL must be non-empty; Resolve returns
// InvalidBase otherwise, since the spec requires baseUrl to be supplied
// explicitly with no implicit current-directory fallback.
func New(fs afero.Fs, cfg config.Resolution) *Resolver {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = specifier.DefaultExtensions
	}
	if len(cfg.ModuleDirectories) == 0 {
		cfg.ModuleDirectories = specifier.DefaultModuleDirectories
	}
	return &Resolver{fs: fs, cfg: cfg}
}

// Resolve implements the ordered rule chain of §4.1.
func (r *Resolver) Resolve(spec, referrer string) (specifier.ResolvedModule, error) {
	if r.cfg.BaseURL == "" {
		return specifier.ResolvedModule{}, modulerr.NewResolveError(modulerr.InvalidBase, spec, referrer,
			fmt.Errorf("baseUrl must be configured"))
	}

	fromDir := r.fromDir(referrer)
	kind := specifier.Classify(spec, r.cfg.BaseURL)

	switch kind {
	case specifier.OSPath:
		return specifier.ResolvedModule{AbsolutePath: spec, Extension: filepath.Ext(spec)}, nil
	case specifier.Relative:
		return r.resolveFile(filepath.Join(fromDir, spec), spec, referrer)
	case specifier.ProjectAbsolute:
		return r.resolveFile(filepath.Join(r.cfg.BaseURL, strings.TrimPrefix(spec, "/")), spec, referrer)
	default:
		if rm, ok, err := r.resolvePathMapping(spec, referrer); ok || err != nil {
			return rm, err
		}
		return r.resolveBare(spec, fromDir, referrer)
	}
}

// fromDir implements §4.1 rule 1.
func (r *Resolver) fromDir(referrer string) string {
	if referrer == "" {
		return r.cfg.BaseURL
	}
	if info, err := r.fs.Stat(referrer); err == nil && info.IsDir() {
		return referrer
	}
	return filepath.Dir(referrer)
}

// resolvePathMapping applies configured path mappings (§4.1 rule 5): a
// pattern is exact, "*", or "prefix/*". Those three forms are matched by
// plain string checks; any other pattern falls back to a doublestar glob
// match, with the whole specifier as the substitution tail.
func (r *Resolver) resolvePathMapping(spec, referrer string) (specifier.ResolvedModule, bool, error) {
	for pattern, mappings := range r.cfg.Paths {
		tail, matched := matchPattern(pattern, spec)
		if !matched {
			continue
		}
		for _, mapping := range mappings {
			target := strings.Replace(mapping, "*", tail, 1)
			rm, err := r.resolveFile(filepath.Join(r.cfg.BaseURL, target), spec, referrer)
			if err == nil {
				return rm, true, nil
			}
		}
	}
	return specifier.ResolvedModule{}, false, nil
}

// matchPattern reports whether spec matches pattern, and if so the "*"
// substitution tail (empty for an exact match).
func matchPattern(pattern, spec string) (tail string, ok bool) {
	if pattern == spec {
		return "", true
	}
	if pattern == "*" {
		return spec, true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if strings.HasPrefix(spec, prefix+"/") {
			return strings.TrimPrefix(spec, prefix+"/"), true
		}
		return "", false
	}
	if matched, _ := doublestar.Match(pattern, spec); matched {
		return spec, true
	}
	return "", false
}

// resolveBare walks from fromDir toward the filesystem root, probing each
// configured module directory (§4.1 rule 6).
func (r *Resolver) resolveBare(spec, fromDir, referrer string) (specifier.ResolvedModule, error) {
	dir := fromDir
	for {
		for _, moduleDir := range r.cfg.ModuleDirectories {
			candidate := filepath.Join(dir, moduleDir, spec)
			if rm, err := r.resolveFile(candidate, spec, referrer); err == nil {
				rm.PackageName = packageNameOf(spec)
				return rm, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return specifier.ResolvedModule{}, modulerr.NewResolveError(modulerr.NotFound, spec, referrer,
		fmt.Errorf("no %v directory on the path to root contains %q", r.cfg.ModuleDirectories, spec))
}

func packageNameOf(spec string) string {
	if strings.HasPrefix(spec, "@") {
		parts := strings.SplitN(spec, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return spec
	}
	parts := strings.SplitN(spec, "/", 2)
	return parts[0]
}

// resolveFile implements the file-resolution steps (a)-(c) described under
// §4.1 "File resolution".
func (r *Resolver) resolveFile(path, spec, referrer string) (specifier.ResolvedModule, error) {
	if info, err := r.fs.Stat(path); err == nil && !info.IsDir() {
		return specifier.ResolvedModule{AbsolutePath: path, Extension: filepath.Ext(path)}, nil
	}

	for _, ext := range r.cfg.Extensions {
		candidate := path + ext
		if info, err := r.fs.Stat(candidate); err == nil && !info.IsDir() {
			return specifier.ResolvedModule{AbsolutePath: candidate, Extension: ext}, nil
		}
	}

	if info, err := r.fs.Stat(path); err == nil && info.IsDir() {
		if main, ok := r.readPackageMain(path); ok {
			candidate := filepath.Join(path, main)
			if info, err := r.fs.Stat(candidate); err == nil && !info.IsDir() {
				return specifier.ResolvedModule{AbsolutePath: candidate, Extension: filepath.Ext(candidate)}, nil
			}
		}
		for _, ext := range r.cfg.Extensions {
			candidate := filepath.Join(path, "index"+ext)
			if info, err := r.fs.Stat(candidate); err == nil && !info.IsDir() {
				return specifier.ResolvedModule{AbsolutePath: candidate, Extension: ext}, nil
			}
		}
	}

	return specifier.ResolvedModule{}, modulerr.NewResolveError(modulerr.NotFound, spec, referrer,
		fmt.Errorf("no file at %q (tried extensions %v)", path, r.cfg.Extensions))
}

func (r *Resolver) readPackageMain(dir string) (string, bool) {
	data, err := afero.ReadFile(r.fs, filepath.Join(dir, "package.json"))
	if err != nil {
		return "", false
	}
	main, ok := extractJSONStringField(data, "main")
	return main, ok
}
