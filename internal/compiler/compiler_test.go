package compiler

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/somlang/modsys/internal/langiface"
	"github.com/somlang/modsys/internal/loader"
	"github.com/somlang/modsys/internal/registry"
	"github.com/somlang/modsys/internal/resolver"
	"github.com/somlang/modsys/pkg/config"
)

func newTestCompiler(t *testing.T, files map[string]string, loadingCfg config.Loading) *Compiler {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	res := resolver.New(fs, config.Resolution{BaseURL: "/proj"})
	pipeline := langiface.NewReferencePipeline()
	l := loader.New(fs, res, pipeline, loadingCfg)
	reg := registry.New([]string{".som", ".js", ".json"})
	return New(l, reg, pipeline)
}

func TestCompileLinearChainProducesAllModules(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"/proj/a.som": "import { b } from './b.som';\nexport const a = 1;",
		"/proj/b.som": "export const b = 2;",
	}, config.Loading{})

	result, err := c.Compile(context.Background(), "/proj/a.som", nil, Options{})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Len(t, result.Modules, 2)
	require.Contains(t, result.Modules, "/proj/a.som")
	require.Contains(t, result.Modules, "/proj/b.som")
	require.Equal(t, []string{"/proj/b.som", "/proj/a.som"}, result.Dependencies)
}

func TestCompileMissingEntryPointReturnsSingleError(t *testing.T) {
	c := newTestCompiler(t, map[string]string{}, config.Loading{})

	result, err := c.Compile(context.Background(), "/proj/missing.som", nil, Options{})
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
}

func TestCompileSyntaxErrorDoesNotAbortOtherModules(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"/proj/a.som": "import { b } from './b.som';\nexport const a = 1;",
		"/proj/b.som": "function broken( {",
	}, config.Loading{})

	result, err := c.Compile(context.Background(), "/proj/a.som", nil, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Errors)
	require.Contains(t, result.Modules, "/proj/a.som")
}

func TestCompileCycleSurfacesAsWarning(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"/proj/a.som": "import { b } from './b.som';",
		"/proj/b.som": "import { a } from './a.som';",
	}, config.Loading{CircularDependencyStrategy: "warn"})

	result, err := c.Compile(context.Background(), "/proj/a.som", nil, Options{})
	require.NoError(t, err)
	found := false
	for _, w := range result.Warnings {
		if w != "" {
			found = true
		}
	}
	require.True(t, found)
}

func TestCompileRegistersImportSpecifiers(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"/proj/a.som": "import def, { x as y } from './b.som';\nimport * as ns from './c.som';\nexport const a = 1;",
		"/proj/b.som": "export const b = 2;",
		"/proj/c.som": "export const c = 3;",
	}, config.Loading{})

	result, err := c.Compile(context.Background(), "/proj/a.som", nil, Options{})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	m, ok := c.Registry.Get("/proj/a.som")
	require.True(t, ok)
	require.Equal(t, []string{"def"}, m.Imports.Default)
	require.Equal(t, []string{"ns"}, m.Imports.Namespace)
	require.Equal(t, []string{"x"}, m.Imports.Named["./b.som"])
}

func TestCompileRestoresExternalsAfterRun(t *testing.T) {
	c := newTestCompiler(t, map[string]string{
		"/proj/a.som": "export const a = 1;",
	}, config.Loading{Externals: []string{"fs"}})

	before := c.Loader.GetExternals()
	_, err := c.Compile(context.Background(), "/proj/a.som", []string{"custom-external"}, Options{})
	require.NoError(t, err)
	require.Equal(t, before, c.Loader.GetExternals())
}
