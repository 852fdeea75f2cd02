package resolver

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/somlang/modsys/pkg/config"
)

func newTestResolver(t *testing.T, files map[string]string) *Resolver {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	return New(fs, config.Resolution{BaseURL: "/proj"})
}

func TestResolveRelative(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"/proj/a.som": "",
		"/proj/b.som": "",
	})
	rm, err := r.Resolve("./b.som", "/proj/a.som")
	require.NoError(t, err)
	require.Equal(t, "/proj/b.som", rm.AbsolutePath)
}

func TestResolveExtensionProbing(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"/proj/a.som": "",
		"/proj/b.som": "",
	})
	rm, err := r.Resolve("./b", "/proj/a.som")
	require.NoError(t, err)
	require.Equal(t, "/proj/b.som", rm.AbsolutePath)
	require.Equal(t, ".som", rm.Extension)
}

func TestResolveProjectAbsolute(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"/proj/src/x.som": "",
	})
	rm, err := r.Resolve("/src/x.som", "/proj/a.som")
	require.NoError(t, err)
	require.Equal(t, "/proj/src/x.som", rm.AbsolutePath)
}

func TestResolveOSPathBypassesBase(t *testing.T) {
	r := newTestResolver(t, nil)
	rm, err := r.Resolve("/home/user/script.som", "/proj/a.som")
	require.NoError(t, err)
	require.Equal(t, "/home/user/script.som", rm.AbsolutePath)
}

func TestResolveDirectoryIndex(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"/proj/lib/index.som": "",
	})
	rm, err := r.Resolve("./lib", "/proj/a.som")
	require.NoError(t, err)
	require.Equal(t, "/proj/lib/index.som", rm.AbsolutePath)
}

func TestResolveDirectoryPackageMain(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"/proj/lib/package.json": `{"main": "dist/entry.js"}`,
		"/proj/lib/dist/entry.js": "",
	})
	rm, err := r.Resolve("./lib", "/proj/a.som")
	require.NoError(t, err)
	require.Equal(t, "/proj/lib/dist/entry.js", rm.AbsolutePath)
}

func TestResolveBareViaNodeModules(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"/proj/node_modules/left-pad/index.js": "",
	})
	rm, err := r.Resolve("left-pad", "/proj/src/a.som")
	require.NoError(t, err)
	require.Equal(t, "/proj/node_modules/left-pad/index.js", rm.AbsolutePath)
	require.Equal(t, "left-pad", rm.PackageName)
}

func TestResolvePathMappingWildcard(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/src/utils/helpers.som", []byte(""), 0o644))
	cfg := config.Resolution{
		BaseURL: "/proj",
		Paths: map[string][]string{
			"@utils/*": {"src/utils/*"},
		},
	}
	r := New(fs, cfg)
	rm, err := r.Resolve("@utils/helpers", "/proj/src/a.som")
	require.NoError(t, err)
	require.Equal(t, "/proj/src/utils/helpers.som", rm.AbsolutePath)
}

func TestResolveNotFound(t *testing.T) {
	r := newTestResolver(t, nil)
	_, err := r.Resolve("./missing", "/proj/a.som")
	require.Error(t, err)
}

func TestResolveMissingBaseURL(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, config.Resolution{})
	_, err := r.Resolve("./x", "")
	require.Error(t, err)
}

func TestResolveIdempotence(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"/proj/a.som": "",
		"/proj/b.som": "",
	})
	first, err := r.Resolve("./b.som", "/proj/a.som")
	require.NoError(t, err)
	second, err := r.Resolve(first.AbsolutePath, "/proj/a.som")
	require.NoError(t, err)
	require.Equal(t, first.AbsolutePath, second.AbsolutePath)
}
