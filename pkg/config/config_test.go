package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func withBaseURL(c *Config) *Config {
	c.Resolution.BaseURL = "/project"
	return c
}

func TestDefaultFailsValidationWithoutBaseURL(t *testing.T) {
	err := Validate(Default())
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	require.NotEmpty(t, ve.Problems)
}

func TestDefaultPassesValidationOnceBaseURLSet(t *testing.T) {
	require.NoError(t, Validate(withBaseURL(Default())))
}

func TestValidateRejectsManagementServerWithoutMetrics(t *testing.T) {
	cfg := withBaseURL(Default())
	cfg.ManagementServer = true
	cfg.ManagementPort = 8080
	cfg.CircuitBreakers = true
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "managementServer requires")
}

func TestValidateRejectsBadExtension(t *testing.T) {
	cfg := withBaseURL(Default())
	cfg.Resolution.Extensions = []string{"som"}
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must start with '.'")
}

func TestLoadAppliesDefaultsWithoutFile(t *testing.T) {
	os.Setenv("MODSYS_RESOLUTION_BASEURL", "/project")
	defer os.Unsetenv("MODSYS_RESOLUTION_BASEURL")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/project", cfg.Resolution.BaseURL)
	require.Equal(t, "es2020", cfg.Compilation.Target)
	require.Equal(t, 500, cfg.Loading.MaxCacheSize)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modsys.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolution:\n  baseUrl: /app\ncompilation:\n  target: es5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/app", cfg.Resolution.BaseURL)
	require.Equal(t, "es5", cfg.Compilation.Target)
}

func TestMergeAppliesPartialUpdateAndRevalidates(t *testing.T) {
	base := *withBaseURL(Default())
	merged, err := Merge(base, map[string]interface{}{"compilation": map[string]interface{}{"target": "es5"}})
	require.NoError(t, err)
	require.Equal(t, "es5", merged.Compilation.Target)
	require.Equal(t, base.Resolution.BaseURL, merged.Resolution.BaseURL)
}

func TestMergeRejectsInvalidUpdate(t *testing.T) {
	base := *withBaseURL(Default())
	_, err := Merge(base, map[string]interface{}{"compilation": map[string]interface{}{"target": "es3"}})
	require.Error(t, err)
}
