package server

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/somlang/modsys/internal/breaker"
	"github.com/somlang/modsys/internal/metrics"
	"github.com/somlang/modsys/pkg/config"
)

type fakeConfigStore struct {
	cfg config.Config
}

func (f *fakeConfigStore) Current() config.Config { return f.cfg }

func (f *fakeConfigStore) Merge(update map[string]interface{}) (config.Config, error) {
	if port, ok := update["managementPort"]; ok {
		if n, ok := port.(float64); ok {
			f.cfg.ManagementPort = int(n)
		}
	}
	return f.cfg, nil
}

type fakeResetter struct{ called bool }

func (f *fakeResetter) Reset() { f.called = true }

func newTestServer() (*Server, *fakeConfigStore, *fakeResetter, *breaker.Manager) {
	m := metrics.New(0, nil)
	bm := breaker.NewManager(breaker.DefaultConfig())
	cfg := &fakeConfigStore{cfg: *config.Default()}
	reset := &fakeResetter{}
	s := New(Options{Metrics: m, Breakers: bm, Config: cfg, Reset: reset, Thresholds: metrics.DefaultHealthThresholds()})
	return s, cfg, reset, bm
}

func TestHealthReturnsHealthyWhenNoBreakersTripped(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
}

func TestHealthReadyReflectsBreakerPopulation(t *testing.T) {
	s, _, _, bm := newTestServer()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	require.Error(t, bm.Guard("x", func() error { return errBoom }))
	require.Error(t, bm.Guard("x", func() error { return errBoom }))
	require.Error(t, bm.Guard("x", func() error { return errBoom }))
	require.Error(t, bm.Guard("x", func() error { return errBoom }))
	require.Error(t, bm.Guard("x", func() error { return errBoom }))

	w2 := httptest.NewRecorder()
	s.engine.ServeHTTP(w2, httptest.NewRequest("GET", "/health/ready", nil))
	require.Equal(t, 503, w2.Code)
}

func TestMetricsEndpointReturnsStats(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), "uptimeSeconds")
}

func TestConfigGetAndPostMerge(t *testing.T) {
	s, _, _, _ := newTestServer()
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest("GET", "/config", nil))
	require.Equal(t, 200, w.Code)

	body, _ := json.Marshal(map[string]interface{}{"managementPort": 9090.0})
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/config", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	s.engine.ServeHTTP(w2, req2)
	require.Equal(t, 200, w2.Code)
	require.Contains(t, w2.Body.String(), "9090")
}

func TestCircuitBreakersGetAndReset(t *testing.T) {
	s, _, _, bm := newTestServer()
	require.Error(t, bm.Guard("svc", func() error { return errBoom }))

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest("GET", "/circuit-breakers", nil))
	require.Equal(t, 200, w.Code)

	body, _ := json.Marshal(map[string]interface{}{"type": "reset", "moduleId": "svc"})
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/circuit-breakers", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	s.engine.ServeHTTP(w2, req2)
	require.Equal(t, 200, w2.Code)
}

func TestAdminResetCallsResetterAndBreakers(t *testing.T) {
	s, _, resetter, _ := newTestServer()
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest("POST", "/admin/reset", nil))
	require.Equal(t, 200, w.Code)
	require.True(t, resetter.called)
}

func TestUnknownRouteReturns404(t *testing.T) {
	s, _, _, _ := newTestServer()
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest("GET", "/nope", nil))
	require.Equal(t, 404, w.Code)
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
