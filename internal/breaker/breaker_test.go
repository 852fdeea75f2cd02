package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.Window = time.Minute
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	cfg.HalfOpenSuccesses = 2
	return cfg
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("svc", testConfig())
	failing := func() error { return errors.New("boom") }

	require.Error(t, b.Guard(failing))
	require.Equal(t, Closed, b.State())
	require.Error(t, b.Guard(failing))
	require.Equal(t, Open, b.State())
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b := New("svc", testConfig())
	failing := func() error { return errors.New("boom") }
	require.Error(t, b.Guard(failing))
	require.Error(t, b.Guard(failing))
	require.Equal(t, Open, b.State())

	err := b.Guard(func() error { return nil })
	require.Error(t, err)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("svc", testConfig())
	failing := func() error { return errors.New("boom") }
	require.Error(t, b.Guard(failing))
	require.Error(t, b.Guard(failing))
	require.Equal(t, Open, b.State())

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Guard(func() error { return nil }))
	require.NoError(t, b.Guard(func() error { return nil }))
	require.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("svc", testConfig())
	failing := func() error { return errors.New("boom") }
	require.Error(t, b.Guard(failing))
	require.Error(t, b.Guard(failing))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	require.Error(t, b.Guard(failing))
	require.Equal(t, Open, b.State())
}

func TestBreakerResetForcesClosed(t *testing.T) {
	b := New("svc", testConfig())
	failing := func() error { return errors.New("boom") }
	require.Error(t, b.Guard(failing))
	require.Error(t, b.Guard(failing))
	require.Equal(t, Open, b.State())

	b.Reset()
	require.Equal(t, Closed, b.State())
}

func TestBreakerForceOpen(t *testing.T) {
	b := New("svc", testConfig())
	b.ForceOpen(20 * time.Millisecond)
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)
	require.NotEqual(t, Open, b.State())
}

func TestManagerAggregatesHealth(t *testing.T) {
	m := NewManager(testConfig())
	require.Error(t, m.Guard("a", func() error { return errors.New("x") }))
	require.Error(t, m.Guard("a", func() error { return errors.New("x") }))
	require.NoError(t, m.Guard("b", func() error { return nil }))

	h := m.Health()
	require.Equal(t, 2, h.Total)
	require.Equal(t, 1, h.Open)
	require.Equal(t, 1, h.Closed)
}

func TestManagerResetOne(t *testing.T) {
	m := NewManager(testConfig())
	require.Error(t, m.Guard("a", func() error { return errors.New("x") }))
	require.Error(t, m.Guard("a", func() error { return errors.New("x") }))
	require.Equal(t, Open, m.Get("a").State())

	require.True(t, m.ResetOne("a"))
	require.Equal(t, Closed, m.Get("a").State())
	require.False(t, m.ResetOne("unknown"))
}
