package limiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanLoadModuleRespectsLimit(t *testing.T) {
	count := 0
	l := New(Config{MaxCachedModules: 2}, func() int { return count }, nil)

	require.True(t, l.CanLoadModule())
	count = 2
	require.False(t, l.CanLoadModule())
}

func TestCanLoadModuleWithoutLimitAlwaysTrue(t *testing.T) {
	l := New(Config{}, nil, nil)
	require.True(t, l.CanLoadModule())
}

func TestSampleReportsPercentages(t *testing.T) {
	l := New(Config{MaxMemoryBytes: 1, MaxFileHandles: 10, MaxCachedModules: 10}, func() int { return 5 }, nil)
	s := l.Sample()
	require.Equal(t, 50.0, s.ModulesPercent)
	require.Greater(t, s.MemoryPercent, 0.0)
}

func TestWarningFiresAtNinetyPercent(t *testing.T) {
	var mu sync.Mutex
	fired := false
	l := New(Config{MaxCachedModules: 10, CheckInterval: 5 * time.Millisecond}, func() int { return 9 }, func(s Sample) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	l.Start()
	defer l.Stop()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.True(t, fired)
}

func TestHandleTracking(t *testing.T) {
	l := New(Config{MaxFileHandles: 10}, nil, nil)
	l.OpenHandle()
	l.OpenHandle()
	s := l.Sample()
	require.Equal(t, 2, s.FileHandles)
	l.CloseHandle()
	s = l.Sample()
	require.Equal(t, 1, s.FileHandles)
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(Config{CheckInterval: time.Millisecond}, nil, nil)
	l.Start()
	l.Stop()
	l.Stop()
}
