package modlog

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMeasureSyncSuccess(t *testing.T) {
	l := New("test", LevelDebug)
	calls := 0
	err := l.MeasureSync("load", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestMeasureSyncPropagatesError(t *testing.T) {
	l := New("test", LevelDebug)
	boom := errors.New("boom")
	err := l.MeasureSync("compile", func() error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestMeasureAsyncSuccess(t *testing.T) {
	l := New("test", LevelDebug)
	err := l.MeasureAsync(context.Background(), "bundle", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestWithCorrelationIDAndOperationChain(t *testing.T) {
	l := New("test", LevelInfo)
	child := l.WithCorrelationID("abc-123").WithOperation("load")
	require.NotNil(t, child)
	child.Info("hello")
}

func TestConsoleFormatterProducesOutput(t *testing.T) {
	f := NewConsoleFormatter()
	base := logrus.New()
	entry := base.WithField("component", "test")
	entry.Message = "hello"
	entry.Level = logrus.InfoLevel
	out, err := f.Format(entry)
	require.NoError(t, err)
	require.NotEmpty(t, out)
}
