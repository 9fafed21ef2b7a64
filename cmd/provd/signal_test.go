package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReloader struct {
	calls atomic.Int32
	err   error
}

func (f *fakeReloader) Reload(_ context.Context) error {
	f.calls.Add(1)
	return f.err
}

type fakeReloadMetrics struct {
	attempts atomic.Int32
	statuses []string
}

func (f *fakeReloadMetrics) RecordReloadAttempt(status string) {
	f.attempts.Add(1)
	f.statuses = append(f.statuses, status)
}

func (f *fakeReloadMetrics) RecordReloadDuration(float64) {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReloadHandlerDeliversSighupToReloader(t *testing.T) {
	reloader := &fakeReloader{}
	metrics := &fakeReloadMetrics{}
	h := newReloadHandlerWithMetrics(reloader, discardLogger(), metrics)
	h.debounceWindow = 0

	require.NoError(t, h.Start())
	defer h.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	require.Eventually(t, func() bool { return reloader.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return metrics.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"success"}, metrics.statuses)
}

func TestReloadHandlerRecordsFailure(t *testing.T) {
	reloader := &fakeReloader{err: errors.New("refresh failed")}
	metrics := &fakeReloadMetrics{}
	h := newReloadHandlerWithMetrics(reloader, discardLogger(), metrics)
	h.debounceWindow = 0

	require.NoError(t, h.Start())
	defer h.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	require.Eventually(t, func() bool { return metrics.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"failure"}, metrics.statuses)
}

func TestReloadHandlerDebouncesRapidSignals(t *testing.T) {
	reloader := &fakeReloader{}
	metrics := &fakeReloadMetrics{}
	h := newReloadHandlerWithMetrics(reloader, discardLogger(), metrics)
	h.debounceWindow = time.Minute

	require.NoError(t, h.Start())
	defer h.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	require.Eventually(t, func() bool { return reloader.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), reloader.calls.Load())
}
