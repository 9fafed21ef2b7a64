package concurrency_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/concurrency"
)

func TestConcurrentReaders(t *testing.T) {
	l := concurrency.New()
	ctx := context.Background()

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.RLock(ctx)
			require.NoError(t, err)
			defer release()

			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Greater(t, maxActive.Load(), int32(1), "readers should run concurrently")
}

func TestWriterExclusive(t *testing.T) {
	l := concurrency.New()
	ctx := context.Background()

	var active atomic.Int32
	var violated atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx)
			require.NoError(t, err)
			defer release()

			if active.Add(1) != 1 {
				violated.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.False(t, violated.Load(), "writers must never overlap")
}

func TestWriterPreferenceNotStarved(t *testing.T) {
	l := concurrency.New()
	ctx := context.Background()

	// Hold the lock with one long reader.
	holdRelease, err := l.RLock(ctx)
	require.NoError(t, err)

	writerDone := make(chan struct{})
	go func() {
		release, err := l.Lock(ctx)
		require.NoError(t, err)
		defer release()
		close(writerDone)
	}()

	time.Sleep(5 * time.Millisecond) // let the writer enqueue

	// New readers arriving after the writer must wait behind it.
	laterReaderDone := make(chan struct{})
	go func() {
		release, err := l.RLock(ctx)
		require.NoError(t, err)
		defer release()
		close(laterReaderDone)
	}()

	select {
	case <-writerDone:
		t.Fatal("writer should not have been granted while the first reader holds the lock")
	case <-time.After(10 * time.Millisecond):
	}

	holdRelease()

	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer was starved")
	}
	select {
	case <-laterReaderDone:
	case <-time.After(time.Second):
		t.Fatal("later reader never proceeded")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := concurrency.New()
	ctx := context.Background()

	release, err := l.Lock(ctx)
	require.NoError(t, err)
	defer release()

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = l.RLock(cctx)
	assert.Error(t, err)
}
