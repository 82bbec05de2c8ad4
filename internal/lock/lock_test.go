package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySerializesSameKey(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "org:ticket", 5*time.Second)
			require.NoError(t, err)
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			require.NoError(t, release(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Empty(t, l.locks)
}

func TestMemoryTimesOut(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, release(ctx))
	release2, err := l.Acquire(ctx, "k", 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestMemoryDifferentKeysDoNotBlock(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)
	r2, err := l.Acquire(ctx, "b", 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, r1(ctx))
	require.NoError(t, r2(ctx))
}

func TestMemoryReleaseIsIdempotent(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	_, err = l.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
}

func TestMemoryHonorsContext(t *testing.T) {
	l := NewMemory()
	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
