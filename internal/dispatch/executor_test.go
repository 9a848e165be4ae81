package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pending reports how many keys currently hold a queue entry.
func (e *Executor) pending() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}

func newExecutor(cfg Config) *Executor {
	return New(cfg, zerolog.Nop())
}

func TestExecutor_FIFOPerKey(t *testing.T) {
	ex := newExecutor(Config{Shards: 4, QueueSize: 16})
	defer ex.Stop()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	wg.Add(10)
	for i := 0; i < 10; i++ {
		v := i
		require.NoError(t, ex.Submit(context.Background(), 42, func(context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, v)
			mu.Unlock()
		}))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestExecutor_OneAtATimePerKey(t *testing.T) {
	ex := newExecutor(Config{Shards: 4, QueueSize: 16})
	defer ex.Stop()

	var running, maxRunning int32
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, ex.Submit(context.Background(), 7, func(context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func keysOnDifferentShards(t *testing.T, ex *Executor) (int64, int64) {
	t.Helper()
	a := int64(1)
	for b := int64(2); b < 1000; b++ {
		if ex.shardFor(a) != ex.shardFor(b) {
			return a, b
		}
	}
	t.Fatal("no keys on different shards")
	return 0, 0
}

func TestExecutor_OtherKeysNotBlocked(t *testing.T) {
	ex := newExecutor(Config{Shards: 4, QueueSize: 4})
	release := make(chan struct{})
	defer func() {
		close(release)
		ex.Stop()
	}()

	slow, fast := keysOnDifferentShards(t, ex)
	require.NoError(t, ex.Submit(context.Background(), slow, func(context.Context) { <-release }))

	ran := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), fast, func(context.Context) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("blocked user held up another user")
	}
}

func keysOnSameShard(t *testing.T, ex *Executor) (int64, int64) {
	t.Helper()
	a := int64(1)
	for b := int64(2); b < 1000; b++ {
		if ex.shardFor(a) == ex.shardFor(b) {
			return a, b
		}
	}
	t.Fatal("no keys on the same shard")
	return 0, 0
}

func TestExecutor_SameShardKeysNotBlocked(t *testing.T) {
	ex := newExecutor(Config{Shards: 16, QueueSize: 4})
	release := make(chan struct{})
	defer func() {
		close(release)
		ex.Stop()
	}()

	slow, fast := keysOnSameShard(t, ex)
	started := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), slow, func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	ran := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), fast, func(context.Context) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("user on the same shard waited for another user's turn")
	}
}

func TestExecutor_ManyKeysKeepOrder(t *testing.T) {
	ex := newExecutor(Config{Shards: 4, QueueSize: 32})
	defer ex.Stop()

	const keys, perKey = 20, 25
	var (
		mu     sync.Mutex
		orders = make(map[int64][]int)
		wg     sync.WaitGroup
	)
	wg.Add(keys * perKey)
	for k := int64(0); k < keys; k++ {
		go func(k int64) {
			for i := 0; i < perKey; i++ {
				v := i
				assert.NoError(t, ex.Submit(context.Background(), k, func(context.Context) {
					defer wg.Done()
					mu.Lock()
					orders[k] = append(orders[k], v)
					mu.Unlock()
				}))
			}
		}(k)
	}
	wg.Wait()

	for k := int64(0); k < keys; k++ {
		require.Len(t, orders[k], perKey)
		for i, v := range orders[k] {
			assert.Equal(t, i, v, "key %d out of order", k)
		}
	}
}

func TestExecutor_IdleKeyReleased(t *testing.T) {
	ex := newExecutor(Config{Shards: 2, QueueSize: 4})
	defer ex.Stop()

	require.NoError(t, ex.Do(context.Background(), 9, func(context.Context) {}))
	assert.Eventually(t, func() bool { return ex.pending() == 0 }, time.Second, 5*time.Millisecond)

	// a released key starts a fresh drain on the next turn
	ran := false
	require.NoError(t, ex.Do(context.Background(), 9, func(context.Context) { ran = true }))
	assert.True(t, ran)
}

func TestExecutor_QueueFull(t *testing.T) {
	ex := newExecutor(Config{Shards: 1, QueueSize: 1, EnqueueTimeout: 10 * time.Millisecond})
	release := make(chan struct{})
	defer func() {
		close(release)
		ex.Stop()
	}()

	started := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), 1, func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, ex.Submit(context.Background(), 1, func(context.Context) {}))
	err := ex.Submit(context.Background(), 1, func(context.Context) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))

	var qf *QueueFullError
	require.True(t, errors.As(err, &qf))
	assert.Equal(t, int64(1), qf.Key)
	assert.Equal(t, 1, qf.Capacity)

	// another key is unaffected by the full queue
	require.NoError(t, ex.Submit(context.Background(), 2, func(context.Context) {}))
}

func TestExecutor_StopDrainsAndRejects(t *testing.T) {
	ex := newExecutor(Config{Shards: 2, QueueSize: 32})

	var count int32
	for i := 0; i < 20; i++ {
		require.NoError(t, ex.Submit(context.Background(), int64(i), func(context.Context) {
			atomic.AddInt32(&count, 1)
		}))
	}
	ex.Stop()
	ex.Stop()

	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
	assert.ErrorIs(t, ex.Submit(context.Background(), 1, func(context.Context) {}), ErrExecutorClosed)
}

func TestExecutor_PanicKeepsWorker(t *testing.T) {
	ex := newExecutor(Config{Shards: 1, QueueSize: 4})
	defer ex.Stop()

	require.NoError(t, ex.Submit(context.Background(), 1, func(context.Context) { panic("boom") }))

	ran := false
	require.NoError(t, ex.Do(context.Background(), 1, func(context.Context) { ran = true }))
	assert.True(t, ran)
}

func TestExecutor_CanceledJobSkipped(t *testing.T) {
	ex := newExecutor(Config{Shards: 1, QueueSize: 4})
	defer ex.Stop()

	release := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), 1, func(context.Context) { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	require.NoError(t, ex.Submit(ctx, 1, func(context.Context) { ran.Store(true) }))
	cancel()
	close(release)

	require.NoError(t, ex.Do(context.Background(), 1, func(context.Context) {}))
	assert.False(t, ran.Load())
}
