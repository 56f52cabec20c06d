package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for _, p := range []string{"/a", "/b", "/c"} {
		require.NoError(t, q.Push(NewScanRequest(p)))
	}
	assert.Equal(t, 3, q.Len())
	for _, want := range []string{"/a", "/b", "/c"} {
		req, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, want, req.Path)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_CloseWakesAllConsumers(t *testing.T) {
	q := NewQueue()
	const consumers = 5

	var wg sync.WaitGroup
	results := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop()
			results <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumers still parked on Pop after Close")
	}
	close(results)
	for err := range results {
		assert.ErrorIs(t, err, ErrClosed)
	}
	assert.ErrorIs(t, q.Push(NewScanRequest("/late")), ErrClosed)
}

func TestQueue_DrainsBeforeClosed(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Push(NewScanRequest("/a")))
	q.Close()

	req, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, "/a", req.Path)

	_, err = q.Pop()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_EachRequestPoppedOnce(t *testing.T) {
	q := NewQueue()
	const total = 500

	var seen sync.Map
	var dup, count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				req, err := q.Pop()
				if err != nil {
					return
				}
				if _, loaded := seen.LoadOrStore(req.ID, true); loaded {
					dup.Add(1)
				}
				count.Add(1)
			}
		}()
	}
	for i := 0; i < total; i++ {
		require.NoError(t, q.Push(NewScanRequest("/x")))
	}
	require.Eventually(t, func() bool { return count.Load() == total }, 2*time.Second, 5*time.Millisecond)
	q.Close()
	wg.Wait()
	assert.Zero(t, dup.Load())
}

func TestScanRequest_Verdict(t *testing.T) {
	req := NewScanRequest("/bin/x")
	req.Fulfill(true)
	req.Fulfill(false) // 第二次写入无效果

	v, err := req.AwaitVerdict(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestScanRequest_TimeoutThenLateFulfill(t *testing.T) {
	req := NewScanRequest("/bin/y")
	start := time.Now()
	_, err := req.AwaitVerdict(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.NotPanics(t, func() { req.Fulfill(true) })
}

func TestScanRequest_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScanRequest("/z").AwaitVerdict(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool(t *testing.T) {
	q := NewQueue()
	p := NewPool(q, ScannerFunc(func(path string) (bool, error) {
		return path == "/bad", nil
	}))
	p.Start(2)

	bad, good := NewScanRequest("/bad"), NewScanRequest("/good")
	require.NoError(t, q.Push(bad))
	require.NoError(t, q.Push(good))

	v, err := bad.AwaitVerdict(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, v)
	v, err = good.AwaitVerdict(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, v)

	q.Close()
	p.Wait()
}

func TestPool_ScanErrorIsClean(t *testing.T) {
	q := NewQueue()
	p := NewPool(q, ScannerFunc(func(string) (bool, error) {
		return true, assert.AnError
	}))
	p.Start(1)

	req := NewScanRequest("/gone")
	require.NoError(t, q.Push(req))
	v, err := req.AwaitVerdict(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, v)

	q.Close()
	p.Wait()
}
