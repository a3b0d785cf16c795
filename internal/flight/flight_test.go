package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoCollapsesConcurrentCallers(t *testing.T) {
	t.Parallel()

	var r Registry
	var calls int64
	started := make(chan struct{})
	release := make(chan struct{})

	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		id, shared, err := r.Do(context.Background(), "k", func() (int64, error) {
			atomic.AddInt64(&calls, 1)
			close(started)
			<-release
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(42), id)
		_ = shared
	}()

	<-started

	const followers = 10
	var wg sync.WaitGroup
	results := make([]int64, followers)
	wg.Add(followers)
	for i := range followers {
		go func(i int) {
			defer wg.Done()
			id, shared, err := r.Do(context.Background(), "k", func() (int64, error) {
				atomic.AddInt64(&calls, 1)
				return 0, nil
			})
			assert.NoError(t, err)
			assert.True(t, shared)
			results[i] = id
		}(i)
	}

	close(release)
	<-leaderDone
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "fn must run exactly once")
	for _, id := range results {
		assert.Equal(t, int64(42), id)
	}
}

func TestDoReturnsErrCancelledOnCallerContext(t *testing.T) {
	t.Parallel()

	var r Registry
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blockFn := make(chan struct{})
	defer close(blockFn)

	go func() {
		_, _, _ = r.Do(context.Background(), "k2", func() (int64, error) {
			<-blockFn
			return 1, nil
		})
	}()
	time.Sleep(10 * time.Millisecond) // let the leader register the key

	_, _, err := r.Do(ctx, "k2", func() (int64, error) { return 1, nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestDoPropagatesError(t *testing.T) {
	t.Parallel()

	var r Registry
	wantErr := errors.New("boom")
	_, _, err := r.Do(context.Background(), "k3", func() (int64, error) {
		return 0, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}
