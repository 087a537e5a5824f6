package vstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFifoMutexBasic(t *testing.T) {
	t.Parallel()

	var m fifoMutex
	require.NoError(t, m.Lock(context.Background()))
	m.Unlock()
	require.NoError(t, m.Lock(context.Background()))
	m.Unlock()
}

func TestFifoMutexOrder(t *testing.T) {
	t.Parallel()

	var m fifoMutex
	require.NoError(t, m.Lock(context.Background()))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Lock(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
		}()
		time.Sleep(30 * time.Millisecond) // establish arrival order
	}

	m.Unlock()
	wg.Wait()
	require.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestFifoMutexContextCancel(t *testing.T) {
	t.Parallel()

	var m fifoMutex
	require.NoError(t, m.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Lock(ctx), context.DeadlineExceeded)

	// A cancelled waiter must not poison the queue.
	acquired := make(chan struct{})
	go func() {
		require.NoError(t, m.Lock(context.Background()))
		close(acquired)
	}()
	time.Sleep(20 * time.Millisecond)
	m.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
