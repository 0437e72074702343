package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlightLockSingleOwnerPerFingerprint(t *testing.T) {
	lock := newFlightLock(5 * time.Second)

	token, err := lock.acquire(context.Background(), "fp-1")
	require.NoError(t, err)
	require.NotNil(t, token)

	var owners int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := lock.acquire(context.Background(), "fp-1")
			require.NoError(t, err)
			if got != nil {
				atomic.AddInt32(&owners, 1)
				lock.release("fp-1", got)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	lock.release("fp-1", token)
	wg.Wait()

	// Waiters resolve to "re-check the cache" once the fill completes;
	// none of them should have become owners.
	assert.Equal(t, int32(0), atomic.LoadInt32(&owners))
}

func TestFlightLockIndependentFingerprints(t *testing.T) {
	lock := newFlightLock(5 * time.Second)

	a, err := lock.acquire(context.Background(), "fp-a")
	require.NoError(t, err)
	require.NotNil(t, a)

	b, err := lock.acquire(context.Background(), "fp-b")
	require.NoError(t, err)
	require.NotNil(t, b)

	lock.release("fp-a", a)
	lock.release("fp-b", b)
}

func TestFlightLockStaleHolderTakeover(t *testing.T) {
	lock := newFlightLock(20 * time.Millisecond)

	stale, err := lock.acquire(context.Background(), "fp-1")
	require.NoError(t, err)
	require.NotNil(t, stale)

	time.Sleep(40 * time.Millisecond)

	taker, err := lock.acquire(context.Background(), "fp-1")
	require.NoError(t, err)
	require.NotNil(t, taker, "waiter should take over a stale slot")

	// The displaced holder's release must not free the taker's slot.
	lock.release("fp-1", stale)

	again := make(chan *Flight, 1)
	go func() {
		got, _ := lock.acquire(context.Background(), "fp-1")
		again <- got
	}()

	select {
	case <-again:
		t.Fatal("slot freed by displaced holder")
	case <-time.After(10 * time.Millisecond):
	}

	lock.release("fp-1", taker)
	got := <-again
	if got != nil {
		lock.release("fp-1", got)
	}
}

func TestFlightLockHonorsContextCancellation(t *testing.T) {
	lock := newFlightLock(5 * time.Second)

	token, err := lock.acquire(context.Background(), "fp-1")
	require.NoError(t, err)
	require.NotNil(t, token)
	defer lock.release("fp-1", token)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = lock.acquire(ctx, "fp-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
