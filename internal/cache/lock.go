package cache

import (
	"context"
	"sync"
	"time"
)

// flightLock serializes cache fills per fingerprint. The first caller for a
// fingerprint acquires the slot and performs the fill; concurrent callers
// wait for its completion and re-read the cache instead of duplicating
// upstream work. A holder that exceeds maxHold is considered stuck and a
// waiter may take the slot over.
type flightLock struct {
	mu      sync.Mutex
	flights map[string]*Flight
	maxHold time.Duration
}

// Flight is the ownership token for one in-progress fill.
type Flight struct {
	done     chan struct{}
	acquired time.Time
}

func newFlightLock(maxHold time.Duration) *flightLock {
	if maxHold <= 0 {
		maxHold = 30 * time.Second
	}
	return &flightLock{
		flights: make(map[string]*Flight),
		maxHold: maxHold,
	}
}

// acquire returns a non-nil token if the caller now owns the fill for this
// fingerprint. If another fill is in progress it blocks until that fill
// completes (returning nil, meaning "re-check the cache"), the holder goes
// stale (returning a token after takeover), or ctx expires.
func (l *flightLock) acquire(ctx context.Context, fingerprint string) (*Flight, error) {
	for {
		l.mu.Lock()
		current, inFlight := l.flights[fingerprint]
		if !inFlight {
			f := &Flight{done: make(chan struct{}), acquired: time.Now()}
			l.flights[fingerprint] = f
			l.mu.Unlock()
			return f, nil
		}

		if time.Since(current.acquired) > l.maxHold {
			// The previous holder is stuck; take over its slot. Its
			// eventual release is a no-op because the map entry changed.
			f := &Flight{done: make(chan struct{}), acquired: time.Now()}
			l.flights[fingerprint] = f
			l.mu.Unlock()
			close(current.done)
			return f, nil
		}
		l.mu.Unlock()

		remaining := l.maxHold - time.Since(current.acquired)
		timer := time.NewTimer(remaining)

		select {
		case <-current.done:
			timer.Stop()
			return nil, nil
		case <-timer.C:
			// Loop around: either take over the stale slot or find a
			// fresh holder already in place.
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// release frees the slot if the token still owns it. A token displaced by
// a takeover releases nothing.
func (l *flightLock) release(fingerprint string, token *Flight) {
	if token == nil {
		return
	}

	l.mu.Lock()
	owned := l.flights[fingerprint] == token
	if owned {
		delete(l.flights, fingerprint)
	}
	l.mu.Unlock()

	if owned {
		close(token.done)
	}
}
