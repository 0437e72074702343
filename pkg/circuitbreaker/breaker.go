package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Config tunes the breaker. FailureThreshold consecutive failures trip the
// breaker open; after Timeout it admits up to MaxRequests probes, and
// SuccessThreshold consecutive probe successes close it again. Interval,
// when set, resets the failure counters of a closed breaker periodically.
type Config struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	Logger           *zap.Logger
}

// CircuitBreaker guards calls to one downstream dependency. A rolling
// generation counter discards results from calls that started before the
// most recent state change.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	generation   uint64
	inFlight     uint32
	consecFails  uint32
	consecOKs    uint32
	nextDeadline time.Time
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}

	cb := &CircuitBreaker{name: name, cfg: cfg, logger: cfg.Logger}
	cb.resetCounters(time.Now())
	return cb
}

// Execute runs fn unless the breaker refuses admission. A panic inside fn
// counts as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(gen, false)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(gen, err == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.observe(time.Now())
	return state
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, gen := cb.observe(time.Now())
	switch {
	case state == StateOpen:
		return gen, ErrCircuitOpen
	case state == StateHalfOpen && cb.inFlight >= cb.cfg.MaxRequests:
		return gen, ErrTooManyRequests
	}

	cb.inFlight++
	return gen, nil
}

func (cb *CircuitBreaker) settle(gen uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, current := cb.observe(now)
	if current != gen {
		// The breaker moved on while this call was in flight.
		return
	}

	if success {
		cb.consecOKs++
		cb.consecFails = 0
		if state == StateHalfOpen && cb.consecOKs >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.consecFails++
	cb.consecOKs = 0
	if state == StateHalfOpen || cb.consecFails >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen, now)
	}
}

// observe advances time-driven transitions and reports the current state.
// Callers must hold mu.
func (cb *CircuitBreaker) observe(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.nextDeadline.IsZero() && cb.nextDeadline.Before(now) {
			cb.resetCounters(now)
		}
	case StateOpen:
		if cb.nextDeadline.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.resetCounters(now)

	if cb.logger != nil {
		cb.logger.Info("Circuit breaker state changed",
			zap.String("name", cb.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}

func (cb *CircuitBreaker) resetCounters(now time.Time) {
	cb.generation++
	cb.inFlight = 0
	cb.consecFails = 0
	cb.consecOKs = 0

	switch cb.state {
	case StateOpen:
		cb.nextDeadline = now.Add(cb.cfg.Timeout)
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.nextDeadline = now.Add(cb.cfg.Interval)
		} else {
			cb.nextDeadline = time.Time{}
		}
	default:
		cb.nextDeadline = time.Time{}
	}
}
