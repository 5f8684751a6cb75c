package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures that open the breaker
	SuccessThreshold int           // half-open successes that close it again
	Timeout          time.Duration // time spent open before letting calls through
	HalfOpenCalls    int           // concurrent calls allowed while half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		HalfOpenCalls:    1,
	}
}

// CircuitBreaker stops calling a failing dependency for a while after a run
// of consecutive failures.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenCalls <= 0 {
		cfg.HalfOpenCalls = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers fn to be called, with the breaker unlocked, after
// every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. The error from fn is returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
			return ErrOpen
		}
		notify = cb.transition(StateHalfOpen)
		cb.trials++
		return nil
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenCalls {
			return ErrOpen
		}
		cb.trials++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	var notify func()
	switch cb.state {
	case StateClosed:
		if ok {
			cb.failures = 0
		} else if cb.failures++; cb.failures >= cb.cfg.FailureThreshold {
			notify = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.trials--
		if !ok {
			notify = cb.transition(StateOpen)
		} else if cb.successes++; cb.successes >= cb.cfg.SuccessThreshold {
			notify = cb.transition(StateClosed)
		}
	}
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transition must be called with mu held. It returns the callback to run
// once mu is released.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}
