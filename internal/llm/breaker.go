package llm

import (
	"errors"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned while the breaker is rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker open")

type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// CircuitBreaker stops requests to the scoring provider once it is clearly
// down, so callers fall through to their degraded path immediately instead of
// burning the retry budget on every call.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	successes     int
	lastFailure   time.Time
	failThreshold int
	passThreshold int
	cooldown      time.Duration
}

func NewCircuitBreaker(failThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failThreshold < 1 {
		failThreshold = 3
	}
	if cooldown < time.Second {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		state:         StateClosed,
		failThreshold: failThreshold,
		passThreshold: 2,
		cooldown:      cooldown,
	}
}

// Call runs fn through the breaker. While open it returns ErrCircuitOpen
// without invoking fn; after the cooldown a single probe is let through.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.setState(StateHalfOpen)
			cb.successes = 0
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = time.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failThreshold {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.passThreshold {
			cb.setState(StateClosed)
			cb.failures = 0
		}
	}
}

func (cb *CircuitBreaker) setState(next BreakerState) {
	if cb.state == next {
		return
	}
	zlog.Warn().Str("component", "breaker").Str("from", string(cb.state)).Str("to", string(next)).Msg("circuit breaker state change")
	cb.state = next
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
