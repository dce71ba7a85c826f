package toolproto

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/anumate/control-plane/pkg/errs"
)

// Caller is the tool invocation surface the orchestrator consumes. Session
// implements it; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, params CallParams) (*CallResult, error)
}

// breakerState is the circuit breaker phase.
type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker trips after threshold consecutive failures and lets a
// probe through once resetTimeout has elapsed.
type CircuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == breakerOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}

// InvokerConfig tunes retry behavior. MaxRetries of zero means every
// call gets a single attempt.
type InvokerConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter in [0,1): fraction of the backoff added randomly.
	Jitter float64
}

func (c *InvokerConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Invoker wraps a Caller with exponential backoff, jitter and a circuit
// breaker. Only Transient failures retry; everything else is final on the
// first attempt.
type Invoker struct {
	caller  Caller
	breaker *CircuitBreaker
	cfg     InvokerConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewInvoker(caller Caller, breaker *CircuitBreaker, cfg InvokerConfig) *Invoker {
	cfg.defaults()
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 10*time.Second)
	}
	return &Invoker{
		caller:  caller,
		breaker: breaker,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Call runs the invocation with the retry policy.
func (i *Invoker) Call(ctx context.Context, params CallParams) (*CallResult, error) {
	if !i.breaker.Allow() {
		return nil, errs.New(errs.KindTransient, "CIRCUIT_OPEN", "tool runtime circuit breaker open")
	}

	var lastErr error
	for attempt := 0; attempt <= i.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := i.sleep(ctx, i.backoff(attempt-1)); err != nil {
				break
			}
		}
		result, err := i.caller.Call(ctx, params)
		if err == nil {
			i.breaker.Success()
			return result, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			i.breaker.Failure()
			return nil, err
		}
	}

	i.breaker.Failure()
	return nil, lastErr
}

func (i *Invoker) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * i.cfg.BaseDelay
	if d > i.cfg.MaxDelay {
		d = i.cfg.MaxDelay
	}
	if i.cfg.Jitter > 0 {
		d += time.Duration(rand.Float64() * i.cfg.Jitter * float64(d))
	}
	return d
}
