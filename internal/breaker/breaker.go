// Package breaker provides per-dependency failure isolation. Breaker state is
// deliberately per-instance: each process makes its own judgement about a
// dependency's health and never shares it through the store.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without attempting the underlying call when the
// circuit is open, or while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type Options struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration

	// Clock is overridable in tests; defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold < 1 {
		o.FailureThreshold = 5
	}
	if o.SuccessThreshold < 1 {
		o.SuccessThreshold = 2
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type Breaker struct {
	name string
	opts Options

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	totalRequests        int64
	rejectedRequests     int64
	probeInFlight        bool
}

// Snapshot is a diagnostic view for health endpoints. Never consulted for
// correctness.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at"`
	LastSuccessAt        time.Time `json:"last_success_at"`
	TotalRequests        int64     `json:"total_requests"`
	RejectedRequests     int64     `json:"rejected_requests"`
}

func New(name string, opts Options) *Breaker {
	return &Breaker{
		name:  name,
		opts:  opts.withDefaults(),
		state: StateClosed,
	}
}

// Do runs fn through the breaker. Rejections return ErrCircuitOpen without
// calling fn; fn's own error is passed through after being recorded.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.opts.Clock().Sub(b.lastFailureAt) >= b.opts.ResetTimeout {
			// Cooldown elapsed: this one call becomes the half-open probe.
			b.state = StateHalfOpen
			b.probeInFlight = true
			return nil
		}
		b.rejectedRequests++
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			b.rejectedRequests++
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessAt = b.opts.Clock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.opts.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
		return
	}

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.opts.Clock()
	b.consecutiveSuccesses = 0

	if b.state == StateHalfOpen {
		// Failed probe reopens immediately and restarts the cooldown.
		b.probeInFlight = false
		b.state = StateOpen
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.opts.FailureThreshold {
		b.state = StateOpen
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailureAt:        b.lastFailureAt,
		LastSuccessAt:        b.lastSuccessAt,
		TotalRequests:        b.totalRequests,
		RejectedRequests:     b.rejectedRequests,
	}
}
