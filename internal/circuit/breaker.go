package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateOpen fails calls fast until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery.
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

// ErrOpen is returned without invoking the call while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Breaker protects a flaky dependency, typically the flag store, from
// being hammered while it is down. Consecutive failures open the breaker;
// after the cooldown a probe call decides whether it closes again.
type Breaker struct {
	maxFailures int
	cooldown    time.Duration

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	rejections uint64
}

// Config tunes a Breaker. Zero values fall back to the defaults.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	return &Breaker{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		state:       StateClosed,
	}
}

// Do runs fn under breaker protection. While open it returns ErrOpen
// without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.successes = 0
			return nil
		}
		b.rejections++
		return fmt.Errorf("%w for %s", ErrOpen, time.Since(b.openedAt).Round(time.Millisecond))
	default:
		return fmt.Errorf("unknown breaker state %d", b.state)
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		switch b.state {
		case StateClosed:
			if b.failures >= b.maxFailures {
				b.open()
			}
		case StateHalfOpen:
			// A failed probe re-opens immediately.
			b.open()
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= 2 {
			b.state = StateClosed
		}
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.successes = 0
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Rejections counts calls failed fast while open.
func (b *Breaker) Rejections() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejections
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
