// Package circuit implements a per-tool circuit breaker. A tool that
// fails a threshold of consecutive attempts stops receiving dispatches
// until a cooldown elapses, after which a single probe call decides
// whether the breaker closes again.
package circuit

import (
	"sync"
	"time"
)

// State is the current circuit state for a tool.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a probe is
	// allowed.
	Cooldown time.Duration

	// OnStateChange is called when the state changes.
	OnStateChange func(tool string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker tracks the health of a single tool. One Breaker exists per tool
// name for the lifetime of the engine. All methods are safe for concurrent
// use; the lock is never held while the tool itself runs.
type Breaker struct {
	tool   string
	config Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	nextAttemptAt time.Time
	probing       bool
}

// NewBreaker creates a closed breaker for the tool.
func NewBreaker(tool string, config Config) *Breaker {
	return &Breaker{
		tool:   tool,
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Allow reports whether a call to the tool may be dispatched now.
// probe is true when the call is the half-open probe whose result decides
// the breaker's next state. While a probe is in flight, other calls are
// rejected.
func (b *Breaker) Allow(now time.Time) (ok, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if now.Before(b.nextAttemptAt) {
			return false, false
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true, true
	case StateHalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
	return true, false
}

// RecordSuccess records a successful attempt. It returns true when the
// success was a probe that closed the circuit.
func (b *Breaker) RecordSuccess() (recovered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.probing = false
		b.transition(StateClosed)
		return true
	}
	return false
}

// ReleaseProbe abandons an in-flight probe that produced no health
// verdict (the attempt never ran or failed for reasons unrelated to the
// tool). The breaker stays half_open and the next allowed call becomes
// the probe.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// RecordFailure records a failed attempt and returns true when it opened
// (or reopened) the circuit.
func (b *Breaker) RecordFailure(now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.nextAttemptAt = now.Add(b.config.Cooldown)
			b.transition(StateOpen)
			return true
		}
	case StateHalfOpen:
		// Failed probe: reopen and restart the cooldown.
		b.probing = false
		b.nextAttemptAt = now.Add(b.config.Cooldown)
		b.transition(StateOpen)
		return true
	}
	return false
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.tool, from, to)
	}
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Tool          string    `json:"tool"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// Snapshot returns the breaker's current stats.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Tool:          b.tool,
		State:         b.state,
		Failures:      b.failures,
		LastFailure:   b.lastFailure,
		NextAttemptAt: b.nextAttemptAt,
	}
}

// Registry holds one breaker per tool name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry that builds breakers from the given
// default config.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
	}
}

// Get returns the breaker for the tool, creating it on first use.
func (r *Registry) Get(tool string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[tool]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[tool]; ok {
		return b
	}
	b = NewBreaker(tool, r.defaults)
	r.breakers[tool] = b
	return b
}

// Stats returns a snapshot of every breaker keyed by tool name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]Stats, len(r.breakers))
	for tool, b := range r.breakers {
		stats[tool] = b.Snapshot()
	}
	return stats
}
