package errors

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"alexrt/internal/async"
	"alexrt/internal/logging"
)

// CircuitState is the admission state of a breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON output.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig configures a breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // half-open successes that close it again
	Timeout          time.Duration // open period before a half-open probe
	// OnStateChange runs on its own goroutine after every transition.
	OnStateChange func(name string, from, to CircuitState)
	Now           func() time.Time
	Logger        logging.Logger
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker fails requests fast after repeated failures of one
// upstream, and lets a probe through once the open period has passed.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	changedAt time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("CircuitBreaker")
	}
	return &CircuitBreaker{
		name:      name,
		config:    config,
		logger:    logger,
		now:       config.Now,
		changedAt: config.Now(),
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow returns a degraded error while the circuit is open. After the open
// period it moves to half-open and admits the caller.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return nil
	}
	remaining := cb.config.Timeout - cb.now().Sub(cb.openedAt)
	if remaining <= 0 {
		cb.transition(StateHalfOpen)
		return nil
	}
	return NewDegradedError(
		fmt.Errorf("circuit breaker open for %s", cb.name),
		fmt.Sprintf("Endpoint '%s' is temporarily unavailable after repeated failures. Retrying in %v.",
			cb.name, remaining.Round(time.Millisecond)),
		"",
	)
}

// Mark records an outcome admitted by Allow. Nil is a success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		cb.logger.Debug("[%s] failure %d/%d", cb.name, cb.failures, cb.config.FailureThreshold)
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.changedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = cb.changedAt
		cb.logger.Warn("[%s] circuit opened for %s", cb.name, cb.config.Timeout)
	} else {
		cb.logger.Info("[%s] circuit %s -> %s", cb.name, from, to)
	}
	if hook := cb.config.OnStateChange; hook != nil {
		name := cb.name
		async.Go(cb.logger, "circuit-breaker.state-change", func() {
			hook(name, from, to)
		})
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	Name      string       `json:"name"`
	State     CircuitState `json:"state"`
	Failures  int          `json:"failures"`
	ChangedAt time.Time    `json:"changedAt"`
}

// Stats returns the breaker's current counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{Name: cb.name, State: cb.state, Failures: cb.failures, ChangedAt: cb.changedAt}
}

// CircuitBreakerManager hands out one breaker per name.
type CircuitBreakerManager struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a manager whose breakers share config.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (m *CircuitBreakerManager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, m.config)
	m.breakers[name] = cb
	return cb
}

// Snapshot returns stats for every breaker, sorted by name.
func (m *CircuitBreakerManager) Snapshot() []BreakerStats {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	out := make([]BreakerStats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
