// Package breaker implements the Circuit Breaker Manager: a global breaker
// or a map of per-host breakers gating both the engine and per-host
// traffic, per spec.md section 4.6.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// ErrOpen is returned by Call when the breaker is OPEN and no fallback
// was supplied.
var ErrOpen = errors.New("breaker: circuit open")

// Config controls the thresholds of one breaker.
type Config struct {
	FailureThreshold int           // failures in CLOSED before tripping to OPEN
	SuccessThreshold int           // successes in HALF_OPEN before closing
	ResetTimeout     time.Duration // time OPEN waits before allowing a HALF_OPEN probe
}

// DefaultConfig matches the sane defaults implied by spec.md's examples.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 30 * time.Second}
}

// StateChange is delivered to an observer callback whenever a breaker
// transitions.
type StateChange struct {
	Key  string
	From State
	To   State
	At   time.Time
}

// breakerState is the mutable state of a single breaker instance.
type breakerState struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	failureCount  int
	successCount  int
	totalRejected int64
	lastFailureAt time.Time
	nextAttemptAt time.Time
}

// Stats is a point-in-time snapshot of one breaker's counters.
type Stats struct {
	State         State
	FailureCount  int
	TotalRejected int64
}

func newBreakerState(cfg Config) *breakerState {
	return &breakerState{cfg: cfg, state: Closed}
}

// Manager owns either one global breaker or a map of per-host breakers,
// depending on Config.PerHost.
type Manager struct {
	cfg      Config
	perHost  bool
	mu       sync.Mutex
	breakers map[string]*breakerState

	onChange func(StateChange)

	stopSweep chan struct{}
}

// ManagerConfig selects global-vs-per-host and carries the breaker config
// applied to every breaker the manager creates.
type ManagerConfig struct {
	PerHost     bool
	BreakerCfg  Config
	OnChange    func(StateChange)
}

const globalKey = "__global__"

// NewManager creates a breaker manager and starts its periodic sweep.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.BreakerCfg == (Config{}) {
		cfg.BreakerCfg = DefaultConfig()
	}
	m := &Manager{
		cfg:       cfg.BreakerCfg,
		perHost:   cfg.PerHost,
		breakers:  make(map[string]*breakerState),
		onChange:  cfg.OnChange,
		stopSweep: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop halts the periodic sweep goroutine.
func (m *Manager) Stop() {
	close(m.stopSweep)
}

func (m *Manager) keyFor(host string) string {
	if m.perHost {
		return host
	}
	return globalKey
}

func (m *Manager) breakerFor(host string) *breakerState {
	key := m.keyFor(host)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[key]
	if !ok {
		b = newBreakerState(m.cfg)
		m.breakers[key] = b
	}
	return b
}

// Allow reports whether a call against host may proceed right now. If the
// breaker is OPEN and the reset timeout has elapsed, Allow transitions it
// to HALF_OPEN and allows this call through as the probe; every call is
// allowed while the breaker stays HALF_OPEN.
func (m *Manager) Allow(host string) bool {
	key := m.keyFor(host)
	b := m.breakerFor(host)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Now().Before(b.nextAttemptAt) {
			b.totalRejected++
			return false
		}
		m.transition(key, b, HalfOpen)
		return true
	default:
		return true
	}
}

// Call is a convenience wrapper: it checks Allow, invokes fn only if
// allowed, records the outcome, and returns fallback's result when the
// breaker rejected the call and a fallback was supplied.
func (m *Manager) Call(host string, fn func() error, fallback func() error) error {
	if !m.Allow(host) {
		if fallback != nil {
			return fallback()
		}
		return ErrOpen
	}
	err := fn()
	m.RecordResult(host, err == nil)
	return err
}

// RecordResult feeds a success/failure outcome back into the breaker for
// host.
func (m *Manager) RecordResult(host string, success bool) {
	key := m.keyFor(host)
	b := m.breakerFor(host)

	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		m.recordSuccess(key, b)
	} else {
		m.recordFailure(key, b)
	}
}

// recordFailure must be called with b.mu held.
func (m *Manager) recordFailure(key string, b *breakerState) {
	b.lastFailureAt = time.Now()

	switch b.state {
	case HalfOpen:
		// A single failure in HALF_OPEN returns to OPEN.
		b.failureCount = 0
		b.successCount = 0
		b.nextAttemptAt = time.Now().Add(b.cfg.ResetTimeout)
		m.transition(key, b, Open)
	case Closed:
		b.failureCount++
		if b.failureCount >= effectiveThreshold(b.cfg.FailureThreshold) {
			b.nextAttemptAt = time.Now().Add(b.cfg.ResetTimeout)
			m.transition(key, b, Open)
		}
	case Open:
		// Already open; extend the window defensively.
		b.nextAttemptAt = time.Now().Add(b.cfg.ResetTimeout)
	}
}

// recordSuccess must be called with b.mu held.
func (m *Manager) recordSuccess(key string, b *breakerState) {
	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= effectiveSuccessThreshold(b.cfg.SuccessThreshold) {
			b.failureCount = 0
			b.successCount = 0
			m.transition(key, b, Closed)
		}
	case Closed:
		b.failureCount = 0
	}
}

// transition must be called with b.mu held; it updates b.state and fires
// the observer callback outside the lock to avoid reentrancy deadlocks.
func (m *Manager) transition(key string, b *breakerState, to State) {
	from := b.state
	b.state = to
	if m.onChange != nil && from != to {
		cb := m.onChange
		go cb(StateChange{Key: key, From: from, To: to, At: time.Now()})
	}
}

// StateOf reports the current state of the breaker for host (or the
// global breaker, if not per-host).
func (m *Manager) StateOf(host string) State {
	b := m.breakerFor(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StatsFor returns a defensive snapshot of one breaker's counters.
func (m *Manager) StatsFor(host string) Stats {
	b := m.breakerFor(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{State: b.state, FailureCount: b.failureCount, TotalRejected: b.totalRejected}
}

// sweepLoop periodically resets a CLOSED breaker's failure counter once
// its last failure is old enough that it should no longer count toward
// tripping — spec.md section 4.6's "isolated old failures do not
// accumulate indefinitely".
func (m *Manager) sweepLoop() {
	interval := m.cfg.ResetTimeout / 2
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	snapshot := make([]*breakerState, 0, len(m.breakers))
	for _, b := range m.breakers {
		snapshot = append(snapshot, b)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, b := range snapshot {
		b.mu.Lock()
		if b.state == Closed && !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.cfg.ResetTimeout {
			b.failureCount = 0
		}
		b.mu.Unlock()
	}
}

func effectiveThreshold(n int) int {
	if n <= 0 {
		return 5
	}
	return n
}

func effectiveSuccessThreshold(n int) int {
	if n <= 0 {
		return 2
	}
	return n
}
