package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/storegate/internal/config"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State mirrors the gobreaker state of a backend breaker.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// StateChangeFunc is invoked on every transition of a named breaker.
type StateChangeFunc func(name string, from, to State)

// Breaker guards a single backend. Only failures reported through the
// done callback count toward tripping.
type Breaker struct {
	cb        *gobreaker.TwoStepCircuitBreaker[struct{}]
	threshold int
	timeout   time.Duration

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker that opens after FailureThreshold
// consecutive failures and stays open for Timeout.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, onStateChange StateChangeFunc) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
	}
	if onStateChange != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			onStateChange(name, from, to)
		}
	}

	return &Breaker{
		cb:        gobreaker.NewTwoStepCircuitBreaker[struct{}](st),
		threshold: threshold,
		timeout:   timeout,
	}
}

// Allow reserves a call. The returned func must be called exactly once
// with the call outcome; a nil error records a success.
func (b *Breaker) Allow() (func(error), error) {
	b.totalRequests.Add(1)
	done, err := b.cb.Allow()
	if err != nil {
		b.totalRejected.Add(1)
		return nil, ErrOpen
	}
	return func(outcome error) {
		if outcome != nil {
			b.totalFailures.Add(1)
		} else {
			b.totalSuccesses.Add(1)
		}
		done(outcome == nil)
	}, nil
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return b.cb.State()
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	return BreakerSnapshot{
		State:               b.cb.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		FailureThreshold:    b.threshold,
		MaxRequests:         1,
		Timeout:             b.timeout,
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	State               string        `json:"state"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	MaxRequests         int           `json:"max_requests"`
	Timeout             time.Duration `json:"timeout"`
	TotalRequests       int64         `json:"total_requests"`
	TotalFailures       int64         `json:"total_failures"`
	TotalSuccesses      int64         `json:"total_successes"`
	TotalRejected       int64         `json:"total_rejected"`
}

// BreakerByService manages one circuit breaker per backend service
type BreakerByService struct {
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewBreakerByService creates a breaker for each named service.
func NewBreakerByService(names []string, cfg config.CircuitBreakerConfig, onStateChange StateChangeFunc) *BreakerByService {
	bs := &BreakerByService{breakers: make(map[string]*Breaker, len(names))}
	for _, name := range names {
		bs.breakers[name] = NewBreaker(name, cfg, onStateChange)
	}
	return bs
}

// Get returns the breaker for a service, or nil. A nil receiver has no
// breakers.
func (bs *BreakerByService) Get(name string) *Breaker {
	if bs == nil {
		return nil
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.breakers[name]
}

// Names returns the guarded service names in sorted order.
func (bs *BreakerByService) Names() []string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	names := make([]string, 0, len(bs.breakers))
	for name := range bs.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns snapshots of all circuit breakers
func (bs *BreakerByService) Snapshots() map[string]BreakerSnapshot {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	result := make(map[string]BreakerSnapshot, len(bs.breakers))
	for name, b := range bs.breakers {
		result[name] = b.Snapshot()
	}
	return result
}
