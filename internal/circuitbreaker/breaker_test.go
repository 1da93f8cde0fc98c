package circuitbreaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wudi/storegate/internal/config"
)

func TestNewBreakerDefaults(t *testing.T) {
	b := NewBreaker("users", config.CircuitBreakerConfig{}, nil)

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
	if snap.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", snap.FailureThreshold)
	}
	if snap.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %s", snap.Timeout)
	}
	if snap.MaxRequests != 1 {
		t.Errorf("expected max requests 1, got %d", snap.MaxRequests)
	}
}

func TestBreakerClosedToOpen(t *testing.T) {
	b := NewBreaker("users", config.CircuitBreakerConfig{
		FailureThreshold: 3,
		Timeout:          1 * time.Second,
	}, nil)

	// First 2 failures: still closed
	for i := 0; i < 2; i++ {
		done, err := b.Allow()
		if err != nil {
			t.Fatal("expected allowed in closed state")
		}
		done(fmt.Errorf("fail"))
	}

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed after 2 failures, got %s", snap.State)
	}

	// 3rd failure: transitions to open
	done, err := b.Allow()
	if err != nil {
		t.Fatal("expected allowed before recording 3rd failure")
	}
	done(fmt.Errorf("fail"))

	if b.State() != StateOpen {
		t.Errorf("expected open after 3 failures, got %s", b.State())
	}
}

func TestBreakerOpenRejectsRequests(t *testing.T) {
	b := NewBreaker("users", config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          10 * time.Second,
	}, nil)

	done, _ := b.Allow()
	done(fmt.Errorf("fail"))

	_, err := b.Allow()
	if err != ErrOpen {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerOpenToHalfOpen(t *testing.T) {
	b := NewBreaker("users", config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}, nil)

	done, _ := b.Allow()
	done(fmt.Errorf("fail"))

	time.Sleep(60 * time.Millisecond)

	// Single trial call is let through
	if _, err := b.Allow(); err != nil {
		t.Fatal("expected allowed after timeout (half-open)")
	}
	if snap := b.Snapshot(); snap.State != "half-open" {
		t.Errorf("expected half-open, got %s", snap.State)
	}

	// Second concurrent trial is rejected
	if _, err := b.Allow(); err == nil {
		t.Fatal("expected second half-open request rejected")
	}
}

func TestBreakerHalfOpenToClosed(t *testing.T) {
	b := NewBreaker("users", config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}, nil)

	done, _ := b.Allow()
	done(fmt.Errorf("fail"))

	time.Sleep(60 * time.Millisecond)

	done, err := b.Allow()
	if err != nil {
		t.Fatal("expected trial call allowed")
	}
	done(nil)

	if b.State() != StateClosed {
		t.Errorf("expected closed after successful trial, got %s", b.State())
	}
}

func TestBreakerHalfOpenToOpen(t *testing.T) {
	b := NewBreaker("users", config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}, nil)

	done, _ := b.Allow()
	done(fmt.Errorf("fail"))

	time.Sleep(60 * time.Millisecond)

	done, _ = b.Allow()
	done(fmt.Errorf("fail"))

	if b.State() != StateOpen {
		t.Errorf("expected open after failure in half-open, got %s", b.State())
	}
}

func TestBreakerSuccessResetsClosed(t *testing.T) {
	b := NewBreaker("users", config.CircuitBreakerConfig{
		FailureThreshold: 3,
		Timeout:          1 * time.Second,
	}, nil)

	done, _ := b.Allow()
	done(fmt.Errorf("fail"))
	done, _ = b.Allow()
	done(fmt.Errorf("fail"))

	// 1 success should reset consecutive failure count
	done, _ = b.Allow()
	done(nil)

	done, _ = b.Allow()
	done(fmt.Errorf("fail"))
	done, _ = b.Allow()
	done(fmt.Errorf("fail"))

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed (failures reset by success), got %s", snap.State)
	}
	if snap.ConsecutiveFailures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreakerMetrics(t *testing.T) {
	b := NewBreaker("users", config.CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          10 * time.Second,
	}, nil)

	done, _ := b.Allow()
	done(nil)
	done, _ = b.Allow()
	done(fmt.Errorf("fail"))
	done, _ = b.Allow()
	done(fmt.Errorf("fail"))

	// Now open, this should be rejected
	b.Allow()

	snap := b.Snapshot()
	if snap.TotalRequests != 4 {
		t.Errorf("expected 4 total requests, got %d", snap.TotalRequests)
	}
	if snap.TotalSuccesses != 1 {
		t.Errorf("expected 1 success, got %d", snap.TotalSuccesses)
	}
	if snap.TotalFailures != 2 {
		t.Errorf("expected 2 failures, got %d", snap.TotalFailures)
	}
	if snap.TotalRejected != 1 {
		t.Errorf("expected 1 rejected, got %d", snap.TotalRejected)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	b := NewBreaker("orders", config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}, func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	done, _ := b.Allow()
	done(fmt.Errorf("fail"))
	time.Sleep(60 * time.Millisecond)
	done, _ = b.Allow()
	done(nil)

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"orders:closed->open",
		"orders:open->half-open",
		"orders:half-open->closed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestBreakerByService(t *testing.T) {
	bs := NewBreakerByService([]string{"users", "orders"}, config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Second,
	}, nil)

	users := bs.Get("users")
	if users == nil {
		t.Fatal("expected breaker for users")
	}
	if bs.Get("orders") == nil {
		t.Fatal("expected breaker for orders")
	}
	if bs.Get("drone") != nil {
		t.Error("expected nil breaker for unknown service")
	}

	done, _ := users.Allow()
	done(fmt.Errorf("fail"))

	snaps := bs.Snapshots()
	if snaps["users"].State != "open" {
		t.Errorf("expected users open, got %s", snaps["users"].State)
	}
	if snaps["orders"].State != "closed" {
		t.Errorf("expected orders closed, got %s", snaps["orders"].State)
	}

	names := bs.Names()
	if len(names) != 2 || names[0] != "orders" || names[1] != "users" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestBreakerByServiceNil(t *testing.T) {
	var bs *BreakerByService
	if bs.Get("users") != nil {
		t.Error("expected nil breaker from nil set")
	}
}
