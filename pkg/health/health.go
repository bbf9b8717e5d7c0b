package health

import (
	"context"
	"sync"
	"time"
)

// CheckType represents the type of application probe
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all application probes implement
type Checker interface {
	// Check performs the probe and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of probe
	Type() CheckType
}

// Config contains the cadence of repeated evaluations
type Config struct {
	// Interval is the time between evaluations
	Interval time.Duration

	// Timeout bounds one evaluation
	Timeout time.Duration

	// Retries is the number of consecutive failures before the target is
	// considered unhealthy
	Retries int
}

// Status tracks consecutive evaluation outcomes. It is safe for concurrent use.
type Status struct {
	mu sync.RWMutex

	consecutiveFailures  int
	consecutiveSuccesses int
	healthy              bool
}

// NewStatus creates a new Status. Targets are healthy until proven otherwise.
func NewStatus() *Status {
	return &Status{healthy: true}
}

// Update records a new result. It reports true when this result made the
// failure count reach config.Retries.
func (s *Status) Update(result Result, config Config) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.Healthy {
		s.consecutiveSuccesses++
		s.consecutiveFailures = 0
		s.healthy = true
		return false
	}

	s.consecutiveFailures++
	s.consecutiveSuccesses = 0
	if s.consecutiveFailures >= config.Retries {
		s.healthy = false
		return true
	}
	return false
}

// Reset clears the failure count after the caller acted on it
func (s *Status) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.consecutiveSuccesses = 0
	s.healthy = true
}

// ConsecutiveFailures returns the current failure streak
func (s *Status) ConsecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveFailures
}

// Healthy reports whether the failure streak is below the threshold
func (s *Status) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}
