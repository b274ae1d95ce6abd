package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/topo/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP     CheckType = "http"
	CheckTypeTCP      CheckType = "tcp"
	CheckTypePostgres CheckType = "postgres"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

func passed(start time.Time, format string, args ...any) Result {
	r := failed(start, format, args...)
	r.Healthy = true
	return r
}

func failed(start time.Time, format string, args ...any) Result {
	return Result{
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs one probe and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config controls how often a service is probed and when to give up
type Config struct {
	// Interval is the time between probes
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before giving up
	Retries int

	// StartPeriod is a grace period during which failures are not counted
	StartPeriod time.Duration
}

// DefaultConfig returns the probe defaults used when a healthcheck leaves
// a field unset
func DefaultConfig() Config {
	return Config{
		Interval: 2 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  15,
	}
}

// ConfigFor fills a Config from a declared healthcheck, keeping defaults
// for zero fields
func ConfigFor(hc *types.HealthCheck) Config {
	cfg := DefaultConfig()
	if hc == nil {
		return cfg
	}
	if hc.Interval > 0 {
		cfg.Interval = hc.Interval
	}
	if hc.Timeout > 0 {
		cfg.Timeout = hc.Timeout
	}
	if hc.Retries > 0 {
		cfg.Retries = hc.Retries
	}
	cfg.StartPeriod = hc.StartPeriod
	return cfg
}

// Status tracks consecutive probe outcomes for one service
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus creates a Status; a service is unhealthy until a probe succeeds
func NewStatus() *Status {
	return &Status{StartedAt: time.Now()}
}

// Update records a probe result. Failures inside the start period are not
// counted against Retries.
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveSuccesses = 0
	s.Healthy = false
	if !s.InStartPeriod(config) {
		s.ConsecutiveFailures++
	}
}

// Exhausted reports whether the failure budget is spent
func (s *Status) Exhausted(config Config) bool {
	return config.Retries > 0 && s.ConsecutiveFailures >= config.Retries
}

// InStartPeriod returns true while the startup grace period lasts
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}
