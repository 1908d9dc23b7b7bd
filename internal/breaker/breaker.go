package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/akaverin/sessionguard/internal/logger"
)

// Breaker states
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// Call rejected without invoking the wrapped function
	ErrOpen = errors.New("circuit breaker is open")

	// Wrapped call took longer than the call timeout
	ErrTimeout = errors.New("circuit breaker call timed out")
)

const (
	defaultFailureThreshold = 5
	defaultVolumeThreshold  = 10
	defaultResetTimeout     = 30 * time.Second
	defaultHalfOpenMaxCalls = 3
	defaultCallTimeout      = 10 * time.Second
	defaultMonitoringPeriod = time.Minute
)

// Breaker settings with sensible defaults
type Settings struct {
	// Consecutive failures to trip CLOSED -> OPEN
	FailureThreshold int

	// Minimal observed volume before tripping is allowed
	// Protects from tripping on tiny sample sizes
	VolumeThreshold int

	// How long OPEN rejects before a half-open probe is allowed
	ResetTimeout time.Duration

	// Trial budget while HALF_OPEN
	HalfOpenMaxCalls int

	// Timeout applied to every wrapped call
	CallTimeout time.Duration

	// Rolling window length used for error rate observability
	MonitoringPeriod time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = defaultFailureThreshold
	}
	if s.VolumeThreshold == 0 {
		s.VolumeThreshold = defaultVolumeThreshold
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = defaultResetTimeout
	}
	if s.HalfOpenMaxCalls == 0 {
		s.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = defaultCallTimeout
	}
	if s.MonitoringPeriod == 0 {
		s.MonitoringPeriod = defaultMonitoringPeriod
	}
	return s
}

type call struct {
	at      time.Time
	success bool
}

// Stats snapshot for operators and the health aggregator
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalCalls          int64     `json:"total_calls"`
	RecentVolume        int       `json:"recent_volume"`
	RecentErrorRate     float64   `json:"recent_error_rate"`
	NextAttemptAt       time.Time `json:"next_attempt_at,omitzero"`
}

// Circuit breaker guarding one unreliable dependency
// Trip decisions use the consecutive failure counter, the rolling window
// feeds observability only
type Breaker struct {
	name     string
	settings Settings
	logger   logger.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	totalCalls          int64
	halfOpenCalls       int
	nextAttemptAt       time.Time
	window              []call

	now func() time.Time
}

func New(name string, settings Settings, log logger.Logger) *Breaker {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		logger:   log,
		state:    StateClosed,
		now:      time.Now,
	}
}

// Execute runs fn under the breaker racing it against the call timeout
// A timed-out call is abandoned, not cancelled: fn may still finish later,
// its result is discarded
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		b.afterCall(err == nil)
		if err != nil {
			return fmt.Errorf("wrapped call failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		b.afterCall(false)
		return fmt.Errorf("%s after %v: %w", b.name, b.settings.CallTimeout, ErrTimeout)
	}
}

// Do runs fn under the breaker and returns its result
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var result T

	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})

	return result, err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneWindowLocked()

	failures := 0
	for _, c := range b.window {
		if !c.success {
			failures++
		}
	}

	errorRate := 0.0
	if len(b.window) > 0 {
		errorRate = float64(failures) / float64(len(b.window))
	}

	stats := Stats{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalCalls:          b.totalCalls,
		RecentVolume:        len(b.window),
		RecentErrorRate:     errorRate,
	}
	if b.state == StateOpen {
		stats.NextAttemptAt = b.nextAttemptAt
	}
	return stats
}

// ForceReset closes the breaker no matter what, operational escape hatch
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.toStateLocked(StateClosed)
}

// ForceOpen trips the breaker no matter what
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.toStateLocked(StateOpen)
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			return fmt.Errorf("%s rejects until %v: %w", b.name, b.nextAttemptAt, ErrOpen)
		}
		// Reset timeout elapsed, let a trial call through
		b.toStateLocked(StateHalfOpen)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.settings.HalfOpenMaxCalls {
			// Trial budget exhausted without a success, still broken
			b.toStateLocked(StateOpen)
			return fmt.Errorf("%s exhausted half-open trials: %w", b.name, ErrOpen)
		}
	}

	if b.state == StateHalfOpen {
		b.halfOpenCalls++
	}
	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.window = append(b.window, call{at: b.now(), success: success})
	b.pruneWindowLocked()

	if success {
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.logger.Info("Circuit breaker recovered", "breaker", b.name)
			b.toStateLocked(StateClosed)
		}
		return
	}

	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		// Any failure while probing reopens immediately
		b.toStateLocked(StateOpen)

	case StateClosed:
		if b.consecutiveFailures >= b.settings.FailureThreshold && b.totalCalls >= int64(b.settings.VolumeThreshold) {
			b.logger.Warn("Circuit breaker tripped",
				"breaker", b.name,
				"consecutive_failures", b.consecutiveFailures,
				"total_calls", b.totalCalls,
			)
			b.toStateLocked(StateOpen)
		}
	}
}

func (b *Breaker) toStateLocked(state State) {
	if b.state == state && state != StateOpen {
		return
	}

	b.state = state
	switch state {
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenCalls = 0
	case StateOpen:
		b.nextAttemptAt = b.now().Add(b.settings.ResetTimeout)
	case StateHalfOpen:
		b.halfOpenCalls = 0
	}
}

// Drop window entries older than the monitoring period
func (b *Breaker) pruneWindowLocked() {
	cutoff := b.now().Add(-b.settings.MonitoringPeriod)

	keep := 0
	for keep < len(b.window) && !b.window[keep].at.After(cutoff) {
		keep++
	}
	if keep > 0 {
		b.window = append(b.window[:0], b.window[keep:]...)
	}
}
