package health

import (
	"context"
	"time"
)

// Aggregate and per-probe statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Probe checks one dependency
// Returns a small serializable payload or an error, must respect ctx
type ProbeFunc func(ctx context.Context) (any, error)

// Registration describes one named probe and its tuning knobs
type Registration struct {
	Name  string
	Probe ProbeFunc

	// Failure of a critical probe alone makes the whole system unhealthy
	Critical bool

	// Weight of the probe in the healthy ratio
	// If not set then 1 is used
	Weight float64

	// Per-attempt timeout
	// If not set then the aggregator default is used
	Timeout time.Duration

	// How many extra attempts a failing probe gets
	Retries int

	// Pause between attempts
	// If not set then the aggregator default is used
	RetryBackoff time.Duration
}

// Result of one probe run
type Result struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Critical   bool      `json:"critical"`
	DurationMS int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	Data       any       `json:"data,omitempty"`
	Successes  int64     `json:"successes"`
	Errors     int64     `json:"errors"`
	CheckedAt  time.Time `json:"checked_at"`
}

// runProbe races the probe against its timeout retrying on failure
// A timed-out attempt is abandoned, its late result is discarded
func runProbe(ctx context.Context, reg Registration) Result {
	result := Result{
		Name:     reg.Name,
		Critical: reg.Critical,
		Status:   StatusUnhealthy,
	}

	started := time.Now()
	defer func() {
		result.DurationMS = time.Since(started).Milliseconds()
	}()

	for attempt := 0; attempt <= reg.Retries; attempt++ {
		result.Attempts = attempt + 1

		data, err := runAttempt(ctx, reg)
		if err == nil {
			result.Status = StatusHealthy
			result.Data = data
			result.Error = ""
			return result
		}
		result.Error = err.Error()

		// Back off before the next attempt unless the caller is gone
		if attempt < reg.Retries {
			select {
			case <-ctx.Done():
				return result
			case <-time.After(reg.RetryBackoff):
			}
		}
	}

	return result
}

func runAttempt(ctx context.Context, reg Registration) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, reg.Timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}

	done := make(chan outcome, 1)
	go func() {
		data, err := reg.Probe(ctx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
