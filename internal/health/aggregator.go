package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akaverin/sessionguard/internal/logger"
)

// Config tunes the aggregated health verdict
type Config struct {
	// Weighted healthy ratio strictly below it means unhealthy
	CriticalThreshold float64

	// Weighted healthy ratio strictly below it means degraded
	WarningThreshold float64

	// How long a full report is served from cache
	CacheTTL time.Duration

	// Default per-attempt probe timeout
	ProbeTimeout time.Duration

	// Default pause between probe attempts
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = 0.5
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = 0.8
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// Summary counts probes by outcome
type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// ResponseTime aggregates probe durations of one run
type ResponseTime struct {
	AvgMS int64 `json:"avg_ms"`
	MaxMS int64 `json:"max_ms"`
}

// Report is the aggregated health verdict with per-probe details
type Report struct {
	Status       string       `json:"status"`
	Reason       string       `json:"reason"`
	CheckedAt    time.Time    `json:"checked_at"`
	Cached       bool         `json:"cached"`
	Summary      Summary      `json:"summary"`
	ResponseTime ResponseTime `json:"response_time"`
	Services     []Result     `json:"services"`
}

type probeState struct {
	reg       Registration
	successes int64
	errors    int64
}

// Aggregator runs registered probes concurrently and combines their
// results into a single verdict
type Aggregator struct {
	cfg    Config
	logger logger.Logger

	mu     sync.Mutex
	probes map[string]*probeState
	cached *Report

	now func() time.Time
}

func NewAggregator(cfg Config, log logger.Logger) *Aggregator {
	return &Aggregator{
		cfg:    cfg.withDefaults(),
		logger: log,
		probes: make(map[string]*probeState),
		now:    time.Now,
	}
}

// Register adds a probe
// Registering the same name again replaces the probe and resets its counters
func (a *Aggregator) Register(reg Registration) {
	if reg.Weight == 0 {
		reg.Weight = 1
	}
	if reg.Timeout == 0 {
		reg.Timeout = a.cfg.ProbeTimeout
	}
	if reg.RetryBackoff == 0 {
		reg.RetryBackoff = a.cfg.RetryBackoff
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes[reg.Name] = &probeState{reg: reg}
}

// Check runs every registered probe and returns the aggregated report
// A fresh report is cached, repeated calls within the TTL get the
// cached one marked as such
func (a *Aggregator) Check(ctx context.Context) Report {
	a.mu.Lock()
	if a.cached != nil && a.now().Before(a.cached.CheckedAt.Add(a.cfg.CacheTTL)) {
		report := *a.cached
		report.Cached = true
		a.mu.Unlock()
		return report
	}
	regs := a.snapshotLocked(false)
	a.mu.Unlock()

	report := a.run(ctx, regs)

	a.mu.Lock()
	a.cached = &report
	a.mu.Unlock()

	return report
}

// QuickCheck runs only the critical probes and skips the cache
// With no critical probes registered it reports healthy
func (a *Aggregator) QuickCheck(ctx context.Context) Report {
	a.mu.Lock()
	regs := a.snapshotLocked(true)
	a.mu.Unlock()

	return a.run(ctx, regs)
}

// ClearCache forces the next Check to run the probes
func (a *Aggregator) ClearCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cached = nil
}

func (a *Aggregator) snapshotLocked(criticalOnly bool) []Registration {
	regs := make([]Registration, 0, len(a.probes))
	for _, state := range a.probes {
		if criticalOnly && !state.reg.Critical {
			continue
		}
		regs = append(regs, state.reg)
	}
	return regs
}

func (a *Aggregator) run(ctx context.Context, regs []Registration) Report {
	checkedAt := a.now()

	if len(regs) == 0 {
		return Report{
			Status:    StatusHealthy,
			Reason:    "no probes registered",
			CheckedAt: checkedAt,
			Services:  []Result{},
		}
	}

	results := make([]Result, len(regs))

	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg Registration) {
			defer wg.Done()
			results[i] = runProbe(ctx, reg)
			results[i].CheckedAt = checkedAt
		}(i, reg)
	}
	wg.Wait()

	a.recordCounters(results)
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := Report{
		CheckedAt: checkedAt,
		Services:  results,
	}
	report.Summary.Total = len(results)

	var totalMS int64
	var totalWeight, healthyWeight float64
	failedCritical := ""

	for i := range results {
		r := &results[i]

		weight := a.weightOf(r.Name)
		totalWeight += weight

		totalMS += r.DurationMS
		if r.DurationMS > report.ResponseTime.MaxMS {
			report.ResponseTime.MaxMS = r.DurationMS
		}

		if r.Status == StatusHealthy {
			report.Summary.Healthy++
			healthyWeight += weight
		} else {
			report.Summary.Unhealthy++
			if r.Critical && failedCritical == "" {
				failedCritical = r.Name
			}
			a.logger.Warn("health probe failed", "probe", r.Name, "error", r.Error, "attempts", r.Attempts)
		}
	}
	report.ResponseTime.AvgMS = totalMS / int64(len(results))

	ratio := healthyWeight / totalWeight
	report.Status, report.Reason = a.verdict(ratio, failedCritical)

	return report
}

func (a *Aggregator) recordCounters(results []Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range results {
		state, ok := a.probes[results[i].Name]
		if !ok {
			continue
		}
		if results[i].Status == StatusHealthy {
			state.successes++
		} else {
			state.errors++
		}
		results[i].Successes = state.successes
		results[i].Errors = state.errors
	}
}

func (a *Aggregator) weightOf(name string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok := a.probes[name]; ok {
		return state.reg.Weight
	}
	return 1
}

func (a *Aggregator) verdict(ratio float64, failedCritical string) (status string, reason string) {
	switch {
	case failedCritical != "":
		return StatusUnhealthy, fmt.Sprintf("critical probe %q failed", failedCritical)
	case ratio < a.cfg.CriticalThreshold:
		return StatusUnhealthy, fmt.Sprintf("healthy ratio %.2f below critical threshold %.2f", ratio, a.cfg.CriticalThreshold)
	case ratio < a.cfg.WarningThreshold:
		return StatusDegraded, fmt.Sprintf("healthy ratio %.2f below warning threshold %.2f", ratio, a.cfg.WarningThreshold)
	default:
		return StatusHealthy, "all checks passed"
	}
}
