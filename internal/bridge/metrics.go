package bridge

import (
	"math"
	"sort"
	"sync"

	"github.com/basket/outpost/internal/config"
	"github.com/basket/outpost/internal/store"
)

const (
	metricsDoc        = "desktop-automation-metrics.json"
	maxLatencySamples = 500
)

// MetricsState is the persisted counter set for the automation KPIs.
type MetricsState struct {
	TotalRuns           int `json:"total_runs"`
	SuccessfulRuns      int `json:"successful_runs"`
	VLMCalls            int `json:"vlm_calls"`
	SomRuns             int `json:"som_runs"`
	SomSuccessRuns      int `json:"som_success_runs"`
	HighRiskRuns        int `json:"high_risk_runs"`
	HighRiskMisfireRuns int `json:"high_risk_misfire_runs"`
	ReuseRuns           int `json:"reuse_runs"`
	FirstRuns           int `json:"first_runs"`

	ReuseLatenciesMs []int `json:"reuse_latencies_ms"`
	FirstLatenciesMs []int `json:"first_latencies_ms"`
}

// KPIReport is a derived snapshot of the automation KPIs.
type KPIReport struct {
	TotalRuns           int     `json:"total_runs"`
	SuccessRate         float64 `json:"success_rate"`
	VLMCallRatio        float64 `json:"vlm_call_ratio"`
	SomPathHitRate      float64 `json:"som_path_hit_rate"`
	HighRiskMisfireRate float64 `json:"high_risk_misfire_rate"`
	ReuseP95Ms          int     `json:"reuse_p95_ms"`
	FirstP95Ms          int     `json:"first_p95_ms"`
}

// AcceptanceResult is the pass/fail verdict against the configured
// thresholds. A check whose denominator is empty passes vacuously.
type AcceptanceResult struct {
	Pass     bool      `json:"pass"`
	Failures []string  `json:"failures,omitempty"`
	Report   KPIReport `json:"report"`
}

// MetricsStore persists the automation counters.
type MetricsStore struct {
	mu   sync.Mutex
	repo store.Repository
}

func NewMetricsStore(repo store.Repository) *MetricsStore {
	return &MetricsStore{repo: repo}
}

// RecordOutcome folds one run into the counters.
func (m *MetricsStore) RecordOutcome(outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var state MetricsState
	m.repo.Get(metricsDoc, &state)

	state.TotalRuns++
	if outcome.Sent {
		state.SuccessfulRuns++
	}
	state.VLMCalls += outcome.Plan.VLMCallsUsed
	if outcome.Plan.Route == RouteSomVLM {
		state.SomRuns++
		if outcome.SomSucceeded {
			state.SomSuccessRuns++
		}
	}
	if outcome.Plan.Intent.Risk == "HIGH" {
		state.HighRiskRuns++
		if outcome.HighRiskMisfire {
			state.HighRiskMisfireRuns++
		}
	}
	latency := max(0, outcome.LatencyMs)
	if outcome.Plan.MemoryHit {
		state.ReuseRuns++
		state.ReuseLatenciesMs = pushLatency(state.ReuseLatenciesMs, latency)
	} else {
		state.FirstRuns++
		state.FirstLatenciesMs = pushLatency(state.FirstLatenciesMs, latency)
	}
	return m.repo.Put(metricsDoc, state)
}

// Report derives the KPI snapshot from the persisted counters.
func (m *MetricsStore) Report() KPIReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var state MetricsState
	m.repo.Get(metricsDoc, &state)
	return KPIReport{
		TotalRuns:           state.TotalRuns,
		SuccessRate:         ratio(state.SuccessfulRuns, state.TotalRuns),
		VLMCallRatio:        ratio(state.VLMCalls, state.TotalRuns),
		SomPathHitRate:      ratio(state.SomSuccessRuns, state.SomRuns),
		HighRiskMisfireRate: ratio(state.HighRiskMisfireRuns, state.HighRiskRuns),
		ReuseP95Ms:          p95(state.ReuseLatenciesMs),
		FirstP95Ms:          p95(state.FirstLatenciesMs),
	}
}

// CheckAcceptance compares the KPI snapshot against the thresholds.
func (m *MetricsStore) CheckAcceptance(cfg config.AcceptanceConfig) AcceptanceResult {
	m.mu.Lock()
	var state MetricsState
	m.repo.Get(metricsDoc, &state)
	m.mu.Unlock()

	report := KPIReport{
		TotalRuns:           state.TotalRuns,
		SuccessRate:         ratio(state.SuccessfulRuns, state.TotalRuns),
		VLMCallRatio:        ratio(state.VLMCalls, state.TotalRuns),
		SomPathHitRate:      ratio(state.SomSuccessRuns, state.SomRuns),
		HighRiskMisfireRate: ratio(state.HighRiskMisfireRuns, state.HighRiskRuns),
		ReuseP95Ms:          p95(state.ReuseLatenciesMs),
		FirstP95Ms:          p95(state.FirstLatenciesMs),
	}

	var failures []string
	if state.TotalRuns > 0 && report.VLMCallRatio > cfg.MaxVLMCallRatio {
		failures = append(failures, "vlm_call_ratio_exceeded")
	}
	if state.SomRuns > 0 && report.SomPathHitRate < cfg.MinSomPathHitRate {
		failures = append(failures, "som_path_hit_rate_below_target")
	}
	if state.HighRiskRuns > 0 && report.HighRiskMisfireRate > cfg.MaxHighRiskMisfireRate {
		failures = append(failures, "high_risk_misfire_rate_exceeded")
	}
	if len(state.ReuseLatenciesMs) > 0 && report.ReuseP95Ms > cfg.MaxReuseP95Ms {
		failures = append(failures, "reuse_p95_exceeded")
	}
	if len(state.FirstLatenciesMs) > 0 && report.FirstP95Ms > cfg.MaxFirstP95Ms {
		failures = append(failures, "first_attempt_p95_exceeded")
	}
	return AcceptanceResult{Pass: len(failures) == 0, Failures: failures, Report: report}
}

func pushLatency(samples []int, latency int) []int {
	samples = append(samples, latency)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples:]
	}
	return samples
}

func p95(samples []int) int {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]int, len(samples))
	copy(sorted, samples)
	sort.Ints(sorted)
	idx := int(math.Ceil(float64(len(sorted))*0.95)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ratio(numerator, denominator int) float64 {
	if denominator <= 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}
