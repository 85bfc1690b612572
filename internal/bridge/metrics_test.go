package bridge

import (
	"testing"

	"github.com/basket/outpost/internal/config"
	"github.com/basket/outpost/internal/store"
)

func testMetricsStore(t *testing.T) *MetricsStore {
	t.Helper()
	repo, err := store.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	return NewMetricsStore(repo)
}

func acceptance() config.AcceptanceConfig {
	return config.AcceptanceConfig{
		MaxVLMCallRatio:        0.25,
		MinSomPathHitRate:      0.80,
		MaxHighRiskMisfireRate: 0.01,
		MaxReuseP95Ms:          8000,
		MaxFirstP95Ms:          20_000,
	}
}

func TestMetricsReportRatios(t *testing.T) {
	m := testMetricsStore(t)

	m.RecordOutcome(Outcome{
		Plan:         Plan{Route: RouteSomVLM, VLMCallsUsed: 1},
		Sent:         true,
		SomSucceeded: true,
		LatencyMs:    12_000,
	})
	m.RecordOutcome(Outcome{
		Plan:      Plan{Route: RouteUIA, MemoryHit: true},
		Sent:      true,
		LatencyMs: 1500,
	})
	m.RecordOutcome(Outcome{
		Plan:      Plan{Route: RouteOCR},
		Sent:      false,
		LatencyMs: 4000,
	})

	report := m.Report()
	if report.TotalRuns != 3 {
		t.Fatalf("total runs = %d", report.TotalRuns)
	}
	if report.SuccessRate < 0.66 || report.SuccessRate > 0.67 {
		t.Fatalf("success rate = %v", report.SuccessRate)
	}
	if report.VLMCallRatio < 0.33 || report.VLMCallRatio > 0.34 {
		t.Fatalf("vlm ratio = %v", report.VLMCallRatio)
	}
	if report.SomPathHitRate != 1.0 {
		t.Fatalf("som hit rate = %v", report.SomPathHitRate)
	}
	if report.ReuseP95Ms != 1500 || report.FirstP95Ms != 12_000 {
		t.Fatalf("p95 reuse/first = %d/%d", report.ReuseP95Ms, report.FirstP95Ms)
	}
}

func TestAcceptancePassesVacuouslyWithNoRuns(t *testing.T) {
	m := testMetricsStore(t)
	result := m.CheckAcceptance(acceptance())
	if !result.Pass || len(result.Failures) != 0 {
		t.Fatalf("empty sample should pass, got %+v", result)
	}
}

func TestAcceptanceFlagsVLMOveruse(t *testing.T) {
	m := testMetricsStore(t)
	for i := 0; i < 4; i++ {
		m.RecordOutcome(Outcome{
			Plan:      Plan{Route: RouteSomVLM, VLMCallsUsed: 2},
			Sent:      true,
			LatencyMs: 1000,
		})
	}

	result := m.CheckAcceptance(acceptance())
	if result.Pass {
		t.Fatal("vlm ratio 2.0 should fail the 0.25 ceiling")
	}
	found := false
	for _, f := range result.Failures {
		if f == "vlm_call_ratio_exceeded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("failures = %v", result.Failures)
	}
}

func TestAcceptanceFlagsHighRiskMisfire(t *testing.T) {
	m := testMetricsStore(t)
	m.RecordOutcome(Outcome{
		Plan:            Plan{Route: RouteUIA, Intent: Intent{Risk: "HIGH"}},
		Sent:            true,
		HighRiskMisfire: true,
		LatencyMs:       1000,
	})

	result := m.CheckAcceptance(acceptance())
	if result.Pass {
		t.Fatal("one misfire out of one high-risk run should fail")
	}
}

func TestLatencySamplesAreCapped(t *testing.T) {
	m := testMetricsStore(t)
	for i := 0; i < maxLatencySamples+20; i++ {
		m.RecordOutcome(Outcome{Plan: Plan{Route: RouteUIA}, Sent: true, LatencyMs: i})
	}

	var state MetricsState
	m.repo.Get(metricsDoc, &state)
	if len(state.FirstLatenciesMs) != maxLatencySamples {
		t.Fatalf("samples = %d, want %d", len(state.FirstLatenciesMs), maxLatencySamples)
	}
	if state.FirstLatenciesMs[0] != 20 {
		t.Fatalf("oldest surviving sample = %d, want 20", state.FirstLatenciesMs[0])
	}
}

func TestP95Index(t *testing.T) {
	if got := p95(nil); got != 0 {
		t.Fatalf("empty p95 = %d", got)
	}
	if got := p95([]int{7}); got != 7 {
		t.Fatalf("single p95 = %d", got)
	}
	samples := make([]int, 100)
	for i := range samples {
		samples[i] = i + 1
	}
	if got := p95(samples); got != 95 {
		t.Fatalf("p95 of 1..100 = %d, want 95", got)
	}
}
