package channels

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadPolicyDefaultsWhenMissing(t *testing.T) {
	p := ReadPolicy(t.TempDir())
	if p.MinIntervalMs != 4000 || p.BurstLimit != 3 || p.BurstWindowMs != 60000 || p.DuplicateWindowMs != 60000 {
		t.Fatalf("defaults = %+v", p)
	}
}

func TestReadPolicySanitizesMalformedKnobs(t *testing.T) {
	dir := t.TempDir()
	body := "outbound:\n  min_interval_ms: 10\n  burst_limit: -5\n  burst_window_ms: 1\n  duplicate_window_ms: 0\n"
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p := ReadPolicy(dir)
	if p.MinIntervalMs != 500 {
		t.Fatalf("min interval floor = %d", p.MinIntervalMs)
	}
	if p.BurstLimit != 3 {
		t.Fatalf("negative burst limit should fall back to default, got %d", p.BurstLimit)
	}
	if p.BurstWindowMs != 1000 {
		t.Fatalf("burst window floor = %d", p.BurstWindowMs)
	}
	if p.DuplicateWindowMs != 60000 {
		t.Fatalf("zero duplicate window should fall back to default, got %d", p.DuplicateWindowMs)
	}
}

func TestReadPolicyUnparseableFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte("{{not yaml"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p := ReadPolicy(dir)
	if p.MinIntervalMs != 4000 {
		t.Fatalf("fallback = %+v", p)
	}
}
