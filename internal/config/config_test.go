package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MutexTimeout() != 20*time.Second {
		t.Fatalf("mutex timeout default: %v", cfg.MutexTimeout())
	}
	if cfg.Mutex.StrikeThreshold != 3 || cfg.Mutex.CooldownMinutes != 15 {
		t.Fatalf("mutex defaults: %+v", cfg.Mutex)
	}
	if cfg.ActionMemoryTTL() != 30*24*time.Hour {
		t.Fatalf("action memory ttl default: %v", cfg.ActionMemoryTTL())
	}
	if cfg.Bridge.MaxVLMCallsPerStep != 2 {
		t.Fatalf("vlm call budget default: %d", cfg.Bridge.MaxVLMCallsPerStep)
	}
	if cfg.Bridge.Selector.TimeoutMs != 2800 {
		t.Fatalf("selector timeout default: %d", cfg.Bridge.Selector.TimeoutMs)
	}
}

func TestLoadClampsOutOfRangeKnobs(t *testing.T) {
	dir := t.TempDir()
	body := "bridge:\n  action_memory_ttl_hours: 9000\n  max_vlm_calls_per_step: 7\n  selector:\n    timeout_ms: 100\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.ActionMemoryTTLHours != 180*24 {
		t.Fatalf("ttl not clamped to ceiling: %d", cfg.Bridge.ActionMemoryTTLHours)
	}
	if cfg.Bridge.MaxVLMCallsPerStep != 2 {
		t.Fatalf("vlm budget not clamped: %d", cfg.Bridge.MaxVLMCallsPerStep)
	}
	if cfg.Bridge.Selector.TimeoutMs != 600 {
		t.Fatalf("selector timeout not clamped to floor: %d", cfg.Bridge.Selector.TimeoutMs)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	body := "mutex:\n  acquire_timeout_ms: 5000\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OUTPOST_INPUT_MUTEX_TIMEOUT_MS", "7000")
	t.Setenv("OUTPOST_UIA_FIRST", "1")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mutex.AcquireTimeoutMs != 7000 {
		t.Fatalf("env did not win: %d", cfg.Mutex.AcquireTimeoutMs)
	}
	if !cfg.Bridge.UIAFirst {
		t.Fatalf("uia_first env toggle ignored")
	}
}
