package channels

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OutboundPolicy carries the numeric rate-limit knobs. Values arrive from an
// external policy document and are never trusted raw: anything malformed or
// below the safety floor is sanitized, not rejected.
type OutboundPolicy struct {
	MinIntervalMs     int `yaml:"min_interval_ms"`
	BurstLimit        int `yaml:"burst_limit"`
	BurstWindowMs     int `yaml:"burst_window_ms"`
	DuplicateWindowMs int `yaml:"duplicate_window_ms"`
}

const (
	defaultMinIntervalMs     = 4000
	defaultBurstLimit        = 3
	defaultBurstWindowMs     = 60_000
	defaultDuplicateWindowMs = 60_000

	floorMinIntervalMs     = 500
	floorBurstWindowMs     = 1000
	floorDuplicateWindowMs = 1000
)

type policyDoc struct {
	Outbound OutboundPolicy `yaml:"outbound"`
}

// ReadPolicy loads <home>/policy.yaml and sanitizes every knob. A missing or
// unreadable file yields the defaults.
func ReadPolicy(homeDir string) OutboundPolicy {
	var doc policyDoc
	data, err := os.ReadFile(filepath.Join(homeDir, "policy.yaml"))
	if err == nil {
		_ = yaml.Unmarshal(data, &doc)
	}
	return doc.Outbound.sanitized()
}

func (p OutboundPolicy) sanitized() OutboundPolicy {
	if p.MinIntervalMs <= 0 {
		p.MinIntervalMs = defaultMinIntervalMs
	}
	if p.MinIntervalMs < floorMinIntervalMs {
		p.MinIntervalMs = floorMinIntervalMs
	}
	if p.BurstLimit <= 0 {
		p.BurstLimit = defaultBurstLimit
	}
	if p.BurstLimit < 1 {
		p.BurstLimit = 1
	}
	if p.BurstWindowMs <= 0 {
		p.BurstWindowMs = defaultBurstWindowMs
	}
	if p.BurstWindowMs < floorBurstWindowMs {
		p.BurstWindowMs = floorBurstWindowMs
	}
	if p.DuplicateWindowMs <= 0 {
		p.DuplicateWindowMs = defaultDuplicateWindowMs
	}
	if p.DuplicateWindowMs < floorDuplicateWindowMs {
		p.DuplicateWindowMs = floorDuplicateWindowMs
	}
	return p
}
