package channels

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// fingerprintWindow is the fixed dedup window for caller-supplied send
// fingerprints.
const fingerprintWindow = 60 * time.Second

// guards holds the in-memory sliding-window state for the cheap gates. All
// three maps are keyed by channel:destination.
type guards struct {
	mu           sync.Mutex
	sends        map[string][]time.Time
	payloads     map[string][]payloadSeen
	fingerprints map[string]time.Time
	now          func() time.Time
}

type payloadSeen struct {
	at   time.Time
	hash string
}

func newGuards() *guards {
	return &guards{
		sends:        make(map[string][]time.Time),
		payloads:     make(map[string][]payloadSeen),
		fingerprints: make(map[string]time.Time),
		now:          time.Now,
	}
}

// checkThrottle enforces the minimum interval and burst limit. A non-empty
// return is the block slug; an empty return records the send in the window.
func (g *guards) checkThrottle(channel, destination string, policy OutboundPolicy) string {
	now := g.now()
	key := channel + ":" + destination
	window := time.Duration(policy.BurstWindowMs) * time.Millisecond
	minInterval := time.Duration(policy.MinIntervalMs) * time.Millisecond

	g.mu.Lock()
	defer g.mu.Unlock()
	recent := g.sends[key][:0:0]
	for _, ts := range g.sends[key] {
		if now.Sub(ts) <= window {
			recent = append(recent, ts)
		}
	}
	if len(recent) > 0 && now.Sub(recent[len(recent)-1]) < minInterval {
		g.sends[key] = recent
		return fmt.Sprintf("throttled:min_interval_%dms", policy.MinIntervalMs)
	}
	if len(recent) >= policy.BurstLimit {
		g.sends[key] = recent
		return fmt.Sprintf("throttled:burst_limit_%d_per_%dms", policy.BurstLimit, policy.BurstWindowMs)
	}
	g.sends[key] = append(recent, now)
	return ""
}

// checkDuplicatePayload blocks a second identical payload to the same
// destination within the window.
func (g *guards) checkDuplicatePayload(channel, destination, text string, policy OutboundPolicy) string {
	now := g.now()
	key := channel + ":" + destination
	window := time.Duration(policy.DuplicateWindowMs) * time.Millisecond
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])[:24]

	g.mu.Lock()
	defer g.mu.Unlock()
	recent := g.payloads[key][:0:0]
	duplicated := false
	for _, seen := range g.payloads[key] {
		if now.Sub(seen.at) > window {
			continue
		}
		recent = append(recent, seen)
		if seen.hash == hash {
			duplicated = true
		}
	}
	if duplicated {
		g.payloads[key] = recent
		return fmt.Sprintf("duplicate_payload_within_%dms", policy.DuplicateWindowMs)
	}
	g.payloads[key] = append(recent, payloadSeen{at: now, hash: hash})
	return ""
}

// checkFingerprint blocks a repeated caller-supplied send fingerprint within
// the fixed window. Empty fingerprints are not deduplicated.
func (g *guards) checkFingerprint(fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if seen, ok := g.fingerprints[fingerprint]; ok && now.Sub(seen) <= fingerprintWindow {
		return "duplicate_send_fingerprint"
	}
	g.fingerprints[fingerprint] = now
	return ""
}

// evict drops stale guard entries. Called by the housekeeper, not the send
// path.
func (g *guards) evict(policy OutboundPolicy) int {
	now := g.now()
	window := time.Duration(policy.BurstWindowMs) * time.Millisecond
	dupWindow := time.Duration(policy.DuplicateWindowMs) * time.Millisecond

	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, list := range g.sends {
		kept := list[:0:0]
		for _, ts := range list {
			if now.Sub(ts) <= window {
				kept = append(kept, ts)
			}
		}
		removed += len(list) - len(kept)
		if len(kept) == 0 {
			delete(g.sends, key)
		} else {
			g.sends[key] = kept
		}
	}
	for key, list := range g.payloads {
		kept := list[:0:0]
		for _, seen := range list {
			if now.Sub(seen.at) <= dupWindow {
				kept = append(kept, seen)
			}
		}
		removed += len(list) - len(kept)
		if len(kept) == 0 {
			delete(g.payloads, key)
		} else {
			g.payloads[key] = kept
		}
	}
	for fp, seen := range g.fingerprints {
		if now.Sub(seen) > fingerprintWindow {
			delete(g.fingerprints, fp)
			removed++
		}
	}
	return removed
}
