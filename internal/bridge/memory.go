package bridge

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/outpost/internal/store"
)

const (
	memoryDoc        = "desktop-action-memory.json"
	maxMemoryRecords = 800
	maxAvgLatencyMs  = 60_000
)

// MemoryRecord is the remembered fast path for one (channel, app,
// destination) target.
type MemoryRecord struct {
	ID                string    `json:"id"`
	Key               string    `json:"key"`
	Channel           string    `json:"channel"`
	AppName           string    `json:"app_name"`
	Destination       string    `json:"destination"`
	Route             Route     `json:"route_level"`
	ReplaySkillID     string    `json:"replay_skill_id"`
	WindowFingerprint string    `json:"window_fingerprint,omitempty"`
	SomCandidateID    int       `json:"som_candidate_id,omitempty"`
	SuccessCount      int       `json:"success_count"`
	FailCount         int       `json:"fail_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	LastSuccessAt     time.Time `json:"last_success_at,omitempty"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
}

// MemoryKey derives the store key for an intent.
func MemoryKey(intent Intent) string {
	sum := sha1.Sum([]byte(normalizeLabel(intent.Destination)))
	return intent.Channel + "|" + strings.ToLower(intent.AppName) + "|" + hex.EncodeToString(sum[:])[:10]
}

// Hot reports whether the record qualifies as a fast-path hit: fresh within
// ttl, not failure-dominated, and fingerprint-compatible with the screen.
func (r MemoryRecord) Hot(screen ScreenState, ttl time.Duration, now time.Time) bool {
	if r.UpdatedAt.IsZero() || now.Sub(r.UpdatedAt) > ttl {
		return false
	}
	if r.FailCount > r.SuccessCount+1 {
		return false
	}
	if r.WindowFingerprint != "" && screen.WindowFingerprint != "" &&
		r.WindowFingerprint != screen.WindowFingerprint {
		return false
	}
	return true
}

type memoryDocBody struct {
	Records []MemoryRecord `json:"records"`
}

// MemoryStore persists action-memory records, newest-updated first, capped.
type MemoryStore struct {
	mu   sync.Mutex
	repo store.Repository
	now  func() time.Time
}

func NewMemoryStore(repo store.Repository) *MemoryStore {
	return &MemoryStore{repo: repo, now: time.Now}
}

func (s *MemoryStore) load() memoryDocBody {
	var body memoryDocBody
	s.repo.Get(memoryDoc, &body)
	return body
}

// Lookup returns the hot record for the intent, if any.
func (s *MemoryStore) Lookup(intent Intent, screen ScreenState, ttl time.Duration) (MemoryRecord, bool) {
	key := MemoryKey(intent)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, record := range s.load().Records {
		if record.Key == key && record.Hot(screen, ttl, now) {
			return record, true
		}
	}
	return MemoryRecord{}, false
}

// Update folds one outcome into the record for the intent, creating it on
// first sight. The running latency average weights by total prior runs.
func (s *MemoryStore) Update(outcome Outcome) (MemoryRecord, error) {
	intent := outcome.Plan.Intent
	key := MemoryKey(intent)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	body := s.load()

	idx := -1
	for i, record := range body.Records {
		if record.Key == key {
			idx = i
			break
		}
	}

	var record MemoryRecord
	if idx >= 0 {
		record = body.Records[idx]
	} else {
		record = MemoryRecord{
			ID:        uuid.NewString(),
			Key:       key,
			CreatedAt: now,
		}
	}

	previousRuns := record.SuccessCount + record.FailCount
	latency := float64(max(0, outcome.LatencyMs))
	if previousRuns <= 0 {
		record.AvgLatencyMs = latency
	} else {
		record.AvgLatencyMs = (record.AvgLatencyMs*float64(previousRuns) + latency) / float64(previousRuns+1)
	}
	if record.AvgLatencyMs > maxAvgLatencyMs {
		record.AvgLatencyMs = maxAvgLatencyMs
	}

	if outcome.Sent {
		record.SuccessCount++
		record.LastSuccessAt = now
	} else {
		record.FailCount++
	}
	record.Channel = intent.Channel
	record.AppName = intent.AppName
	record.Destination = normalizeLabel(intent.Destination)
	record.Route = outcome.Plan.Route
	if outcome.Plan.ReplaySkillID != "" {
		record.ReplaySkillID = outcome.Plan.ReplaySkillID
	}
	if fp := outcome.Plan.Screen.WindowFingerprint; fp != "" {
		record.WindowFingerprint = fp
	}
	if id := outcome.Plan.SelectedCandidateID; id != 0 {
		record.SomCandidateID = id
	}
	record.UpdatedAt = now

	if idx >= 0 {
		body.Records[idx] = record
	} else {
		body.Records = append([]MemoryRecord{record}, body.Records...)
	}
	sort.SliceStable(body.Records, func(i, j int) bool {
		return body.Records[i].UpdatedAt.After(body.Records[j].UpdatedAt)
	})
	if len(body.Records) > maxMemoryRecords {
		body.Records = body.Records[:maxMemoryRecords]
	}
	return record, s.repo.Put(memoryDoc, body)
}

// Records returns a snapshot of all records, newest-updated first.
func (s *MemoryStore) Records() []MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load().Records
}
