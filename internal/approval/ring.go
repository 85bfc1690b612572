package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/outpost/internal/store"
)

const (
	ringDoc      = "self-approvals.json"
	ringCapacity = 500
)

// RingEntry records one self-approval decision for later review.
type RingEntry struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	TraceID     string    `json:"trace_id,omitempty"`
	Action      string    `json:"action"`
	RequestHash string    `json:"request_hash"`
	Verdict     string    `json:"verdict"` // allow | deny
	Reason      string    `json:"reason"`
	Executor    string    `json:"executor,omitempty"`
	Verifier    string    `json:"verifier,omitempty"`
	Rollback    string    `json:"rollback,omitempty"`
}

// Ring keeps the newest self-approval decisions, evicting the oldest once
// the capacity is reached.
type Ring struct {
	mu   sync.Mutex
	repo store.Repository
	now  func() time.Time
}

func NewRing(repo store.Repository) *Ring {
	return &Ring{repo: repo, now: time.Now}
}

// Push appends the entry, filling in identity, and trims to capacity.
func (r *Ring) Push(entry RingEntry) (RingEntry, error) {
	if entry.ID == "" {
		entry.ID = "sa_" + uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []RingEntry
	r.repo.Get(ringDoc, &entries)
	entries = append(entries, entry)
	if len(entries) > ringCapacity {
		entries = entries[len(entries)-ringCapacity:]
	}
	return entry, r.repo.Put(ringDoc, entries)
}

// Recent returns up to limit entries, newest first.
func (r *Ring) Recent(limit int) []RingEntry {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []RingEntry
	r.repo.Get(ringDoc, &entries)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}
