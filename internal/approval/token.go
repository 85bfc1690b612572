// Package approval implements the self-approval loop for side-effecting
// actions: short-lived approval tokens bound to a request hash, the process
// kill switch, and the orchestrator that decides allow/deny for every
// candidate side effect.
package approval

import (
	"sort"
	"sync"
	"time"

	"github.com/basket/outpost/internal/risk"
	"github.com/basket/outpost/internal/store"
)

const (
	// DefaultTokenTTL is how long an issued token stays valid. Tokens are
	// never consumed; they expire.
	DefaultTokenTTL = 120 * time.Second
	// maxTokensPerSession bounds the per-session token set.
	maxTokensPerSession = 200

	tokensDoc = "approval-tokens.json"
)

// Token authorizes requests matching RequestHash at up to Tier until
// ExpiresAt.
type Token struct {
	RequestHash string    `json:"request_hash"`
	Tier        string    `json:"tier"`
	TraceID     string    `json:"trace_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its TTL at now.
func (t Token) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

type tokenSet map[string]Token // keyed by request hash

// TokenStore persists approval tokens per session.
type TokenStore struct {
	mu   sync.Mutex
	repo store.Repository
	now  func() time.Time
}

func NewTokenStore(repo store.Repository) *TokenStore {
	return &TokenStore{repo: repo, now: time.Now}
}

func (s *TokenStore) load() map[string]tokenSet {
	sessions := make(map[string]tokenSet)
	s.repo.Get(tokensDoc, &sessions)
	return sessions
}

// Save stores a token keyed by its request hash inside the session's bounded
// set. When the set is full, expired tokens are dropped first, then the
// oldest issued ones.
func (s *TokenStore) Save(sessionID string, token Token, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.now()
	token.IssuedAt = now
	token.ExpiresAt = now.Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.load()
	set := sessions[sessionID]
	if set == nil {
		set = make(tokenSet)
	}

	for hash, existing := range set {
		if existing.Expired(now) {
			delete(set, hash)
		}
	}
	if _, replacing := set[token.RequestHash]; !replacing && len(set) >= maxTokensPerSession {
		evictOldest(set, len(set)-maxTokensPerSession+1)
	}
	set[token.RequestHash] = token
	sessions[sessionID] = set
	return s.repo.Put(tokensDoc, sessions)
}

func evictOldest(set tokenSet, n int) {
	type aged struct {
		hash     string
		issuedAt time.Time
	}
	all := make([]aged, 0, len(set))
	for hash, token := range set {
		all = append(all, aged{hash, token.IssuedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].issuedAt.Before(all[j].issuedAt) })
	for i := 0; i < n && i < len(all); i++ {
		delete(set, all[i].hash)
	}
}

// Find tries each candidate hash in order and returns the first non-expired
// token whose tier covers required. Candidate order matters: callers pass the
// strict hash before the loose one.
func (s *TokenStore) Find(sessionID string, hashes []string, required risk.Tier) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.load()[sessionID]
	if set == nil {
		return Token{}, false
	}
	now := s.now()
	for _, hash := range hashes {
		token, ok := set[hash]
		if !ok || token.Expired(now) {
			continue
		}
		if risk.ParseTier(token.Tier).Covers(required) {
			return token, true
		}
	}
	return Token{}, false
}

// Sweep drops every expired token. It returns how many were removed.
func (s *TokenStore) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := s.load()
	now := s.now()
	removed := 0
	for sessionID, set := range sessions {
		for hash, token := range set {
			if token.Expired(now) {
				delete(set, hash)
				removed++
			}
		}
		if len(set) == 0 {
			delete(sessions, sessionID)
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.repo.Put(tokensDoc, sessions)
}
