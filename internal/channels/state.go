// Package channels owns the outbound message path: channel state and
// pairing, the sequential outbound gate pipeline, and the per-channel
// transports. Desktop channels additionally pass through the input mutex and
// the perception-action bridge before anything touches the screen.
package channels

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/basket/outpost/internal/store"
)

const (
	channelsDoc     = "channels.json"
	maxPairRequests = 1000
)

// Tier is the relationship tier of an allowlisted contact.
type Tier string

const (
	TierOwner  Tier = "owner"
	TierFriend Tier = "friend"
)

// capability describes what a channel can do. Channels absent from the table
// are unknown and rejected outright.
type capability struct {
	CanSend bool
	Desktop bool
}

var capabilities = map[string]capability{
	"telegram": {CanSend: true, Desktop: false},
	"webchat":  {CanSend: true, Desktop: false},
	"qq":       {CanSend: true, Desktop: true},
	"wechat":   {CanSend: true, Desktop: true},
	"rss":      {CanSend: false, Desktop: false},
}

// ChannelNames lists every known channel in stable order.
func ChannelNames() []string {
	names := make([]string, 0, len(capabilities))
	for name := range capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CanSend reports whether the channel supports outbound delivery.
func CanSend(channel string) bool { return capabilities[channel].CanSend }

// IsDesktop reports whether outbound delivery drives the desktop UI.
func IsDesktop(channel string) bool { return capabilities[channel].Desktop }

// ChannelState is one channel's persisted runtime state.
type ChannelState struct {
	Name         string          `json:"name"`
	Enabled      bool            `json:"enabled"`
	Connected    bool            `json:"connected"`
	LastError    string          `json:"last_error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Allowlist    []string        `json:"allowlist"`
	ContactTiers map[string]Tier `json:"contact_tiers"`
}

// PairRequest is a pending or resolved contact pairing.
type PairRequest struct {
	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	SenderID       string    `json:"sender_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	MessagePreview string    `json:"message_preview,omitempty"`
	Status         string    `json:"status"` // pending | approved | rejected
	RequestedAt    time.Time `json:"requested_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
}

type channelStore struct {
	Channels map[string]*ChannelState `json:"channels"`
	Pairs    []PairRequest            `json:"pairs"`
}

// StateStore persists channel state, allowlists, tiers and pair requests.
type StateStore struct {
	mu   sync.Mutex
	repo store.Repository
	now  func() time.Time
}

func NewStateStore(repo store.Repository) *StateStore {
	return &StateStore{repo: repo, now: time.Now}
}

func (s *StateStore) load() channelStore {
	var cs channelStore
	s.repo.Get(channelsDoc, &cs)
	if cs.Channels == nil {
		cs.Channels = make(map[string]*ChannelState)
	}
	for _, name := range ChannelNames() {
		if cs.Channels[name] == nil {
			cs.Channels[name] = &ChannelState{
				Name:         name,
				Enabled:      name == "webchat",
				UpdatedAt:    s.now(),
				Allowlist:    []string{},
				ContactTiers: map[string]Tier{},
			}
		}
		if cs.Channels[name].ContactTiers == nil {
			cs.Channels[name].ContactTiers = map[string]Tier{}
		}
	}
	return cs
}

func (s *StateStore) save(cs channelStore) error {
	return s.repo.Put(channelsDoc, cs)
}

// States returns every channel state in name order.
func (s *StateStore) States() []ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.load()
	out := make([]ChannelState, 0, len(cs.Channels))
	for _, name := range ChannelNames() {
		out = append(out, *cs.Channels[name])
	}
	return out
}

// Upsert patches one channel's connection state.
func (s *StateStore) Upsert(name string, patch func(*ChannelState)) error {
	if _, known := capabilities[name]; !known {
		return fmt.Errorf("unknown channel %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.load()
	state := cs.Channels[name]
	patch(state)
	state.Name = name
	state.UpdatedAt = s.now()
	return s.save(cs)
}

// IsSenderAllowed reports allowlist membership on the channel.
func (s *StateStore) IsSenderAllowed(channel, senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.load()
	state, ok := cs.Channels[channel]
	if !ok {
		return false
	}
	for _, id := range state.Allowlist {
		if id == senderID {
			return true
		}
	}
	return false
}

// ContactTier returns the tier of an allowlisted contact. Contacts on the
// allowlist without an explicit tier default to friend; contacts off the
// allowlist have no tier at all.
func (s *StateStore) ContactTier(channel, senderID string) (Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.load()
	state, ok := cs.Channels[channel]
	if !ok {
		return "", false
	}
	allowed := false
	for _, id := range state.Allowlist {
		if id == senderID {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", false
	}
	if tier, ok := state.ContactTiers[senderID]; ok {
		return tier, true
	}
	return TierFriend, true
}

// SetContactTier adds the contact to the allowlist with the given tier.
func (s *StateStore) SetContactTier(channel, senderID string, tier Tier) error {
	if _, known := capabilities[channel]; !known {
		return fmt.Errorf("unknown channel %q", channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.load()
	state := cs.Channels[channel]
	found := false
	for _, id := range state.Allowlist {
		if id == senderID {
			found = true
			break
		}
	}
	if !found {
		state.Allowlist = append(state.Allowlist, senderID)
		sort.Strings(state.Allowlist)
	}
	state.ContactTiers[senderID] = tier
	state.UpdatedAt = s.now()
	return s.save(cs)
}

// EnsurePairRequest returns the existing pending request for the sender or
// creates a new one. The pair list is capped, newest first.
func (s *StateStore) EnsurePairRequest(channel, senderID, displayName, preview string) (PairRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.load()
	for _, pair := range cs.Pairs {
		if pair.Channel == channel && pair.SenderID == senderID && pair.Status == "pending" {
			return pair, nil
		}
	}
	pair := PairRequest{
		ID:             "pair_" + uuid.NewString(),
		Channel:        channel,
		SenderID:       senderID,
		DisplayName:    displayName,
		MessagePreview: truncate(preview, 120),
		Status:         "pending",
		RequestedAt:    s.now(),
	}
	cs.Pairs = append([]PairRequest{pair}, cs.Pairs...)
	if len(cs.Pairs) > maxPairRequests {
		cs.Pairs = cs.Pairs[:maxPairRequests]
	}
	return pair, s.save(cs)
}

// ResolvePairRequest approves or rejects a pending pair. Approval adds the
// sender to the allowlist; the tier comes from OUTPOST_OWNER_IDS membership.
func (s *StateStore) ResolvePairRequest(pairID, status string) (PairRequest, error) {
	if status != "approved" && status != "rejected" {
		return PairRequest{}, fmt.Errorf("invalid pair status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.load()
	for i := range cs.Pairs {
		pair := &cs.Pairs[i]
		if pair.ID != pairID || pair.Status != "pending" {
			continue
		}
		pair.Status = status
		pair.ResolvedAt = s.now()
		if status == "approved" {
			state := cs.Channels[pair.Channel]
			found := false
			for _, id := range state.Allowlist {
				if id == pair.SenderID {
					found = true
					break
				}
			}
			if !found {
				state.Allowlist = append(state.Allowlist, pair.SenderID)
				sort.Strings(state.Allowlist)
			}
			if _, ok := state.ContactTiers[pair.SenderID]; !ok {
				tier := TierFriend
				if ownerIDs()[pair.SenderID] {
					tier = TierOwner
				}
				state.ContactTiers[pair.SenderID] = tier
			}
			state.UpdatedAt = s.now()
		}
		return *pair, s.save(cs)
	}
	return PairRequest{}, fmt.Errorf("pair %q not pending", pairID)
}

// PairRequests lists pair requests, optionally filtered by status, newest
// first.
func (s *StateStore) PairRequests(status string) []PairRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.load()
	var out []PairRequest
	for _, pair := range cs.Pairs {
		if status == "" || pair.Status == status {
			out = append(out, pair)
		}
	}
	return out
}

// SyncFromEnv flips channel enablement from credential presence.
func (s *StateStore) SyncFromEnv() error {
	telegramEnabled := os.Getenv("OUTPOST_TELEGRAM_BOT_TOKEN") != ""
	return s.Upsert("telegram", func(state *ChannelState) {
		state.Enabled = telegramEnabled
		if !telegramEnabled {
			state.Connected = false
		}
	})
}

func ownerIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, id := range strings.Split(os.Getenv("OUTPOST_OWNER_IDS"), ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids[id] = true
		}
	}
	return ids
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
