package bridge

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/basket/outpost/internal/store"
)

const (
	skillsDoc = "desktop-replay-skills.json"
	maxSkills = 400
)

// ReplaySkill is a promoted fast path: the step shape that worked for a
// target, kept for future reuse.
type ReplaySkill struct {
	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	Route          Route     `json:"route_level"`
	StepKinds      []string  `json:"step_kinds"`
	VerifyPolicy   []string  `json:"verify_policy"`
	SomCandidateID int       `json:"som_candidate_id,omitempty"`
	SuccessCount   int       `json:"success_count"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SkillID derives the stable replay-skill id for an intent.
func SkillID(intent Intent) string {
	sum := sha1.Sum([]byte(MemoryKey(intent)))
	return "desktop_replay_" + intent.Channel + "_" + hex.EncodeToString(sum[:])[:8]
}

type skillsDocBody struct {
	Skills []ReplaySkill `json:"skills"`
}

// SkillStore persists replay skills.
type SkillStore struct {
	mu   sync.Mutex
	repo store.Repository
	now  func() time.Time
}

func NewSkillStore(repo store.Repository) *SkillStore {
	return &SkillStore{repo: repo, now: time.Now}
}

// Promote records a successful non-memory run as a replay skill. Promoting
// the same skill again folds into its counters. Memory-hit runs must not be
// promoted; they already are the fast path.
func (s *SkillStore) Promote(outcome Outcome) (ReplaySkill, error) {
	plan := outcome.Plan
	kinds := make([]string, 0, len(plan.Steps))
	verifySet := make(map[string]bool)
	for _, step := range plan.Steps {
		kinds = append(kinds, step.Kind)
		for _, v := range step.Verify {
			verifySet[v] = true
		}
	}
	verify := make([]string, 0, len(verifySet))
	for v := range verifySet {
		verify = append(verify, v)
	}
	sort.Strings(verify)

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var body skillsDocBody
	s.repo.Get(skillsDoc, &body)

	idx := -1
	for i, skill := range body.Skills {
		if skill.ID == plan.ReplaySkillID {
			idx = i
			break
		}
	}
	var skill ReplaySkill
	if idx >= 0 {
		skill = body.Skills[idx]
		skill.AvgLatencyMs = (skill.AvgLatencyMs*float64(skill.SuccessCount) + float64(outcome.LatencyMs)) / float64(skill.SuccessCount+1)
	} else {
		skill = ReplaySkill{ID: plan.ReplaySkillID, CreatedAt: now, AvgLatencyMs: float64(outcome.LatencyMs)}
	}
	skill.Channel = plan.Intent.Channel
	skill.Route = plan.Route
	skill.StepKinds = kinds
	skill.VerifyPolicy = verify
	if plan.SelectedCandidateID != 0 {
		skill.SomCandidateID = plan.SelectedCandidateID
	}
	skill.SuccessCount++
	skill.UpdatedAt = now

	if idx >= 0 {
		body.Skills[idx] = skill
	} else {
		body.Skills = append([]ReplaySkill{skill}, body.Skills...)
	}
	if len(body.Skills) > maxSkills {
		body.Skills = body.Skills[:maxSkills]
	}
	return skill, s.repo.Put(skillsDoc, body)
}

// List returns up to limit skills, most recently updated first.
func (s *SkillStore) List(limit int) []ReplaySkill {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var body skillsDocBody
	s.repo.Get(skillsDoc, &body)
	skills := body.Skills
	sort.SliceStable(skills, func(i, j int) bool {
		return skills[i].UpdatedAt.After(skills[j].UpdatedAt)
	})
	if len(skills) > limit {
		skills = skills[:limit]
	}
	return skills
}
