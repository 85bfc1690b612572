package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/outpost/internal/config"
	"github.com/basket/outpost/internal/store"
)

// OutcomeObserver receives every recorded outcome, e.g. for telemetry export.
type OutcomeObserver interface {
	ObserveOutcome(ctx context.Context, outcome Outcome)
}

// Bridge plans desktop sends and learns from their outcomes.
type Bridge struct {
	cfg      config.BridgeConfig
	memory   *MemoryStore
	skills   *SkillStore
	metrics  *MetricsStore
	selector *Selector
	observer OutcomeObserver
	logger   *slog.Logger
	now      func() time.Time
}

type Options struct {
	Config   config.BridgeConfig
	Repo     store.Repository
	Selector *Selector
	Observer OutcomeObserver
	Logger   *slog.Logger
}

func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      opts.Config,
		memory:   NewMemoryStore(opts.Repo),
		skills:   NewSkillStore(opts.Repo),
		metrics:  NewMetricsStore(opts.Repo),
		selector: opts.Selector,
		observer: opts.Observer,
		logger:   logger,
		now:      time.Now,
	}
}

func (b *Bridge) Memory() *MemoryStore   { return b.memory }
func (b *Bridge) Skills() *SkillStore    { return b.skills }
func (b *Bridge) Metrics() *MetricsStore { return b.metrics }

// BuildPlan picks the cheapest viable perception route for the intent and
// synthesizes the step sequence. Route order: hot action memory, then UI
// automation, then OCR scoring, then Set-of-Mark with the vision-language
// selector. OCR escalates when its best score is too weak to trust.
func (b *Bridge) BuildPlan(ctx context.Context, intent Intent, screen ScreenState) Plan {
	plan := Plan{
		Intent:          intent,
		Screen:          screen,
		ReplaySkillID:   SkillID(intent),
		SelectionSource: SelectionNone,
	}

	ttl := time.Duration(b.cfg.ActionMemoryTTLHours) * time.Hour
	if record, ok := b.memory.Lookup(intent, screen, ttl); ok && !(b.cfg.UIAFirst && screen.UIAAvailable) {
		plan.Route = RouteMemory
		plan.MemoryHit = true
		if record.ReplaySkillID != "" {
			plan.ReplaySkillID = record.ReplaySkillID
		}
		if record.SomCandidateID != 0 {
			plan.SelectedCandidateID = record.SomCandidateID
			plan.SelectionSource = SelectionMemory
		}
		plan.Steps = SynthesizeSteps(intent, plan.Route)
		b.logger.Debug("plan built from action memory",
			"channel", intent.Channel, "replay_skill_id", plan.ReplaySkillID)
		return plan
	}

	candidates := BuildCandidates(screen)
	plan.Candidates = candidates

	switch {
	case screen.UIAAvailable:
		plan.Route = RouteUIA
		if id := heuristicCandidate(candidates, intent); id != 0 {
			plan.SelectedCandidateID = id
			plan.SelectionSource = SelectionHeuristic
		}
	case screen.OCRAvailable:
		id, score := scoreOCRCandidates(candidates, intent, screen.Display)
		if id != 0 && score >= ocrScoreThreshold {
			plan.Route = RouteOCR
			plan.SelectedCandidateID = id
			plan.SelectionSource = SelectionOCR
		} else {
			b.escalateToVLM(ctx, &plan, candidates)
		}
	default:
		b.escalateToVLM(ctx, &plan, candidates)
	}

	plan.Steps = SynthesizeSteps(intent, plan.Route)
	b.logger.Info("desktop plan built",
		"channel", intent.Channel,
		"route", string(plan.Route),
		"selection_source", plan.SelectionSource,
		"vlm_calls", plan.VLMCallsUsed)
	return plan
}

func (b *Bridge) escalateToVLM(ctx context.Context, plan *Plan, candidates []Candidate) {
	plan.Route = RouteSomVLM
	if b.selector == nil || !b.selector.Configured() {
		return
	}
	id, calls := b.selector.Select(ctx, plan.Intent, plan.Screen, candidates, b.cfg.MaxVLMCallsPerStep)
	plan.VLMCallsUsed = calls
	if id != 0 {
		plan.SelectedCandidateID = id
		plan.SelectionSource = SelectionVLM
	}
}

// ReportOutcome folds a run back into action memory, replay skills and
// metrics. Successful first-sight runs are promoted to replay skills;
// memory hits are not, they are already the fast path.
func (b *Bridge) ReportOutcome(ctx context.Context, outcome Outcome) {
	if _, err := b.memory.Update(outcome); err != nil {
		b.logger.Warn("action memory update failed", "error", err)
	}
	if err := b.metrics.RecordOutcome(outcome); err != nil {
		b.logger.Warn("automation metrics update failed", "error", err)
	}
	if outcome.Sent && !outcome.Plan.MemoryHit {
		if skill, err := b.skills.Promote(outcome); err != nil {
			b.logger.Warn("replay skill promotion failed", "error", err)
		} else {
			b.logger.Info("replay skill promoted",
				"skill_id", skill.ID, "channel", skill.Channel, "successes", skill.SuccessCount)
		}
	}
	if b.observer != nil {
		b.observer.ObserveOutcome(ctx, outcome)
	}
}
