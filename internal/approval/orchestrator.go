package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/outpost/internal/risk"
	"github.com/basket/outpost/internal/shared"
)

const (
	ReasonTokenValidated  = "token_validated"
	ReasonMissingEvidence = "missing_evidence"
	ReasonKillSwitch      = "kill_switch_active"
)

// Decision is the outcome of one side-effect check.
type Decision struct {
	Allowed bool
	Reason  string
	Token   *Token
}

// EvidenceReport is the validated output of the evidence collector.
type EvidenceReport struct {
	Pass     bool     `json:"pass"`
	Checks   []string `json:"checks"`
	Evidence []string `json:"evidence"`
	Issues   []string `json:"issues"`
}

// Verdict is the validated output of the verifier agent.
type Verdict struct {
	Verdict string `json:"verdict"` // allow | deny
	Summary string `json:"summary"`
}

// EvidenceCollector gathers proof that the requested action is safe to run.
// The payload crosses a process boundary and is schema-validated before use.
type EvidenceCollector interface {
	Collect(ctx context.Context, req risk.Request) (json.RawMessage, error)
}

// Verifier reviews the request plus evidence and returns a verdict payload.
type Verifier interface {
	Verify(ctx context.Context, req risk.Request, report EvidenceReport) (json.RawMessage, error)
}

var evidenceSchemaJSON = []byte(`{
	"type": "object",
	"required": ["pass", "checks"],
	"properties": {
		"pass": {"type": "boolean"},
		"checks": {"type": "array", "items": {"type": "string"}},
		"evidence": {"type": "array", "items": {"type": "string"}},
		"issues": {"type": "array", "items": {"type": "string"}}
	}
}`)

var verdictSchemaJSON = []byte(`{
	"type": "object",
	"required": ["verdict"],
	"properties": {
		"verdict": {"type": "string", "enum": ["allow", "deny"]},
		"summary": {"type": "string"}
	}
}`)

// Orchestrator wires tokens, the kill switch and the decision ring into the
// two approval flows: the hot-path side-effect check and the explicit
// generate-approval run.
type Orchestrator struct {
	tokens    *TokenStore
	kill      *KillSwitch
	ring      *Ring
	collector EvidenceCollector
	verifier  Verifier
	logger    *slog.Logger
	tokenTTL  time.Duration

	evidenceSchema *jsonschema.Schema
	verdictSchema  *jsonschema.Schema
}

func NewOrchestrator(tokens *TokenStore, kill *KillSwitch, ring *Ring, collector EvidenceCollector, verifier Verifier, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	es, err := shared.CompileSchema("evidence-report", evidenceSchemaJSON)
	if err != nil {
		return nil, err
	}
	vs, err := shared.CompileSchema("verifier-verdict", verdictSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		tokens:         tokens,
		kill:           kill,
		ring:           ring,
		collector:      collector,
		verifier:       verifier,
		logger:         logger,
		tokenTTL:       DefaultTokenTTL,
		evidenceSchema: es,
		verdictSchema:  vs,
	}, nil
}

// CheckSideEffect is the hot-path gate consulted before any side effect.
// Kill switch first; then a valid token (strict hash, then loose) whose tier
// covers the requirement; a missing token trips the kill switch. Every
// branch records exactly one ring entry.
func (o *Orchestrator) CheckSideEffect(ctx context.Context, req risk.Request) Decision {
	traceID := shared.TraceID(ctx)
	sessionID := shared.SessionID(ctx)
	required := risk.RequiredTier(req)
	strict := risk.StrictHash(req)

	record := func(verdict, reason string) {
		if _, err := o.ring.Push(RingEntry{
			TraceID:     traceID,
			Action:      req.ToolName,
			RequestHash: strict,
			Verdict:     verdict,
			Reason:      reason,
			Executor:    "self",
			Verifier:    "token_store",
			Rollback:    "none",
		}); err != nil {
			o.logger.Error("self-approval ring write failed", "error", err, "trace_id", traceID)
		}
	}

	if o.kill.Active() {
		record("deny", ReasonKillSwitch)
		return Decision{Allowed: false, Reason: ReasonKillSwitch}
	}

	token, ok := o.tokens.Find(sessionID, []string{strict, risk.LooseHash(req)}, required)
	if ok {
		record("allow", ReasonTokenValidated)
		return Decision{Allowed: true, Reason: ReasonTokenValidated, Token: &token}
	}

	// No token for a side effect means the agent skipped its own approval
	// loop. That is a containment event, not a routine denial.
	if err := o.kill.Activate(ReasonMissingEvidence, traceID); err != nil {
		o.logger.Error("kill switch activation failed", "error", err, "trace_id", traceID)
	}
	record("deny", ReasonMissingEvidence)
	return Decision{Allowed: false, Reason: ReasonMissingEvidence}
}

// GenerateApproval runs the explicit approval flow: collect evidence, ask
// the verifier, and only when both pass mint a token for the request. Every
// denial, evidence and verifier alike, trips the kill switch with the
// denial reason.
func (o *Orchestrator) GenerateApproval(ctx context.Context, req risk.Request) (Decision, error) {
	traceID := shared.TraceID(ctx)
	sessionID := shared.SessionID(ctx)
	strict := risk.StrictHash(req)

	record := func(verdict, reason, verifier string) {
		if _, err := o.ring.Push(RingEntry{
			TraceID:     traceID,
			Action:      req.ToolName,
			RequestHash: strict,
			Verdict:     verdict,
			Reason:      reason,
			Executor:    "approval_flow",
			Verifier:    verifier,
			Rollback:    "token_expiry",
		}); err != nil {
			o.logger.Error("self-approval ring write failed", "error", err, "trace_id", traceID)
		}
	}

	deny := func(reason, verifier string) Decision {
		if err := o.kill.Activate(reason, traceID); err != nil {
			o.logger.Error("kill switch activation failed", "error", err, "trace_id", traceID)
		}
		record("deny", reason, verifier)
		return Decision{Allowed: false, Reason: reason}
	}

	report, err := o.collectEvidence(ctx, req)
	if err != nil {
		return deny(err.Error(), "evidence_collector"), nil
	}
	if !report.Pass {
		reason := "evidence_failed"
		if len(report.Issues) > 0 {
			reason = "evidence_failed:" + report.Issues[0]
		}
		return deny(reason, "evidence_collector"), nil
	}

	verdict, err := o.verify(ctx, req, report)
	if err != nil {
		return deny(err.Error(), "verifier"), nil
	}
	if verdict.Verdict != "allow" {
		reason := "verifier_denied"
		if verdict.Summary != "" {
			reason = "verifier_denied:" + verdict.Summary
		}
		return deny(reason, "verifier"), nil
	}

	token := Token{
		RequestHash: strict,
		Tier:        risk.RequiredTier(req).String(),
		TraceID:     traceID,
		Reason:      verdict.Summary,
	}
	if err := o.tokens.Save(sessionID, token, o.tokenTTL); err != nil {
		return Decision{}, fmt.Errorf("save approval token: %w", err)
	}
	record("allow", ReasonTokenValidated, "verifier")
	// Return the persisted token so the caller sees the stamped expiry.
	saved, _ := o.tokens.Find(sessionID, []string{strict}, risk.RequiredTier(req))
	return Decision{Allowed: true, Reason: ReasonTokenValidated, Token: &saved}, nil
}

// GenerateBundle runs one approval per request under a shared trace, minting
// a token for each request the flow allows. The first hard error aborts.
func (o *Orchestrator) GenerateBundle(ctx context.Context, reqs []risk.Request) ([]Decision, error) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	decisions := make([]Decision, 0, len(reqs))
	for _, req := range reqs {
		d, err := o.GenerateApproval(ctx, req)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (o *Orchestrator) collectEvidence(ctx context.Context, req risk.Request) (EvidenceReport, error) {
	if o.collector == nil {
		return EvidenceReport{}, fmt.Errorf("evidence_collector_unavailable")
	}
	raw, err := o.collector.Collect(ctx, req)
	if err != nil {
		return EvidenceReport{}, fmt.Errorf("evidence_collector_failed")
	}
	if err := shared.ValidateJSON(o.evidenceSchema, raw); err != nil {
		o.logger.Warn("evidence payload rejected", "error", err)
		return EvidenceReport{}, fmt.Errorf("evidence_payload_invalid")
	}
	var report EvidenceReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return EvidenceReport{}, fmt.Errorf("evidence_payload_invalid")
	}
	return report, nil
}

func (o *Orchestrator) verify(ctx context.Context, req risk.Request, report EvidenceReport) (Verdict, error) {
	if o.verifier == nil {
		return Verdict{}, fmt.Errorf("verifier_unavailable")
	}
	raw, err := o.verifier.Verify(ctx, req, report)
	if err != nil {
		return Verdict{}, fmt.Errorf("verifier_failed")
	}
	if err := shared.ValidateJSON(o.verdictSchema, raw); err != nil {
		o.logger.Warn("verifier payload rejected", "error", err)
		return Verdict{}, fmt.Errorf("verifier_payload_invalid")
	}
	var verdict Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("verifier_payload_invalid")
	}
	return verdict, nil
}
