package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/outpost/internal/bus"
	"github.com/basket/outpost/internal/risk"
	"github.com/basket/outpost/internal/shared"
	"github.com/basket/outpost/internal/store"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}

func sendRequest(text string) risk.Request {
	return risk.Request{
		ToolName:   "send_message",
		Permission: "message:send",
		Params:     map[string]any{"to": "alice", "text": text},
		ToolCallID: "tc-1",
		MessageID:  "m-1",
	}
}

func TestTokenFindStrictBeforeLoose(t *testing.T) {
	tokens := NewTokenStore(newRepo(t))
	req := sendRequest("hello")

	loose := risk.LooseHash(req)
	if err := tokens.Save("main", Token{RequestHash: loose, Tier: "light"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := tokens.Find("main", []string{risk.StrictHash(req), loose}, risk.TierLight)
	if !ok || got.RequestHash != loose {
		t.Fatalf("loose fallback failed: %+v ok=%v", got, ok)
	}
}

func TestTokenTierMustCoverRequirement(t *testing.T) {
	tokens := NewTokenStore(newRepo(t))
	hash := "h1"
	if err := tokens.Save("main", Token{RequestHash: hash, Tier: "light"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := tokens.Find("main", []string{hash}, risk.TierThorough); ok {
		t.Fatal("light token satisfied a thorough requirement")
	}
	if _, ok := tokens.Find("main", []string{hash}, risk.TierLight); !ok {
		t.Fatal("light token rejected for a light requirement")
	}
}

func TestTokenExpiryAndReuseWithinTTL(t *testing.T) {
	tokens := NewTokenStore(newRepo(t))
	now := time.Now()
	tokens.now = func() time.Time { return now }

	if err := tokens.Save("main", Token{RequestHash: "h", Tier: "standard"}, 120*time.Second); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Tokens are reusable until expiry, not single-use.
	for i := 0; i < 3; i++ {
		if _, ok := tokens.Find("main", []string{"h"}, risk.TierStandard); !ok {
			t.Fatalf("use %d failed within ttl", i)
		}
	}
	now = now.Add(121 * time.Second)
	if _, ok := tokens.Find("main", []string{"h"}, risk.TierStandard); ok {
		t.Fatal("expired token still found")
	}
}

func TestTokenStoreCapEvictsOldest(t *testing.T) {
	tokens := NewTokenStore(newRepo(t))
	base := time.Now()
	current := base
	tokens.now = func() time.Time { return current }

	for i := 0; i < maxTokensPerSession+1; i++ {
		current = base.Add(time.Duration(i) * time.Millisecond)
		hash := fmt.Sprintf("h%03d", i)
		if err := tokens.Save("main", Token{RequestHash: hash, Tier: "light"}, time.Hour); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if _, ok := tokens.Find("main", []string{"h000"}, risk.TierLight); ok {
		t.Fatal("oldest token survived past the cap")
	}
	last := fmt.Sprintf("h%03d", maxTokensPerSession)
	if _, ok := tokens.Find("main", []string{last}, risk.TierLight); !ok {
		t.Fatal("newest token missing")
	}
}

func TestKillSwitchPersistsAndNotifies(t *testing.T) {
	repo := newRepo(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicKillSwitch)
	defer b.Unsubscribe(sub)

	ks := NewKillSwitch(repo, b, slog.Default())
	if err := ks.Activate("missing_evidence", "trace-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !ks.Active() {
		t.Fatal("switch not active")
	}

	// A fresh instance over the same repository sees the activation.
	if !NewKillSwitch(repo, nil, nil).Active() {
		t.Fatal("activation did not persist")
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.KillSwitchEvent)
		if !payload.Active || payload.Reason != "missing_evidence" {
			t.Fatalf("event = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no kill switch event")
	}

	if err := ks.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ks.Active() {
		t.Fatal("switch still active after release")
	}
}

func TestRingCapsAtCapacity(t *testing.T) {
	ring := NewRing(newRepo(t))
	for i := 0; i < ringCapacity+10; i++ {
		if _, err := ring.Push(RingEntry{Action: "a", Verdict: "allow", Reason: fmt.Sprintf("r%d", i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	entries := ring.Recent(ringCapacity + 100)
	if len(entries) != ringCapacity {
		t.Fatalf("ring size = %d, want %d", len(entries), ringCapacity)
	}
	if entries[0].Reason != fmt.Sprintf("r%d", ringCapacity+9) {
		t.Fatalf("newest entry = %+v", entries[0])
	}
}

type stubCollector struct {
	payload string
	err     error
}

func (s stubCollector) Collect(context.Context, risk.Request) (json.RawMessage, error) {
	return json.RawMessage(s.payload), s.err
}

type stubVerifier struct {
	payload string
	err     error
}

func (s stubVerifier) Verify(context.Context, risk.Request, EvidenceReport) (json.RawMessage, error) {
	return json.RawMessage(s.payload), s.err
}

func newOrchestrator(t *testing.T, collector EvidenceCollector, verifier Verifier) (*Orchestrator, *KillSwitch) {
	t.Helper()
	repo := newRepo(t)
	ks := NewKillSwitch(repo, nil, slog.Default())
	o, err := NewOrchestrator(NewTokenStore(repo), ks, NewRing(repo), collector, verifier, slog.Default())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, ks
}

func TestCheckWithoutTokenTripsKillSwitch(t *testing.T) {
	o, ks := newOrchestrator(t, nil, nil)
	d := o.CheckSideEffect(context.Background(), sendRequest("hello"))
	if d.Allowed {
		t.Fatal("side effect allowed without a token")
	}
	if d.Reason != ReasonMissingEvidence {
		t.Fatalf("reason = %q", d.Reason)
	}
	if !ks.Active() {
		t.Fatal("kill switch not tripped")
	}
	if st := ks.State(); st.Reason != ReasonMissingEvidence {
		t.Fatalf("kill switch reason = %q", st.Reason)
	}
}

func TestCheckDeniesWhileKillSwitchActive(t *testing.T) {
	o, ks := newOrchestrator(t, nil, nil)
	if err := ks.Activate("manual", "t"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	d := o.CheckSideEffect(context.Background(), sendRequest("hello"))
	if d.Allowed || d.Reason != ReasonKillSwitch {
		t.Fatalf("decision = %+v", d)
	}
}

func TestGenerateApprovalThenCheckAllows(t *testing.T) {
	o, ks := newOrchestrator(t,
		stubCollector{payload: `{"pass": true, "checks": ["target_known"], "evidence": ["allowlist"]}`},
		stubVerifier{payload: `{"verdict": "allow", "summary": "routine reply"}`},
	)
	ctx := shared.WithTraceID(context.Background(), "trace-9")
	req := sendRequest("hello")

	d, err := o.GenerateApproval(ctx, req)
	if err != nil || !d.Allowed {
		t.Fatalf("generate: %+v err=%v", d, err)
	}
	check := o.CheckSideEffect(ctx, req)
	if !check.Allowed || check.Reason != ReasonTokenValidated {
		t.Fatalf("check = %+v", check)
	}
	if ks.Active() {
		t.Fatal("kill switch tripped on a valid token")
	}
}

func TestVerifierDenyTripsKillSwitch(t *testing.T) {
	o, ks := newOrchestrator(t,
		stubCollector{payload: `{"pass": true, "checks": []}`},
		stubVerifier{payload: `{"verdict": "deny", "summary": "destination unknown"}`},
	)
	d, err := o.GenerateApproval(context.Background(), sendRequest("hello"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if d.Allowed {
		t.Fatal("denied verdict still allowed")
	}
	if !ks.Active() {
		t.Fatal("kill switch not tripped on verifier deny")
	}
}

func TestEvidenceFailureTripsKillSwitch(t *testing.T) {
	o, ks := newOrchestrator(t,
		stubCollector{payload: `{"pass": false, "checks": ["target_known"], "issues": ["destination_not_allowlisted"]}`},
		stubVerifier{payload: `{"verdict": "allow"}`},
	)
	d, err := o.GenerateApproval(context.Background(), sendRequest("hello"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if d.Allowed {
		t.Fatal("failed evidence still allowed")
	}
	if d.Reason != "evidence_failed:destination_not_allowlisted" {
		t.Fatalf("reason = %q", d.Reason)
	}
	if !ks.Active() {
		t.Fatal("kill switch not tripped on evidence failure")
	}
	if st := ks.State(); st.Reason != d.Reason {
		t.Fatalf("kill switch reason = %q", st.Reason)
	}
}

func TestMalformedCollaboratorPayloadDenies(t *testing.T) {
	o, ks := newOrchestrator(t,
		stubCollector{payload: `{"pass": "yes"}`},
		stubVerifier{payload: `{"verdict": "allow"}`},
	)
	d, err := o.GenerateApproval(context.Background(), sendRequest("hello"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if d.Allowed || d.Reason != "evidence_payload_invalid" {
		t.Fatalf("decision = %+v", d)
	}
	if !ks.Active() {
		t.Fatal("kill switch not tripped on malformed evidence")
	}
}

func TestGenerateBundleSharesTrace(t *testing.T) {
	o, _ := newOrchestrator(t,
		stubCollector{payload: `{"pass": true, "checks": []}`},
		stubVerifier{payload: `{"verdict": "allow", "summary": "ok"}`},
	)
	reqs := []risk.Request{sendRequest("one"), sendRequest("two")}
	decisions, err := o.GenerateBundle(context.Background(), reqs)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d", len(decisions))
	}
	if decisions[0].Token.TraceID == "" || decisions[0].Token.TraceID != decisions[1].Token.TraceID {
		t.Fatalf("bundle tokens do not share a trace: %+v %+v", decisions[0].Token, decisions[1].Token)
	}
}
