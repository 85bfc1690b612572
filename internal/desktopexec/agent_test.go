package desktopexec

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/basket/outpost/internal/bridge"
	"github.com/basket/outpost/internal/config"
	"github.com/basket/outpost/internal/store"
)

type fakeTransport struct {
	observation string
	report      string
	executeErr  error
	requests    []map[string]any
}

func (f *fakeTransport) roundTrip(ctx context.Context, request any) ([]byte, error) {
	raw, _ := json.Marshal(request)
	var decoded map[string]any
	json.Unmarshal(raw, &decoded)
	f.requests = append(f.requests, decoded)

	switch decoded["op"] {
	case "observe":
		return []byte(f.observation), nil
	case "execute":
		if f.executeErr != nil {
			return nil, f.executeErr
		}
		return []byte(f.report), nil
	default:
		return nil, errors.New("unknown op")
	}
}

const cleanObservation = `{
  "window_fingerprint": "fp-1",
  "display": {"width": 1920, "height": 1080},
  "uia_available": true,
  "ocr_available": true
}`

const cleanReport = `{
  "completed": true,
  "step_reached": "verify_receipt",
  "window_fingerprint": "fp-1",
  "recipient_text_check": "matched",
  "receipt_status": "confirmed",
  "visual_precheck": "pass",
  "visual_postcheck": "pass",
  "send_status_check": "pass",
  "som_succeeded": true
}`

func testAgent(t *testing.T, tr *fakeTransport) (*Agent, *bridge.Bridge) {
	t.Helper()
	repo, err := store.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	planner := bridge.New(bridge.Options{
		Config: config.BridgeConfig{ActionMemoryTTLHours: 720, MaxVLMCallsPerStep: 2},
		Repo:   repo,
		Logger: slog.Default(),
	})
	agent, err := NewAgent(config.ExecutorConfig{Command: "fake-agent", TimeoutMs: 5000}, planner, slog.Default())
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	agent.transport = tr
	return agent, planner
}

func TestSendConfirmedProducesEvidence(t *testing.T) {
	tr := &fakeTransport{observation: cleanObservation, report: cleanReport}
	agent, planner := testAgent(t, tr)

	result, err := agent.Send(context.Background(), "wechat", "Uncle Zhang", "dinner at 7?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Sent || result.Message != "outbound_sent" {
		t.Fatalf("result = %+v", result)
	}
	if result.Evidence == nil || result.Evidence.ReceiptStatus != "confirmed" {
		t.Fatalf("evidence = %+v", result.Evidence)
	}
	if result.Evidence.PayloadHash == "" {
		t.Fatal("evidence must carry the payload hash")
	}
	if len(tr.requests) != 2 || tr.requests[0]["op"] != "observe" || tr.requests[1]["op"] != "execute" {
		t.Fatalf("requests = %+v", tr.requests)
	}

	report := planner.Metrics().Report()
	if report.TotalRuns != 1 || report.SuccessRate != 1.0 {
		t.Fatalf("metrics = %+v", report)
	}
}

func TestSendDowngradesRecipientMismatch(t *testing.T) {
	report := `{
	  "completed": true,
	  "recipient_text_check": "mismatched",
	  "receipt_status": "confirmed",
	  "send_status_check": "pass"
	}`
	agent, _ := testAgent(t, &fakeTransport{observation: cleanObservation, report: report})

	result, err := agent.Send(context.Background(), "wechat", "Uncle Zhang", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Sent {
		t.Fatal("mismatched recipient must not count as sent")
	}
	if result.Message != "outbound_blocked:recipient_mismatch" {
		t.Fatalf("message = %q", result.Message)
	}
	if result.Evidence == nil {
		t.Fatal("downgrade must still carry evidence")
	}
}

func TestSendUncertainReceiptStaysSent(t *testing.T) {
	report := `{
	  "completed": true,
	  "recipient_text_check": "matched",
	  "receipt_status": "uncertain",
	  "send_status_check": "pass"
	}`
	agent, _ := testAgent(t, &fakeTransport{observation: cleanObservation, report: report})

	result, err := agent.Send(context.Background(), "wechat", "Uncle Zhang", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Sent || result.Message != "outbound_sent:receipt_uncertain" {
		t.Fatalf("result = %+v", result)
	}
}

func TestSendRejectsMalformedReport(t *testing.T) {
	agent, planner := testAgent(t, &fakeTransport{
		observation: cleanObservation,
		report:      `{"completed": "yes"}`,
	})

	_, err := agent.Send(context.Background(), "wechat", "Uncle Zhang", "hi")
	if err == nil {
		t.Fatal("schema-invalid report must be an error")
	}
	if planner.Metrics().Report().TotalRuns != 1 {
		t.Fatal("failed run must still be counted")
	}
	if planner.Metrics().Report().SuccessRate != 0 {
		t.Fatal("failed run must not count as success")
	}
}

func TestSendRejectsMalformedObservation(t *testing.T) {
	agent, _ := testAgent(t, &fakeTransport{observation: `{"display": {"width": 0, "height": 0}}`})

	_, err := agent.Send(context.Background(), "wechat", "Uncle Zhang", "hi")
	if err == nil {
		t.Fatal("schema-invalid observation must be an error")
	}
}

func TestSendIncompleteRunNamesFailureStep(t *testing.T) {
	report := `{
	  "completed": false,
	  "recipient_text_check": "uncertain",
	  "receipt_status": "failed",
	  "send_status_check": "uncertain",
	  "failure_step": "submit_send"
	}`
	agent, _ := testAgent(t, &fakeTransport{observation: cleanObservation, report: report})

	result, err := agent.Send(context.Background(), "wechat", "Uncle Zhang", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Sent {
		t.Fatal("incomplete run must not be sent")
	}
	if result.Message != "outbound_blocked:desktop_run_incomplete:submit_send" {
		t.Fatalf("message = %q", result.Message)
	}
	if result.Evidence.FailureStep != "submit_send" {
		t.Fatalf("evidence = %+v", result.Evidence)
	}
}
