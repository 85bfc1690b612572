// Package desktopexec drives the external desktop execution agent: it plans a
// send through the perception bridge, hands the plan to the agent, validates
// the execution report at the process boundary, and turns the report into an
// evidence bundle. A send with no usable evidence is reported as not sent.
package desktopexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/outpost/internal/audit"
	"github.com/basket/outpost/internal/bridge"
	"github.com/basket/outpost/internal/channels"
	"github.com/basket/outpost/internal/config"
	"github.com/basket/outpost/internal/risk"
	"github.com/basket/outpost/internal/shared"
)

// observationSchema validates the agent's screen observation.
const observationSchema = `{
  "type": "object",
  "properties": {
    "window_fingerprint": {"type": "string"},
    "display": {
      "type": "object",
      "properties": {
        "width": {"type": "integer", "minimum": 1},
        "height": {"type": "integer", "minimum": 1}
      },
      "required": ["width", "height"]
    },
    "uia_available": {"type": "boolean"},
    "ocr_available": {"type": "boolean"}
  },
  "required": ["display"]
}`

// reportSchema validates the agent's execution report. Everything the
// evidence bundle needs is required; screenshots are optional.
const reportSchema = `{
  "type": "object",
  "properties": {
    "completed": {"type": "boolean"},
    "step_reached": {"type": "string"},
    "window_fingerprint": {"type": "string"},
    "recipient_text_check": {"enum": ["matched", "mismatched", "uncertain"]},
    "receipt_status": {"enum": ["confirmed", "uncertain", "failed"]},
    "visual_precheck": {"enum": ["pass", "fail", "skipped"]},
    "visual_postcheck": {"enum": ["pass", "fail", "skipped"]},
    "send_status_check": {"enum": ["pass", "fail", "uncertain"]},
    "pre_screenshot_path": {"type": "string"},
    "post_screenshot_path": {"type": "string"},
    "failure_step": {"type": "string"},
    "som_succeeded": {"type": "boolean"}
  },
  "required": ["completed", "recipient_text_check", "receipt_status", "send_status_check"]
}`

type observeRequest struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	AppName string `json:"app_name"`
}

type executeRequest struct {
	Op          string      `json:"op"`
	Plan        bridge.Plan `json:"plan"`
	Destination string      `json:"destination"`
	Text        string      `json:"text"`
	TraceID     string      `json:"trace_id,omitempty"`
}

type executionReport struct {
	Completed          bool   `json:"completed"`
	StepReached        string `json:"step_reached"`
	WindowFingerprint  string `json:"window_fingerprint"`
	RecipientTextCheck string `json:"recipient_text_check"`
	ReceiptStatus      string `json:"receipt_status"`
	VisualPrecheck     string `json:"visual_precheck"`
	VisualPostcheck    string `json:"visual_postcheck"`
	SendStatusCheck    string `json:"send_status_check"`
	PreScreenshotPath  string `json:"pre_screenshot_path"`
	PostScreenshotPath string `json:"post_screenshot_path"`
	FailureStep        string `json:"failure_step"`
	SomSucceeded       bool   `json:"som_succeeded"`
}

// appNames maps desktop channels to the window title the agent focuses.
var appNames = map[string]string{
	"qq":     "QQ",
	"wechat": "WeChat",
}

// Agent implements channels.DesktopSender against an external execution
// agent process.
type Agent struct {
	bridge    *bridge.Bridge
	transport transport
	timeout   time.Duration
	obsSchema *jsonschema.Schema
	repSchema *jsonschema.Schema
	logger    *slog.Logger
	now       func() time.Time
}

var _ channels.DesktopSender = (*Agent)(nil)

func NewAgent(cfg config.ExecutorConfig, planner *bridge.Bridge, logger *slog.Logger) (*Agent, error) {
	tr, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	obsSchema, err := shared.CompileSchema("screen-observation", []byte(observationSchema))
	if err != nil {
		return nil, err
	}
	repSchema, err := shared.CompileSchema("execution-report", []byte(reportSchema))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		bridge:    planner,
		transport: tr,
		timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		obsSchema: obsSchema,
		repSchema: repSchema,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Send observes the screen, plans the action sequence, executes it through
// the agent and reports the outcome back into the planner's learning stores.
// Transport and protocol failures return an error; the caller degrades.
func (a *Agent) Send(ctx context.Context, channel, destination, text string) (channels.DesktopResult, error) {
	started := a.now()
	intent := bridge.Intent{
		Channel:     channel,
		AppName:     appNames[channel],
		Destination: destination,
		PayloadHash: payloadHash(text),
		HasText:     text != "",
		Risk:        riskLevel(channel, destination, text),
	}

	screen, err := a.observe(ctx, intent)
	if err != nil {
		return channels.DesktopResult{}, err
	}
	plan := a.bridge.BuildPlan(ctx, intent, screen)

	report, err := a.execute(ctx, plan, destination, text)
	latency := int(a.now().Sub(started).Milliseconds())
	if err != nil {
		a.bridge.ReportOutcome(ctx, bridge.Outcome{Plan: plan, Sent: false, LatencyMs: latency})
		return channels.DesktopResult{}, err
	}

	result := analyzeReport(plan, report)
	a.bridge.ReportOutcome(ctx, bridge.Outcome{
		Plan:            plan,
		Sent:            result.Sent,
		LatencyMs:       latency,
		SomSucceeded:    report.SomSucceeded,
		HighRiskMisfire: intent.Risk == "HIGH" && report.RecipientTextCheck == "mismatched",
	})
	return result, nil
}

func (a *Agent) observe(ctx context.Context, intent bridge.Intent) (bridge.ScreenState, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.transport.roundTrip(callCtx, observeRequest{
		Op:      "observe",
		Channel: intent.Channel,
		AppName: intent.AppName,
	})
	if err != nil {
		return bridge.ScreenState{}, fmt.Errorf("observe screen: %w", err)
	}
	if err := shared.ValidateJSON(a.obsSchema, raw); err != nil {
		return bridge.ScreenState{}, fmt.Errorf("screen observation rejected: %w", err)
	}
	var screen bridge.ScreenState
	if err := json.Unmarshal(raw, &screen); err != nil {
		return bridge.ScreenState{}, fmt.Errorf("decode screen observation: %w", err)
	}
	return screen, nil
}

func (a *Agent) execute(ctx context.Context, plan bridge.Plan, destination, text string) (executionReport, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.transport.roundTrip(callCtx, executeRequest{
		Op:          "execute",
		Plan:        plan,
		Destination: destination,
		Text:        text,
		TraceID:     shared.TraceID(ctx),
	})
	if err != nil {
		return executionReport{}, fmt.Errorf("execute plan: %w", err)
	}
	if err := shared.ValidateJSON(a.repSchema, raw); err != nil {
		return executionReport{}, fmt.Errorf("execution report rejected: %w", err)
	}
	var report executionReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return executionReport{}, fmt.Errorf("decode execution report: %w", err)
	}
	return report, nil
}

// analyzeReport turns a validated report into a send result. A completed run
// is downgraded when the evidence contradicts it: wrong recipient, failed
// send-status check, or failed visual checks.
func analyzeReport(plan bridge.Plan, report executionReport) channels.DesktopResult {
	evidence := &audit.EvidenceBundle{
		PayloadHash:        plan.Intent.PayloadHash,
		WindowFingerprint:  report.WindowFingerprint,
		RecipientTextCheck: report.RecipientTextCheck,
		ReceiptStatus:      report.ReceiptStatus,
		VisualPrecheck:     report.VisualPrecheck,
		VisualPostcheck:    report.VisualPostcheck,
		SendStatusCheck:    report.SendStatusCheck,
		PreScreenshotPath:  report.PreScreenshotPath,
		PostScreenshotPath: report.PostScreenshotPath,
		FailureStep:        report.FailureStep,
	}

	switch {
	case !report.Completed:
		return channels.DesktopResult{
			Sent:     false,
			Message:  "outbound_blocked:desktop_run_incomplete:" + orUnknown(report.FailureStep),
			Evidence: evidence,
		}
	case report.RecipientTextCheck == "mismatched":
		return channels.DesktopResult{
			Sent:     false,
			Message:  "outbound_blocked:recipient_mismatch",
			Evidence: evidence,
		}
	case report.SendStatusCheck == "fail":
		return channels.DesktopResult{
			Sent:     false,
			Message:  "outbound_blocked:send_status_mismatch",
			Evidence: evidence,
		}
	case report.VisualPrecheck == "fail" || report.VisualPostcheck == "fail":
		return channels.DesktopResult{
			Sent:     false,
			Message:  "outbound_blocked:ui_style_mismatch",
			Evidence: evidence,
		}
	case report.ReceiptStatus == "failed":
		return channels.DesktopResult{
			Sent:     false,
			Message:  "outbound_blocked:receipt_check_failed",
			Evidence: evidence,
		}
	case report.ReceiptStatus == "uncertain":
		return channels.DesktopResult{
			Sent:     true,
			Message:  "outbound_sent:receipt_uncertain",
			Evidence: evidence,
		}
	default:
		return channels.DesktopResult{
			Sent:     true,
			Message:  "outbound_sent",
			Evidence: evidence,
		}
	}
}

func payloadHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:24]
}

// riskLevel classifies a desktop send the same way the governance side does,
// so misfire accounting and tier checks agree.
func riskLevel(channel, destination, text string) string {
	tier := risk.RequiredTier(risk.Request{
		ToolName:   "desktop_send",
		Permission: "desktop:control",
		Params: map[string]any{
			"channel":     channel,
			"destination": destination,
			"text":        text,
		},
	})
	switch tier {
	case risk.TierThorough:
		return "HIGH"
	case risk.TierStandard:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
