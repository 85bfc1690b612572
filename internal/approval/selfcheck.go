package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/outpost/internal/risk"
)

// RuleCollector is the built-in evidence collector: deterministic local
// checks over the request itself, no external process. Deployments with a
// reviewer agent replace it through the Orchestrator wiring.
type RuleCollector struct{}

func (RuleCollector) Collect(_ context.Context, req risk.Request) (json.RawMessage, error) {
	report := EvidenceReport{Pass: true}
	check := func(name string, ok bool, issue string) {
		report.Checks = append(report.Checks, name)
		if ok {
			report.Evidence = append(report.Evidence, name+":ok")
		} else {
			report.Pass = false
			report.Issues = append(report.Issues, issue)
		}
	}

	check("permission_known", risk.IsSideEffect(req.Permission),
		fmt.Sprintf("permission %q is not an approvable side effect", req.Permission))
	check("tool_named", strings.TrimSpace(req.ToolName) != "", "request has no tool name")
	check("params_present", len(req.Params) > 0, "request carries no parameters")

	return json.Marshal(report)
}

// RuleVerifier is the built-in verdict rule: allow when evidence passed,
// except that a thorough-tier request must carry an explicit confirmation
// parameter. Destructive actions never ride through on defaults.
type RuleVerifier struct{}

func (RuleVerifier) Verify(_ context.Context, req risk.Request, report EvidenceReport) (json.RawMessage, error) {
	verdict := Verdict{Verdict: "allow", Summary: "rule checks passed"}
	if !report.Pass {
		verdict = Verdict{Verdict: "deny", Summary: strings.Join(report.Issues, "; ")}
	} else if risk.RequiredTier(req) == risk.TierThorough && !confirmed(req.Params) {
		verdict = Verdict{Verdict: "deny", Summary: "thorough-tier request lacks confirmed=true"}
	}
	return json.Marshal(verdict)
}

func confirmed(params map[string]any) bool {
	v, ok := params["confirmed"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
