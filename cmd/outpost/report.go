package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/outpost/internal/audit"
	"github.com/basket/outpost/internal/bridge"
	"github.com/basket/outpost/internal/channels"
)

type reportOutput struct {
	Governance audit.GovernanceSummary `json:"governance"`
	Desktop    bridge.AcceptanceResult `json:"desktop"`
}

// runReportCommand prints the governance summary over the whole audit trail
// plus the desktop automation KPIs against their acceptance thresholds.
func runReportCommand(args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	state, err := openCLIState()
	if err != nil {
		return cliError(err)
	}
	log, err := audit.Open(state.homeDir)
	if err != nil {
		return cliError(err)
	}
	defer log.Close()

	governance, err := log.Summarize(channels.CanSend)
	if err != nil {
		return cliError(err)
	}
	desktop := bridge.NewMetricsStore(state.repo).CheckAcceptance(state.cfg.Bridge.Acceptance)

	out := reportOutput{Governance: governance, Desktop: desktop}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return cliError(err)
		}
		return 0
	}

	fmt.Printf("outbound: %d sent, %d blocked\n", governance.Sent, governance.Blocked)
	if len(governance.TopBlockedReasons) > 0 {
		fmt.Println("top blocked reasons:")
		for _, rc := range governance.TopBlockedReasons {
			fmt.Printf("  %-30s %d\n", rc.Reason, rc.Count)
		}
	}
	if len(governance.InboundOnlyViolations) > 0 {
		fmt.Printf("INBOUND-ONLY VIOLATIONS: %v\n", governance.InboundOnlyViolations)
	}

	fmt.Printf("\ndesktop runs: %d (success rate %.2f)\n",
		desktop.Report.TotalRuns, desktop.Report.SuccessRate)
	fmt.Printf("vlm call ratio: %.3f  som hit rate: %.3f  high-risk misfire rate: %.4f\n",
		desktop.Report.VLMCallRatio, desktop.Report.SomPathHitRate, desktop.Report.HighRiskMisfireRate)
	fmt.Printf("p95 latency: reuse %dms, first %dms\n",
		desktop.Report.ReuseP95Ms, desktop.Report.FirstP95Ms)
	if desktop.Pass {
		fmt.Println("acceptance: PASS")
	} else {
		fmt.Printf("acceptance: FAIL %v\n", desktop.Failures)
	}
	return 0
}
