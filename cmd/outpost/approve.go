package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/outpost/internal/approval"
	"github.com/basket/outpost/internal/bus"
	"github.com/basket/outpost/internal/risk"
	"github.com/basket/outpost/internal/shared"
)

// runApproveCommand runs the explicit approval flow for one request and, on
// success, verifies the minted token covers a follow-up side-effect check.
func runApproveCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	paramsJSON := fs.String("params", "{}", "request parameters as JSON")
	session := fs.String("session", shared.DefaultSessionID, "session the token binds to")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: outpost approve <tool> <permission> [-params '{...}']")
		return 2
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		return cliError(fmt.Errorf("parse -params: %w", err))
	}

	state, err := openCLIState()
	if err != nil {
		return cliError(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	tokens := approval.NewTokenStore(state.repo)
	kill := approval.NewKillSwitch(state.repo, bus.New(), logger)
	ring := approval.NewRing(state.repo)
	orchestrator, err := approval.NewOrchestrator(
		tokens, kill, ring, approval.RuleCollector{}, approval.RuleVerifier{}, logger)
	if err != nil {
		return cliError(err)
	}

	req := risk.Request{ToolName: rest[0], Permission: rest[1], Params: params}
	ctx = shared.WithSessionID(shared.WithTraceID(ctx, shared.NewTraceID()), *session)

	decision, err := orchestrator.GenerateApproval(ctx, req)
	if err != nil {
		return cliError(err)
	}
	if !decision.Allowed {
		fmt.Printf("denied: %s\n", decision.Reason)
		return 1
	}

	check := orchestrator.CheckSideEffect(ctx, req)
	fmt.Printf("approved at tier %s\n", decision.Token.Tier)
	if check.Token != nil {
		fmt.Printf("token expires %s\n", check.Token.ExpiresAt.Format("15:04:05"))
	}
	fmt.Printf("side-effect check: allowed=%v reason=%s\n", check.Allowed, check.Reason)
	return 0
}
