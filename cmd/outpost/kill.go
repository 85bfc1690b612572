package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/basket/outpost/internal/approval"
	"github.com/basket/outpost/internal/bus"
	"github.com/basket/outpost/internal/shared"
)

// runKillCommand flips the outbound kill switch from the CLI.
func runKillCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: outpost kill activate <reason> | outpost kill release")
		return 2
	}

	state, err := openCLIState()
	if err != nil {
		return cliError(err)
	}
	kill := approval.NewKillSwitch(state.repo, bus.New(), nil)

	switch strings.ToLower(args[0]) {
	case "activate":
		reason := "manual_activation"
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
		if err := kill.Activate(reason, shared.NewTraceID()); err != nil {
			return cliError(err)
		}
		fmt.Printf("kill switch activated: %s\n", reason)
		return 0
	case "release":
		if err := kill.Release(); err != nil {
			return cliError(err)
		}
		fmt.Println("kill switch released")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown kill action %q\n", args[0])
		return 2
	}
}
