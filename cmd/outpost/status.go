package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/basket/outpost/internal/approval"
	"github.com/basket/outpost/internal/bus"
	"github.com/basket/outpost/internal/channels"
)

type statusOutput struct {
	KillSwitch   approval.KillSwitchState `json:"kill_switch"`
	Channels     []channels.ChannelState  `json:"channels"`
	PendingPairs int                      `json:"pending_pairs"`
}

// runStatusCommand prints channel and kill-switch state. JSON when piped or
// with -json, aligned text on a terminal.
func runStatusCommand(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	state, err := openCLIState()
	if err != nil {
		return cliError(err)
	}
	kill := approval.NewKillSwitch(state.repo, bus.New(), nil)
	states := channels.NewStateStore(state.repo)

	out := statusOutput{
		KillSwitch:   kill.State(),
		Channels:     states.States(),
		PendingPairs: len(states.PairRequests("pending")),
	}

	if *asJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return cliError(err)
		}
		return 0
	}

	if out.KillSwitch.Active {
		fmt.Printf("kill switch: ACTIVE (%s)\n", out.KillSwitch.Reason)
	} else {
		fmt.Println("kill switch: inactive")
	}
	fmt.Printf("pending pairing requests: %d\n\n", out.PendingPairs)
	fmt.Printf("%-10s %-8s %-10s %-10s %s\n", "CHANNEL", "ENABLED", "CONNECTED", "ALLOWLIST", "LAST ERROR")
	for _, ch := range out.Channels {
		fmt.Printf("%-10s %-8v %-10v %-10d %s\n",
			ch.Name, ch.Enabled, ch.Connected, len(ch.Allowlist), ch.LastError)
	}
	return 0
}
