package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/basket/outpost/internal/channels"
)

// runPairCommand lists and resolves contact pairing requests.
func runPairCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: outpost pair list | outpost pair approve <id> | outpost pair reject <id>")
		return 2
	}

	state, err := openCLIState()
	if err != nil {
		return cliError(err)
	}
	states := channels.NewStateStore(state.repo)

	switch strings.ToLower(args[0]) {
	case "list":
		pairs := states.PairRequests("pending")
		if len(pairs) == 0 {
			fmt.Println("no pending pairing requests")
			return 0
		}
		fmt.Printf("%-42s %-10s %-16s %s\n", "ID", "CHANNEL", "SENDER", "PREVIEW")
		for _, pair := range pairs {
			fmt.Printf("%-42s %-10s %-16s %s\n",
				pair.ID, pair.Channel, pair.SenderID, pair.MessagePreview)
		}
		return 0
	case "approve", "reject":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: outpost pair %s <id>\n", args[0])
			return 2
		}
		status := "approved"
		if strings.ToLower(args[0]) == "reject" {
			status = "rejected"
		}
		pair, err := states.ResolvePairRequest(args[1], status)
		if err != nil {
			return cliError(err)
		}
		fmt.Printf("pair %s %s (%s/%s)\n", pair.ID, pair.Status, pair.Channel, pair.SenderID)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown pair action %q\n", args[0])
		return 2
	}
}
