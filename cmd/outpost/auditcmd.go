package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/outpost/internal/audit"
)

// runAuditCommand prints recent outbound audit rows, newest first.
func runAuditCommand(args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of rows to show")
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

	rows, err := log.List(*limit)
	if err != nil {
		return cliError(err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return cliError(err)
		}
		return 0
	}

	if len(rows) == 0 {
		fmt.Println("no outbound attempts recorded")
		return 0
	}
	for _, row := range rows {
		verdict := "BLOCKED"
		if row.Sent {
			verdict = "sent"
		}
		tags := make([]string, 0, len(row.SemanticTags))
		for _, tag := range row.SemanticTags {
			tags = append(tags, string(tag))
		}
		fmt.Printf("%s  %-8s %-10s %-20s %s [%s]\n",
			row.At, verdict, row.Channel, row.Destination, row.Message, strings.Join(tags, ","))
	}
	return 0
}
