package main

import (
	"fmt"
	"os"

	"github.com/basket/outpost/internal/config"
	"github.com/basket/outpost/internal/store"
)

// cliState is the read-mostly state every subcommand needs.
type cliState struct {
	homeDir string
	cfg     *config.Config
	repo    store.Repository
}

func openCLIState() (cliState, error) {
	homeDir, err := config.HomeDir()
	if err != nil {
		return cliState{}, err
	}
	cfg, err := config.Load(homeDir)
	if err != nil {
		return cliState{}, err
	}
	repo, err := store.NewFileRepository(homeDir)
	if err != nil {
		return cliState{}, err
	}
	return cliState{homeDir: homeDir, cfg: cfg, repo: repo}, nil
}

func cliError(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}
