package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

// pickAgent asks for the agent when none was given and stdin is a terminal.
// Under a supervisor nothing is asked and loading fails with ErrAgentRequired.
func pickAgent() error {
	if agentName != "" || !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	root, err := config.FindRoot(rootDir)
	if err != nil {
		return nil
	}
	dir, err := config.LoadDirectory(root)
	if err != nil || len(dir.Agents) == 0 {
		return nil
	}

	var picked string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Run mmrelay as which agent?").
			Options(huh.NewOptions(dir.AgentNames()...)...).
			Value(&picked),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("select agent: %w", err)
	}
	agentName = picked
	return nil
}
