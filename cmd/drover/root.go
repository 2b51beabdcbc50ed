package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
)

var configPath string

// CheckWorkerCLI verifies that the configured worker CLI is available in
// PATH. Returns an error with installation hints if not found.
func CheckWorkerCLI(command string) error {
	_, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("worker CLI %q not found in PATH\n\n"+
			"Drover supervises agents that each wrap one instance of a\n"+
			"conversational AI CLI. Install the CLI it is configured to\n"+
			"launch, or point agents.command at a different binary in\n"+
			"~/.config/drover/config.yaml", command)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Agent fleet supervisor",
	Long: `Drover supervises a fleet of long-running AI CLI worker processes.

It spawns and monitors agents, schedules tasks onto them under priority
and dependency constraints, and routes messages between them.

Core capabilities:
- Spawns each agent as an isolated external CLI process
- Polls process health and restarts crashed agents with backoff
- Schedules tasks by priority with dependency gating
- Mirrors each agent's tasks to an editable markdown document
- Routes prioritized direct and broadcast messages between agents`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (overrides XDG lookup)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
