package cmd

import (
	"fmt"
	"os"

	"github.com/hyperlab-be/ralph/internal/config"
	"github.com/hyperlab-be/ralph/internal/registry"
	"github.com/spf13/cobra"
)

var Version = "0.1.0"

var initFlag bool

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Autonomous coding-loop orchestrator",
	Long: `ralph drives an AI coding agent through a PRD's user stories,
one iteration at a time, until every story passes or the loop is
stopped or checkpointed.`,
	Version:       Version,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if initFlag {
			return runInitGlobalConfig()
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVar(&initFlag, "init", false, "initialize the global Ralph configuration directory")
}

func printSuccess(msg string) {
	fmt.Fprintf(os.Stdout, "\033[32m✓\033[0m %s\n", msg)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s\n", msg)
}

func printInfo(msg string) {
	fmt.Fprintf(os.Stdout, "\033[36mℹ\033[0m %s\n", msg)
}

func printWarn(msg string) {
	fmt.Fprintf(os.Stdout, "\033[33m⚠\033[0m %s\n", msg)
}

// openRegistry opens the shared SessionRegistry at its user-scoped path.
func openRegistry() (*registry.Registry, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, err
	}
	return registry.Open(config.RegistryFile())
}
