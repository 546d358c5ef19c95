package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"cleanup"},
	Short:   "Reap registry records whose supervisor process has died",
	Long: `Scan the session registry for records in a non-terminal status whose
supervisor PID no longer exists, and mark them failed with reason
"orphaned" (spec: SessionRecords are never deleted, only reaped).`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	n, err := reg.Clean()
	if err != nil {
		return fmt.Errorf("cleaning registry: %w", err)
	}

	if n == 0 {
		printInfo("No orphaned sessions found.")
		return nil
	}
	printSuccess(fmt.Sprintf("Reaped %d orphaned session(s).", n))
	return nil
}
