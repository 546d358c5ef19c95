package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint [TASK]",
	Short: "Request a clean checkpoint of a running loop",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheckpoint,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	taskName, err := requireTaskArg(args)
	if err != nil {
		return err
	}

	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	rec, err := reg.Get(taskName)
	if err != nil {
		return fmt.Errorf("looking up session %q: %w", taskName, err)
	}
	if rec == nil || rec.Status.IsTerminal() {
		return fmt.Errorf("no running session found for task %q", taskName)
	}

	if err := requestViaRPC(rec.SocketPath, "checkpoint"); err != nil {
		return fmt.Errorf("failed to request checkpoint: %w", err)
	}

	printSuccess(fmt.Sprintf("Requested checkpoint for: %s", taskName))
	return nil
}
