package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/hyperlab-be/ralph/internal/registry"
	"github.com/hyperlab-be/ralph/internal/rpc"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop [TASK]",
	Short: "Stop a running loop",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
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
	if rec == nil {
		return fmt.Errorf("no session found for task %q", taskName)
	}
	if rec.Status.IsTerminal() {
		printWarn(fmt.Sprintf("session %q is already %s", taskName, rec.Status))
		return nil
	}

	if err := requestViaRPC(rec.SocketPath, "stop"); err != nil {
		printWarn(fmt.Sprintf("could not reach loop over RPC (%v), sending SIGTERM directly", err))
		if rec.PID > 0 {
			if proc, ferr := os.FindProcess(rec.PID); ferr == nil {
				proc.Signal(syscall.SIGTERM)
			}
		}
		if err := reg.MarkTerminal(taskName, registry.StatusStopped, "stop_requested"); err != nil {
			return err
		}
	}

	printSuccess(fmt.Sprintf("Stopped loop: %s", taskName))
	return nil
}

// requestViaRPC dials a loop's socket and issues a control method call.
func requestViaRPC(socketPath, method string) error {
	c, err := rpc.Dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Call(method, nil)
	return err
}

// requireTaskArg returns args[0] or an error — stop/checkpoint act on a
// named task, since (unlike run) they have no current-directory fallback.
func requireTaskArg(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("a task name is required")
	}
	return args[0], nil
}
