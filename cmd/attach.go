package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyperlab-be/ralph/internal/registry"
	"github.com/hyperlab-be/ralph/internal/rpc"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var attachCmd = &cobra.Command{
	Use:   "attach [TASK]",
	Short: "Attach to a running loop's PTY and take over keystrokes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
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

	c, err := rpc.Dial(rec.SocketPath)
	if err != nil {
		return fmt.Errorf("dialing loop %q: %w", taskName, err)
	}
	defer c.Close()

	if err := c.Notify("subscribe", nil); err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	if err := c.Notify("set_interactive_mode", map[string]bool{"enabled": true}); err != nil {
		return fmt.Errorf("entering interactive mode: %w", err)
	}
	defer c.Notify("set_interactive_mode", map[string]bool{"enabled": false})

	printInfo(fmt.Sprintf("Attached to %s — press Ctrl-] to detach.", taskName))

	return driveAttachSession(c, rec)
}

// driveAttachSession owns the raw-terminal lifetime for the duration of the
// attach session, restoring the terminal on every exit path.
func driveAttachSession(c *rpc.Client, rec *registry.Record) error {
	fd := int(os.Stdin.Fd())
	isTerminal := term.IsTerminal(fd)

	var oldState *term.State
	if isTerminal {
		var err error
		oldState, err = term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("entering raw terminal mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	keys := make(chan []byte)
	go readKeystrokes(os.Stdin, keys)

	const detachByte = 0x1d // Ctrl-]

	events := c.Events()
	for {
		select {
		case line, ok := <-keys:
			if !ok {
				return nil
			}
			for _, b := range line {
				if b == detachByte {
					fmt.Fprint(os.Stdout, "\r\n")
					return nil
				}
			}
			if err := c.Notify("write_pty", map[string]string{"data": string(line)}); err != nil {
				return fmt.Errorf("forwarding keystrokes: %w", err)
			}

		case note, ok := <-events:
			if !ok {
				return nil
			}
			renderAttachEvent(note)

		case <-sigChan:
			return nil
		}
	}
}

func readKeystrokes(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			out <- cp
		}
		if err != nil {
			return
		}
	}
}

func renderAttachEvent(note rpc.Notification) {
	switch note.Method {
	case "event":
		var payload struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		raw, err := json.Marshal(note.Params)
		if err != nil {
			return
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		switch payload.Type {
		case "output":
			var data struct {
				Line string `json:"line"`
			}
			if json.Unmarshal(payload.Data, &data) == nil {
				fmt.Fprint(os.Stdout, data.Line+"\r\n")
			}
		case "state_change":
			var state struct {
				Status          string `json:"status"`
				Reason          string `json:"reason"`
				InteractiveMode *bool  `json:"interactive_mode"`
			}
			if json.Unmarshal(payload.Data, &state) != nil {
				return
			}
			if state.InteractiveMode != nil {
				fmt.Fprintf(os.Stdout, "\r\n\033[2m[interactive mode: %v]\033[0m\r\n", *state.InteractiveMode)
				return
			}
			fmt.Fprintf(os.Stdout, "\r\n\033[2m[state: %s %s]\033[0m\r\n", state.Status, state.Reason)
		}
	}
}
