package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperlab-be/ralph/internal/prd"
	"github.com/hyperlab-be/ralph/internal/registry"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status [name]",
	Aliases: []string{"s"},
	Short:   "Show status of loops",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runStatus,
}

var watchStatus bool
var watchInterval int

func init() {
	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "auto-refresh status")
	statusCmd.Flags().IntVar(&watchInterval, "interval", 5, "refresh interval in seconds (with --watch)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	filterName := ""
	if len(args) > 0 {
		filterName = args[0]
	}

	if watchStatus {
		return runStatusWatch(filterName)
	}
	return renderStatus(filterName)
}

func renderStatus(filterName string) error {
	fmt.Println("\033[1m\033[36mralph — loop status\033[0m")

	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	records, err := reg.List(registry.Filter{})
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("\033[2mNo loops registered.\033[0m")
		return nil
	}

	for _, rec := range records {
		if filterName != "" && rec.TaskName != filterName {
			continue
		}
		printSessionStatus(rec)
	}
	return nil
}

func runStatusWatch(filterName string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(watchInterval) * time.Second)
	defer ticker.Stop()

	renderStatusScreen(filterName)
	for {
		select {
		case <-ticker.C:
			renderStatusScreen(filterName)
		case <-sigChan:
			fmt.Println("\nExiting...")
			return nil
		}
	}
}

func renderStatusScreen(filterName string) {
	fmt.Print("\033[2J\033[H")
	renderStatus(filterName)
	fmt.Printf("\n\033[2m[refreshing every %ds - Ctrl+C to exit]\033[0m\n", watchInterval)
}

func printSessionStatus(rec *registry.Record) {
	statusIcon, statusColor := "⚫", "\033[31m"
	if rec.Status == registry.StatusRunning {
		statusIcon, statusColor = "🟢", "\033[32m"
	}

	progress := "?/?"
	if p, err := prd.Load(rec.TaskDir); err == nil {
		done, total := p.Progress()
		progress = fmt.Sprintf("%d/%d", done, total)
	}

	fmt.Printf("%s \033[1m%s\033[0m\n", statusIcon, rec.TaskName)
	fmt.Printf("   Status: %s%s\033[0m", statusColor, rec.Status)
	if rec.Reason != "" {
		fmt.Printf(" (%s)", rec.Reason)
	}
	fmt.Println()
	fmt.Printf("   Progress: %s stories\n", progress)
	fmt.Printf("   Iteration: %d/%d\n", rec.LastIteration, rec.MaxIterations)
	fmt.Printf("   Task dir: \033[2m%s\033[0m\n", rec.TaskDir)
	fmt.Println()
}
