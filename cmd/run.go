package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hyperlab-be/ralph/internal/config"
	"github.com/hyperlab-be/ralph/internal/loop"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [TASK_DIR]",
	Short: "Start the autonomous coding loop for a task's PRD",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLoop,
}

var (
	runMaxIterations int
	runAgentName     string
	runModel         string
	runYes           bool
	runPromptFile    string
	runForeground    bool
)

func init() {
	runCmd.Flags().IntVarP(&runMaxIterations, "max-iterations", "i", 0, "maximum iterations (0 = use config default)")
	runCmd.Flags().StringVarP(&runAgentName, "agent", "a", "", "backend to use (claude, opencode)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model override passed to the backend")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "non-interactive: fail instead of prompting")
	runCmd.Flags().StringVarP(&runPromptFile, "prompt", "p", "", "prompt template file")
	runCmd.Flags().BoolVar(&runForeground, "foreground", false, "run in the foreground instead of detaching a supervisor")
	rootCmd.AddCommand(runCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	nonInteractive := runYes || config.YoloMode()

	taskDir, err := resolveTaskDir(args, nonInteractive)
	if err != nil {
		printError(err.Error())
		os.Exit(2)
		return nil
	}

	globalCfg, err := config.LoadGlobalConfig()
	if err != nil {
		printError(fmt.Sprintf("loading global config: %v", err))
		os.Exit(2)
		return nil
	}

	maxIter := runMaxIterations
	if maxIter == 0 {
		maxIter = globalCfg.Defaults.MaxIterations
	}

	reg, err := openRegistry()
	if err != nil {
		printError(fmt.Sprintf("opening registry: %v", err))
		os.Exit(1)
		return nil
	}
	defer reg.Close()

	runnerCfg := loop.Config{
		TaskDir:        taskDir,
		MaxIterations:  maxIter,
		AgentFlag:      runAgentName,
		PromptFlag:     runPromptFile,
		ModelFlag:      runModel,
		Foreground:     runForeground,
		NonInteractive: nonInteractive,
		Verbose:        config.Verbose(),
		GlobalConfig:   globalCfg,
	}

	runner := loop.New(runnerCfg, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		printWarn("received interrupt, requesting stop...")
		runner.RequestStop()
	}()

	printInfo(fmt.Sprintf("Starting loop for %s (max iterations: %d)", taskDir, maxIter))

	final, err := runner.Start(ctx)
	if err != nil {
		if isConfigError(err) {
			printError(err.Error())
			os.Exit(2)
		}
		printError(err.Error())
		os.Exit(1)
		return nil
	}

	printSummaryLine(final)
	switch final {
	case loop.StateCompleted, loop.StateCheckpointed:
		os.Exit(0)
	default:
		os.Exit(1)
	}
	return nil
}

func isConfigError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "loading PRD") || strings.Contains(msg, "unknown backend") || strings.Contains(msg, "no available agent backend")
}

func printSummaryLine(state loop.State) {
	switch state {
	case loop.StateCompleted:
		printSuccess("loop completed: all stories pass")
	case loop.StateStopped:
		printWarn("loop stopped")
	case loop.StateCheckpointed:
		printInfo("loop checkpointed")
	case loop.StateFailed:
		printError("loop failed")
	}
}

// resolveTaskDir implements spec §6: when TASK_DIR is omitted, scan
// ./tasks/*/prd.json (excluding any directory named "archived") and either
// use the single match or prompt for selection. nonInteractive (-y or
// $YOLO_MODE) turns an ambiguous selection into a hard error instead of a
// stdin prompt.
func resolveTaskDir(args []string, nonInteractive bool) (string, error) {
	if len(args) > 0 {
		return filepath.Abs(args[0])
	}

	matches, err := filepath.Glob("tasks/*/prd.json")
	if err != nil {
		return "", fmt.Errorf("scanning ./tasks: %w", err)
	}

	var candidates []string
	for _, m := range matches {
		dir := filepath.Dir(m)
		if filepath.Base(dir) == "archived" {
			continue
		}
		candidates = append(candidates, dir)
	}

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("no task directory given and no tasks/*/prd.json found")
	case 1:
		return filepath.Abs(candidates[0])
	default:
		return promptForTask(candidates, nonInteractive)
	}
}

func promptForTask(candidates []string, nonInteractive bool) (string, error) {
	if nonInteractive {
		return "", fmt.Errorf("multiple tasks found and non-interactive mode is set: specify TASK_DIR explicitly")
	}

	fmt.Println("Multiple tasks found, choose one:")
	for i, c := range candidates {
		fmt.Printf("  [%d] %s\n", i+1, c)
	}
	fmt.Print("> ")
	var choice int
	if _, err := fmt.Scanln(&choice); err != nil || choice < 1 || choice > len(candidates) {
		return "", fmt.Errorf("invalid selection")
	}
	return filepath.Abs(candidates[choice-1])
}
