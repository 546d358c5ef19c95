package cmd

import (
	"fmt"
	"os"

	"github.com/hyperlab-be/ralph/internal/config"
)

// runInitGlobalConfig implements the `--init` root flag (spec §6): it seeds
// the user-scoped config directory with a default config.toml and the
// sockets/ subdirectory, adapted from the teacher's project-scoped `init`
// subcommand (see DESIGN.md).
func runInitGlobalConfig() error {
	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("creating config directories: %w", err)
	}

	path := config.GlobalConfigFile()
	if _, err := os.Stat(path); err == nil {
		printWarn(fmt.Sprintf("Global config already exists at %s", path))
		return nil
	}

	content := `[defaults]
max_iterations = 10
projects_dir = "~/Code"
backend_order = ["claude", "opencode"]

[agent]
model = "claude-sonnet-4-20250514"
max_iterations = 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing global config: %w", err)
	}

	printSuccess(fmt.Sprintf("Initialized Ralph config at %s", config.ConfigDir()))
	return nil
}
