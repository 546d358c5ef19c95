// Package config resolves Ralph's user-scoped configuration: the global
// TOML defaults file, the registry database path, and the per-loop socket
// directory. Per-project ralph.toml, worktree prefixes, and setup/cleanup
// hooks from the teacher's implementation are dropped here — Ralph has no
// project-local configuration file in this design (see DESIGN.md).
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// GlobalConfig is the contents of ~/.config/ralph/config.toml (or
// $RALPH_CONFIG_DIR/config.toml).
type GlobalConfig struct {
	Defaults DefaultsConfig          `toml:"defaults"`
	Agent    AgentConfig             `toml:"agent"`
	Backends map[string]BackendConfig `toml:"backends"`
}

// DefaultsConfig holds the fallback values applied when a loop's PRD and CLI
// flags don't otherwise specify them.
type DefaultsConfig struct {
	MaxIterations int      `toml:"max_iterations"`
	ProjectsDir   string   `toml:"projects_dir"`
	BackendOrder  []string `toml:"backend_order"`
}

// AgentConfig carries per-backend defaults (model, API key env var name,
// built-in fallback prompt).
type AgentConfig struct {
	Model         string `toml:"model"`
	MaxIterations int    `toml:"max_iterations"`
	Prompt        string `toml:"prompt"`
}

// BackendConfig carries per-backend overrides keyed by backend name
// (`[backends.claude]`, `[backends.opencode]` in config.toml): the error
// classification pattern table (spec §9 "make the error-marker set
// configurable per backend") and, for server-with-signal backends, the
// local HTTP port to talk to.
type BackendConfig struct {
	Port         int      `toml:"port"`
	AuthError    []string `toml:"auth_error_patterns"`
	RateLimit    []string `toml:"rate_limit_patterns"`
	ContextLimit []string `toml:"context_limit_patterns"`
}

// ConfigDir returns the directory holding Ralph's user-scoped state:
// config.toml, the registry database, and the sockets/ directory. Honors
// RALPH_CONFIG_DIR the same way the teacher's implementation does.
func ConfigDir() string {
	dir := os.Getenv("RALPH_CONFIG_DIR")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config", "ralph")
	}
	return dir
}

// GlobalConfigFile is the path to the global TOML config file.
func GlobalConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// RegistryFile is the path to the sqlite-backed SessionRegistry database.
func RegistryFile() string {
	return filepath.Join(ConfigDir(), "registry.db")
}

// SocketDir is the user-scoped directory holding per-loop RPC sockets. It
// must be created with 0700 permissions; individual socket files get 0600
// (spec §6 "User-scoped data directory").
func SocketDir() string {
	return filepath.Join(ConfigDir(), "sockets")
}

// EnsureDirs creates ConfigDir and SocketDir with the permissions spec §6
// requires, if they don't already exist.
func EnsureDirs() error {
	if err := os.MkdirAll(ConfigDir(), 0o700); err != nil {
		return err
	}
	return os.MkdirAll(SocketDir(), 0o700)
}

// SocketPath returns the deterministic RPC socket path for a given task
// name.
func SocketPath(taskName string) string {
	return filepath.Join(SocketDir(), taskName+".sock")
}

var defaultBackendOrder = []string{"claude", "opencode"}

// LoadGlobalConfig loads the global configuration, falling back to built-in
// defaults when the file doesn't exist.
func LoadGlobalConfig() (*GlobalConfig, error) {
	cfg := &GlobalConfig{
		Defaults: DefaultsConfig{
			MaxIterations: 10,
			ProjectsDir:   "~/Code",
			BackendOrder:  defaultBackendOrder,
		},
	}

	path := GlobalConfigFile()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if len(cfg.Defaults.BackendOrder) == 0 {
		cfg.Defaults.BackendOrder = defaultBackendOrder
	}
	return cfg, nil
}

// PromptTemplatePath resolves the prompt template search order (spec §6
// "Prompt template resolution order"): an explicit -p flag, then
// $RALPH_PROMPT, then ./prompt.md under taskDir, then a user-scoped default,
// then the empty string (caller falls back to a built-in prompt).
func PromptTemplatePath(flagPath, taskDir string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv("RALPH_PROMPT"); env != "" {
		return env
	}
	if local := filepath.Join(taskDir, "prompt.md"); fileExists(local) {
		return local
	}
	if userDefault := filepath.Join(ConfigDir(), "prompt.md"); fileExists(userDefault) {
		return userDefault
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DefaultAgent resolves $RALPH_AGENT (spec §6 "Environment variables"), the
// lowest-priority source in selectBackend's preferred-agent chain.
func DefaultAgent() string {
	return os.Getenv("RALPH_AGENT")
}

// Verbose reports whether $RALPH_VERBOSE requests verbose agent-output
// logging (spec §6).
func Verbose() bool {
	return envBool("RALPH_VERBOSE")
}

// YoloMode reports whether $YOLO_MODE is set, the environment-variable
// equivalent of `-y`/`--yes` (spec §6): skip interactive prompts and fail
// instead of blocking on stdin.
func YoloMode() bool {
	return envBool("YOLO_MODE")
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
