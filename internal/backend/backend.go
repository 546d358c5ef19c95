// Package backend implements the AgentBackend abstraction: the pluggable
// boundary between the loop runner and whichever coding-agent CLI is
// actually doing the work (spec §4.2 "AgentBackend").
package backend

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/hyperlab-be/ralph/internal/ptyio"
)

// Outcome categorizes how an iteration ended, driving failover decisions
// (spec §7 "Agent-invocation errors").
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeAuthError     Outcome = "authError"
	OutcomeRateLimit     Outcome = "rateLimit"
	OutcomeContextLimit  Outcome = "contextLimit"
	OutcomeUnknownError  Outcome = "unknownError"
)

// IterationConfig carries everything needed to spawn one iteration (spec
// §4.2 "spawnIteration").
type IterationConfig struct {
	Prompt      string
	WorkDir     string
	Env         []string
	Interactive bool
	// OnLine is invoked once per line of raw PTY output as it arrives.
	OnLine func(line string)
}

// Result is what spawnIteration settles to once completion fires.
type Result struct {
	Outcome Outcome
	Detail  string
}

// AgentBackend is one coding-agent CLI Ralph knows how to drive.
type AgentBackend interface {
	// Name is the stable identifier stored in PRD.Agent / SessionRecord.Agent.
	Name() string
	// DisplayName is the human-readable label for status output.
	DisplayName() string
	// IsAvailable reports whether the backend's CLI is on PATH (and, where
	// applicable, its auth/config prerequisites are met).
	IsAvailable() bool
	// Spawn launches one iteration and blocks until completion fires,
	// returning the categorized outcome. ctx cancellation requests a clean
	// stop (used by checkpoint/stop handling).
	Spawn(ctx context.Context, cfg IterationConfig) (*ptyio.Handle, <-chan Result, error)
}

// LookPath reports whether name resolves on PATH — shared by every
// backend's IsAvailable, grounded on the teacher's doctor.go availability
// checks.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// ErrUnknownBackend is returned by Get for an unrecognized backend name.
var ErrUnknownBackend = fmt.Errorf("unknown backend")

// Get returns the backend registered under name.
func Get(name string) (AgentBackend, error) {
	switch name {
	case "claude":
		return NewClaude(), nil
	case "opencode":
		return NewOpenCode(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// FallbackOrder builds the ordered list of available backends per spec §4.3
// step 6: preferred first, then every other available backend in order
// priority names them.
func FallbackOrder(preferred string, order []string) []AgentBackend {
	seen := map[string]bool{}
	var names []string
	if preferred != "" {
		names = append(names, preferred)
		seen[preferred] = true
	}
	for _, n := range order {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}

	var out []AgentBackend
	for _, n := range names {
		b, err := Get(n)
		if err != nil || !b.IsAvailable() {
			continue
		}
		out = append(out, b)
	}
	return out
}
