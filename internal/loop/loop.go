// Package loop implements the LoopRunner: the state machine that turns a
// prepared PRD into a running autonomous coding loop, owning the PTY
// master, the RPC server, and the SessionRecord row (spec §4.5).
package loop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperlab-be/ralph/internal/backend"
	"github.com/hyperlab-be/ralph/internal/config"
	"github.com/hyperlab-be/ralph/internal/interactive"
	"github.com/hyperlab-be/ralph/internal/prd"
	"github.com/hyperlab-be/ralph/internal/progresslog"
	"github.com/hyperlab-be/ralph/internal/registry"
	"github.com/hyperlab-be/ralph/internal/rpc"
)

// State is one of the LoopRunner's state-machine states (spec §4.5).
type State string

const (
	StateInitializing  State = "initializing"
	StateIterating     State = "iterating"
	StateCheckpointed  State = "checkpointed"
	StateStopped       State = "stopped"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// IsTerminal reports whether s is one of the four terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case StateCheckpointed, StateStopped, StateCompleted, StateFailed:
		return true
	}
	return false
}

const (
	defaultGracePeriod   = 5 * time.Second
	defaultIterationRest = 2 * time.Second
	defaultMaxRecent     = 200
)

// Config prepares one invocation of the LoopRunner (spec §6 "run").
type Config struct {
	TaskDir        string
	MaxIterations  int
	AgentFlag      string
	PromptFlag     string
	ModelFlag      string
	Foreground     bool
	NonInteractive bool
	Verbose        bool
	GlobalConfig   *config.GlobalConfig
}

// Runner drives one loop from Initializing through to a terminal state.
type Runner struct {
	cfg      Config
	reg      *registry.Registry
	rpc      *rpc.Server
	ctrl     *interactive.Controller

	mu            sync.Mutex
	state         State
	reason        string
	iteration     int
	taskName      string
	runID         string
	currentBackend backend.AgentBackend
	recentOutput  []string
	stopRequested bool
	checkpointRequested bool
	injectPrompt  string

	activeHandle interface{ Close() error }
	cancelIter   context.CancelFunc
}

// New prepares a Runner for cfg. It does not yet touch disk.
func New(cfg Config, reg *registry.Registry) *Runner {
	return &Runner{
		cfg:   cfg,
		reg:   reg,
		ctrl:  interactive.New(),
		state: StateInitializing,
	}
}

// Start runs Initialization then the iteration loop to completion (spec
// §4.5 "start(config)"). It blocks until the loop reaches a terminal state.
func (r *Runner) Start(ctx context.Context) (State, error) {
	if err := r.initialize(); err != nil {
		return "", err
	}

	go r.rpc.Serve()

	finalState := r.runIterations(ctx)
	return finalState, nil
}

func (r *Runner) taskNameFor(taskDir string) string {
	return filepath.Base(strings.TrimRight(taskDir, string(filepath.Separator)))
}

// initialize performs spec §4.5 Initialization steps 1-8.
func (r *Runner) initialize() error {
	p, err := prd.Load(r.cfg.TaskDir)
	if err != nil {
		return fmt.Errorf("loading PRD: %w", err)
	}

	resumeFrom := 1
	if p.Checkpointed {
		resumeFrom = p.LastIteration + 1
		p.Checkpointed = false
		p.LastIteration = 0
		p.CheckpointReason = ""
		if err := prd.Save(r.cfg.TaskDir, p); err != nil {
			return fmt.Errorf("clearing checkpoint fields: %w", err)
		}
	}
	r.iteration = resumeFrom

	if err := r.ensureBranch(p.BranchName); err != nil {
		return fmt.Errorf("preparing branch %q: %w", p.BranchName, err)
	}

	if err := progresslog.Ensure(r.cfg.TaskDir); err != nil {
		return fmt.Errorf("initializing progress log: %w", err)
	}

	backend.Configure(r.cfg.GlobalConfig)

	be, order, err := r.selectBackend(p)
	if err != nil {
		return err
	}
	r.currentBackend = be
	_ = order

	r.taskName = r.taskNameFor(r.cfg.TaskDir)
	r.runID = uuid.NewString()
	if err := progresslog.Append(r.cfg.TaskDir, progresslog.DefaultRotateThreshold, fmt.Sprintf("run %s started (agent=%s, resume from iteration %d)", r.runID, be.Name(), r.iteration)); err != nil {
		return fmt.Errorf("logging run start: %w", err)
	}
	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("preparing config directories: %w", err)
	}
	socketPath := config.SocketPath(r.taskName)
	r.rpc = rpc.NewServer(socketPath)
	r.registerHandlers()
	if err := r.rpc.Listen(); err != nil {
		return fmt.Errorf("opening rpc socket: %w", err)
	}

	rec := registry.Record{
		TaskName:      r.taskName,
		TaskDir:       r.cfg.TaskDir,
		Agent:         be.Name(),
		Status:        registry.StatusRunning,
		MaxIterations: r.cfg.MaxIterations,
		LastIteration: r.iteration - 1,
		PID:           os.Getpid(),
		SocketPath:    socketPath,
	}
	if err := r.reg.Upsert(rec, false); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}

	r.setState(StateIterating, "")
	return nil
}

// selectBackend implements spec §4.5 Initialization step 5-6: CLI flag >
// PRD's stored agent > $RALPH_AGENT > configured default order.
func (r *Runner) selectBackend(p *prd.PRD) (backend.AgentBackend, []backend.AgentBackend, error) {
	preferred := r.cfg.AgentFlag
	if preferred == "" {
		preferred = p.Agent
	}
	if preferred == "" {
		preferred = config.DefaultAgent()
	}

	order := defaultBackendOrder(r.cfg.GlobalConfig)
	fallback := backend.FallbackOrder(preferred, order)
	if len(fallback) == 0 {
		return nil, nil, fmt.Errorf("no available agent backend (tried %v)", append([]string{preferred}, order...))
	}
	return fallback[0], fallback, nil
}

func defaultBackendOrder(gc *config.GlobalConfig) []string {
	if gc != nil && len(gc.Defaults.BackendOrder) > 0 {
		return gc.Defaults.BackendOrder
	}
	return []string{"claude", "opencode"}
}

// ensureBranch implements spec §4.5 Initialization step 3.
func (r *Runner) ensureBranch(branchName string) error {
	if branchName == "" {
		return nil
	}
	repoDir := filepath.Dir(r.cfg.TaskDir)

	if err := runGit(repoDir, "rev-parse", "--verify", branchName); err == nil {
		return runGit(repoDir, "checkout", branchName)
	}
	return runGit(repoDir, "checkout", "-b", branchName)
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// setState transitions the state machine, forbidding backward moves out of
// a terminal state (spec §8 "status transitions only forward").
func (r *Runner) setState(s State, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return
	}
	r.state = s
	r.reason = reason
	if r.rpc != nil {
		r.rpc.Broadcast("event", map[string]any{
			"type":      "state_change",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      map[string]any{"status": string(s), "reason": reason},
		})
	}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// runIterations drives spec §4.5's iteration loop from r.iteration up to
// cfg.MaxIterations, inclusive. cfg.MaxIterations<=0 means the loop reconciles
// the PRD exactly once (no agent iteration is spawned) and then transitions
// to Completed or Failed("max_iterations") depending on whether it was
// already done.
func (r *Runner) runIterations(ctx context.Context) State {
	for {
		if final, stop := r.gateChecks(); stop {
			return final
		}

		p, err := prd.Load(r.cfg.TaskDir)
		if err != nil {
			r.fail("prd_read_error")
			return StateFailed
		}
		if p.IsComplete() {
			r.setState(StateCompleted, "")
			r.persistStatus(registry.StatusCompleted, "")
			r.performMergeIfConfigured(p)
			return StateCompleted
		}

		if r.cfg.MaxIterations <= 0 || r.iteration > r.cfg.MaxIterations {
			r.fail("max_iterations")
			return StateFailed
		}

		story := prd.NextStory(p)
		if story == nil {
			pending := prd.PendingDecisions(p)
			if len(pending) > 0 {
				r.checkpoint("awaiting_decision", p)
				return StateCheckpointed
			}
			// nothing eligible and nothing pending: nothing more this
			// runner can do productively.
			r.checkpoint("no_eligible_story", p)
			return StateCheckpointed
		}

		outcome := r.runOneIteration(ctx, p, story)
		if outcome == backend.OutcomeSuccess {
			// candidate completion handled inside runOneIteration via PRD
			// reconciliation; nothing further to do here.
		}

		r.iteration++
		r.persistStatus(registry.StatusRunning, "")
		time.Sleep(defaultIterationRest)
	}
}

// gateChecks implements spec §4.5 iteration step 1.
func (r *Runner) gateChecks() (State, bool) {
	r.mu.Lock()
	stopReq := r.stopRequested
	cpReq := r.checkpointRequested
	r.mu.Unlock()

	if stopReq {
		r.setState(StateStopped, "stop_requested")
		r.persistStatus(registry.StatusStopped, "stop_requested")
		return StateStopped, true
	}
	if cpReq {
		p, err := prd.Load(r.cfg.TaskDir)
		if err == nil {
			r.checkpoint("checkpoint_requested", p)
		} else {
			r.setState(StateCheckpointed, "checkpoint_requested")
			r.persistStatus(registry.StatusCheckpointed, "checkpoint_requested")
		}
		return StateCheckpointed, true
	}
	return "", false
}

// runOneIteration implements spec §4.5 iteration steps 4-9 for a single
// selected story.
func (r *Runner) runOneIteration(ctx context.Context, p *prd.PRD, story *prd.Story) backend.Outcome {
	prompt := r.assemblePrompt(p, story)

	if err := progresslog.Append(r.cfg.TaskDir, 0, fmt.Sprintf("iteration %d: story %s", r.iteration, story.ID)); err != nil {
		progresslog.Ensure(r.cfg.TaskDir)
	}

	fallback := backend.FallbackOrder(r.currentBackend.Name(), defaultBackendOrder(r.cfg.GlobalConfig))
	var lastOutcome backend.Outcome = backend.OutcomeUnknownError
	var lastPayload string

	for _, be := range fallback {
		iterCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.cancelIter = cancel
		r.mu.Unlock()

		handle, results, err := be.Spawn(iterCtx, backend.IterationConfig{
			Prompt:  prompt,
			WorkDir: r.cfg.TaskDir,
			OnLine:  r.onOutputLine,
		})
		if err != nil {
			cancel()
			continue
		}
		r.mu.Lock()
		r.activeHandle = handle
		r.ctrl.Attach(handle)
		r.mu.Unlock()

		res := <-results
		cancel()
		r.mu.Lock()
		r.activeHandle = nil
		r.ctrl.Attach(nil)
		r.mu.Unlock()

		if r.ctrl.ShouldSuppressCompletion() {
			continue
		}

		lastOutcome = res.Outcome
		lastPayload = res.Detail
		if res.Outcome == backend.OutcomeSuccess {
			r.currentBackend = be
			break
		}
	}

	if lastOutcome != backend.OutcomeSuccess {
		return lastOutcome
	}

	r.inspectCompletionSignal(lastPayload)
	return lastOutcome
}

func (r *Runner) onOutputLine(line string) {
	r.mu.Lock()
	r.recentOutput = append(r.recentOutput, line)
	if len(r.recentOutput) > defaultMaxRecent {
		r.recentOutput = r.recentOutput[len(r.recentOutput)-defaultMaxRecent:]
	}
	r.mu.Unlock()
	if r.cfg.Verbose {
		fmt.Fprintln(os.Stderr, line)
	}
	if r.rpc != nil {
		r.rpc.Broadcast("event", map[string]any{
			"type":      "output",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      map[string]string{"line": line},
		})
	}
}

const completionMarker = "<promise>COMPLETE</promise>"

var errorMarkers = []string{`"is_error":true`, "error_during_execution", `"subtype":"error"`}

// inspectCompletionSignal implements spec §4.5 iteration step 7-8.
func (r *Runner) inspectCompletionSignal(payload string) {
	if !strings.Contains(payload, completionMarker) {
		return
	}
	for _, marker := range errorMarkers {
		if strings.Contains(payload, marker) {
			return
		}
	}

	p, err := prd.Load(r.cfg.TaskDir)
	if err != nil {
		return
	}
	if p.IsComplete() {
		r.setState(StateCompleted, "")
		r.persistStatus(registry.StatusCompleted, "")
		r.performMergeIfConfigured(p)
	} else {
		progresslog.Append(r.cfg.TaskDir, 0, "warning: agent signaled completion but stories remain unfinished")
	}
}

// assemblePrompt implements spec §4.5 iteration step 4.
func (r *Runner) assemblePrompt(p *prd.PRD, story *prd.Story) string {
	templatePath := config.PromptTemplatePath(r.cfg.PromptFlag, r.cfg.TaskDir)
	template := builtinPrompt
	if templatePath != "" {
		if data, err := os.ReadFile(templatePath); err == nil {
			template = string(data)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task directory: %s\n", r.cfg.TaskDir)
	fmt.Fprintf(&b, "PRD path: %s\n", prd.Path(r.cfg.TaskDir))
	fmt.Fprintf(&b, "Progress log: %s\n\n", progresslog.Path(r.cfg.TaskDir))
	b.WriteString(template)

	r.mu.Lock()
	inject := r.injectPrompt
	r.injectPrompt = ""
	r.mu.Unlock()
	if inject != "" {
		fmt.Fprintf(&b, "\n\n%s\n", inject)
	}

	fmt.Fprintf(&b, "\n\nCurrent story: %s — %s\n", story.ID, story.Title)
	return b.String()
}

const builtinPrompt = "Work through the next eligible story in the PRD. When every story passes, emit <promise>COMPLETE</promise>."

// checkpoint implements spec §4.5 "Checkpoint semantics".
func (r *Runner) checkpoint(reason string, p *prd.PRD) {
	done, total := p.Progress()
	storyTitle := ""
	if s := prd.NextStory(p); s != nil {
		storyTitle = s.Title
	}
	backendName := ""
	if r.currentBackend != nil {
		backendName = r.currentBackend.Name()
	}

	block := fmt.Sprintf(
		"checkpoint: iteration %d/%d, %d/%d stories complete, story=%q, backend=%s, reason=%s",
		r.iteration, r.cfg.MaxIterations, done, total, storyTitle, backendName, reason)
	progresslog.Append(r.cfg.TaskDir, 0, block)

	p.Checkpointed = true
	p.LastIteration = r.iteration
	p.CheckpointReason = reason
	prd.Save(r.cfg.TaskDir, p)

	r.setState(StateCheckpointed, reason)
	r.persistStatus(registry.StatusCheckpointed, reason)
}

func (r *Runner) fail(reason string) {
	r.setState(StateFailed, reason)
	r.persistStatus(registry.StatusFailed, reason)
}

func (r *Runner) persistStatus(status registry.Status, reason string) {
	if r.reg == nil {
		return
	}
	rec, err := r.reg.Get(r.taskName)
	if err != nil || rec == nil {
		return
	}
	rec.Status = status
	rec.Reason = reason
	rec.LastIteration = r.iteration - 1
	for attempt := 0; attempt < 5; attempt++ {
		if err := r.reg.Upsert(*rec, true); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
}

// performMergeIfConfigured implements spec §6 "Merge target".
func (r *Runner) performMergeIfConfigured(p *prd.PRD) {
	if p.MergeTarget == "" {
		return
	}
	repoDir := filepath.Dir(r.cfg.TaskDir)
	if !p.AutoMerge {
		progresslog.Append(r.cfg.TaskDir, 0, fmt.Sprintf("ready to merge into %s", p.MergeTarget))
		return
	}
	if err := runGit(repoDir, "checkout", p.MergeTarget); err != nil {
		progresslog.Append(r.cfg.TaskDir, 0, "merge failed: "+err.Error())
		return
	}
	if err := runGit(repoDir, "merge", "--no-edit", p.BranchName); err != nil {
		progresslog.Append(r.cfg.TaskDir, 0, "merge failed: "+err.Error())
		return
	}
	progresslog.Append(r.cfg.TaskDir, 0, fmt.Sprintf("merged %s into %s", p.BranchName, p.MergeTarget))
}

// RequestStop sets the stop flag (spec §5 "Cancellation and timeouts").
func (r *Runner) RequestStop() {
	r.mu.Lock()
	r.stopRequested = true
	handle := r.activeHandle
	r.mu.Unlock()
	if handle != nil {
		r.terminateWithGrace(handle)
	}
}

func (r *Runner) terminateWithGrace(handle interface{ Close() error }) {
	r.mu.Lock()
	cancel := r.cancelIter
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	time.AfterFunc(defaultGracePeriod, func() {
		handle.Close()
	})
}

// RequestCheckpoint sets the checkpoint flag, honored at the next iteration
// boundary.
func (r *Runner) RequestCheckpoint() {
	r.mu.Lock()
	r.checkpointRequested = true
	r.mu.Unlock()
}

// InjectPrompt stages text to be appended to the next iteration's prompt.
func (r *Runner) InjectPrompt(text string) {
	r.mu.Lock()
	r.injectPrompt = text
	r.mu.Unlock()
}

// RecentOutput returns a snapshot of the tail output buffer.
func (r *Runner) RecentOutput() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.recentOutput))
	copy(out, r.recentOutput)
	return out
}

// Controller exposes the InteractiveController for RPC write_pty handling.
func (r *Runner) Controller() *interactive.Controller { return r.ctrl }
