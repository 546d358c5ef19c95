package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/hyperlab-be/ralph/internal/ptyio"
)

// openCodePort is the local port the opencode server binds its HTTP API to;
// overridable via `[backends.opencode] port = ...` (config.Configure).
var openCodePort = 4096

// OpenCodeBackend drives the `opencode` CLI in server mode: it starts an
// HTTP server and signals iteration completion by atomically writing (then
// renaming) a small idle-signal file into the work directory, rather than
// exiting (spec §4.2, "server-with-signal").
type OpenCodeBackend struct{}

// NewOpenCode constructs an OpenCodeBackend.
func NewOpenCode() *OpenCodeBackend { return &OpenCodeBackend{} }

func (b *OpenCodeBackend) Name() string        { return "opencode" }
func (b *OpenCodeBackend) DisplayName() string { return "OpenCode" }

func (b *OpenCodeBackend) IsAvailable() bool {
	return LookPath("opencode")
}

const signalFileName = ".ralph-opencode-signal.json"

func (b *OpenCodeBackend) Spawn(ctx context.Context, cfg IterationConfig) (*ptyio.Handle, <-chan Result, error) {
	signalPath := filepath.Join(cfg.WorkDir, signalFileName)
	os.Remove(signalPath)

	// The signal path and session id are communicated to the agent's runtime
	// via environment variables (spec §4.2, spec §6 "Environment variables").
	sessionID := uuid.NewString()
	env := append(append([]string{}, cfg.Env...),
		"RALPH_SIGNAL_FILE="+signalPath,
		"RALPH_SESSION_ID="+sessionID,
	)

	h, err := ptyio.Spawn(ptyio.Config{
		Path: "opencode",
		Args: []string{"serve", "--port", strconv.Itoa(openCodePort), "--prompt", cfg.Prompt},
		Dir:  cfg.WorkDir,
		Env:  env,
	})
	if err != nil {
		return nil, nil, err
	}

	go b.createSession(sessionID, cfg.Prompt)

	results := make(chan Result, 1)
	go b.forwardOutput(h, cfg)
	go b.watchSignal(ctx, h, signalPath, results)
	return h, results, nil
}

// createSession POSTs to the opencode server's local HTTP API to create the
// session the spawned process works under (spec §4.2 "submits a request
// that creates a session"). Best-effort and retried: the server takes a
// moment to bind its port after the child process starts, and the agent's
// own runtime discovers its session via RALPH_SESSION_ID regardless of
// whether this bookkeeping call lands, so a failure here never fails the
// iteration (spec §5 "the LoopRunner never lets an agent-side error kill
// the supervisor").
func (b *OpenCodeBackend) createSession(sessionID, prompt string) {
	body, err := json.Marshal(map[string]string{"id": sessionID, "prompt": prompt})
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/session", openCodePort)
	client := &http.Client{Timeout: 2 * time.Second}
	for attempt := 0; attempt < 5; attempt++ {
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (b *OpenCodeBackend) forwardOutput(h *ptyio.Handle, cfg IterationConfig) {
	lr := ptyio.NewLineReader(h.Master())
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return
		}
		if cfg.OnLine != nil {
			cfg.OnLine(line)
		}
	}
}

// watchSignal waits for signalPath to appear (written atomically elsewhere
// via write-then-rename) or for the child process to exit on its own, and
// falls back to polling if the filesystem watch can't be installed (spec
// §4.2 "poll fallback").
func (b *OpenCodeBackend) watchSignal(ctx context.Context, h *ptyio.Handle, signalPath string, results chan<- Result) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(signalPath)); werr == nil {
			b.watchWithNotify(ctx, h, signalPath, watcher, results)
			return
		}
	}
	b.watchWithPoll(ctx, h, signalPath, results)
}

func (b *OpenCodeBackend) watchWithNotify(ctx context.Context, h *ptyio.Handle, signalPath string, watcher *fsnotify.Watcher, results chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			results <- Result{Outcome: OutcomeUnknownError, Detail: "context canceled"}
			return
		case <-h.Done():
			results <- Result{Outcome: OutcomeUnknownError, Detail: "process exited before signaling completion"}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name == signalPath && (ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0) {
				results <- b.classifySignal(signalPath)
				return
			}
		case <-watcher.Errors:
			b.watchWithPoll(ctx, h, signalPath, results)
			return
		}
	}
}

func (b *OpenCodeBackend) watchWithPoll(ctx context.Context, h *ptyio.Handle, signalPath string, results chan<- Result) {
	ticker := pollTicker()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			results <- Result{Outcome: OutcomeUnknownError, Detail: "context canceled"}
			return
		case <-h.Done():
			results <- Result{Outcome: OutcomeUnknownError, Detail: "process exited before signaling completion"}
			return
		case <-ticker.C:
			if _, err := os.Stat(signalPath); err == nil {
				results <- b.classifySignal(signalPath)
				return
			}
		}
	}
}

func (b *OpenCodeBackend) classifySignal(signalPath string) Result {
	data, err := os.ReadFile(signalPath)
	if err != nil {
		return Result{Outcome: OutcomeUnknownError, Detail: err.Error()}
	}
	payload := string(data)
	return Result{Outcome: openCodePatterns.classify(payload), Detail: payload}
}

// WriteSignal atomically publishes the idle-signal file an external harness
// (or a test double standing in for the real opencode CLI) uses to report
// completion: write to a temp file, then rename into place.
func WriteSignal(workDir string, payload string) error {
	target := filepath.Join(workDir, signalFileName)
	tmp := target + ".tmp-" + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, []byte(payload), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func pollTicker() *time.Ticker {
	return time.NewTicker(250 * time.Millisecond)
}
