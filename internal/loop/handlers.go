package loop

import (
	"encoding/json"
	"time"

	"github.com/hyperlab-be/ralph/internal/rpc"
)

// registerHandlers wires the RPC method table (spec §4.4).
func (r *Runner) registerHandlers() {
	r.rpc.Handle("get_status", r.handleGetStatus)
	r.rpc.Handle("stop", r.handleStop)
	r.rpc.Handle("checkpoint", r.handleCheckpoint)
	r.rpc.Handle("inject_prompt", r.handleInjectPrompt)
	r.rpc.Handle("write_pty", r.handleWritePTY)
	r.rpc.Handle("set_interactive_mode", r.handleSetInteractive)
}

type statusResult struct {
	Status        string   `json:"status"`
	Reason        string   `json:"reason"`
	RunID         string   `json:"runId"`
	Iteration     int      `json:"iteration"`
	MaxIterations int      `json:"maxIterations"`
	Backend       string   `json:"backend"`
	RecentOutput  []string `json:"recentOutput"`
}

func (r *Runner) handleGetStatus(_ json.RawMessage) (any, *rpc.Error) {
	backendName := ""
	r.mu.Lock()
	if r.currentBackend != nil {
		backendName = r.currentBackend.Name()
	}
	r.mu.Unlock()

	return statusResult{
		Status:        string(r.State()),
		Reason:        r.reason,
		RunID:         r.runID,
		Iteration:     r.iteration,
		MaxIterations: r.cfg.MaxIterations,
		Backend:       backendName,
		RecentOutput:  r.RecentOutput(),
	}, nil
}

func (r *Runner) handleStop(_ json.RawMessage) (any, *rpc.Error) {
	r.RequestStop()
	return map[string]string{"status": "stop_requested"}, nil
}

func (r *Runner) handleCheckpoint(_ json.RawMessage) (any, *rpc.Error) {
	r.RequestCheckpoint()
	return map[string]string{"status": "checkpoint_requested"}, nil
}

type injectPromptParams struct {
	Prompt string `json:"prompt"`
}

func (r *Runner) handleInjectPrompt(raw json.RawMessage) (any, *rpc.Error) {
	var params injectPromptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}
	r.InjectPrompt(params.Prompt)
	return map[string]string{"status": "prompt_injected", "prompt": params.Prompt}, nil
}

type writePTYParams struct {
	Data string `json:"data"`
}

func (r *Runner) handleWritePTY(raw json.RawMessage) (any, *rpc.Error) {
	var params writePTYParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}
	if !r.ctrl.ForwardInput([]byte(params.Data)) {
		return map[string]string{"status": "ignored", "reason": "not in interactive mode"}, nil
	}
	return map[string]string{"status": "forwarded"}, nil
}

type setInteractiveParams struct {
	Enabled bool `json:"enabled"`
}

// handleSetInteractive proxies to the InteractiveController and broadcasts
// the mode change as a state_change event (spec §8 scenario 4).
func (r *Runner) handleSetInteractive(raw json.RawMessage) (any, *rpc.Error) {
	var params setInteractiveParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}
	r.ctrl.SetMode(params.Enabled)
	if r.rpc != nil {
		r.rpc.Broadcast("event", map[string]any{
			"type":      "state_change",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"data":      map[string]any{"interactive_mode": params.Enabled},
		})
	}
	return map[string]bool{"interactive_mode": params.Enabled}, nil
}
