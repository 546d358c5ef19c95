package backend

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hyperlab-be/ralph/internal/ptyio"
)

// ClaudeBackend drives the `claude` CLI. Completion is detected by the
// child process exiting after streaming its NDJSON (or plain text) payload
// to the PTY — there is no separate signal file (spec §4.2, "Claude").
type ClaudeBackend struct{}

// NewClaude constructs a ClaudeBackend.
func NewClaude() *ClaudeBackend { return &ClaudeBackend{} }

func (b *ClaudeBackend) Name() string        { return "claude" }
func (b *ClaudeBackend) DisplayName() string { return "Claude Code" }

func (b *ClaudeBackend) IsAvailable() bool {
	return LookPath("claude")
}

func (b *ClaudeBackend) Spawn(ctx context.Context, cfg IterationConfig) (*ptyio.Handle, <-chan Result, error) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose", cfg.Prompt}
	if cfg.Interactive {
		args = []string{}
	}

	h, err := ptyio.Spawn(ptyio.Config{
		Path: "claude",
		Args: args,
		Dir:  cfg.WorkDir,
		Env:  cfg.Env,
	})
	if err != nil {
		return nil, nil, err
	}

	results := make(chan Result, 1)
	go b.stream(ctx, h, cfg, results)
	return h, results, nil
}

// stream reads lines from the PTY, forwards each raw line to cfg.OnLine,
// and accumulates the final payload text used for classification once the
// child process exits.
func (b *ClaudeBackend) stream(ctx context.Context, h *ptyio.Handle, cfg IterationConfig, results chan<- Result) {
	lr := ptyio.NewLineReader(h.Master())
	var lastText strings.Builder

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		for {
			line, err := lr.ReadLine()
			if err != nil {
				return
			}
			lineCh <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			results <- Result{Outcome: OutcomeUnknownError, Detail: "context canceled"}
			return
		case line, ok := <-lineCh:
			if !ok {
				payload := lastText.String()
				results <- Result{Outcome: claudePatterns.classify(payload), Detail: payload}
				return
			}
			if cfg.OnLine != nil {
				cfg.OnLine(line)
			}
			if text := extractStreamText(line); text != "" {
				lastText.Reset()
				lastText.WriteString(text)
			} else {
				lastText.WriteString(line)
				lastText.WriteString("\n")
			}
		}
	}
}

// streamEvent is the subset of Claude's stream-json NDJSON shape Ralph
// cares about: the final assistant message text, used for outcome
// classification.
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result string `json:"result"`
}

func extractStreamText(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] != '{' {
		return ""
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return ""
	}
	if ev.Result != "" {
		return ev.Result
	}
	var b strings.Builder
	for _, c := range ev.Message.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}
