package acceptance_test

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hyperlab-be/ralph/internal/prd"
	"github.com/hyperlab-be/ralph/internal/rpc"
)

// eventObserver drains a Client's event stream into a small set of flags a
// test can poll with Eventually, since only one goroutine may read a given
// Notification channel.
type eventObserver struct {
	mu               sync.Mutex
	sawInteractiveOn bool
	sawEcho          bool
}

func newEventObserver(events <-chan rpc.Notification) *eventObserver {
	o := &eventObserver{}
	go func() {
		for note := range events {
			if note.Method != "event" {
				continue
			}
			var payload struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			raw, err := json.Marshal(note.Params)
			if err != nil || json.Unmarshal(raw, &payload) != nil {
				continue
			}
			o.mu.Lock()
			switch payload.Type {
			case "state_change":
				var data struct {
					InteractiveMode *bool `json:"interactive_mode"`
				}
				if json.Unmarshal(payload.Data, &data) == nil && data.InteractiveMode != nil && *data.InteractiveMode {
					o.sawInteractiveOn = true
				}
			case "output":
				var data struct {
					Line string `json:"line"`
				}
				if json.Unmarshal(payload.Data, &data) == nil && strings.Contains(data.Line, "hello-from-operator") {
					o.sawEcho = true
				}
			}
			o.mu.Unlock()
		}
	}()
	return o
}

func (o *eventObserver) interactiveOn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sawInteractiveOn
}

func (o *eventObserver) echoed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sawEcho
}

var _ = Describe("interactive takeover suppresses completion until released", func() {
	var h *harness
	const taskName = "interactive-drive"

	BeforeEach(func() {
		h = newHarness(taskName)

		// Waits for a go-ahead file before exiting, echoing one input line
		// in the meantime so the test can observe forwarded keystrokes.
		h.writeStub("claude", `
printf 'ready\n'
read line
printf 'echo:%s\n' "$line"
while [ ! -f "$PWD/.go-ahead" ]; do sleep 0.1; done
rm -f "$PWD/.go-ahead"
`)

		h.writePRD(&prd.PRD{
			Project:     taskName,
			Description: "drive the agent by hand for one idle cycle",
			UserStories: []prd.Story{
				{ID: "US-001", Title: "operator-assisted story", Priority: 1, Passes: false},
			},
		})
	})

	AfterEach(func() { h.cleanup() })

	It("forwards keystrokes and suppresses the exit as a completion while interactive", func() {
		runCmd := h.ralphCmd("run", h.taskDir, "--max-iterations", "5")
		Expect(runCmd.Start()).To(Succeed())
		defer func() {
			if runCmd.Process != nil {
				runCmd.Process.Kill()
			}
		}()

		socketPath := filepath.Join(h.configDir, "sockets", taskName+".sock")
		var client *rpc.Client
		Eventually(func() error {
			c, err := rpc.Dial(socketPath)
			if err != nil {
				return err
			}
			client = c
			return nil
		}, 5*time.Second, 50*time.Millisecond).Should(Succeed())
		defer client.Close()

		Expect(client.Notify("subscribe", nil)).To(Succeed())
		obs := newEventObserver(client.Events())

		Expect(client.Notify("set_interactive_mode", map[string]bool{"enabled": true})).To(Succeed())
		Eventually(obs.interactiveOn, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

		Expect(client.Notify("write_pty", map[string]string{"data": "hello-from-operator\n"})).To(Succeed())
		Eventually(obs.echoed, 5*time.Second, 20*time.Millisecond).Should(BeTrue())

		// Rewrite the stub for the iteration that will follow release, then
		// let the current one idle-exit *while still interactive*: this
		// exit must be suppressed, not treated as iteration completion.
		h.writeStub("claude", `
sed -i 's/"passes": false/"passes": true/' "$PWD/prd.json"
printf '%s' 'done
<promise>COMPLETE</promise>
'`)
		writeFile(filepath.Join(h.taskDir, ".go-ahead"), "")
		time.Sleep(700 * time.Millisecond)

		// Release interactive mode: suppression clears, and the next
		// completion signal (from the freshly-rewritten stub) advances the
		// iteration for real.
		Expect(client.Notify("set_interactive_mode", map[string]bool{"enabled": false})).To(Succeed())

		Expect(runCmd.Wait()).To(Succeed())

		p := h.loadPRD()
		Expect(p.IsComplete()).To(BeTrue())
	})
})
