package acceptance_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hyperlab-be/ralph/internal/prd"
)

var _ = Describe("ralph run falling over to a second backend after an auth error", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness("failover")

		// claude always fails with an auth error; opencode picks up the
		// iteration and signals success via the idle-signal file (spec
		// §4.2 "server-with-signal", spec §7 failover on authError).
		h.writeStub("claude", `printf '%s' 'Error: Invalid API key provided\n'`)
		h.writeStub("opencode", `
sed -i 's/"passes": false/"passes": true/' "$PWD/prd.json"
tmp="$PWD/.ralph-opencode-signal.json.tmp-$$"
printf '%s' 'done' > "$tmp"
mv "$tmp" "$PWD/.ralph-opencode-signal.json"
sleep 2
`)

		h.writePRD(&prd.PRD{
			Project:     "failover",
			Description: "claude fails auth, opencode finishes",
			Agent:       "claude",
			UserStories: []prd.Story{
				{ID: "US-001", Title: "needs a working backend", Priority: 1, Passes: false},
			},
		})
	})

	AfterEach(func() { h.cleanup() })

	It("completes via opencode after claude's auth error", func() {
		cmd := h.ralphCmd("run", h.taskDir, "--max-iterations", "5")
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		Expect(string(out)).To(ContainSubstring("completed"))

		p := h.loadPRD()
		Expect(p.IsComplete()).To(BeTrue())
	})
})
