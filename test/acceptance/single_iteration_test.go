package acceptance_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hyperlab-be/ralph/internal/prd"
)

var _ = Describe("ralph run with a single story the agent finishes in one shot", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness("single-iteration")

		// The stub plays both roles a real `claude` invocation would: it
		// edits the PRD to mark the story done, then emits the completion
		// marker on stdout (spec §4.5 iteration steps 6-7).
		h.writeStub("claude", `
sed -i 's/"passes": false/"passes": true/' "$PWD/prd.json"
printf '%s' 'Typecheck passes
<promise>COMPLETE</promise>
'`)

		h.writePRD(&prd.PRD{
			Project:     "single-iteration",
			Description: "one story, agent finishes it",
			UserStories: []prd.Story{
				{ID: "US-001", Title: "add a feature", Priority: 1, Passes: false},
			},
		})
	})

	AfterEach(func() { h.cleanup() })

	It("exits 0 after exactly one iteration", func() {
		cmd := h.ralphCmd("run", h.taskDir, "--max-iterations", "5")
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		Expect(string(out)).To(ContainSubstring("completed"))

		p := h.loadPRD()
		Expect(p.IsComplete()).To(BeTrue())
	})
})
