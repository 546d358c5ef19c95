package acceptance_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hyperlab-be/ralph/internal/prd"
)

var _ = Describe("ralph run against an already-complete PRD", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness("trivial")
		h.writeStub("claude", "exit 0")

		h.writePRD(&prd.PRD{
			Project:     "trivial",
			Description: "already done",
			UserStories: []prd.Story{
				{ID: "US-001", Title: "already passing", Priority: 1, Passes: true},
			},
		})
	})

	AfterEach(func() { h.cleanup() })

	It("exits 0 without invoking any backend", func() {
		cmd := h.ralphCmd("run", h.taskDir, "--max-iterations", "3")
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		Expect(string(out)).To(ContainSubstring("completed"))
	})

	It("leaves the PRD's checkpoint fields untouched", func() {
		cmd := h.ralphCmd("run", h.taskDir, "--max-iterations", "3")
		_, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred())

		p := h.loadPRD()
		Expect(p.Checkpointed).To(BeFalse())
		Expect(p.LastIteration).To(Equal(0))
	})
})
