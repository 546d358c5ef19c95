package acceptance_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hyperlab-be/ralph/internal/prd"
)

var _ = Describe("ralph run with no eligible story but a pending decision gate", func() {
	var h *harness
	const taskName = "decision-gate-pending"

	BeforeEach(func() {
		h = newHarness(taskName)
		h.writeStub("claude", "exit 0")

		h.writePRD(&prd.PRD{
			Project:     taskName,
			Description: "US-011-A waits on a pending decision",
			UserStories: []prd.Story{
				{ID: "US-010", Title: "prerequisite", Priority: 1, Passes: true},
				{
					ID: "US-010-DECIDE", Title: "pick an approach", Priority: 2,
					Passes: false, Type: "decision-gate",
					DecisionConfig: &prd.DecisionConfig{
						Slug:      "approach",
						InputFile: "decisions/approach.md",
						Status:    prd.DecisionPending,
					},
				},
				{ID: "US-011-A", Title: "depends on the decision", Priority: 3, Passes: false, BlockedBy: []string{"US-010-DECIDE"}},
			},
		})
	})

	AfterEach(func() { h.cleanup() })

	It("checkpoints with reason awaiting_decision and exits 0", func() {
		cmd := h.ralphCmd("run", h.taskDir, "--max-iterations", "5")
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(out))
		Expect(string(out)).To(ContainSubstring("checkpointed"))

		p := h.loadPRD()
		Expect(p.Checkpointed).To(BeTrue())
		Expect(p.CheckpointReason).To(Equal("awaiting_decision"))
		Expect(p.FindStory("US-011-A").Passes).To(BeFalse())
	})
})
