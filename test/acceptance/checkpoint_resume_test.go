package acceptance_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hyperlab-be/ralph/internal/prd"
)

var _ = Describe("ralph checkpoint mid-loop, then resume", func() {
	var h *harness
	const taskName = "checkpoint-resume"

	BeforeEach(func() {
		h = newHarness(taskName)

		// First run: the agent takes its time and never signals
		// completion, giving the test a window to request a checkpoint.
		h.writeStub("claude", `sleep 3; printf 'working...\n'`)

		h.writePRD(&prd.PRD{
			Project:     taskName,
			Description: "checkpoint mid-flight, resume later",
			UserStories: []prd.Story{
				{ID: "US-001", Title: "long-running story", Priority: 1, Passes: false},
			},
		})
	})

	AfterEach(func() { h.cleanup() })

	It("checkpoints on request and resumes to completion on the next run", func() {
		runCmd := h.ralphCmd("run", h.taskDir, "--max-iterations", "5")
		Expect(runCmd.Start()).To(Succeed())

		socketPath := filepath.Join(h.configDir, "sockets", taskName+".sock")
		Eventually(func() error {
			_, err := os.Stat(socketPath)
			return err
		}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

		checkpointCmd := h.ralphCmd("checkpoint", taskName)
		out, err := checkpointCmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "checkpoint output: %s", string(out))

		Expect(runCmd.Wait()).To(Succeed(), "first run should exit 0 on Checkpointed")

		p := h.loadPRD()
		Expect(p.Checkpointed).To(BeTrue())
		Expect(p.LastIteration).To(Equal(2))
		Expect(p.CheckpointReason).To(Equal("checkpoint_requested"))

		// Second run: the agent now finishes the story outright.
		h.writeStub("claude", `
sed -i 's/"passes": false/"passes": true/' "$PWD/prd.json"
printf '%s' 'done
<promise>COMPLETE</promise>
'`)

		resumeCmd := h.ralphCmd("run", h.taskDir, "--max-iterations", "5")
		out, err = resumeCmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "resume output: %s", string(out))
		Expect(string(out)).To(ContainSubstring("completed"))

		p = h.loadPRD()
		Expect(p.Checkpointed).To(BeFalse())
		Expect(p.CheckpointReason).To(BeEmpty())
		Expect(p.IsComplete()).To(BeTrue())
	})
})
