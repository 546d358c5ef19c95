package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/gomega"

	"github.com/hyperlab-be/ralph/internal/prd"
)

// harness is one isolated acceptance-test sandbox: its own git repo, task
// directory, Ralph config directory, and PATH carrying stub agent
// executables ahead of the real one.
type harness struct {
	root      string
	repoDir   string
	taskDir   string
	configDir string
	binDir    string
}

func newHarness(taskName string) *harness {
	root, err := os.MkdirTemp("", "ralph-acceptance-*")
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	h := &harness{
		root:      root,
		repoDir:   filepath.Join(root, "repo"),
		taskDir:   filepath.Join(root, "repo", "tasks", taskName),
		configDir: filepath.Join(root, "ralph-config"),
		binDir:    filepath.Join(root, "bin"),
	}

	runGit(root, "init", h.repoDir)
	runGit(h.repoDir, "checkout", "-b", "main")
	writeFile(filepath.Join(h.repoDir, "README.md"), "acceptance fixture\n")
	runGit(h.repoDir, "add", "README.md")
	runGit(h.repoDir, "commit", "-m", "initial commit")

	ExpectWithOffset(1, os.MkdirAll(h.taskDir, 0o755)).To(Succeed())
	ExpectWithOffset(1, os.MkdirAll(h.binDir, 0o755)).To(Succeed())

	return h
}

func (h *harness) cleanup() {
	os.RemoveAll(h.root)
}

// env returns the child process environment: the real environment with PATH
// shadowed by h.binDir and RALPH_CONFIG_DIR pointed at an isolated directory,
// so acceptance runs never touch a developer's real ~/.config/ralph.
func (h *harness) env() []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			out = append(out, "PATH="+h.binDir+string(os.PathListSeparator)+kv[5:])
			continue
		}
		if len(kv) >= 17 && kv[:17] == "RALPH_CONFIG_DIR=" {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "RALPH_CONFIG_DIR="+h.configDir)
	return out
}

// ralphCmd builds an *exec.Cmd for the built binary, rooted at the repo dir
// (so ./tasks/*/prd.json resolution and git operations land in the sandbox).
func (h *harness) ralphCmd(args ...string) *exec.Cmd {
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = h.repoDir
	cmd.Env = h.env()
	return cmd
}

// writeStub installs an executable shell script named `name` on h.binDir,
// ahead of any real CLI of that name on PATH.
func (h *harness) writeStub(name, script string) {
	path := filepath.Join(h.binDir, name)
	ExpectWithOffset(1, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755)).To(Succeed())
}

// writePRD saves p as the fixture's prd.json.
func (h *harness) writePRD(p *prd.PRD) {
	ExpectWithOffset(1, prd.Save(h.taskDir, p)).To(Succeed())
}

// loadPRD reloads the fixture's prd.json.
func (h *harness) loadPRD() *prd.PRD {
	p, err := prd.Load(h.taskDir)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return p
}

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
}

func writeFile(path, content string) {
	ExpectWithOffset(1, os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
	ExpectWithOffset(1, os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
}
