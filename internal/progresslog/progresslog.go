// Package progresslog maintains each loop's progress-log.txt: the
// human-readable running transcript of what the agent has done, rotated
// once it grows past a configurable line threshold (spec §4.3 step 5,
// grounded on the teacher's session-log append style and on
// uesteibar-ralph's ensureProgressFile).
package progresslog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultRotateThreshold is the default line count at which the log rotates
// (spec §4.3 step 5).
const DefaultRotateThreshold = 500

const fileName = "progress-log.txt"

const patternsHeader = "## Codebase Patterns"

// Path returns the active progress log path under taskDir.
func Path(taskDir string) string {
	return filepath.Join(taskDir, fileName)
}

// Ensure creates the progress log if it doesn't already exist, seeded with
// an empty patterns section (grounded on uesteibar-ralph's
// ensureProgressFile).
func Ensure(taskDir string) error {
	path := Path(taskDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	seed := fmt.Sprintf("# Progress Log\n\n%s\n\n", patternsHeader)
	return os.WriteFile(path, []byte(seed), 0o644)
}

// Append writes a timestamped line to the active progress log, rotating
// first if it already exceeds threshold lines.
func Append(taskDir string, threshold int, line string) error {
	if threshold <= 0 {
		threshold = DefaultRotateThreshold
	}
	if err := Ensure(taskDir); err != nil {
		return err
	}
	if err := rotateIfNeeded(taskDir, threshold); err != nil {
		return err
	}

	f, err := os.OpenFile(Path(taskDir), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	stamp := time.Now().UTC().Format(time.RFC3339)
	_, err = fmt.Fprintf(f, "[%s] %s\n", stamp, line)
	return err
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

// rotateIfNeeded renames the current log to progress-N.txt (smallest unused
// N) and starts a fresh log carrying forward the Codebase Patterns section
// and a one-line pointer to the rotated file (spec §4.3 step 5).
func rotateIfNeeded(taskDir string, threshold int) error {
	path := Path(taskDir)
	n, err := countLines(path)
	if err != nil {
		return err
	}
	if n <= threshold {
		return nil
	}

	patterns, err := extractPatterns(path)
	if err != nil {
		return err
	}

	rotated, err := nextRotatedPath(taskDir)
	if err != nil {
		return err
	}
	if err := os.Rename(path, rotated); err != nil {
		return err
	}

	seed := fmt.Sprintf("# Progress Log\n\nContinuation of %s.\n\n%s\n%s\n", filepath.Base(rotated), patternsHeader, patterns)
	return os.WriteFile(path, []byte(seed), 0o644)
}

func nextRotatedPath(taskDir string) (string, error) {
	for n := 1; ; n++ {
		candidate := filepath.Join(taskDir, fmt.Sprintf("progress-%d.txt", n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

// extractPatterns pulls the body text following the Codebase Patterns
// header out of the current log, so it survives rotation.
func extractPatterns(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	idx := strings.Index(string(data), patternsHeader)
	if idx < 0 {
		return "", nil
	}
	rest := string(data)[idx+len(patternsHeader):]
	return strings.TrimSpace(rest), nil
}
