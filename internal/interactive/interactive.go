// Package interactive implements the InteractiveController: the gate that
// lets an `attach`ed operator take manual control of a running iteration's
// PTY without the loop runner's own completion detection firing underneath
// them (spec §4.2 "Interactive takeover").
package interactive

import "sync"

// Writer is the minimal surface the controller needs on the iteration's PTY
// master to forward keystrokes.
type Writer interface {
	Write(p []byte) (int, error)
}

// Controller gates keystroke forwarding and completion suppression while an
// operator is driving a session interactively.
type Controller struct {
	mu          sync.Mutex
	enabled     bool
	target      Writer
}

// New constructs a Controller with no PTY target attached yet.
func New() *Controller {
	return &Controller{}
}

// Attach points the controller at the PTY master of the currently running
// iteration. Call with nil when the iteration ends.
func (c *Controller) Attach(w Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = w
}

// escByte is sent once when interactive mode is enabled, giving the agent
// CLI a chance to redraw/refresh its prompt for a human operator.
const escByte = 0x1b

// SetMode enables or disables interactive (operator-driven) mode.
func (c *Controller) SetMode(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if enabled && c.target != nil {
		c.target.Write([]byte{escByte})
	}
}

// Enabled reports whether interactive mode is currently on.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// ForwardInput writes p to the PTY master iff interactive mode is enabled
// and a target is attached. Returns false if the input was dropped.
func (c *Controller) ForwardInput(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.target == nil {
		return false
	}
	c.target.Write(p)
	return true
}

// ShouldSuppressCompletion reports whether the loop runner's completion
// detection should stay dormant because an operator currently has the
// wheel (spec §4.3 step 6c).
func (c *Controller) ShouldSuppressCompletion() bool {
	return c.Enabled()
}
