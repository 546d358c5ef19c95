package interactive

import "testing"

type fakeWriter struct {
	written [][]byte
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.written = append(f.written, cp)
	return len(p), nil
}

func TestForwardInputDroppedWhenDisabled(t *testing.T) {
	c := New()
	w := &fakeWriter{}
	c.Attach(w)

	if c.ForwardInput([]byte("hello")) {
		t.Error("expected input to be dropped while interactive mode is disabled")
	}
	if len(w.written) != 0 {
		t.Error("no bytes should have reached the target")
	}
}

func TestForwardInputDeliveredWhenEnabled(t *testing.T) {
	c := New()
	w := &fakeWriter{}
	c.Attach(w)
	c.SetMode(true)

	// enabling sends the esc byte first
	if len(w.written) != 1 || w.written[0][0] != escByte {
		t.Fatalf("expected enabling interactive mode to send the esc byte, got %v", w.written)
	}

	if !c.ForwardInput([]byte("hello")) {
		t.Error("expected input to be forwarded while interactive mode is enabled")
	}
	if len(w.written) != 2 || string(w.written[1]) != "hello" {
		t.Errorf("expected \"hello\" to reach the target, got %v", w.written)
	}
}

func TestShouldSuppressCompletionTracksMode(t *testing.T) {
	c := New()
	if c.ShouldSuppressCompletion() {
		t.Error("should not suppress completion by default")
	}
	c.SetMode(true)
	if !c.ShouldSuppressCompletion() {
		t.Error("should suppress completion once interactive mode is enabled")
	}
	c.SetMode(false)
	if c.ShouldSuppressCompletion() {
		t.Error("should stop suppressing completion once interactive mode is disabled")
	}
}
