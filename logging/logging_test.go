package logging

import "testing"

func TestNewReturnsUsableLogger(t *testing.T) {
	for _, debug := range []bool{false, true} {
		log := New(debug)
		if log == nil {
			t.Fatalf("New(%v) returned nil logger", debug)
		}
		// Must not panic regardless of level.
		log.Debugw("probe", "debug", debug)
		log.Infow("probe", "debug", debug)
	}
}
