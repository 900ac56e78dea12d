package clock

import (
	"testing"
	"time"
)

func TestFake_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(1500 * time.Millisecond)

	if got := f.Now().Sub(start); got != 1500*time.Millisecond {
		t.Errorf("elapsed = %v, want 1.5s", got)
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(realClock); !ok {
		t.Error("OrReal(nil) should return the real clock")
	}

	f := NewFake(time.Unix(0, 0))
	if OrReal(f) != Clock(f) {
		t.Error("OrReal(f) should return f")
	}
}
