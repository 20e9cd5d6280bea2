package mediaclock

import (
	"testing"
	"time"
)

func TestManualNeverMovesBackwards(t *testing.T) {
	t.Parallel()
	m := NewManual(time.Second)

	m.Set(500 * time.Millisecond)
	if got := m.Now(); got != time.Second {
		t.Errorf("Now after backwards Set: got %v, want %v", got, time.Second)
	}

	m.Advance(-time.Second)
	if got := m.Now(); got != time.Second {
		t.Errorf("Now after negative Advance: got %v, want %v", got, time.Second)
	}

	if got := m.Advance(250 * time.Millisecond); got != 1250*time.Millisecond {
		t.Errorf("Advance: got %v, want %v", got, 1250*time.Millisecond)
	}
}

func TestHostClockIsMonotonic(t *testing.T) {
	t.Parallel()
	c := NewHost()

	prev := c.Now()
	if prev < 0 {
		t.Fatalf("first reading negative: %v", prev)
	}
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now < prev {
			t.Fatalf("clock went backwards: %v -> %v", prev, now)
		}
		prev = now
	}

	time.Sleep(5 * time.Millisecond)
	if got := c.Now(); got < 5*time.Millisecond {
		t.Errorf("after 5ms sleep: got %v, want >= 5ms", got)
	}
}
