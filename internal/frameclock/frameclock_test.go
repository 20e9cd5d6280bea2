package frameclock

import (
	"testing"
	"time"
)

// drive runs the clock the way the session loop does: sleep for Until,
// then tick.
func drive(c *Clock, now time.Duration, n int) []time.Duration {
	var ticks []time.Duration
	for len(ticks) < n {
		now += c.Until(now)
		if c.Due(now) {
			c.Advance(now)
			ticks = append(ticks, now)
		}
	}
	return ticks
}

func TestTickSpacingForAllRates(t *testing.T) {
	t.Parallel()
	for r := MinRate; r <= MaxRate; r++ {
		c := New(r)
		c.Start(0)
		ticks := drive(c, 0, 5)
		want := time.Second / time.Duration(r)
		for i := 1; i < len(ticks); i++ {
			if got := ticks[i] - ticks[i-1]; got != want {
				t.Fatalf("rate %d: spacing got %v, want %v", r, got, want)
			}
		}
	}
}

func TestSetRateClamps(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want int }{
		{-5, 1}, {0, 1}, {1, 1}, {24, 24}, {60, 60}, {61, 60}, {1000, 60},
	}
	for _, tc := range cases {
		c := New(30)
		if got := c.SetRate(tc.in); got != tc.want {
			t.Errorf("SetRate(%d): got %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSetRateTakesEffectOnNextTick(t *testing.T) {
	t.Parallel()
	c := New(10)
	c.Start(0)
	ticks := drive(c, 0, 3)
	last := ticks[len(ticks)-1]

	c.SetRate(50)
	more := drive(c, last, 3)
	if got := more[0] - last; got != 20*time.Millisecond {
		t.Errorf("first spacing after SetRate: got %v, want 20ms", got)
	}
	if got := more[2] - more[1]; got != 20*time.Millisecond {
		t.Errorf("spacing after SetRate: got %v, want 20ms", got)
	}
}

func TestAdvanceDoesNotBurstAfterStall(t *testing.T) {
	t.Parallel()
	c := New(10)
	c.Start(0)
	c.Advance(0)

	// The loop stalls for two seconds.
	now := 2 * time.Second
	if !c.Due(now) {
		t.Fatal("expected tick due after stall")
	}
	c.Advance(now)
	if c.Due(now) {
		t.Error("clock wants to burst through missed ticks")
	}
	if got := c.Until(now); got != 100*time.Millisecond {
		t.Errorf("Until after stall: got %v, want 100ms", got)
	}
	if got := c.LastTick(); got != now {
		t.Errorf("LastTick: got %v, want %v", got, now)
	}
}

func TestStoppedClockIsNeverDue(t *testing.T) {
	t.Parallel()
	c := New(30)
	if c.Due(time.Hour) {
		t.Error("unstarted clock is due")
	}
	c.Start(0)
	c.Stop()
	if c.Due(time.Hour) {
		t.Error("stopped clock is due")
	}
}

func TestRealTimeSpacing(t *testing.T) {
	t.Parallel()
	c := New(50)
	start := time.Now()
	c.Start(0)

	var ticks []time.Duration
	for len(ticks) < 10 {
		now := time.Since(start)
		if wait := c.Until(now); wait > 0 {
			time.Sleep(wait)
			continue
		}
		c.Advance(now)
		ticks = append(ticks, now)
	}
	elapsed := ticks[len(ticks)-1] - ticks[0]
	// Nine intervals of 20ms, with generous room for scheduler jitter.
	if elapsed < 170*time.Millisecond || elapsed > 400*time.Millisecond {
		t.Errorf("nine ticks at 50Hz took %v, want about 180ms", elapsed)
	}
}
