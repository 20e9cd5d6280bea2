package screenstate

import (
	"testing"
	"time"

	"pipcast/internal/types"
)

type recorder struct {
	kinds []string
	off   int
	on    []types.AwayInterval
}

func (r *recorder) StartTracking(kind string)      { r.kinds = append(r.kinds, kind) }
func (r *recorder) StopTracking()                  {}
func (r *recorder) ScreenOff()                     { r.off++ }
func (r *recorder) ScreenOn(iv types.AwayInterval) { r.on = append(r.on, iv) }

// feed ticks at the given rate from start until end (inclusive).
func feed(d *Detector, start, end time.Duration, hz int) time.Duration {
	iv := time.Second / time.Duration(hz)
	now := start
	for ; now <= end; now += iv {
		d.Observe(now)
	}
	return now - iv
}

func TestAwayIffGapExceedsThreshold(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		minGap time.Duration
		hz     int
	}{
		{"default floor at 60Hz", 0, 60},
		{"default floor at 10Hz", 0, 10},
		{"default floor at 1Hz", 0, 1},
		{"multiplier dominates at 1Hz", time.Second, 1},
		{"multiplier dominates at 2Hz", 500 * time.Millisecond, 2},
	}
	for _, tc := range cases {
		iv := time.Second / time.Duration(tc.hz)
		threshold := max(tc.minGap, 3*iv)
		if tc.minGap == 0 {
			threshold = max(DefaultMinGap, 3*iv)
		}
		for _, gap := range []time.Duration{threshold - 10*time.Millisecond, threshold, threshold + 10*time.Millisecond, 2 * threshold} {
			rec := &recorder{}
			d := New(rec, iv, Options{MinGap: tc.minGap}, nil)
			if got := d.Threshold(); got != threshold {
				t.Fatalf("%s: threshold got %v, want %v", tc.name, got, threshold)
			}
			last := feed(d, 0, 10*iv, tc.hz)
			d.Observe(last + gap)

			wantAway := gap > threshold
			if (rec.off == 1) != wantAway {
				t.Errorf("%s gap %v: screenOff calls got %d, want away=%v", tc.name, gap, rec.off, wantAway)
			}
			if wantAway {
				if len(rec.on) != 1 {
					t.Fatalf("%s gap %v: screenOn calls got %d, want 1", tc.name, gap, len(rec.on))
				}
				if got, want := rec.on[0].Duration(), gap-iv; got != want {
					t.Errorf("%s gap %v: interval duration got %v, want %v", tc.name, gap, got, want)
				}
			} else if len(rec.on) != 0 {
				t.Errorf("%s gap %v: unexpected screenOn", tc.name, gap)
			}
			if d.State() != Active {
				t.Errorf("%s gap %v: state after resumption got %v, want active", tc.name, gap, d.State())
			}
		}
	}
}

func TestDefaultFloorIgnoresShortStall(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := New(rec, 100*time.Millisecond, Options{}, nil)

	last := feed(d, 0, time.Second, 10)
	for now := last; now < last+3500*time.Millisecond; now += DefaultPollInterval {
		d.Poll(now)
	}
	d.Observe(last + 3500*time.Millisecond)

	if rec.off != 0 || len(rec.on) != 0 {
		t.Errorf("3.5s stall under a 5s floor: off=%d on=%d, want none", rec.off, len(rec.on))
	}
}

func TestPollOpensAndTickCloses(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	// A 3s floor so a 3.5s stall at 10Hz counts as the screen going off.
	d := New(rec, 100*time.Millisecond, Options{MinGap: 3 * time.Second}, nil)

	last := feed(d, 0, time.Second, 10)
	stall := 3500 * time.Millisecond
	for now := last; now < last+stall; now += DefaultPollInterval {
		d.Poll(now)
	}
	if rec.off != 1 {
		t.Fatalf("screenOff during stall: got %d, want 1", rec.off)
	}
	if d.State() != Away {
		t.Fatalf("state during stall: got %v, want away", d.State())
	}
	if len(rec.on) != 0 {
		t.Fatal("screenOn before the next tick")
	}

	d.Observe(last + stall)
	if rec.off != 1 {
		t.Errorf("screenOff fired again on resumption: %d", rec.off)
	}
	if len(rec.on) != 1 {
		t.Fatalf("screenOn on resumption: got %d, want 1", len(rec.on))
	}
	got := rec.on[0].Duration()
	if got < 3300*time.Millisecond || got > 3500*time.Millisecond {
		t.Errorf("interval duration: got %v, want about 3.5s", got)
	}

	// Normal ticks afterwards change nothing.
	feed(d, last+stall+100*time.Millisecond, last+stall+time.Second, 10)
	if rec.off != 1 || len(rec.on) != 1 {
		t.Errorf("events after recovery: off=%d on=%d", rec.off, len(rec.on))
	}
}

func TestFlushClosesOpenInterval(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := New(rec, time.Second, Options{}, nil)

	d.Observe(0)
	d.Poll(10 * time.Second)
	iv, ok := d.Flush(12 * time.Second)
	if !ok {
		t.Fatal("Flush found no open interval")
	}
	if iv.Start != time.Second || iv.End != 12*time.Second {
		t.Errorf("flushed interval: got %+v", iv)
	}
	if _, ok := d.Flush(13 * time.Second); ok {
		t.Error("second Flush reported an interval")
	}
	if len(rec.on) != 1 {
		t.Errorf("screenOn calls: got %d, want 1", len(rec.on))
	}
}

func TestLowerRateRaisesThreshold(t *testing.T) {
	t.Parallel()
	d := New(nil, 100*time.Millisecond, Options{MinGap: time.Second}, nil)
	if got := d.Threshold(); got != time.Second {
		t.Errorf("threshold at 10Hz: got %v, want 1s", got)
	}
	d.SetFrameInterval(time.Second)
	if got := d.Threshold(); got != 3*time.Second {
		t.Errorf("threshold at 1Hz: got %v, want 3s", got)
	}
}
