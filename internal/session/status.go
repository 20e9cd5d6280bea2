package session

import (
	"errors"
	"image"
	"time"

	"pipcast/internal/surface"
)

// Status is a snapshot of the controller for the HTTP API.
type Status struct {
	ID        string        `json:"id,omitempty"`
	State     string        `json:"state"`
	Kind      string        `json:"kind,omitempty"`
	Renderer  string        `json:"renderer,omitempty"`
	Active    bool          `json:"active"`
	Preparing bool          `json:"preparing"`
	Possible  bool          `json:"possible"`
	Paused    bool          `json:"paused,omitempty"`
	Rate      int           `json:"rate,omitempty"`
	Frames    uint64        `json:"frames,omitempty"`
	Repeats   uint64        `json:"repeats,omitempty"`
	Uptime    string        `json:"uptime,omitempty"`
	Screen    string        `json:"screen,omitempty"`
	Surface   surface.Stats `json:"surface"`
	LastError string        `json:"last_error,omitempty"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		ID:        c.id,
		State:     c.state.String(),
		Kind:      c.kind,
		Active:    c.state == Active,
		Preparing: c.state == Preparing || c.state == Bound,
		Possible:  c.possible,
		Paused:    c.paused,
	}
	if c.renderer != nil {
		st.Renderer = c.renderer.Kind().String()
	}
	if c.binder != nil {
		st.Surface = c.binder.Stats()
	}
	if c.state == Active {
		st.Rate = c.rate
		st.Frames = c.frames
		st.Repeats = c.repeats
		st.Uptime = (c.clock.Now() - c.activeSince).Truncate(time.Millisecond).String()
		st.Screen = c.detector.State().String()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// GrabImage returns the most recently presented frame.
func (c *Controller) GrabImage() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFrame == nil {
		return nil, errors.New("no frame presented")
	}
	return c.lastFrame.Buffer.ToRGBA(), nil
}

func (c *Controller) logStatsLocked(now time.Duration) {
	elapsed := now - c.nextStats + statsInterval
	produced := c.frames - c.statFrames
	c.statFrames = c.frames
	c.nextStats = now + statsInterval

	fps := 0.0
	if elapsed > 0 {
		fps = float64(produced) / elapsed.Seconds()
	}
	ss := c.binder.Stats()
	c.log.Info("stats",
		"id", c.id,
		"kind", c.kind,
		"fps", fps,
		"target", c.rate,
		"paused", c.paused,
		"repeats", c.repeats,
		"enqueued", ss.Enqueued,
		"dropped", ss.Dropped,
		"present_errors", c.presentErrs,
		"screen", c.detector.State(),
	)
}
