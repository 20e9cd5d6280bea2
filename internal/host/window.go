// Package host is the floating-window host service. The browser's
// Picture-in-Picture window is the host surface: frames travel to it over
// a WebRTC data channel and the page reports window events back on a
// second channel.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"pipcast/internal/types"
)

const (
	FramesLabel  = "frames"
	ControlLabel = "control"

	// DefaultHighWater is how much unsent data the frames channel may hold
	// before new frames are dropped.
	DefaultHighWater = 1 << 20
)

var ErrClosed = errors.New("host: window closed")

// ControlEvent is a message on the control channel, in either direction.
type ControlEvent struct {
	Type     string `json:"type"`
	Hz       int    `json:"hz,omitempty"`
	Possible bool   `json:"possible,omitempty"`
	Reason   string `json:"reason,omitempty"`
	State    string `json:"state,omitempty"`
	Paused   bool   `json:"paused,omitempty"`
}

type Config struct {
	JPEGQuality int
	MaxWidth    int
	HighWater   uint64

	// OnControl receives events from the page.
	OnControl func(ControlEvent)
	// OnFailure is called once if the connection fails.
	OnFailure func(error)
	// OnClose is called once when the window goes away for any reason.
	OnClose func()

	Log *slog.Logger
}

// Window is one browser connection acting as the host surface.
type Window struct {
	ID  string
	PC  *webrtc.PeerConnection
	cfg Config
	log *slog.Logger
	enc *jpegEncoder

	attached atomic.Bool
	sent     atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.Mutex
	frames  *webrtc.DataChannel
	control *webrtc.DataChannel
	closed  bool
	stop    chan struct{}
}

func NewWindow(id string, cfg Config) (*Window, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = DefaultMaxWidth
	}
	if cfg.HighWater == 0 {
		cfg.HighWater = DefaultHighWater
	}

	// Data channels only; no media engine codecs are needed.
	api := webrtc.NewAPI()
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		// LAN only, no STUN/TURN
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	w := &Window{
		ID:   id,
		PC:   pc,
		cfg:  cfg,
		log:  cfg.Log.With("component", "host-window", "window", id),
		enc:  newJPEGEncoder(cfg.JPEGQuality, cfg.MaxWidth),
		stop: make(chan struct{}),
	}

	// Data channels are created by the page; we handle them via OnDataChannel
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case FramesLabel:
			dc.OnOpen(func() {
				w.mu.Lock()
				w.frames = dc
				w.mu.Unlock()
				w.attached.Store(true)
				w.log.Debug("frames channel open")
			})
			dc.OnClose(func() {
				w.attached.Store(false)
				w.log.Debug("frames channel closed")
			})
		case ControlLabel:
			dc.OnOpen(func() {
				w.mu.Lock()
				w.control = dc
				w.mu.Unlock()
			})
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				var ev ControlEvent
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					w.log.Debug("bad control message", "error", err)
					return
				}
				if w.cfg.OnControl != nil && !w.IsClosed() {
					w.cfg.OnControl(ev)
				}
			})
		default:
			w.log.Debug("ignoring data channel", "label", dc.Label())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		w.log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			if w.cfg.OnFailure != nil && !w.IsClosed() {
				w.cfg.OnFailure(fmt.Errorf("peer connection %s", state))
			}
			w.Close()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			w.Close()
		}
	})

	return w, nil
}

// Attached reports whether the frames channel is open.
func (w *Window) Attached() bool {
	return w.attached.Load() && !w.IsClosed()
}

// Enqueue encodes f and sends it to the page. The frame is released before
// returning. When the channel is backed up the frame is dropped so the
// window shows recent content rather than a growing backlog.
func (w *Window) Enqueue(f *types.TimedFrame) error {
	defer f.Release()

	w.mu.Lock()
	dc := w.frames
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return types.ErrSurfaceNotAttached
	}
	if dc.BufferedAmount() > w.cfg.HighWater {
		w.dropped.Add(1)
		return nil
	}

	payload, err := w.enc.Encode(f.Buffer)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	msg, err := AppendFrame(nil, FrameHeader{PTS: f.PTS, Duration: f.Duration}, payload)
	if err != nil {
		return err
	}
	if err := dc.Send(msg); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	w.sent.Add(1)
	return nil
}

// Notify sends ev to the page if the control channel is open.
func (w *Window) Notify(ev ControlEvent) {
	w.mu.Lock()
	dc := w.control
	w.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		w.log.Debug("control send failed", "error", err)
	}
}

// Stats returns frames sent and dropped for backpressure.
func (w *Window) Stats() (sent, dropped uint64) {
	return w.sent.Load(), w.dropped.Load()
}

// Done is closed when the window closes.
func (w *Window) Done() <-chan struct{} { return w.stop }

func (w *Window) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.stop)
	w.mu.Unlock()

	w.attached.Store(false)
	w.PC.Close()
	sent, dropped := w.Stats()
	w.log.Info("window closed", "sent", sent, "dropped", dropped)
	if w.cfg.OnClose != nil {
		w.cfg.OnClose()
	}
}

func (w *Window) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
