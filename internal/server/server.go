package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"pipcast/internal/awaylog"
	"pipcast/internal/host"
	"pipcast/internal/session"
	"pipcast/internal/types"
	"pipcast/web"
)

const (
	DefaultOfferTimeout   = 10 * time.Second
	DefaultAuthFailLimit  = 10
	DefaultAuthFailWindow = time.Minute
	maxOfferSize          = 64 << 10
)

// Session is the controller surface the server drives.
type Session interface {
	Prepare(kind string) (string, error)
	Bind(s types.HostSurface) error
	CancelPrepare() error
	ConfirmStart() error
	SetPossible(possible bool)
	HostFailed(cause error)
	Stop()
	TogglePlayPause() (bool, error)
	SetFrameRate(hz int) int
	Status() session.Status
	GrabImage() (image.Image, error)
}

var _ Session = (*session.Controller)(nil)

// AwayReport serves recorded away time.
type AwayReport interface {
	Totals(kind string) (awaylog.Totals, error)
}

// Config holds all server configuration.
type Config struct {
	Addr        string
	Token       string
	DefaultKind string
	// Kinds lists the content kinds offered to the page.
	Kinds []string

	OfferTimeout   time.Duration
	AllowedOrigins []string
	AuthFailLimit  int
	AuthFailWindow time.Duration

	TLSCert string
	TLSKey  string
	TLS     *tls.Config

	// Away is optional; without it GET /away is not found.
	Away AwayReport

	// Window configures every host window created for a page.
	Window host.Config

	Log *slog.Logger
}

type authFailures struct {
	count int
	since time.Time
}

type Server struct {
	cfg  Config
	sess Session
	log  *slog.Logger

	mu        sync.Mutex
	win       *host.Window
	authFails map[string]*authFailures
}

func New(cfg Config, sess Session) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	if cfg.AuthFailLimit <= 0 {
		cfg.AuthFailLimit = DefaultAuthFailLimit
	}
	if cfg.AuthFailWindow <= 0 {
		cfg.AuthFailWindow = DefaultAuthFailWindow
	}
	return &Server{
		cfg:       cfg,
		sess:      sess,
		log:       cfg.Log.With("component", "server"),
		authFails: make(map[string]*authFailures),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /kinds", s.handleKinds)
	mux.HandleFunc("POST /whep", s.handleWHEPOffer)
	mux.HandleFunc("PATCH /whep/{id}", s.handleWHEPPatch)
	mux.HandleFunc("DELETE /whep/{id}", s.handleWHEPDelete)
	mux.HandleFunc("OPTIONS /whep", s.handleOptions)
	mux.HandleFunc("OPTIONS /whep/{id}", s.handleOptions)
	mux.HandleFunc("GET /session", s.handleStatus)
	mux.HandleFunc("POST /session/toggle", s.handleToggle)
	mux.HandleFunc("POST /session/rate", s.handleRate)
	mux.HandleFunc("GET /debug/frame", s.handleDebugFrame)
	if s.cfg.Away != nil {
		mux.HandleFunc("GET /away", s.handleAway)
	}
	return mux
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		TLSConfig:         s.cfg.TLS,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	useTLS := s.cfg.TLS != nil || s.cfg.TLSCert != ""
	s.log.Info("listening", "addr", s.cfg.Addr, "tls", useTLS, "default_kind", s.cfg.DefaultKind)

	var err error
	if useTLS {
		err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Teardown closes the current window and stops the session.
func (s *Server) Teardown() {
	s.closeWindow()
	s.sess.Stop()
}

// StateChanged forwards controller transitions to the page. It is called
// with the controller locked and must not call back into it.
func (s *Server) StateChanged(from, to session.State) {
	s.mu.Lock()
	win := s.win
	s.mu.Unlock()
	if win != nil {
		win.Notify(host.ControlEvent{Type: "state", State: to.String()})
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		data, err := web.Content.ReadFile("index.html")
		if err != nil {
			http.Error(w, "internal error", 500)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
		return
	}
	http.FileServer(http.FS(web.Content)).ServeHTTP(w, r)
}

func (s *Server) handleKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"kinds":   s.cfg.Kinds,
		"default": s.cfg.DefaultKind,
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(204)
}

func (s *Server) handleWHEPOffer(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	if !s.authorize(w, r) {
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = s.cfg.DefaultKind
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	// Single window: the previous one stops being current before it closes
	// so its callbacks cannot touch the new session.
	s.closeWindow()

	id := uuid.NewString()
	var win *host.Window
	wcfg := s.cfg.Window
	wcfg.Log = s.cfg.Log
	wcfg.OnControl = func(ev host.ControlEvent) {
		if s.isCurrent(win) {
			s.handleControl(win, ev)
		}
	}
	wcfg.OnFailure = func(err error) {
		if s.isCurrent(win) {
			s.sess.HostFailed(err)
		}
	}
	wcfg.OnClose = func() {
		if s.release(win) {
			s.sess.Stop()
		}
	}
	win, err = host.NewWindow(id, wcfg)
	if err != nil {
		s.log.Error("window create failed", "error", err)
		http.Error(w, "internal error", 500)
		return
	}

	answer, err := s.negotiate(r.Context(), win, string(body))
	if err != nil {
		win.Close()
		s.log.Warn("offer rejected", "error", err)
		http.Error(w, err.Error(), 400)
		return
	}

	sessionID, err := s.sess.Prepare(kind)
	if err != nil {
		win.Close()
		status := 500
		if errors.Is(err, types.ErrUnknownContent) {
			status = 400
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.mu.Lock()
	s.win = win
	s.mu.Unlock()

	if err := s.sess.Bind(win); err != nil {
		s.closeWindow()
		s.log.Error("bind failed", "error", err)
		http.Error(w, "internal error", 500)
		return
	}

	s.log.Info("window offered", "window", id, "session", sessionID, "kind", kind)
	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whep/"+id)
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(201)
	w.Write([]byte(answer))
}

// negotiate applies the page's offer and returns the answer once ICE
// gathering is complete.
func (s *Server) negotiate(ctx context.Context, win *host.Window, sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := win.PC.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("bad SDP offer: %w", err)
	}
	answer, err := win.PC.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(win.PC)
	if err := win.PC.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(s.cfg.OfferTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %v", s.cfg.OfferTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return win.PC.LocalDescription().SDP, nil
}

func (s *Server) handleControl(win *host.Window, ev host.ControlEvent) {
	s.log.Debug("control", "type", ev.Type)
	switch ev.Type {
	case "possible":
		s.sess.SetPossible(ev.Possible)
	case "start":
		// The page sends start once the browser opened the window, which
		// is the host saying it is possible.
		s.sess.SetPossible(true)
		if err := s.sess.ConfirmStart(); err != nil {
			s.log.Warn("start rejected", "error", err)
		}
	case "failed":
		s.sess.HostFailed(errors.New(ev.Reason))
	case "cancel":
		if err := s.sess.CancelPrepare(); err != nil {
			s.log.Debug("cancel ignored", "error", err)
		}
	case "stop":
		s.sess.Stop()
	case "toggle":
		paused, err := s.sess.TogglePlayPause()
		if err != nil {
			s.log.Debug("toggle ignored", "error", err)
			return
		}
		win.Notify(host.ControlEvent{Type: "paused", Paused: paused})
	case "rate":
		if ev.Hz <= 0 {
			s.log.Debug("rate ignored", "hz", ev.Hz)
			return
		}
		hz := s.sess.SetFrameRate(ev.Hz)
		win.Notify(host.ControlEvent{Type: "rate", Hz: hz})
	default:
		s.log.Debug("unknown control message", "type", ev.Type)
	}
}

func (s *Server) handleWHEPPatch(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	if !s.authorize(w, r) {
		return
	}

	win := s.window(r.PathValue("id"))
	if win == nil {
		http.Error(w, "not found", 404)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	for _, line := range strings.Split(string(body), "\r\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "a=candidate:") {
			c := strings.TrimPrefix(line, "a=")
			if err := win.PC.AddICECandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
				s.log.Debug("add ice candidate failed", "error", err)
			}
		}
	}
	w.WriteHeader(204)
}

func (s *Server) handleWHEPDelete(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	if !s.authorize(w, r) {
		return
	}

	win := s.window(r.PathValue("id"))
	if win == nil {
		http.Error(w, "not found", 404)
		return
	}
	s.Teardown()
	w.WriteHeader(200)
}

type statusResponse struct {
	session.Status
	Window  string `json:"window,omitempty"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"backpressure_drops"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	resp := statusResponse{Status: s.sess.Status()}
	s.mu.Lock()
	win := s.win
	s.mu.Unlock()
	if win != nil {
		resp.Window = win.ID
		resp.Sent, resp.Dropped = win.Stats()
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	paused, err := s.sess.TogglePlayPause()
	if err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	writeJSON(w, 200, map[string]bool{"paused": paused})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	hz, err := strconv.Atoi(r.URL.Query().Get("hz"))
	if err != nil {
		http.Error(w, "hz must be an integer", 400)
		return
	}
	writeJSON(w, 200, map[string]int{"rate": s.sess.SetFrameRate(hz)})
}

func (s *Server) handleAway(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	kinds := s.cfg.Kinds
	if k := r.URL.Query().Get("kind"); k != "" {
		kinds = []string{k}
	}
	out := make([]awaylog.Totals, 0, len(kinds))
	for _, k := range kinds {
		t, err := s.cfg.Away.Totals(k)
		if err != nil {
			s.log.Error("away totals failed", "kind", k, "error", err)
			http.Error(w, "internal error", 500)
			return
		}
		out = append(out, t)
	}
	writeJSON(w, 200, out)
}

func (s *Server) handleDebugFrame(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	img, err := s.sess.GrabImage()
	if err != nil {
		http.Error(w, fmt.Sprintf("grab failed: %v", err), 404)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	png.Encode(w, img)
}

func (s *Server) window(id string) *host.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.win == nil || s.win.ID != id {
		return nil
	}
	return s.win
}

func (s *Server) isCurrent(win *host.Window) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return win != nil && s.win == win
}

// release forgets win if it is current and reports whether it was.
func (s *Server) release(win *host.Window) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if win == nil || s.win != win {
		return false
	}
	s.win = nil
	return true
}

func (s *Server) closeWindow() {
	s.mu.Lock()
	win := s.win
	s.win = nil
	s.mu.Unlock()
	if win != nil {
		win.Close()
	}
}

func (s *Server) cors(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && slices.Contains(s.cfg.AllowedOrigins, origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Expose-Headers", "Location, X-Session-Id")
		w.Header().Add("Vary", "Origin")
	}
}

// authorize checks the bearer token, limiting failures per client IP.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.authFails[ip]
	if f != nil && now.Sub(f.since) > s.cfg.AuthFailWindow {
		delete(s.authFails, ip)
		f = nil
	}
	if f != nil && f.count >= s.cfg.AuthFailLimit {
		http.Error(w, "too many requests", 429)
		return false
	}
	if r.Header.Get("Authorization") == "Bearer "+s.cfg.Token {
		return true
	}
	if f == nil {
		f = &authFailures{since: now}
		s.authFails[ip] = f
	}
	f.count++
	if f.count == s.cfg.AuthFailLimit {
		s.log.Warn("auth failure limit reached", "ip", ip)
	}
	http.Error(w, "unauthorized", 401)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
