package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"pipcast/internal/awaylog"
	"pipcast/internal/host"
	"pipcast/internal/session"
	"pipcast/internal/types"
)

const testToken = "secret"

type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	kind     string
	bound    types.HostSurface
	paused   bool
	active   bool
	possible bool
	rate     int
	failure  error
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) Prepare(kind string) (string, error) {
	f.record("prepare:" + kind)
	if kind == "nope" {
		return "", types.NewError("prepare", types.ErrUnknownContent, fmt.Errorf("%q", kind))
	}
	f.mu.Lock()
	f.kind = kind
	f.mu.Unlock()
	return "session-1", nil
}

func (f *fakeSession) Bind(s types.HostSurface) error {
	f.record("bind")
	f.mu.Lock()
	f.bound = s
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) CancelPrepare() error { f.record("cancel"); return nil }

func (f *fakeSession) ConfirmStart() error {
	f.record("confirm")
	f.mu.Lock()
	f.active = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SetPossible(possible bool) {
	f.record(fmt.Sprintf("possible:%v", possible))
	f.mu.Lock()
	f.possible = possible
	f.mu.Unlock()
}

func (f *fakeSession) HostFailed(cause error) {
	f.record("failed")
	f.mu.Lock()
	f.failure = cause
	f.mu.Unlock()
}

func (f *fakeSession) Stop() { f.record("stop") }

func (f *fakeSession) TogglePlayPause() (bool, error) {
	f.record("toggle")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return false, types.NewError("toggle", types.ErrInvalidState, nil)
	}
	f.paused = !f.paused
	return f.paused, nil
}

func (f *fakeSession) SetFrameRate(hz int) int {
	f.record(fmt.Sprintf("rate:%d", hz))
	hz = min(max(hz, 1), 60)
	f.mu.Lock()
	f.rate = hz
	f.mu.Unlock()
	return hz
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := session.Status{ID: "session-1", State: "Idle", Kind: f.kind, Possible: f.possible}
	if f.active {
		st.State = "Active"
		st.Active = true
		st.Rate = f.rate
	}
	return st
}

func (f *fakeSession) GrabImage() (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return nil, errors.New("no frame presented")
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img, nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeSession, *httptest.Server) {
	t.Helper()
	cfg.Token = testToken
	cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.DefaultKind == "" {
		cfg.DefaultKind = "clock"
	}
	fake := &fakeSession{}
	srv := New(cfg, fake)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, fake, ts
}

func do(t *testing.T, method, url, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIndexServed(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{})

	resp := do(t, "GET", ts.URL+"/", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "requestPictureInPicture") {
		t.Error("index page does not request picture-in-picture")
	}
}

func TestKinds(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{Kinds: []string{"clock", "timer"}, DefaultKind: "timer"})

	resp := do(t, "GET", ts.URL+"/kinds", "", nil)
	var got struct {
		Kinds   []string `json:"kinds"`
		Default string   `json:"default"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Kinds) != 2 || got.Default != "timer" {
		t.Errorf("got %+v", got)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{})

	for _, tc := range []struct {
		method, path string
	}{
		{"GET", "/session"},
		{"POST", "/session/toggle"},
		{"POST", "/session/rate?hz=10"},
		{"GET", "/debug/frame"},
		{"POST", "/whep"},
		{"DELETE", "/whep/x"},
	} {
		resp := do(t, tc.method, ts.URL+tc.path, "wrong", nil)
		if resp.StatusCode != 401 {
			t.Errorf("%s %s: got status %d, want 401", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestAuthFailureLimit(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{AuthFailLimit: 3, AuthFailWindow: time.Hour})

	for i := 0; i < 3; i++ {
		if resp := do(t, "GET", ts.URL+"/session", "wrong", nil); resp.StatusCode != 401 {
			t.Fatalf("attempt %d: got status %d, want 401", i, resp.StatusCode)
		}
	}
	// Locked out even with the right token until the window passes.
	if resp := do(t, "GET", ts.URL+"/session", testToken, nil); resp.StatusCode != 429 {
		t.Fatalf("got status %d, want 429", resp.StatusCode)
	}
}

func TestAuthFailureWindowExpires(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{AuthFailLimit: 1, AuthFailWindow: 20 * time.Millisecond})

	do(t, "GET", ts.URL+"/session", "wrong", nil)
	if resp := do(t, "GET", ts.URL+"/session", testToken, nil); resp.StatusCode != 429 {
		t.Fatalf("got status %d, want 429", resp.StatusCode)
	}
	time.Sleep(40 * time.Millisecond)
	if resp := do(t, "GET", ts.URL+"/session", testToken, nil); resp.StatusCode != 200 {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()
	_, fake, ts := newTestServer(t, Config{})
	fake.ConfirmStart()
	fake.SetFrameRate(30)

	resp := do(t, "GET", ts.URL+"/session", testToken, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("got content type %q", ct)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["state"] != "Active" || got["active"] != true || got["rate"] != float64(30) {
		t.Errorf("got %v", got)
	}
	if _, ok := got["window"]; ok {
		t.Error("window reported without a connection")
	}
}

func TestToggle(t *testing.T) {
	t.Parallel()
	_, fake, ts := newTestServer(t, Config{})

	if resp := do(t, "POST", ts.URL+"/session/toggle", testToken, nil); resp.StatusCode != 409 {
		t.Fatalf("toggle while idle: got status %d, want 409", resp.StatusCode)
	}

	fake.ConfirmStart()
	resp := do(t, "POST", ts.URL+"/session/toggle", testToken, nil)
	var got map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got["paused"] {
		t.Errorf("got %v, want paused", got)
	}
}

func TestRate(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{})

	if resp := do(t, "POST", ts.URL+"/session/rate?hz=fast", testToken, nil); resp.StatusCode != 400 {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}

	resp := do(t, "POST", ts.URL+"/session/rate?hz=90", testToken, nil)
	var got map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["rate"] != 60 {
		t.Errorf("got rate %d, want 60", got["rate"])
	}
}

func TestDebugFrame(t *testing.T) {
	t.Parallel()
	_, fake, ts := newTestServer(t, Config{})

	if resp := do(t, "GET", ts.URL+"/debug/frame", testToken, nil); resp.StatusCode != 404 {
		t.Fatalf("got status %d, want 404", resp.StatusCode)
	}

	fake.ConfirmStart()
	resp := do(t, "GET", ts.URL+"/debug/frame", testToken, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("got content type %q", ct)
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("got bounds %v", b)
	}
	if r, _, _, _ := img.At(0, 0).RGBA(); r>>8 != 255 {
		t.Errorf("got red %d, want 255", r>>8)
	}
}

type fakeAway map[string]time.Duration

func (f fakeAway) Totals(kind string) (awaylog.Totals, error) {
	if kind == "broken" {
		return awaylog.Totals{}, errors.New("disk gone")
	}
	return awaylog.Totals{Kind: kind, Away: f[kind]}, nil
}

func TestAway(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{
		Kinds: []string{"clock", "timer"},
		Away:  fakeAway{"timer": 3 * time.Second},
	})

	resp := do(t, "GET", ts.URL+"/away", testToken, nil)
	var all []awaylog.Totals
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[1].Kind != "timer" || all[1].Away != 3*time.Second {
		t.Errorf("got %+v", all)
	}

	resp = do(t, "GET", ts.URL+"/away?kind=timer", testToken, nil)
	var one []awaylog.Totals
	if err := json.NewDecoder(resp.Body).Decode(&one); err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].Kind != "timer" {
		t.Errorf("got %+v", one)
	}

	if resp := do(t, "GET", ts.URL+"/away?kind=broken", testToken, nil); resp.StatusCode != 500 {
		t.Errorf("got status %d, want 500", resp.StatusCode)
	}
}

func TestAwayDisabled(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{})

	// Falls through to the static file server.
	if resp := do(t, "GET", ts.URL+"/away", testToken, nil); resp.StatusCode != 404 {
		t.Errorf("got status %d, want 404", resp.StatusCode)
	}
}

func TestUnknownWindow(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{})

	if resp := do(t, "DELETE", ts.URL+"/whep/missing", testToken, nil); resp.StatusCode != 404 {
		t.Errorf("DELETE: got status %d, want 404", resp.StatusCode)
	}
	if resp := do(t, "PATCH", ts.URL+"/whep/missing", testToken, strings.NewReader("")); resp.StatusCode != 404 {
		t.Errorf("PATCH: got status %d, want 404", resp.StatusCode)
	}
}

func TestBadOfferDoesNotPrepare(t *testing.T) {
	t.Parallel()
	_, fake, ts := newTestServer(t, Config{})

	resp := do(t, "POST", ts.URL+"/whep", testToken, strings.NewReader("not sdp"))
	if resp.StatusCode != 400 {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
	if calls := fake.Calls(); len(calls) != 0 {
		t.Errorf("got calls %v, want none", calls)
	}
}

func TestCORSAllowlist(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, Config{AllowedOrigins: []string{"https://ok.example"}})

	for origin, want := range map[string]string{
		"https://ok.example":  "https://ok.example",
		"https://bad.example": "",
	} {
		req, _ := http.NewRequest("OPTIONS", ts.URL+"/whep", nil)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != 204 {
			t.Errorf("%s: got status %d, want 204", origin, resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("%s: got allow-origin %q, want %q", origin, got, want)
		}
	}
}

func TestControlEvents(t *testing.T) {
	t.Parallel()
	srv, fake, _ := newTestServer(t, Config{})
	win, err := host.NewWindow("w", host.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer win.Close()

	for _, ev := range []host.ControlEvent{
		{Type: "possible", Possible: false},
		{Type: "start"},
		{Type: "toggle"},
		{Type: "rate", Hz: 12},
		{Type: "rate"},
		{Type: "rate", Hz: -5},
		{Type: "cancel"},
		{Type: "failed", Reason: "window closed by user"},
		{Type: "stop"},
		{Type: "bogus"},
	} {
		srv.handleControl(win, ev)
	}

	want := []string{"possible:false", "possible:true", "confirm", "toggle", "rate:12", "cancel", "failed", "stop"}
	got := fake.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got calls %v, want %v", got, want)
	}
	if fake.failure == nil || fake.failure.Error() != "window closed by user" {
		t.Errorf("got failure %v", fake.failure)
	}
}

func TestOfferPreparesAndBinds(t *testing.T) {
	t.Parallel()
	_, fake, ts := newTestServer(t, Config{OfferTimeout: 5 * time.Second})

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	for _, label := range []string{host.FramesLabel, host.ControlLabel} {
		if _, err := pc.CreateDataChannel(label, nil); err != nil {
			t.Fatal(err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered

	resp := do(t, "POST", ts.URL+"/whep?kind=timer", testToken, strings.NewReader(pc.LocalDescription().SDP))
	if resp.StatusCode != 201 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("got status %d: %s", resp.StatusCode, body)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/whep/") {
		t.Fatalf("got location %q", loc)
	}
	if got := resp.Header.Get("X-Session-Id"); got != "session-1" {
		t.Errorf("got session id %q", got)
	}
	answer, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(answer), "webrtc-datachannel") {
		t.Error("answer has no data channel section")
	}

	calls := fake.Calls()
	if len(calls) != 2 || calls[0] != "prepare:timer" || calls[1] != "bind" {
		t.Fatalf("got calls %v", calls)
	}
	fake.mu.Lock()
	bound := fake.bound
	fake.mu.Unlock()
	win, ok := bound.(*host.Window)
	if !ok || "/whep/"+win.ID != loc {
		t.Fatalf("bound %T, location %q", bound, loc)
	}

	st := do(t, "GET", ts.URL+"/session", testToken, nil)
	var status map[string]any
	json.NewDecoder(st.Body).Decode(&status)
	if status["window"] != win.ID {
		t.Errorf("status window %v, want %s", status["window"], win.ID)
	}

	if resp := do(t, "DELETE", ts.URL+loc, testToken, nil); resp.StatusCode != 200 {
		t.Fatalf("DELETE: got status %d", resp.StatusCode)
	}
	if !win.IsClosed() {
		t.Error("window still open after DELETE")
	}
	calls = fake.Calls()
	if calls[len(calls)-1] != "stop" {
		t.Errorf("got calls %v, want trailing stop", calls)
	}
	if resp := do(t, "DELETE", ts.URL+loc, testToken, nil); resp.StatusCode != 404 {
		t.Errorf("second DELETE: got status %d, want 404", resp.StatusCode)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	t.Parallel()
	_, fake, ts := newTestServer(t, Config{OfferTimeout: 5 * time.Second})

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	pc.CreateDataChannel(host.FramesLabel, nil)
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	pc.SetLocalDescription(offer)

	resp := do(t, "POST", ts.URL+"/whep?kind=nope", testToken, strings.NewReader(offer.SDP))
	if resp.StatusCode != 400 {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
	for _, c := range fake.Calls() {
		if c == "bind" {
			t.Error("bind called for unknown kind")
		}
	}
}
