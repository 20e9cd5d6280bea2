package main

import (
	"context"
	crypto_tls "crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pipcast/internal/awaylog"
	"pipcast/internal/content"
	"pipcast/internal/host"
	"pipcast/internal/mediaclock"
	"pipcast/internal/screenstate"
	"pipcast/internal/server"
	"pipcast/internal/session"
	tlsutil "pipcast/internal/tls"
	"pipcast/internal/types"
)

var (
	flagAddr           = flag.String("addr", "127.0.0.1:8080", "HTTP listen address")
	flagToken          = flag.String("token", "", "Bearer token for authentication (required)")
	flagKind           = flag.String("kind", content.KindClock, "Default content kind")
	flagFPS            = flag.Int("fps", 0, "Frame rate override in Hz (0 = content's preferred rate)")
	flagStats          = flag.Bool("stats", false, "Log pipeline stats every 5 seconds")
	flagPrepareTimeout = flag.Duration("prepare-timeout", session.DefaultPrepareTimeout, "Time allowed from prepare until the window is active")
	flagAwayGap        = flag.Duration("away-min-gap", screenstate.DefaultMinGap, "Shortest frame gap treated as the screen being off")
	flagAwayDB         = flag.String("away-db", "", "SQLite file recording away time (empty = disabled)")
	flagWidth          = flag.Int("width", content.DefaultWidth, "Content width in pixels")
	flagHeight         = flag.Int("height", content.DefaultHeight, "Content height in pixels")
	flagTimer          = flag.Duration("timer", content.DefaultTimer, "Countdown length for the timer content")
	flagClip           = flag.String("clip", "", "Animated GIF for the video content (empty = generated clip)")
	flagCameraFPS      = flag.Int("camera-fps", 30, "Capture rate of the camera content")
	flagPeers          = flag.String("peers", "", "Status peers, comma-separated name or name=offline")
	flagJPEGQuality    = flag.Int("jpeg-quality", host.DefaultJPEGQuality, "JPEG quality of frames sent to the window")
	flagMaxWidth       = flag.Int("max-width", host.DefaultMaxWidth, "Frames wider than this are downscaled before sending")
	flagOfferTimeout   = flag.Duration("offer-timeout", server.DefaultOfferTimeout, "Timeout for WHEP offer processing and ICE gathering")
	flagAllowOrigins   = flag.String("allow-origins", "", "Comma-separated CORS allowlist (in addition to same-origin). Empty = same-origin only")
	flagAuthFailLimit  = flag.Int("auth-fail-limit", server.DefaultAuthFailLimit, "Max failed auth attempts per client IP per window")
	flagAuthFailWindow = flag.Duration("auth-fail-window", server.DefaultAuthFailWindow, "Window for auth failure rate limiting")
	flagTLS            = flag.Bool("tls", false, "Enable TLS with auto-generated self-signed certificate")
	flagTLSHosts       = flag.String("tls-hosts", "", "Extra comma-separated names or IPs for the self-signed certificate")
	flagTLSCert        = flag.String("tls-cert", "", "Path to TLS certificate file (PEM)")
	flagTLSKey         = flag.String("tls-key", "", "Path to TLS private key file (PEM)")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("pipcast failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if *flagToken == "" {
		return fmt.Errorf("--token is required")
	}
	if *flagFPS < 0 || *flagFPS > 60 {
		return fmt.Errorf("--fps must be between 0 and 60")
	}
	if (*flagTLSCert != "") != (*flagTLSKey != "") {
		return fmt.Errorf("--tls-cert and --tls-key must both be set")
	}

	var tlsConfig *crypto_tls.Config
	if *flagTLSCert == "" && *flagTLS {
		tc, err := tlsutil.SelfSigned(slog.Default(), splitList(*flagTLSHosts)...)
		if err != nil {
			return fmt.Errorf("self-signed cert: %w", err)
		}
		tlsConfig = tc
	}

	clock := mediaclock.NewHost()
	registry := content.Defaults(content.Config{
		Width:         *flagWidth,
		Height:        *flagHeight,
		Clock:         clock,
		TimerDuration: *flagTimer,
		ClipPath:      *flagClip,
		CameraFPS:     *flagCameraFPS,
		Peers:         content.ParsePeers(*flagPeers, time.Now()),
	})
	if !slices.Contains(registry.Kinds(), *flagKind) {
		return fmt.Errorf("--kind must be one of %s", strings.Join(registry.Kinds(), ", "))
	}

	var tracker types.AwayTracker
	var away server.AwayReport
	if *flagAwayDB != "" {
		store, err := awaylog.Open(awaylog.Config{Path: *flagAwayDB})
		if err != nil {
			return fmt.Errorf("away log: %w", err)
		}
		defer store.Close()
		tracker, away = store, store
	}

	// The server needs the controller and the controller reports state
	// changes to the server.
	var srv *server.Server
	ctrl, err := session.New(session.Config{
		Modules:        registry,
		Clock:          clock,
		Tracker:        tracker,
		PrepareTimeout: *flagPrepareTimeout,
		FrameRate:      *flagFPS,
		Detector:       screenstate.Options{MinGap: *flagAwayGap},
		Stats:          *flagStats,
		OnStateChange: func(from, to session.State) {
			if srv != nil {
				srv.StateChanged(from, to)
			}
		},
	})
	if err != nil {
		return err
	}

	srv = server.New(server.Config{
		Addr:           *flagAddr,
		Token:          *flagToken,
		DefaultKind:    *flagKind,
		Kinds:          registry.Kinds(),
		OfferTimeout:   *flagOfferTimeout,
		AllowedOrigins: splitList(*flagAllowOrigins),
		AuthFailLimit:  *flagAuthFailLimit,
		AuthFailWindow: *flagAuthFailWindow,
		TLSCert:        *flagTLSCert,
		TLSKey:         *flagTLSKey,
		TLS:            tlsConfig,
		Away:           away,
		Window: host.Config{
			JPEGQuality: *flagJPEGQuality,
			MaxWidth:    *flagMaxWidth,
		},
	}, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("pipcast starting",
		"addr", *flagAddr,
		"kinds", registry.Kinds(),
		"fps", *flagFPS,
		"away_db", *flagAwayDB,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(ctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.Teardown()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
