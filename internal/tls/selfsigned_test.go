package tls

import (
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"slices"
	"testing"
	"time"
)

func TestSelfSignedCoversHosts(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := SelfSigned(log, "pip.lan", "10.1.2.3", "")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(cfg.Certificates))
	}
	cert, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	for _, name := range []string{"localhost", "pip.lan"} {
		if !slices.Contains(cert.DNSNames, name) {
			t.Errorf("DNS names %v missing %q", cert.DNSNames, name)
		}
	}
	for _, ip := range []net.IP{net.IPv4(127, 0, 0, 1), net.ParseIP("10.1.2.3")} {
		if !slices.ContainsFunc(cert.IPAddresses, ip.Equal) {
			t.Errorf("IP addresses %v missing %v", cert.IPAddresses, ip)
		}
	}
	if err := cert.VerifyHostname("pip.lan"); err != nil {
		t.Errorf("VerifyHostname: %v", err)
	}
	if time.Until(cert.NotAfter) < 364*24*time.Hour {
		t.Errorf("expires %v, want about a year out", cert.NotAfter)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	if _, err := Fingerprint(nil); err == nil {
		t.Fatal("expected error for nil config")
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := SelfSigned(log)
	if err != nil {
		t.Fatal(err)
	}
	b, err := SelfSigned(log)
	if err != nil {
		t.Fatal(err)
	}
	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, _ := Fingerprint(b)
	if fa == fb {
		t.Error("two ephemeral certificates share a fingerprint")
	}
}
