package content

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"pipcast/internal/types"
)

// Peer is one entry on the status panel.
type Peer struct {
	Name   string
	Online bool
	Since  time.Time
}

// PeerSource supplies the peers to show. It is read on every redraw.
type PeerSource interface {
	Peers() []Peer
}

// StaticPeers is a fixed peer list.
type StaticPeers []Peer

func (s StaticPeers) Peers() []Peer { return s }

// ParsePeers reads "name" or "name=offline" entries separated by commas.
func ParsePeers(list string, since time.Time) StaticPeers {
	var peers StaticPeers
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		name, state, _ := strings.Cut(f, "=")
		peers = append(peers, Peer{
			Name:   name,
			Online: state != "offline",
			Since:  since,
		})
	}
	return peers
}

// Status lists peers and whether they are online.
type Status struct {
	cfg     Config
	surface *canvas
}

func NewStatus(cfg Config) *Status {
	cfg = cfg.withDefaults()
	s := &Status{cfg: cfg}
	s.surface = newCanvas(cfg.Width, cfg.Height, s.paint)
	return s
}

func (s *Status) Kind() string                { return KindStatus }
func (s *Status) PreferredTickRate() int      { return 2 }
func (s *Status) Start(context.Context) error { return nil }
func (s *Status) Stop()                       {}
func (s *Status) Surface() types.Surface      { return s.surface }

const statusRowHeight = 16

func (s *Status) paint(dst *image.RGBA) {
	b := dst.Bounds()
	fill(dst, b, colorBackground)

	peers := s.cfg.Peers.Peers()
	online := 0
	for _, p := range peers {
		if p.Online {
			online++
		}
	}
	drawText(dst, fmt.Sprintf("%d/%d online", online, len(peers)), image.Pt(8, 6), 1, colorForeground)

	now := s.cfg.Now()
	y := 6 + statusRowHeight + 4
	for i, p := range peers {
		if y+statusRowHeight > b.Max.Y {
			drawText(dst, fmt.Sprintf("+%d more", len(peers)-i), image.Pt(8, y), 1, colorMuted)
			break
		}
		dot := colorMuted
		if p.Online {
			dot = colorOK
		}
		drawDisc(dst, image.Pt(14, y+statusRowHeight/2-1), 4, dot)
		drawText(dst, p.Name, image.Pt(24, y), 1, colorForeground)
		if !p.Since.IsZero() {
			age := now.Sub(p.Since).Truncate(time.Second)
			drawText(dst, age.String(), image.Pt(b.Max.X-80, y), 1, colorMuted)
		}
		y += statusRowHeight
	}
	if len(peers) == 0 {
		drawTextCentered(dst, "no peers", b.Dy()/2-6, 1, colorMuted)
	}
}
