package p2p

import (
	ctrl "github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// scoreGater refuses connections to and from banned peers. It consults the
// scoring table only; reconnects are accepted again once decay lifts the ban.
type scoreGater struct {
	scoring *Scoring
}

func newScoreGater(s *Scoring) *scoreGater {
	return &scoreGater{scoring: s}
}

func (g *scoreGater) InterceptPeerDial(id peer.ID) bool {
	return !g.scoring.IsBanned(id)
}

func (g *scoreGater) InterceptAddrDial(id peer.ID, _ multiaddr.Multiaddr) bool {
	return !g.scoring.IsBanned(id)
}

func (g *scoreGater) InterceptAccept(network.ConnMultiaddrs) bool {
	// The remote identity is unknown before the security handshake.
	return true
}

func (g *scoreGater) InterceptSecured(_ network.Direction, id peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.scoring.IsBanned(id)
}

func (g *scoreGater) InterceptUpgraded(network.Conn) (bool, ctrl.DisconnectReason) {
	return true, 0
}
