package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
)

const identityFile = "p2p_key"

// Host owns the libp2p node: static Ed25519 identity, TCP and QUIC
// listeners, connection manager, NAT traversal, a Kademlia DHT used purely
// as a peer-discovery index, and the shared GossipSub router.
type Host struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	log    *zap.Logger
}

// NewHost builds and starts the host. The identity key is loaded from
// storagePath, generated on first start. Banned peers are refused at the
// connection gate.
func NewHost(ctx context.Context, cfg config.Config, scoring *Scoring, log *zap.Logger) (*Host, error) {
	priv, err := loadOrCreateIdentity(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	listenAddrs := []multiaddr.Multiaddr{}
	tcpAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP multiaddr: %w", err)
	}
	listenAddrs = append(listenAddrs, tcpAddr)

	quicAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.ListenPort))
	if err != nil {
		log.Warn("skipping QUIC transport", zap.Error(err))
	} else {
		listenAddrs = append(listenAddrs, quicAddr)
	}

	cm, err := connmgr.NewConnManager(cfg.MaxPeers/2, cfg.MaxPeers, connmgr.WithGracePeriod(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	var kdht *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(newScoreGater(scoring)),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			kdht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
			return kdht, err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	if err := kdht.Bootstrap(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	addrs := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, h.ID()))
	}
	log.Info("p2p host started",
		zap.String("peer_id", h.ID().String()),
		zap.Strings("addrs", addrs))

	hw := &Host{host: h, dht: kdht, pubsub: ps, log: log}
	if len(cfg.BootstrapPeers) > 0 {
		hw.ConnectBootstrap(ctx, cfg.BootstrapPeers)
	} else {
		log.Warn("no bootstrap peers configured; node will not discover peers")
	}
	return hw, nil
}

// loadOrCreateIdentity reads the persisted Ed25519 host key, generating one
// on first start.
func loadOrCreateIdentity(storagePath string) (crypto.PrivKey, error) {
	path := filepath.Join(storagePath, identityFile)

	if data, err := os.ReadFile(path); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity key %s: %w", path, err)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity key: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity key: %w", err)
	}
	if err := os.MkdirAll(storagePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist identity key: %w", err)
	}
	return priv, nil
}

// ConnectBootstrap dials the configured bootstrap multiaddresses. Individual
// failures are logged and skipped; a node with zero reachable bootstraps
// still serves local submitters.
func (h *Host) ConnectBootstrap(ctx context.Context, peers []string) {
	for _, addr := range peers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			h.log.Warn("invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			h.log.Warn("failed to parse bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}
		if err := h.host.Connect(ctx, *info); err != nil {
			h.log.Warn("failed to connect to bootstrap peer",
				zap.String("peer_id", info.ID.String()), zap.Error(err))
			continue
		}
		h.log.Info("connected to bootstrap peer", zap.String("peer_id", info.ID.String()))
	}
}

// ID returns the local peer ID.
func (h *Host) ID() peer.ID { return h.host.ID() }

// Addrs returns the listen multiaddresses.
func (h *Host) Addrs() []multiaddr.Multiaddr { return h.host.Addrs() }

// Libp2p exposes the underlying host for stream protocols.
func (h *Host) Libp2p() host.Host { return h.host }

// PubSub exposes the shared GossipSub router.
func (h *Host) PubSub() *pubsub.PubSub { return h.pubsub }

// PeerCount returns the number of live connections.
func (h *Host) PeerCount() int { return len(h.host.Network().Peers()) }

// ConnectedPeers returns the connected peer IDs.
func (h *Host) ConnectedPeers() []peer.ID { return h.host.Network().Peers() }

// FindPeer resolves a peer's addresses through the DHT.
func (h *Host) FindPeer(ctx context.Context, id peer.ID) (peer.AddrInfo, error) {
	return h.dht.FindPeer(ctx, id)
}

// Close shuts down the DHT and the host.
func (h *Host) Close() error {
	if err := h.dht.Close(); err != nil {
		h.log.Error("failed to close DHT", zap.Error(err))
	}
	return h.host.Close()
}
