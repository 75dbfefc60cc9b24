package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, 50, cfg.MaxPeers)
	assert.Equal(t, 10_000, cfg.Mempool.MaxSize)
	assert.Equal(t, 1000, cfg.Block.MaxTxPerBlock)
	assert.Equal(t, uint64(30_000_000), cfg.Block.GasLimit)
	assert.Equal(t, uint64(100), cfg.Checkpoint.Interval)
	assert.Equal(t, 10, cfg.PeerScoring.QuarantineThreshold)
	assert.Equal(t, 0, cfg.PeerScoring.BanThreshold)
	assert.Equal(t, 14140*time.Millisecond, cfg.Gossip.TxBatchInterval)
	assert.Equal(t, 100, cfg.Gossip.TxBatchMax)
	assert.Equal(t, 50, cfg.Gossip.CIDBatchMax)
	assert.Equal(t, 5*time.Second, cfg.Gossip.BlockPublishTimeout)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_port: 9123
max_peers: 8
bootstrap_peers:
  - /ip4/10.0.0.1/tcp/9000/p2p/12D3KooWExample
mempool:
  max_size: 500
block:
  gas_limit: 40000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9123, cfg.ListenPort)
	assert.Equal(t, 8, cfg.MaxPeers)
	assert.Len(t, cfg.BootstrapPeers, 1)
	assert.Equal(t, 500, cfg.Mempool.MaxSize)
	assert.Equal(t, uint64(40_000_000), cfg.Block.GasLimit)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1000, cfg.Block.MaxTxPerBlock)
}

func TestValidateRejections(t *testing.T) {
	base := func(t *testing.T) Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("bad port", func(t *testing.T) {
		cfg := base(t)
		cfg.ListenPort = 0
		assert.Error(t, cfg.Validate())
	})
	t.Run("gas limit above hard cap", func(t *testing.T) {
		cfg := base(t)
		cfg.Block.GasLimit = 50_000_001
		assert.Error(t, cfg.Validate())
	})
	t.Run("ban threshold above quarantine", func(t *testing.T) {
		cfg := base(t)
		cfg.PeerScoring.BanThreshold = 50
		assert.Error(t, cfg.Validate())
	})
	t.Run("empty storage path", func(t *testing.T) {
		cfg := base(t)
		cfg.Storage.Path = ""
		assert.Error(t, cfg.Validate())
	})
	t.Run("zero checkpoint interval", func(t *testing.T) {
		cfg := base(t)
		cfg.Checkpoint.Interval = 0
		assert.Error(t, cfg.Validate())
	})
}
