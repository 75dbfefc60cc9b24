// Package config loads the immutable node configuration. Values come from
// COINJECTURE_-prefixed environment variables, an optional config file, and
// the defaults below, in that order of precedence. The loaded value is validated
// once and threaded through constructors; nothing reads configuration after
// boot.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface the node honors.
type Config struct {
	ListenPort     int      `mapstructure:"listen_port"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	MaxPeers       int      `mapstructure:"max_peers"`

	Mempool     MempoolConfig     `mapstructure:"mempool"`
	Block       BlockConfig       `mapstructure:"block"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	PeerScoring PeerScoringConfig `mapstructure:"peer_scoring"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Storage     StorageConfig     `mapstructure:"storage"`

	// ValidatorKeyPath points at the encrypted validator keystore. Empty
	// means this node never produces blocks.
	ValidatorKeyPath string `mapstructure:"validator_key_path"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

type MempoolConfig struct {
	MaxSize           int           `mapstructure:"max_size"`
	MaxTxAge          time.Duration `mapstructure:"max_tx_age"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	PriorityThreshold float64       `mapstructure:"priority_threshold"`
}

type BlockConfig struct {
	MaxTxPerBlock int           `mapstructure:"max_tx_per_block"`
	GasLimit      uint64        `mapstructure:"gas_limit"`
	Interval      time.Duration `mapstructure:"interval"`
}

type CheckpointConfig struct {
	Interval       uint64 `mapstructure:"interval"`
	MaxCheckpoints int    `mapstructure:"max_checkpoints"`
}

type PeerScoringConfig struct {
	QuarantineThreshold int           `mapstructure:"quarantine_threshold"`
	BanThreshold        int           `mapstructure:"ban_threshold"`
	DecayInterval       time.Duration `mapstructure:"decay_interval"`
	StaleTimeout        time.Duration `mapstructure:"stale_timeout"`
}

type GossipConfig struct {
	TxBatchInterval     time.Duration `mapstructure:"tx_batch_interval"`
	TxBatchMax          int           `mapstructure:"tx_batch_max"`
	CIDBatchInterval    time.Duration `mapstructure:"cid_batch_interval"`
	CIDBatchMax         int           `mapstructure:"cid_batch_max"`
	BlockPublishTimeout time.Duration `mapstructure:"block_publish_timeout"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads the configuration from the given file path (empty for defaults
// plus environment only).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COINJECTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_port", 9000)
	v.SetDefault("bootstrap_peers", []string{})
	v.SetDefault("max_peers", 50)

	v.SetDefault("mempool.max_size", 10_000)
	v.SetDefault("mempool.max_tx_age", time.Hour)
	v.SetDefault("mempool.cleanup_interval", time.Minute)
	v.SetDefault("mempool.priority_threshold", 0.0)

	v.SetDefault("block.max_tx_per_block", 1000)
	v.SetDefault("block.gas_limit", 30_000_000)
	v.SetDefault("block.interval", 10*time.Second)

	v.SetDefault("checkpoint.interval", 100)
	v.SetDefault("checkpoint.max_checkpoints", 10)

	v.SetDefault("peer_scoring.quarantine_threshold", 10)
	v.SetDefault("peer_scoring.ban_threshold", 0)
	v.SetDefault("peer_scoring.decay_interval", 5*time.Minute)
	v.SetDefault("peer_scoring.stale_timeout", 5*time.Minute)

	// The 14.14s default batch interval is inherited history; it is a
	// plain configurable interval with no deeper meaning.
	v.SetDefault("gossip.tx_batch_interval", 14140*time.Millisecond)
	v.SetDefault("gossip.tx_batch_max", 100)
	v.SetDefault("gossip.cid_batch_interval", 14140*time.Millisecond)
	v.SetDefault("gossip.cid_batch_max", 50)
	v.SetDefault("gossip.block_publish_timeout", 5*time.Second)

	v.SetDefault("storage.path", "./coinjecture-data")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive, got %d", c.MaxPeers)
	}
	if c.Mempool.MaxSize <= 0 {
		return fmt.Errorf("mempool.max_size must be positive, got %d", c.Mempool.MaxSize)
	}
	if c.Block.MaxTxPerBlock <= 0 {
		return fmt.Errorf("block.max_tx_per_block must be positive, got %d", c.Block.MaxTxPerBlock)
	}
	if c.Block.GasLimit == 0 || c.Block.GasLimit > 50_000_000 {
		return fmt.Errorf("block.gas_limit %d outside (0, 50000000]", c.Block.GasLimit)
	}
	if c.Checkpoint.Interval == 0 {
		return fmt.Errorf("checkpoint.interval must be positive")
	}
	if c.Checkpoint.MaxCheckpoints <= 0 {
		return fmt.Errorf("checkpoint.max_checkpoints must be positive, got %d", c.Checkpoint.MaxCheckpoints)
	}
	if c.PeerScoring.BanThreshold >= c.PeerScoring.QuarantineThreshold {
		return fmt.Errorf("peer_scoring.ban_threshold %d must be below quarantine_threshold %d",
			c.PeerScoring.BanThreshold, c.PeerScoring.QuarantineThreshold)
	}
	if c.Gossip.TxBatchMax <= 0 || c.Gossip.CIDBatchMax <= 0 {
		return fmt.Errorf("gossip batch sizes must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set")
	}
	return nil
}
