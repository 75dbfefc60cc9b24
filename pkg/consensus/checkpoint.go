package consensus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/core"
)

// Checkpoint is a signed state snapshot a fresh node can trust as a fast-sync
// starting point.
type Checkpoint struct {
	BlockNumber  uint64         `json:"block_number"`
	BlockHash    core.Hash      `json:"block_hash"`
	StateRoot    core.Hash      `json:"state_root"`
	Timestamp    int64          `json:"timestamp"`
	TxCount      uint64         `json:"tx_count"`
	ValidatorKey core.Address   `json:"validator_key"`
	ValidatorSig core.Signature `json:"validator_sig"`
}

// SigningBytes is the canonical checkpoint preimage:
// block_number || block_hash || state_root || timestamp || tx_count, integers
// little-endian.
func (cp *Checkpoint) SigningBytes() []byte {
	buf := make([]byte, 0, 88)
	buf = appendUint64LE(buf, cp.BlockNumber)
	buf = append(buf, cp.BlockHash[:]...)
	buf = append(buf, cp.StateRoot[:]...)
	buf = appendUint64LE(buf, uint64(cp.Timestamp))
	buf = appendUint64LE(buf, cp.TxCount)
	return buf
}

func appendUint64LE(buf []byte, n uint64) []byte {
	return append(buf,
		byte(n), byte(n>>8), byte(n>>16), byte(n>>24),
		byte(n>>32), byte(n>>40), byte(n>>48), byte(n>>56))
}

// CheckpointManager keeps the bounded in-memory checkpoint set. A validator
// key makes created checkpoints signed; without one Create still works but
// the results will not verify, which is the correct behavior for non-producer
// nodes that only import.
type CheckpointManager struct {
	log *zap.Logger

	mu          sync.RWMutex
	checkpoints map[uint64]*Checkpoint

	interval uint64
	maxKept  int
	signer   *core.PrivateKey
}

// NewCheckpointManager constructs the manager. signer may be nil.
func NewCheckpointManager(interval uint64, maxKept int, signer *core.PrivateKey, log *zap.Logger) *CheckpointManager {
	return &CheckpointManager{
		log:         log,
		checkpoints: make(map[uint64]*Checkpoint),
		interval:    interval,
		maxKept:     maxKept,
		signer:      signer,
	}
}

// Create snapshots the block if its height is on the interval; off-interval
// heights return (nil, nil).
func (cm *CheckpointManager) Create(block *core.Block, txCount uint64) (*Checkpoint, error) {
	if block.BlockNumber == 0 || block.BlockNumber%cm.interval != 0 {
		return nil, nil
	}

	cp := &Checkpoint{
		BlockNumber: block.BlockNumber,
		BlockHash:   block.BlockHash,
		StateRoot:   block.StateRoot,
		Timestamp:   time.Now().Unix(),
		TxCount:     txCount,
	}
	if cm.signer != nil {
		cp.ValidatorKey = cm.signer.Address()
		cp.ValidatorSig = cm.signer.Sign(cp.SigningBytes())
	}

	cm.mu.Lock()
	cm.checkpoints[cp.BlockNumber] = cp
	cm.pruneLocked()
	cm.mu.Unlock()

	cm.log.Info("checkpoint created",
		zap.Uint64("block_number", cp.BlockNumber),
		zap.String("block_hash", cp.BlockHash.Short()),
		zap.String("state_root", cp.StateRoot.Short()),
		zap.Uint64("tx_count", txCount),
		zap.Bool("signed", cm.signer != nil))
	return cp, nil
}

// Get returns the checkpoint at the exact height, or nil.
func (cm *CheckpointManager) Get(blockNumber uint64) *Checkpoint {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cp, ok := cm.checkpoints[blockNumber]; ok {
		c := *cp
		return &c
	}
	return nil
}

// GetLatest returns the highest checkpoint, or nil.
func (cm *CheckpointManager) GetLatest() *Checkpoint {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var latest *Checkpoint
	for _, cp := range cm.checkpoints {
		if latest == nil || cp.BlockNumber > latest.BlockNumber {
			latest = cp
		}
	}
	if latest == nil {
		return nil
	}
	c := *latest
	return &c
}

// GetAtOrBefore returns the best checkpoint not above the height, or nil.
func (cm *CheckpointManager) GetAtOrBefore(blockNumber uint64) *Checkpoint {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var best *Checkpoint
	for height, cp := range cm.checkpoints {
		if height <= blockNumber && (best == nil || height > best.BlockNumber) {
			best = cp
		}
	}
	if best == nil {
		return nil
	}
	c := *best
	return &c
}

// List returns all checkpoints ascending by height.
func (cm *CheckpointManager) List() []*Checkpoint {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(cm.checkpoints))
	for _, cp := range cm.checkpoints {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out
}

// pruneLocked drops the oldest checkpoints beyond the retention cap.
func (cm *CheckpointManager) pruneLocked() {
	if len(cm.checkpoints) <= cm.maxKept {
		return
	}
	heights := make([]uint64, 0, len(cm.checkpoints))
	for h := range cm.checkpoints {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	for _, h := range heights[:len(cm.checkpoints)-cm.maxKept] {
		delete(cm.checkpoints, h)
		cm.log.Debug("checkpoint pruned", zap.Uint64("block_number", h))
	}
}

// Export serializes the checkpoint at the height for sharing.
func (cm *CheckpointManager) Export(blockNumber uint64) ([]byte, error) {
	cp := cm.Get(blockNumber)
	if cp == nil {
		return nil, fmt.Errorf("checkpoint %d not found", blockNumber)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// Import parses, verifies and admits a shared checkpoint. Unsigned or
// tampered checkpoints are rejected.
func (cm *CheckpointManager) Import(data []byte) error {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", core.ErrMalformed, err)
	}
	if !cm.Verify(&cp) {
		return fmt.Errorf("%w: checkpoint %d failed verification", core.ErrBadSignature, cp.BlockNumber)
	}

	cm.mu.Lock()
	cm.checkpoints[cp.BlockNumber] = &cp
	cm.pruneLocked()
	cm.mu.Unlock()

	cm.log.Info("checkpoint imported",
		zap.Uint64("block_number", cp.BlockNumber),
		zap.String("block_hash", cp.BlockHash.Short()))
	return nil
}

// Verify checks the structural fields and the validator signature. An
// unsigned checkpoint never verifies.
func (cm *CheckpointManager) Verify(cp *Checkpoint) bool {
	if cp == nil {
		return false
	}
	if cp.BlockNumber == 0 || cp.Timestamp == 0 {
		return false
	}
	if cp.BlockHash == core.ZeroHash {
		return false
	}
	if cp.ValidatorKey == (core.Address{}) {
		return false
	}
	return core.VerifySignature(cp.ValidatorKey, cp.SigningBytes(), cp.ValidatorSig)
}

// SyncFrom picks the fast-sync starting point for a target height: the best
// verified checkpoint at or below it, and the next block number to fetch. A
// nil checkpoint means sync from genesis.
func (cm *CheckpointManager) SyncFrom(targetHeight uint64) (*Checkpoint, uint64, error) {
	cp := cm.GetAtOrBefore(targetHeight)
	if cp == nil {
		return nil, 0, nil
	}
	if !cm.Verify(cp) {
		return nil, 0, fmt.Errorf("%w: checkpoint %d failed verification", core.ErrBadSignature, cp.BlockNumber)
	}

	cm.log.Info("fast sync from checkpoint",
		zap.Uint64("checkpoint_height", cp.BlockNumber),
		zap.Uint64("target_height", targetHeight))
	return cp, cp.BlockNumber + 1, nil
}

// Clear drops every checkpoint.
func (cm *CheckpointManager) Clear() {
	cm.mu.Lock()
	cm.checkpoints = make(map[uint64]*Checkpoint)
	cm.mu.Unlock()
}
