// Package node boots the components in dependency order, wires the gossip
// channels to their consumers, and tears everything down in reverse on one
// cancellation signal.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
	"github.com/coinjecture/coinjectured/pkg/consensus"
	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/mempool"
	"github.com/coinjecture/coinjectured/pkg/metrics"
	"github.com/coinjecture/coinjectured/pkg/p2p"
	"github.com/coinjecture/coinjectured/pkg/state"
	"github.com/coinjecture/coinjectured/pkg/wallet"
)

// ContentHandler consumes incoming content-identifier announcements. The
// payload is fetched out of band; the handler persists or forwards the
// identifier.
type ContentHandler func(*p2p.CIDMessage) error

// Node is the assembled coinjecture node.
type Node struct {
	cfg config.Config
	log *zap.Logger

	store       *state.Store
	mempool     *mempool.Mempool
	builder     *consensus.Builder
	checkpoints *consensus.CheckpointManager
	scoring     *p2p.Scoring
	host        *p2p.Host
	txGossip    *p2p.TxGossip
	blockGossip *p2p.BlockGossip
	cidGossip   *p2p.CIDGossip

	validatorKey *core.PrivateKey

	registry      *metrics.Registry
	blocksBuilt   *metrics.Counter
	blocksApplied *metrics.Counter
	blocksBad     *metrics.Counter
	txsAdmitted   *metrics.Counter
	txsRejected   *metrics.Counter
	peerGauge     *metrics.Gauge

	contentHandler ContentHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New boots every component in dependency order. A configured validator key
// path makes this node a producer; otherwise it only follows the chain.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Node, error) {
	n := &Node{cfg: cfg, log: log, registry: metrics.NewRegistry()}
	n.blocksBuilt = n.registry.Counter("coinjecture_blocks_built_total", "Blocks produced locally")
	n.blocksApplied = n.registry.Counter("coinjecture_blocks_applied_total", "Blocks applied to state")
	n.blocksBad = n.registry.Counter("coinjecture_blocks_rejected_total", "Blocks rejected")
	n.txsAdmitted = n.registry.Counter("coinjecture_txs_admitted_total", "Transactions admitted to the mempool")
	n.txsRejected = n.registry.Counter("coinjecture_txs_rejected_total", "Transactions refused admission")
	n.peerGauge = n.registry.Gauge("coinjecture_connected_peers", "Currently connected peers")

	store, err := state.Open(cfg.Storage.Path+"/chain.db", log.Named("state"))
	if err != nil {
		return nil, err
	}
	n.store = store

	n.mempool = mempool.New(cfg.Mempool, log.Named("mempool"))
	n.builder = consensus.NewBuilder(n.mempool, store, cfg.Block.MaxTxPerBlock, cfg.Block.GasLimit, log.Named("builder"))

	if cfg.ValidatorKeyPath != "" {
		key, err := wallet.LoadOrCreate(validatorPassword(), cfg.ValidatorKeyPath)
		if err != nil {
			n.closePartial()
			return nil, fmt.Errorf("failed to load validator key: %w", err)
		}
		n.validatorKey = key
		log.Info("validator key loaded", zap.String("address", key.Address().Short()))
	}

	n.checkpoints = consensus.NewCheckpointManager(
		cfg.Checkpoint.Interval, cfg.Checkpoint.MaxCheckpoints, n.validatorKey, log.Named("checkpoint"))

	if err := n.ensureGenesis(); err != nil {
		n.closePartial()
		return nil, err
	}

	n.scoring = p2p.NewScoring(cfg.PeerScoring, log.Named("scoring"))

	host, err := p2p.NewHost(ctx, cfg, n.scoring, log.Named("p2p"))
	if err != nil {
		n.closePartial()
		return nil, err
	}
	n.host = host

	if n.txGossip, err = p2p.NewTxGossip(ctx, host, n.mempool, store, n.scoring, cfg.Gossip, log.Named("tx-gossip")); err != nil {
		n.closePartial()
		return nil, err
	}
	if n.blockGossip, err = p2p.NewBlockGossip(ctx, host, store, n.scoring, cfg.Gossip, log.Named("block-gossip")); err != nil {
		n.closePartial()
		return nil, err
	}
	if n.cidGossip, err = p2p.NewCIDGossip(ctx, host, n.scoring, cfg.Gossip, log.Named("cid-gossip")); err != nil {
		n.closePartial()
		return nil, err
	}

	return n, nil
}

// ensureGenesis seeds an empty archive. Only a validator can mint genesis;
// a follower starts empty and syncs its first block from the network.
func (n *Node) ensureGenesis() error {
	count, err := n.store.GetBlockCount()
	if err != nil {
		return err
	}
	if count > 0 || n.validatorKey == nil {
		return nil
	}

	genesis := consensus.NewGenesisBlock(n.validatorKey.Address(), 0)
	if _, err := n.builder.ApplyBlock(genesis); err != nil {
		return fmt.Errorf("failed to apply genesis: %w", err)
	}
	if err := n.store.SetGenesis(genesis.BlockHash, genesis.Timestamp); err != nil {
		return err
	}
	n.log.Info("genesis block created",
		zap.String("block_hash", genesis.BlockHash.Short()))
	return nil
}

// SetContentHandler installs the consumer for incoming cid announcements.
// Call before Start.
func (n *Node) SetContentHandler(h ContentHandler) {
	n.contentHandler = h
}

// Start launches the consumer loops and, on a validator, block production.
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(2)
	go n.consumeBlocks(ctx)
	go n.consumeCIDs(ctx)

	if n.validatorKey != nil {
		n.wg.Add(1)
		go n.produceBlocks(ctx)
	}

	n.log.Info("node started",
		zap.String("peer_id", n.host.ID().String()),
		zap.Bool("validator", n.validatorKey != nil))
}

// produceBlocks builds, applies and broadcasts a block every interval. A
// locally built block failing its own apply is a programming bug; production
// stops rather than continuing on a corrupt premise.
func (n *Node) produceBlocks(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Block.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.produceOne(); err != nil {
				n.log.Error("block production halted", zap.Error(err))
				return
			}
		}
	}
}

func (n *Node) produceOne() error {
	head, err := n.store.GetLatestBlock()
	if err != nil {
		return fmt.Errorf("failed to load chain head: %w", err)
	}

	block, err := n.builder.BuildBlock(head.BlockHash, head.BlockNumber+1, n.validatorKey.Address())
	if err != nil {
		return fmt.Errorf("failed to build block: %w", err)
	}
	if _, err := n.builder.ApplyBlock(block); err != nil {
		return fmt.Errorf("locally built block %d failed apply: %w", block.BlockNumber, err)
	}
	n.blocksBuilt.Inc()
	n.blocksApplied.Inc()
	n.afterApply(block)

	if err := n.blockGossip.Broadcast(block); err != nil {
		// Propagation failure is recoverable; peers pull via block-sync.
		n.log.Warn("failed to broadcast block", zap.Error(err))
	}
	n.peerGauge.Set(float64(n.host.PeerCount()))
	return nil
}

// consumeBlocks applies blocks arriving on the gossip channel in order,
// filling gaps over block-sync from the sender.
func (n *Node) consumeBlocks(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-n.blockGossip.Incoming():
			n.handleIncomingBlock(ctx, env)
		}
	}
}

func (n *Node) handleIncomingBlock(ctx context.Context, env p2p.BlockEnvelope) {
	cs, err := n.store.GetChainState()
	if err != nil {
		n.log.Error("failed to read chain state", zap.Error(err))
		return
	}

	number := env.Block.BlockNumber
	switch {
	case cs.TotalBlocks > 0 && number <= cs.HeadBlockNumber:
		// Already have it; nothing to score either way.
		return
	case cs.TotalBlocks > 0 && number > cs.HeadBlockNumber+1:
		n.fillGap(ctx, env.From, cs.HeadBlockNumber+1, number-1)
	}

	if err := n.applyRemote(env.From, env.Block); err != nil {
		n.log.Warn("rejected gossiped block",
			zap.Uint64("block_number", number),
			zap.String("peer", env.From.String()),
			zap.Error(err))
	}
}

// fillGap pulls the missing range from the peer that showed us the newer
// block and applies it in order. A failed fetch just leaves the gap; the
// newer block will then be rejected for not extending the head and the next
// gossip round retries.
func (n *Node) fillGap(ctx context.Context, from peer.ID, start, end uint64) {
	fetchCtx, cancel := context.WithTimeout(ctx, n.cfg.Gossip.BlockPublishTimeout*2)
	defer cancel()

	blocks, err := n.blockGossip.RequestBlocks(fetchCtx, from, start, end, p2p.MaxBlockSyncBatch)
	if err != nil {
		n.log.Warn("block-sync fetch failed",
			zap.Uint64("from", start), zap.Uint64("to", end),
			zap.String("peer", from.String()), zap.Error(err))
		return
	}
	for _, block := range blocks {
		if err := n.applyRemote(from, block); err != nil {
			n.log.Warn("block-sync block rejected",
				zap.Uint64("block_number", block.BlockNumber), zap.Error(err))
			return
		}
	}
}

// applyRemote applies one block from a peer and scores the outcome.
func (n *Node) applyRemote(from peer.ID, block *core.Block) error {
	if _, err := n.builder.ApplyBlock(block); err != nil {
		n.blocksBad.Inc()
		n.scoring.RecordInvalid(from)
		return err
	}
	n.blocksApplied.Inc()
	n.scoring.RecordValid(from)
	n.afterApply(block)
	return nil
}

func (n *Node) afterApply(block *core.Block) {
	for _, tx := range block.Transactions {
		n.mempool.Remove(tx.Hash)
	}

	cs, err := n.store.GetChainState()
	if err != nil {
		n.log.Error("failed to read chain state", zap.Error(err))
		return
	}
	if _, err := n.checkpoints.Create(block, cs.TotalTransactions); err != nil {
		n.log.Error("failed to create checkpoint", zap.Error(err))
	}
}

// consumeCIDs forwards announcements to the installed handler.
func (n *Node) consumeCIDs(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.cidGossip.Incoming():
			if n.contentHandler == nil {
				n.log.Debug("cid announcement dropped, no handler",
					zap.String("cid", msg.CID), zap.String("type", msg.Type))
				continue
			}
			if err := n.contentHandler(msg); err != nil {
				n.log.Warn("content handler failed",
					zap.String("cid", msg.CID), zap.Error(err))
			}
		}
	}
}

// SubmitTransaction is the local ingress: pool it, then queue it for gossip.
func (n *Node) SubmitTransaction(tx *core.Transaction) error {
	if err := n.mempool.Add(tx); err != nil {
		n.txsRejected.Inc()
		return err
	}
	n.txsAdmitted.Inc()
	n.txGossip.Broadcast(tx)
	return nil
}

// AnnounceContent queues a content-identifier announcement.
func (n *Node) AnnounceContent(msg *p2p.CIDMessage) {
	n.cidGossip.Announce(msg)
}

// Read-only query hooks for the external HTTP surface. They take the shared
// read lock only and never block production.

func (n *Node) GetBlockByNumber(number uint64) (*state.StoredBlock, error) {
	return n.store.GetBlockByNumber(number)
}

func (n *Node) GetBlockByHash(hash core.Hash) (*state.StoredBlock, error) {
	return n.store.GetBlockByHash(hash)
}

func (n *Node) GetLatestBlock() (*state.StoredBlock, error) {
	return n.store.GetLatestBlock()
}

func (n *Node) GetBlockRange(start, end uint64) ([]*state.StoredBlock, error) {
	return n.store.GetBlockRange(start, end)
}

func (n *Node) GetAccount(addr core.Address) (core.Account, error) {
	return n.store.GetAccount(addr)
}

func (n *Node) ExportCheckpoint(blockNumber uint64) ([]byte, error) {
	return n.checkpoints.Export(blockNumber)
}

// Metrics exposes the registry for the collaborator HTTP surface.
func (n *Node) Metrics() *metrics.Registry {
	return n.registry
}

// validatorPassword reads the keystore password from the environment; an
// empty password still encrypts, it just offers no protection beyond file
// permissions.
func validatorPassword() string {
	return os.Getenv("COINJECTURE_VALIDATOR_PASSWORD")
}

// Close tears components down in reverse boot order.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	return n.closePartial()
}

// closePartial releases whatever booted, newest first. Safe to call on a
// half-constructed node.
func (n *Node) closePartial() error {
	var errs []error
	if n.cidGossip != nil {
		errs = append(errs, n.cidGossip.Close())
	}
	if n.blockGossip != nil {
		errs = append(errs, n.blockGossip.Close())
	}
	if n.txGossip != nil {
		errs = append(errs, n.txGossip.Close())
	}
	if n.host != nil {
		errs = append(errs, n.host.Close())
	}
	if n.scoring != nil {
		errs = append(errs, n.scoring.Close())
	}
	if n.mempool != nil {
		n.mempool.Close()
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}
