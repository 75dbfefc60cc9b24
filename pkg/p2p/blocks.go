package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/state"
)

const (
	// BlockGossipTopic is the versioned block topic.
	BlockGossipTopic = "/coinjecture/blocks/1.0.0"

	// BlockSyncProtocol serves historical ranges over a request/response
	// stream.
	BlockSyncProtocol = protocol.ID("/coinjecture/blocksync/1.0.0")

	// MaxBlockSyncBatch bounds one block-sync response.
	MaxBlockSyncBatch = 500

	blockEnvelopeBuffer = 64
)

// BlockEnvelope pairs a received block with its immediate sender so the
// consumer can score the peer by the apply outcome.
type BlockEnvelope struct {
	From  peer.ID
	Block *core.Block
}

// BlockGossip publishes blocks immediately (no batching; blocks are rare and
// consensus-critical) and hands received ones to the applier through a typed
// channel.
type BlockGossip struct {
	host    *Host
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	store   *state.Store
	scoring *Scoring
	log     *zap.Logger

	publishTimeout time.Duration
	incoming       chan BlockEnvelope

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBlockGossip joins the block topic, registers the block-sync responder
// and starts the receive loop.
func NewBlockGossip(ctx context.Context, h *Host, store *state.Store, scoring *Scoring,
	cfg config.GossipConfig, log *zap.Logger) (*BlockGossip, error) {

	topic, err := h.PubSub().Join(BlockGossipTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", BlockGossipTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", BlockGossipTopic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	bg := &BlockGossip{
		host:           h,
		topic:          topic,
		sub:            sub,
		store:          store,
		scoring:        scoring,
		log:            log,
		publishTimeout: cfg.BlockPublishTimeout,
		incoming:       make(chan BlockEnvelope, blockEnvelopeBuffer),
		ctx:            ctx,
		cancel:         cancel,
	}

	if err := h.PubSub().RegisterTopicValidator(BlockGossipTopic, bg.topicValidator); err != nil {
		cancel()
		sub.Cancel()
		topic.Close()
		return nil, fmt.Errorf("failed to register block validator: %w", err)
	}

	h.Libp2p().SetStreamHandler(BlockSyncProtocol, bg.handleBlockSync)
	go bg.receiveLoop()

	log.Info("block gossip started", zap.String("topic", BlockGossipTopic))
	return bg, nil
}

func (bg *BlockGossip) topicValidator(_ context.Context, from peer.ID, _ *pubsub.Message) pubsub.ValidationResult {
	if bg.scoring.IsBanned(from) {
		return pubsub.ValidationReject
	}
	if bg.scoring.IsQuarantined(from) {
		return pubsub.ValidationIgnore
	}
	return pubsub.ValidationAccept
}

// Incoming is the typed channel the applier consumes.
func (bg *BlockGossip) Incoming() <-chan BlockEnvelope {
	return bg.incoming
}

// Broadcast publishes a block with the configured timeout.
func (bg *BlockGossip) Broadcast(block *core.Block) error {
	data, err := json.Marshal(NewBlockMessage(block))
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	ctx, cancel := context.WithTimeout(bg.ctx, bg.publishTimeout)
	defer cancel()
	if err := bg.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish block %d: %w", block.BlockNumber, err)
	}

	bg.log.Info("block broadcast",
		zap.Uint64("block_number", block.BlockNumber),
		zap.String("block_hash", block.BlockHash.Short()),
		zap.Int("tx_count", len(block.Transactions)))
	return nil
}

func (bg *BlockGossip) receiveLoop() {
	for {
		msg, err := bg.sub.Next(bg.ctx)
		if err != nil {
			if bg.ctx.Err() != nil {
				return
			}
			bg.log.Error("failed to receive block message", zap.Error(err))
			continue
		}
		if msg.ReceivedFrom == bg.host.ID() {
			continue
		}

		var wire BlockMessage
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			bg.scoring.RecordMalformed(msg.ReceivedFrom)
			bg.log.Warn("undecodable block message",
				zap.String("peer", msg.ReceivedFrom.String()), zap.Error(err))
			continue
		}

		env := BlockEnvelope{From: msg.ReceivedFrom, Block: wire.ToBlock()}
		select {
		case bg.incoming <- env:
		default:
			bg.log.Warn("block channel full, dropping; block-sync will fill the gap",
				zap.Uint64("block_number", env.Block.BlockNumber))
		}
	}
}

// handleBlockSync serves one range request from the archive and closes the
// stream.
func (bg *BlockGossip) handleBlockSync(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	var req BlockSyncRequest
	if err := json.NewDecoder(stream).Decode(&req); err != nil {
		bg.scoring.RecordMalformed(remote)
		bg.log.Warn("undecodable block-sync request",
			zap.String("peer", remote.String()), zap.Error(err))
		return
	}

	from, to, ok := clampSyncRange(req)
	if !ok {
		bg.scoring.RecordInvalid(remote)
		return
	}

	stored, err := bg.store.GetBlockRange(from, to)
	if err != nil {
		bg.log.Error("failed to read block range", zap.Error(err))
		return
	}

	resp := BlockSyncResponse{Blocks: make([]BlockMessage, 0, len(stored))}
	for _, sb := range stored {
		msg, err := NewBlockMessageFromStored(sb)
		if err != nil {
			bg.log.Error("failed to decode archived block",
				zap.Uint64("block_number", sb.BlockNumber), zap.Error(err))
			return
		}
		resp.Blocks = append(resp.Blocks, *msg)
	}

	if err := json.NewEncoder(stream).Encode(resp); err != nil {
		bg.log.Warn("failed to send block-sync response",
			zap.String("peer", remote.String()), zap.Error(err))
		return
	}
	bg.scoring.RecordValid(remote)
	bg.log.Info("served block-sync request",
		zap.Uint64("from", from), zap.Uint64("to", to),
		zap.Int("blocks", len(resp.Blocks)),
		zap.String("peer", remote.String()))
}

// clampSyncRange bounds a sync request to MaxBlockSyncBatch blocks. An
// inverted range is the requester's error, not ours to repair.
func clampSyncRange(req BlockSyncRequest) (from, to uint64, ok bool) {
	from, to = req.FromBlock, req.ToBlock
	if to < from {
		return 0, 0, false
	}
	max := req.MaxBlocks
	if max <= 0 || max > MaxBlockSyncBatch {
		max = MaxBlockSyncBatch
	}
	if to-from+1 > uint64(max) {
		to = from + uint64(max) - 1
	}
	return from, to, true
}

// RequestBlocks pulls a historical range from a specific peer. Timeouts and
// stream failures count against the peer's score.
func (bg *BlockGossip) RequestBlocks(ctx context.Context, id peer.ID, from, to uint64, maxBlocks int) ([]*core.Block, error) {
	stream, err := bg.host.Libp2p().NewStream(ctx, id, BlockSyncProtocol)
	if err != nil {
		return nil, fmt.Errorf("failed to open block-sync stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	req := BlockSyncRequest{FromBlock: from, ToBlock: to, MaxBlocks: maxBlocks}
	if err := json.NewEncoder(stream).Encode(req); err != nil {
		bg.scoring.RecordTimeout(id)
		return nil, fmt.Errorf("failed to send block-sync request: %w", err)
	}

	var resp BlockSyncResponse
	if err := json.NewDecoder(stream).Decode(&resp); err != nil {
		bg.scoring.RecordTimeout(id)
		return nil, fmt.Errorf("failed to read block-sync response: %w", err)
	}

	blocks := make([]*core.Block, len(resp.Blocks))
	for i := range resp.Blocks {
		blocks[i] = resp.Blocks[i].ToBlock()
	}
	bg.scoring.RecordValid(id)
	bg.log.Info("received block-sync blocks",
		zap.Uint64("from", from), zap.Uint64("to", to),
		zap.Int("blocks", len(blocks)),
		zap.String("peer", id.String()))
	return blocks, nil
}

// Close leaves the topic and removes the stream handler.
func (bg *BlockGossip) Close() error {
	bg.cancel()
	bg.sub.Cancel()
	bg.host.PubSub().UnregisterTopicValidator(BlockGossipTopic)
	bg.host.Libp2p().RemoveStreamHandler(BlockSyncProtocol)
	return bg.topic.Close()
}
