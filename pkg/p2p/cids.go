package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
)

// CIDGossipTopic is the versioned content-identifier topic.
const CIDGossipTopic = "/coinjecture/cids/1.0.0"

const cidQueueCapacity = 1000

// CID artifact types.
const (
	CIDTypeProblem  = "problem"
	CIDTypeSolution = "solution"
	CIDTypeBlock    = "block"
)

// CIDGossip batches content-identifier announcements the same way the tx
// layer batches transactions, and delivers incoming announcements on a typed
// channel for a user-supplied handler.
type CIDGossip struct {
	host    *Host
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	scoring *Scoring
	log     *zap.Logger

	batchInterval time.Duration
	batchMax      int

	queue    chan *CIDMessage
	incoming chan *CIDMessage

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCIDGossip joins the cid topic and starts the workers.
func NewCIDGossip(ctx context.Context, h *Host, scoring *Scoring, cfg config.GossipConfig, log *zap.Logger) (*CIDGossip, error) {
	topic, err := h.PubSub().Join(CIDGossipTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", CIDGossipTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", CIDGossipTopic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cg := &CIDGossip{
		host:          h,
		topic:         topic,
		sub:           sub,
		scoring:       scoring,
		log:           log,
		batchInterval: cfg.CIDBatchInterval,
		batchMax:      cfg.CIDBatchMax,
		queue:         make(chan *CIDMessage, cidQueueCapacity),
		incoming:      make(chan *CIDMessage, cidQueueCapacity),
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := h.PubSub().RegisterTopicValidator(CIDGossipTopic, cg.topicValidator); err != nil {
		cancel()
		sub.Cancel()
		topic.Close()
		return nil, fmt.Errorf("failed to register cid validator: %w", err)
	}

	go cg.receiveLoop()
	go cg.broadcastLoop()

	log.Info("cid gossip started", zap.String("topic", CIDGossipTopic))
	return cg, nil
}

func (cg *CIDGossip) topicValidator(_ context.Context, from peer.ID, _ *pubsub.Message) pubsub.ValidationResult {
	if cg.scoring.IsBanned(from) {
		return pubsub.ValidationReject
	}
	if cg.scoring.IsQuarantined(from) {
		return pubsub.ValidationIgnore
	}
	return pubsub.ValidationAccept
}

// Incoming delivers announcements from remote peers; the consumer persists
// or forwards the identifier and fetches the payload out of band.
func (cg *CIDGossip) Incoming() <-chan *CIDMessage {
	return cg.incoming
}

// Announce queues a cid for the next batch. A full queue drops the newcomer
// with a warning.
func (cg *CIDGossip) Announce(msg *CIDMessage) {
	if msg.Publisher == "" {
		msg.Publisher = cg.host.ID().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	select {
	case cg.queue <- msg:
	default:
		cg.log.Warn("cid broadcast queue full, dropping", zap.String("cid", msg.CID))
	}
}

// AnnounceProblem announces a problem artifact.
func (cg *CIDGossip) AnnounceProblem(cid string, blockNumber, size uint64) {
	cg.Announce(&CIDMessage{
		CID:         cid,
		Type:        CIDTypeProblem,
		BlockNumber: blockNumber,
		Metadata:    CIDMetadata{Size: size, Tags: []string{CIDTypeProblem}},
	})
}

// AnnounceSolution announces a solution artifact tied to its problem.
func (cg *CIDGossip) AnnounceSolution(cid, problemHash string, blockNumber, size uint64) {
	cg.Announce(&CIDMessage{
		CID:         cid,
		Type:        CIDTypeSolution,
		BlockNumber: blockNumber,
		Metadata:    CIDMetadata{Size: size, ProblemHash: problemHash, Tags: []string{CIDTypeSolution}},
	})
}

// AnnounceBlock announces an off-chain block payload.
func (cg *CIDGossip) AnnounceBlock(cid string, blockNumber, size uint64) {
	cg.Announce(&CIDMessage{
		CID:         cid,
		Type:        CIDTypeBlock,
		BlockNumber: blockNumber,
		Metadata:    CIDMetadata{Size: size, Tags: []string{CIDTypeBlock}},
	})
}

func (cg *CIDGossip) receiveLoop() {
	for {
		msg, err := cg.sub.Next(cg.ctx)
		if err != nil {
			if cg.ctx.Err() != nil {
				return
			}
			cg.log.Error("failed to receive cid message", zap.Error(err))
			continue
		}
		if msg.ReceivedFrom == cg.host.ID() {
			continue
		}

		var wire CIDMessage
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			cg.scoring.RecordMalformed(msg.ReceivedFrom)
			cg.log.Warn("undecodable cid message",
				zap.String("peer", msg.ReceivedFrom.String()), zap.Error(err))
			continue
		}
		if wire.CID == "" || !validCIDType(wire.Type) {
			cg.scoring.RecordInvalid(msg.ReceivedFrom)
			continue
		}

		cg.scoring.RecordValid(msg.ReceivedFrom)
		select {
		case cg.incoming <- &wire:
		default:
			cg.log.Warn("cid channel full, dropping", zap.String("cid", wire.CID))
		}
	}
}

func validCIDType(t string) bool {
	switch t {
	case CIDTypeProblem, CIDTypeSolution, CIDTypeBlock:
		return true
	}
	return false
}

func (cg *CIDGossip) broadcastLoop() {
	ticker := time.NewTicker(cg.batchInterval)
	defer ticker.Stop()

	batch := make([]*CIDMessage, 0, cg.batchMax)
	for {
		select {
		case <-cg.ctx.Done():
			return
		case msg := <-cg.queue:
			batch = append(batch, msg)
			if len(batch) >= cg.batchMax {
				cg.publishBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				cg.publishBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (cg *CIDGossip) publishBatch(batch []*CIDMessage) {
	cg.log.Debug("broadcasting cid batch", zap.Int("count", len(batch)))
	for _, msg := range batch {
		data, err := json.Marshal(msg)
		if err != nil {
			cg.log.Error("failed to marshal cid message", zap.Error(err))
			continue
		}
		if err := cg.topic.Publish(cg.ctx, data); err != nil {
			cg.log.Error("failed to publish cid",
				zap.String("cid", msg.CID), zap.Error(err))
		}
	}
}

// Close leaves the topic.
func (cg *CIDGossip) Close() error {
	cg.cancel()
	cg.sub.Cancel()
	cg.host.PubSub().UnregisterTopicValidator(CIDGossipTopic)
	return cg.topic.Close()
}
