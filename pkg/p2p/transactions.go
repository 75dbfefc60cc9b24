package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/mempool"
	"github.com/coinjecture/coinjectured/pkg/state"
)

// TxGossipTopic is the versioned transaction topic.
const TxGossipTopic = "/coinjecture/tx/1.0.0"

const txQueueCapacity = 1000

// TxGossip publishes pooled transactions in batches and feeds verified
// incoming transactions straight into the mempool.
type TxGossip struct {
	host    *Host
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	mempool *mempool.Mempool
	store   *state.Store
	scoring *Scoring
	log     *zap.Logger

	batchInterval time.Duration
	batchMax      int

	queue chan *core.Transaction

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTxGossip joins the transaction topic and starts the receive and
// broadcast workers.
func NewTxGossip(ctx context.Context, h *Host, mp *mempool.Mempool, store *state.Store,
	scoring *Scoring, cfg config.GossipConfig, log *zap.Logger) (*TxGossip, error) {

	topic, err := h.PubSub().Join(TxGossipTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", TxGossipTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", TxGossipTopic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	tg := &TxGossip{
		host:          h,
		topic:         topic,
		sub:           sub,
		mempool:       mp,
		store:         store,
		scoring:       scoring,
		log:           log,
		batchInterval: cfg.TxBatchInterval,
		batchMax:      cfg.TxBatchMax,
		queue:         make(chan *core.Transaction, txQueueCapacity),
		ctx:           ctx,
		cancel:        cancel,
	}

	// Sanctioned peers do not get their messages forwarded onward: the
	// validator rejects before the router republishes.
	if err := h.PubSub().RegisterTopicValidator(TxGossipTopic, tg.topicValidator); err != nil {
		cancel()
		sub.Cancel()
		topic.Close()
		return nil, fmt.Errorf("failed to register tx validator: %w", err)
	}

	go tg.receiveLoop()
	go tg.broadcastLoop()

	log.Info("transaction gossip started", zap.String("topic", TxGossipTopic))
	return tg, nil
}

func (tg *TxGossip) topicValidator(_ context.Context, from peer.ID, _ *pubsub.Message) pubsub.ValidationResult {
	if tg.scoring.IsBanned(from) {
		return pubsub.ValidationReject
	}
	if tg.scoring.IsQuarantined(from) {
		return pubsub.ValidationIgnore
	}
	return pubsub.ValidationAccept
}

// Broadcast queues a transaction for the next batch. A full queue drops the
// newcomer with a warning; the submitter may re-enqueue on a later event.
func (tg *TxGossip) Broadcast(tx *core.Transaction) {
	select {
	case tg.queue <- tx:
	default:
		tg.log.Warn("transaction broadcast queue full, dropping",
			zap.String("tx_hash", tx.Hash.Short()))
	}
}

func (tg *TxGossip) receiveLoop() {
	for {
		msg, err := tg.sub.Next(tg.ctx)
		if err != nil {
			if tg.ctx.Err() != nil {
				return
			}
			tg.log.Error("failed to receive tx message", zap.Error(err))
			continue
		}
		if msg.ReceivedFrom == tg.host.ID() {
			continue
		}
		tg.handleIncoming(msg.ReceivedFrom, msg.Data)
	}
}

// handleIncoming decodes, verifies and admits one transaction, scoring the
// sender for each outcome class.
func (tg *TxGossip) handleIncoming(from peer.ID, data []byte) {
	var wire TransactionMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		tg.scoring.RecordMalformed(from)
		tg.log.Warn("undecodable tx message",
			zap.String("peer", from.String()), zap.Error(err))
		return
	}

	tx := wire.ToTransaction()
	if err := tx.Verify(); err != nil {
		tg.scoring.RecordInvalid(from)
		tg.log.Warn("invalid transaction",
			zap.String("peer", from.String()),
			zap.String("tx_hash", tx.Hash.Short()),
			zap.Error(err))
		return
	}

	// Cross-check against local state: an unknown sender or a nonce
	// already consumed cannot become includable. Pending nonces above the
	// account's are fine; the builder sorts that out.
	sender, err := tg.store.GetAccount(tx.From)
	switch {
	case errors.Is(err, state.ErrNotFound):
		tg.scoring.RecordInvalid(from)
		return
	case err != nil:
		tg.log.Error("failed to read sender account", zap.Error(err))
		return
	case tx.Nonce < sender.Nonce || sender.Balance < tx.Cost():
		tg.scoring.RecordInvalid(from)
		return
	}

	if err := tg.mempool.Add(tx); err != nil {
		tg.scoring.RecordInvalid(from)
		tg.log.Debug("transaction not pooled",
			zap.String("tx_hash", tx.Hash.Short()),
			zap.Error(err))
		return
	}

	tg.scoring.RecordValid(from)
	tg.log.Info("transaction received",
		zap.String("tx_hash", tx.Hash.Short()),
		zap.String("from", tx.From.Short()),
		zap.Uint64("amount", tx.Amount),
		zap.String("peer", from.String()))
}

// broadcastLoop drains the queue into batches of up to batchMax; the tick
// flushes whatever is pending.
func (tg *TxGossip) broadcastLoop() {
	ticker := time.NewTicker(tg.batchInterval)
	defer ticker.Stop()

	batch := make([]*core.Transaction, 0, tg.batchMax)
	for {
		select {
		case <-tg.ctx.Done():
			return
		case tx := <-tg.queue:
			batch = append(batch, tx)
			if len(batch) >= tg.batchMax {
				tg.publishBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				tg.publishBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (tg *TxGossip) publishBatch(batch []*core.Transaction) {
	tg.log.Debug("broadcasting transaction batch", zap.Int("count", len(batch)))
	for _, tx := range batch {
		data, err := json.Marshal(NewTransactionMessage(tx))
		if err != nil {
			tg.log.Error("failed to marshal transaction", zap.Error(err))
			continue
		}
		if err := tg.topic.Publish(tg.ctx, data); err != nil {
			tg.log.Error("failed to publish transaction",
				zap.String("tx_hash", tx.Hash.Short()), zap.Error(err))
		}
	}
}

// Close drains nothing further and leaves the topic.
func (tg *TxGossip) Close() error {
	tg.cancel()
	tg.sub.Cancel()
	tg.host.PubSub().UnregisterTopicValidator(TxGossipTopic)
	return tg.topic.Close()
}
