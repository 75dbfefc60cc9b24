// Package mempool holds verified pending transactions in a bounded pool
// ordered by priority. Admission checks signatures only; nonce and balance
// are judged at block-build time so a sender can queue consecutive nonces.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
	"github.com/coinjecture/coinjectured/pkg/core"
)

// Admission errors.
var (
	ErrDuplicate      = errors.New("transaction already pooled")
	ErrPoolFull       = errors.New("mempool full")
	ErrBelowThreshold = errors.New("priority below threshold")
	ErrClosed         = errors.New("mempool closed")
)

type entry struct {
	tx      *core.Transaction
	addedAt time.Time
}

// priority is monotonic in fee-per-gas and decays with age; a transaction
// that has waited ten minutes scores half its fresh value. Age counts in
// whole minutes so same-batch submissions tie exactly and fall through to
// the deterministic (sender, nonce, hash) ordering.
func (e *entry) priority(now time.Time) float64 {
	age := now.Sub(e.addedAt)
	if age < 0 {
		age = 0
	}
	ageMinutes := math.Floor(age.Minutes())
	return e.tx.FeePerGas() / (1 + ageMinutes/10)
}

// Mempool is the bounded pending-transaction pool. Its lock is never held
// across I/O.
type Mempool struct {
	cfg config.MempoolConfig
	log *zap.Logger

	mu      sync.RWMutex
	entries map[core.Hash]*entry
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs the pool and starts its janitor.
func New(cfg config.MempoolConfig, log *zap.Logger) *Mempool {
	ctx, cancel := context.WithCancel(context.Background())
	mp := &Mempool{
		cfg:     cfg,
		log:     log,
		entries: make(map[core.Hash]*entry),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go mp.janitor(ctx)
	return mp
}

// Add admits a transaction. The signature is verified here; a full pool
// evicts its lowest-priority entry when the newcomer outranks it and refuses
// admission otherwise.
func (mp *Mempool) Add(tx *core.Transaction) error {
	if err := tx.Verify(); err != nil {
		return err
	}

	now := time.Now()
	cand := &entry{tx: tx, addedAt: now}
	if mp.cfg.PriorityThreshold > 0 && cand.priority(now) < mp.cfg.PriorityThreshold {
		return fmt.Errorf("%w: %.6f < %.6f", ErrBelowThreshold, cand.priority(now), mp.cfg.PriorityThreshold)
	}

	return mp.admit(cand, now)
}

// Requeue restores a popped transaction with its original admission time, so
// a candidate the builder could not include keeps aging and the janitor can
// still purge it. It was verified on first admission; only the pool checks
// run again.
func (mp *Mempool) Requeue(p PoppedTx) error {
	return mp.admit(&entry{tx: p.Tx, addedAt: p.AddedAt}, time.Now())
}

func (mp *Mempool) admit(cand *entry, now time.Time) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.closed {
		return ErrClosed
	}
	if _, ok := mp.entries[cand.tx.Hash]; ok {
		return fmt.Errorf("%s: %w", cand.tx.Hash.Short(), ErrDuplicate)
	}

	if len(mp.entries) >= mp.cfg.MaxSize {
		victim := mp.lowestLocked(now)
		if victim == nil || victim.priority(now) >= cand.priority(now) {
			return fmt.Errorf("%w: %d entries", ErrPoolFull, len(mp.entries))
		}
		delete(mp.entries, victim.tx.Hash)
		mp.log.Debug("evicted lowest-priority transaction",
			zap.String("tx_hash", victim.tx.Hash.Short()))
	}

	mp.entries[cand.tx.Hash] = cand
	return nil
}

func (mp *Mempool) lowestLocked(now time.Time) *entry {
	var victim *entry
	for _, e := range mp.entries {
		if victim == nil || e.priority(now) < victim.priority(now) {
			victim = e
		}
	}
	return victim
}

// Remove drops a transaction, typically after block inclusion.
func (mp *Mempool) Remove(hash core.Hash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.entries, hash)
}

// Contains reports whether the hash is pooled.
func (mp *Mempool) Contains(hash core.Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, ok := mp.entries[hash]
	return ok
}

// PoppedTx pairs a drained transaction with its original admission time so a
// rejected candidate can be requeued without resetting its age.
type PoppedTx struct {
	Tx      *core.Transaction
	AddedAt time.Time
}

// PopBest returns up to n transactions by descending priority, removing them
// from the pool. Ties break ascending by (sender, nonce), then by hash, so
// every node drains in the same order.
func (mp *Mempool) PopBest(n int) []PoppedTx {
	now := time.Now()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	list := make([]*entry, 0, len(mp.entries))
	for _, e := range mp.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		pi, pj := list[i].priority(now), list[j].priority(now)
		if pi != pj {
			return pi > pj
		}
		ti, tj := list[i].tx, list[j].tx
		if ti.From != tj.From {
			return core.AddressLess(ti.From, tj.From)
		}
		if ti.Nonce != tj.Nonce {
			return ti.Nonce < tj.Nonce
		}
		return core.HashLess(ti.Hash, tj.Hash)
	})

	if n > len(list) {
		n = len(list)
	}
	out := make([]PoppedTx, 0, n)
	for _, e := range list[:n] {
		delete(mp.entries, e.tx.Hash)
		out = append(out, PoppedTx{Tx: e.tx, AddedAt: e.addedAt})
	}
	return out
}

// Size returns the pooled transaction count.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.entries)
}

// Close stops the janitor and refuses further admissions.
func (mp *Mempool) Close() {
	mp.mu.Lock()
	mp.closed = true
	mp.mu.Unlock()

	mp.cancel()
	<-mp.done
}

func (mp *Mempool) janitor(ctx context.Context) {
	defer close(mp.done)

	ticker := time.NewTicker(mp.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mp.dropExpired()
		}
	}
}

func (mp *Mempool) dropExpired() {
	cutoff := time.Now().Add(-mp.cfg.MaxTxAge)

	mp.mu.Lock()
	defer mp.mu.Unlock()

	dropped := 0
	for hash, e := range mp.entries {
		if e.addedAt.Before(cutoff) {
			delete(mp.entries, hash)
			dropped++
		}
	}
	if dropped > 0 {
		mp.log.Info("expired transactions dropped",
			zap.Int("dropped", dropped),
			zap.Int("remaining", len(mp.entries)))
	}
}
