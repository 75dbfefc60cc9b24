// Package p2p is the networking nucleus: the libp2p host, the gossip topics
// for transactions, blocks and content IDs, the block-sync stream protocol,
// and per-peer reputation.
package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
)

// Score adjustments per observed event.
const (
	InitialPeerScore    = 100
	ScoreValidMessage   = 1
	ScoreInvalidMessage = -10
	ScoreTimeout        = -5
	ScoreMalformed      = -20

	scoreDecayAmount = 1
	cleanupInterval  = 30 * time.Second
)

// PeerScore is one peer's reputation record.
type PeerScore struct {
	PeerID      peer.ID
	Score       int
	Quarantined bool
	Banned      bool
	LastSeen    time.Time
	FirstSeen   time.Time

	ValidMessages   uint64
	InvalidMessages uint64
}

// Scoring tracks reputation for every observed peer. It is a leaf: it calls
// nothing, holds its own lock, and never crosses I/O. Gossip consults it
// before forwarding; the host consults it on accept.
type Scoring struct {
	cfg config.PeerScoringConfig
	log *zap.Logger

	mu     sync.RWMutex
	scores map[peer.ID]*PeerScore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScoring constructs the table and starts its decay and cleanup loops.
func NewScoring(cfg config.PeerScoringConfig, log *zap.Logger) *Scoring {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scoring{
		cfg:    cfg,
		log:    log,
		scores: make(map[peer.ID]*PeerScore),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loops(ctx)
	return s
}

// RecordValid credits a peer for a verifiable, processable message.
func (s *Scoring) RecordValid(id peer.ID) {
	s.adjust(id, ScoreValidMessage, true)
}

// RecordInvalid penalizes a bad signature or a rejected transaction/block.
func (s *Scoring) RecordInvalid(id peer.ID) {
	s.adjust(id, ScoreInvalidMessage, false)
}

// RecordTimeout penalizes a stream timeout or a slow response.
func (s *Scoring) RecordTimeout(id peer.ID) {
	s.adjust(id, ScoreTimeout, false)
}

// RecordMalformed penalizes undecodable bytes, the heaviest strike.
func (s *Scoring) RecordMalformed(id peer.ID) {
	s.adjust(id, ScoreMalformed, false)
}

func (s *Scoring) adjust(id peer.ID, delta int, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.getOrCreateLocked(id)
	ps.Score += delta
	ps.LastSeen = time.Now()
	switch {
	case valid:
		ps.ValidMessages++
	case delta != ScoreTimeout:
		// A timeout is a missing response, not a message: it moves the
		// score but neither message counter.
		ps.InvalidMessages++
	}

	wasBanned, wasQuarantined := ps.Banned, ps.Quarantined
	s.reclassifyLocked(ps)

	if ps.Banned && !wasBanned {
		s.log.Warn("peer banned",
			zap.String("peer_id", id.String()),
			zap.Int("score", ps.Score))
	} else if ps.Quarantined && !wasQuarantined {
		s.log.Warn("peer quarantined",
			zap.String("peer_id", id.String()),
			zap.Int("score", ps.Score))
	}
}

// reclassifyLocked derives the quarantine/ban flags from the score, both
// directions, so decay lifts sanctions without extra bookkeeping.
func (s *Scoring) reclassifyLocked(ps *PeerScore) {
	ps.Banned = ps.Score <= s.cfg.BanThreshold
	ps.Quarantined = !ps.Banned && ps.Score < s.cfg.QuarantineThreshold
}

func (s *Scoring) getOrCreateLocked(id peer.ID) *PeerScore {
	if ps, ok := s.scores[id]; ok {
		return ps
	}
	now := time.Now()
	ps := &PeerScore{PeerID: id, Score: InitialPeerScore, FirstSeen: now, LastSeen: now}
	s.scores[id] = ps
	return ps
}

// Score returns the peer's current score; unknown peers sit at the initial
// value.
func (s *Scoring) Score(id peer.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ps, ok := s.scores[id]; ok {
		return ps.Score
	}
	return InitialPeerScore
}

// IsQuarantined reports whether the peer's messages are deprioritized.
func (s *Scoring) IsQuarantined(id peer.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ps, ok := s.scores[id]; ok {
		return ps.Quarantined
	}
	return false
}

// IsBanned reports whether the peer is refused outright.
func (s *Scoring) IsBanned(id peer.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ps, ok := s.scores[id]; ok {
		return ps.Banned
	}
	return false
}

// Get returns a copy of the peer's record, or nil if unobserved.
func (s *Scoring) Get(id peer.ID) *PeerScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ps, ok := s.scores[id]; ok {
		cp := *ps
		return &cp
	}
	return nil
}

// All returns a snapshot of every record.
func (s *Scoring) All() []*PeerScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PeerScore, 0, len(s.scores))
	for _, ps := range s.scores {
		cp := *ps
		out = append(out, &cp)
	}
	return out
}

func (s *Scoring) loops(ctx context.Context) {
	defer close(s.done)

	decay := time.NewTicker(s.cfg.DecayInterval)
	defer decay.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-decay.C:
			s.applyDecay()
		case <-cleanup.C:
			s.evictStale()
		}
	}
}

// applyDecay walks every score below the initial value back toward it. A ban
// or quarantine lifts automatically when the score recrosses its threshold.
func (s *Scoring) applyDecay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for _, ps := range s.scores {
		if ps.Score >= InitialPeerScore {
			continue
		}
		ps.Score += scoreDecayAmount
		if ps.Score > InitialPeerScore {
			ps.Score = InitialPeerScore
		}

		sanctioned := ps.Banned || ps.Quarantined
		s.reclassifyLocked(ps)
		if sanctioned && !ps.Banned && !ps.Quarantined {
			recovered++
		}
	}
	if recovered > 0 {
		s.log.Info("peers recovered from sanction", zap.Int("count", recovered))
	}
}

func (s *Scoring) evictStale() {
	cutoff := time.Now().Add(-s.cfg.StaleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, ps := range s.scores {
		if ps.LastSeen.Before(cutoff) {
			delete(s.scores, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Debug("stale peers evicted",
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(s.scores)))
	}
}

// Close stops the background loops.
func (s *Scoring) Close() error {
	s.cancel()
	<-s.done
	return nil
}
