package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
)

func testScoringConfig() config.PeerScoringConfig {
	return config.PeerScoringConfig{
		QuarantineThreshold: 10,
		BanThreshold:        0,
		DecayInterval:       time.Hour,
		StaleTimeout:        time.Hour,
	}
}

func setupTestScoring(t *testing.T, cfg config.PeerScoringConfig) *Scoring {
	t.Helper()
	s := NewScoring(cfg, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUnknownPeerStartsAtInitial(t *testing.T) {
	s := setupTestScoring(t, testScoringConfig())
	id := peer.ID("peer-a")

	assert.Equal(t, InitialPeerScore, s.Score(id))
	assert.False(t, s.IsQuarantined(id))
	assert.False(t, s.IsBanned(id))
	assert.Nil(t, s.Get(id))
}

func TestScoreAdjustments(t *testing.T) {
	s := setupTestScoring(t, testScoringConfig())
	id := peer.ID("peer-a")

	s.RecordValid(id)
	assert.Equal(t, 101, s.Score(id))

	s.RecordInvalid(id)
	assert.Equal(t, 91, s.Score(id))

	s.RecordTimeout(id)
	assert.Equal(t, 86, s.Score(id))

	s.RecordMalformed(id)
	assert.Equal(t, 66, s.Score(id))

	rec := s.Get(id)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1), rec.ValidMessages)
	assert.Equal(t, uint64(2), rec.InvalidMessages)
}

func TestTenInvalidMessagesBan(t *testing.T) {
	s := setupTestScoring(t, testScoringConfig())
	id := peer.ID("byzantine")

	for i := 0; i < 9; i++ {
		s.RecordInvalid(id)
	}
	assert.Equal(t, 10, s.Score(id))
	assert.False(t, s.IsQuarantined(id), "score 10 is not below the quarantine threshold")
	assert.False(t, s.IsBanned(id))

	s.RecordInvalid(id)
	assert.Equal(t, 0, s.Score(id))
	assert.True(t, s.IsBanned(id))
}

func TestQuarantineBeforeBan(t *testing.T) {
	s := setupTestScoring(t, testScoringConfig())
	id := peer.ID("sloppy")

	// 100 -> 5 via malformed strikes: quarantined, not yet banned.
	for i := 0; i < 4; i++ {
		s.RecordMalformed(id)
	}
	s.RecordTimeout(id)
	s.RecordInvalid(id)
	assert.Equal(t, 5, s.Score(id))
	assert.True(t, s.IsQuarantined(id))
	assert.False(t, s.IsBanned(id))
}

func TestDecayLiftsBan(t *testing.T) {
	s := setupTestScoring(t, testScoringConfig())
	id := peer.ID("redeemed")

	for i := 0; i < 10; i++ {
		s.RecordInvalid(id)
	}
	require.True(t, s.IsBanned(id))

	// One decay tick: 0 -> 1, above the ban threshold but quarantined.
	s.applyDecay()
	assert.Equal(t, 1, s.Score(id))
	assert.False(t, s.IsBanned(id))
	assert.True(t, s.IsQuarantined(id))

	// Nine more ticks: 10, out of quarantine.
	for i := 0; i < 9; i++ {
		s.applyDecay()
	}
	assert.Equal(t, 10, s.Score(id))
	assert.False(t, s.IsQuarantined(id))
}

func TestDecayCapsAtInitial(t *testing.T) {
	s := setupTestScoring(t, testScoringConfig())
	id := peer.ID("peer-a")

	s.RecordInvalid(id) // 90
	for i := 0; i < 50; i++ {
		s.applyDecay()
	}
	assert.Equal(t, InitialPeerScore, s.Score(id))
}

func TestStaleEviction(t *testing.T) {
	cfg := testScoringConfig()
	cfg.StaleTimeout = time.Nanosecond
	s := setupTestScoring(t, cfg)

	id := peer.ID("ghost")
	s.RecordValid(id)
	require.NotNil(t, s.Get(id))

	time.Sleep(time.Millisecond)
	s.evictStale()
	assert.Nil(t, s.Get(id))
	assert.Equal(t, InitialPeerScore, s.Score(id), "an evicted peer starts fresh")
}

func TestAllSnapshots(t *testing.T) {
	s := setupTestScoring(t, testScoringConfig())
	s.RecordValid(peer.ID("a"))
	s.RecordInvalid(peer.ID("b"))

	all := s.All()
	require.Len(t, all, 2)

	// Snapshots are copies; mutating them must not leak back.
	all[0].Score = -999
	assert.NotEqual(t, -999, s.Score(all[0].PeerID))
}
