package mempool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
	"github.com/coinjecture/coinjectured/pkg/core"
)

func testConfig() config.MempoolConfig {
	return config.MempoolConfig{
		MaxSize:           1000,
		MaxTxAge:          time.Hour,
		CleanupInterval:   time.Minute,
		PriorityThreshold: 0,
	}
}

func setupTestPool(t *testing.T, cfg config.MempoolConfig) *Mempool {
	t.Helper()
	mp := New(cfg, zap.NewNop())
	t.Cleanup(mp.Close)
	return mp
}

func signedTx(t *testing.T, key *core.PrivateKey, nonce, fee uint64) *core.Transaction {
	t.Helper()
	tx := &core.Transaction{
		CodecVersion: core.CodecVersion,
		TxType:       core.TxTypeTransfer,
		From:         key.Address(),
		To:           core.Address{0x0B},
		Amount:       100,
		Fee:          fee,
		GasLimit:     core.TransferGasFloor,
		GasPrice:     1,
		Nonce:        nonce,
		Timestamp:    time.Now().Unix(),
	}
	tx.Signature = key.Sign(tx.SigningBytes())
	tx.SealHash()
	return tx
}

func TestAddAndContains(t *testing.T) {
	mp := setupTestPool(t, testConfig())
	key, err := core.GenerateKey()
	require.NoError(t, err)

	tx := signedTx(t, key, 0, 10)
	require.NoError(t, mp.Add(tx))
	assert.True(t, mp.Contains(tx.Hash))
	assert.Equal(t, 1, mp.Size())

	mp.Remove(tx.Hash)
	assert.False(t, mp.Contains(tx.Hash))
	assert.Equal(t, 0, mp.Size())
}

func TestAddRejectsDuplicate(t *testing.T) {
	mp := setupTestPool(t, testConfig())
	key, err := core.GenerateKey()
	require.NoError(t, err)

	tx := signedTx(t, key, 0, 10)
	require.NoError(t, mp.Add(tx))
	assert.ErrorIs(t, mp.Add(tx), ErrDuplicate)
}

func TestAddRejectsBadSignature(t *testing.T) {
	mp := setupTestPool(t, testConfig())
	key, err := core.GenerateKey()
	require.NoError(t, err)

	tx := signedTx(t, key, 0, 10)
	tx.Amount = 200
	tx.SealHash()
	assert.ErrorIs(t, mp.Add(tx), core.ErrBadSignature)
	assert.Equal(t, 0, mp.Size())
}

func TestAddBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.PriorityThreshold = 1.0
	mp := setupTestPool(t, cfg)

	key, err := core.GenerateKey()
	require.NoError(t, err)

	// fee 10 over 21000 gas is far below a 1.0 fee-per-gas threshold.
	assert.ErrorIs(t, mp.Add(signedTx(t, key, 0, 10)), ErrBelowThreshold)

	// fee = 2 * gas limit clears it.
	require.NoError(t, mp.Add(signedTx(t, key, 0, 2*core.TransferGasFloor)))
}

func TestFullPoolEvictsLowest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2
	mp := setupTestPool(t, cfg)

	key, err := core.GenerateKey()
	require.NoError(t, err)

	low := signedTx(t, key, 0, 10)
	mid := signedTx(t, key, 1, 1000)
	require.NoError(t, mp.Add(low))
	require.NoError(t, mp.Add(mid))

	// A weaker newcomer is refused outright.
	weaker := signedTx(t, key, 2, 1)
	assert.ErrorIs(t, mp.Add(weaker), ErrPoolFull)

	// A stronger newcomer displaces the lowest.
	strong := signedTx(t, key, 3, 5000)
	require.NoError(t, mp.Add(strong))
	assert.False(t, mp.Contains(low.Hash))
	assert.True(t, mp.Contains(mid.Hash))
	assert.True(t, mp.Contains(strong.Hash))
	assert.Equal(t, 2, mp.Size())
}

func TestPopBestOrdersByPriority(t *testing.T) {
	mp := setupTestPool(t, testConfig())
	key, err := core.GenerateKey()
	require.NoError(t, err)

	small := signedTx(t, key, 0, 100)
	big := signedTx(t, key, 1, 10_000)
	mid := signedTx(t, key, 2, 1000)
	for _, tx := range []*core.Transaction{small, big, mid} {
		require.NoError(t, mp.Add(tx))
	}

	out := mp.PopBest(10)
	require.Len(t, out, 3)
	assert.Equal(t, big.Hash, out[0].Tx.Hash)
	assert.Equal(t, mid.Hash, out[1].Tx.Hash)
	assert.Equal(t, small.Hash, out[2].Tx.Hash)
	assert.Equal(t, 0, mp.Size(), "pop removes from the pool")
}

func TestPopBestTieBreaksBySenderNonce(t *testing.T) {
	mp := setupTestPool(t, testConfig())
	key, err := core.GenerateKey()
	require.NoError(t, err)

	// Same fee and gas, so identical priority: the nonce order decides.
	tx1 := signedTx(t, key, 1, 500)
	tx0 := signedTx(t, key, 0, 500)
	require.NoError(t, mp.Add(tx1))
	require.NoError(t, mp.Add(tx0))

	out := mp.PopBest(2)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(0), out[0].Tx.Nonce)
	assert.Equal(t, uint64(1), out[1].Tx.Nonce)
}

func TestPopBestRespectsLimit(t *testing.T) {
	mp := setupTestPool(t, testConfig())
	key, err := core.GenerateKey()
	require.NoError(t, err)

	for i := uint64(0); i < 5; i++ {
		require.NoError(t, mp.Add(signedTx(t, key, i, 100+i)))
	}
	assert.Len(t, mp.PopBest(3), 3)
	assert.Equal(t, 2, mp.Size())
}

func TestJanitorDropsExpired(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTxAge = 10 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	mp := setupTestPool(t, cfg)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, mp.Add(signedTx(t, key, 0, 10)))

	assert.Eventually(t, func() bool { return mp.Size() == 0 },
		time.Second, 5*time.Millisecond, "aged transaction should be swept")
}

func TestRequeuePreservesAdmissionTime(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTxAge = 20 * time.Millisecond
	mp := setupTestPool(t, cfg)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, mp.Add(signedTx(t, key, 0, 10)))

	popped := mp.PopBest(1)
	require.Len(t, popped, 1)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, mp.Requeue(popped[0]))
	require.True(t, mp.Contains(popped[0].Tx.Hash))

	// The original admission time survived the pop/requeue cycle, so the
	// sweep sees an expired entry. A fresh Add at this point would not.
	mp.dropExpired()
	assert.False(t, mp.Contains(popped[0].Tx.Hash))
	assert.Equal(t, 0, mp.Size())
}

func TestRequeueRejectsDuplicate(t *testing.T) {
	mp := setupTestPool(t, testConfig())

	key, err := core.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t, key, 0, 10)
	require.NoError(t, mp.Add(tx))

	popped := mp.PopBest(1)
	require.Len(t, popped, 1)
	require.NoError(t, mp.Requeue(popped[0]))
	assert.ErrorIs(t, mp.Requeue(popped[0]), ErrDuplicate)
}

func TestCloseRefusesAdmission(t *testing.T) {
	mp := New(testConfig(), zap.NewNop())
	mp.Close()

	key, err := core.GenerateKey()
	require.NoError(t, err)
	assert.ErrorIs(t, mp.Add(signedTx(t, key, 0, 10)), ErrClosed)
}
