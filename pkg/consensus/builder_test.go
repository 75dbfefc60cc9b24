package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/mempool"
	"github.com/coinjecture/coinjectured/pkg/merkle"
	"github.com/coinjecture/coinjectured/pkg/state"
)

func setupTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setupTestMempool(t *testing.T) *mempool.Mempool {
	t.Helper()
	mp := mempool.New(config.MempoolConfig{
		MaxSize:         1000,
		MaxTxAge:        time.Hour,
		CleanupInterval: time.Minute,
	}, zap.NewNop())
	t.Cleanup(mp.Close)
	return mp
}

func setupTestBuilder(t *testing.T) (*Builder, *mempool.Mempool, *state.Store) {
	t.Helper()
	mp := setupTestMempool(t)
	s := setupTestStore(t)
	b := NewBuilder(mp, s, 1000, core.DefaultBlockGasLimit, zap.NewNop())
	return b, mp, s
}

func signedTransfer(t *testing.T, key *core.PrivateKey, to core.Address, amount, fee, nonce uint64) *core.Transaction {
	t.Helper()
	tx := &core.Transaction{
		CodecVersion: core.CodecVersion,
		TxType:       core.TxTypeTransfer,
		From:         key.Address(),
		To:           to,
		Amount:       amount,
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

func TestBuildBlockEmptyMempool(t *testing.T) {
	b, _, _ := setupTestBuilder(t)

	validator := core.Address{0x01}
	block, err := b.BuildBlock(core.ZeroHash, 1, validator)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), block.BlockNumber)
	assert.Equal(t, core.ZeroHash, block.ParentHash)
	assert.Equal(t, validator, block.Validator)
	assert.Empty(t, block.Transactions)
	assert.Equal(t, core.ZeroHash, block.TxRoot)
	assert.Equal(t, core.ZeroHash, block.StateRoot)
	assert.Equal(t, uint64(0), block.GasUsed)
	assert.NotEqual(t, core.ZeroHash, block.BlockHash)
}

func TestBuildAndApplyEmptyBlock(t *testing.T) {
	b, _, s := setupTestBuilder(t)

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)

	_, err = b.ApplyBlock(block)
	require.NoError(t, err)

	cs, err := s.GetChainState()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cs.HeadBlockNumber)
}

func TestBuildBlockSingleTransfer(t *testing.T) {
	b, mp, s := setupTestBuilder(t)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	recipient := core.Address{0x0B}
	require.NoError(t, s.CreateAccount(key.Address(), 1000))
	require.NoError(t, s.CreateAccount(recipient, 0))

	tx := signedTransfer(t, key, recipient, 100, 10, 0)
	require.NoError(t, mp.Add(tx))

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, tx.Hash, block.Transactions[0].Hash)
	assert.Equal(t, merkle.Root([]core.Hash{tx.Hash}), block.TxRoot)

	_, err = b.ApplyBlock(block)
	require.NoError(t, err)

	sender, err := s.GetAccount(key.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(890), sender.Balance)
	assert.Equal(t, uint64(1), sender.Nonce)

	recv, err := s.GetAccount(recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), recv.Balance)

	cs, err := s.GetChainState()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cs.HeadBlockNumber)
	assert.Equal(t, uint64(1), cs.TotalTransactions)
}

func TestBuildBlockRejectsWrongNonce(t *testing.T) {
	b, mp, s := setupTestBuilder(t)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(key.Address(), 1000))

	tx := signedTransfer(t, key, core.Address{0x0B}, 100, 10, 5)
	require.NoError(t, mp.Add(tx))

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	assert.Empty(t, block.Transactions)

	// The candidate goes back to the pool; aging may purge it later.
	assert.True(t, mp.Contains(tx.Hash))

	acct, err := s.GetAccount(key.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), acct.Balance)
	assert.Equal(t, uint64(0), acct.Nonce)
}

func TestWrongNonceCandidateStillAgesOut(t *testing.T) {
	mp := mempool.New(config.MempoolConfig{
		MaxSize:         1000,
		MaxTxAge:        30 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(mp.Close)

	s := setupTestStore(t)
	b := NewBuilder(mp, s, 1000, core.DefaultBlockGasLimit, zap.NewNop())

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(key.Address(), 1000))

	// Permanently unbuildable: the nonce never matches.
	tx := signedTransfer(t, key, core.Address{0x0B}, 100, 10, 5)
	require.NoError(t, mp.Add(tx))

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	assert.Empty(t, block.Transactions)
	assert.True(t, mp.Contains(tx.Hash), "rejected candidate stays pending")

	// The pop/requeue cycle must not reset the admission time: even with
	// rebuilds happening, aging eventually purges the entry.
	assert.Eventually(t, func() bool {
		_, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
		require.NoError(t, err)
		return !mp.Contains(tx.Hash) && mp.Size() == 0
	}, time.Second, 10*time.Millisecond, "janitor must purge the aged wrong-nonce transaction")
}

func TestBuildBlockRejectsInsufficientBalance(t *testing.T) {
	b, mp, s := setupTestBuilder(t)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(key.Address(), 50))

	tx := signedTransfer(t, key, core.Address{0x0B}, 100, 10, 0)
	require.NoError(t, mp.Add(tx))

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	assert.Empty(t, block.Transactions)

	acct, err := s.GetAccount(key.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(50), acct.Balance)
}

func TestBuildBlockGasCap(t *testing.T) {
	mp := setupTestMempool(t)
	s := setupTestStore(t)
	b := NewBuilder(mp, s, 1000, 50_000, zap.NewNop())

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(key.Address(), 10_000))

	// Five 21k-gas transfers with consecutive nonces; only two fit under
	// a 50k cap.
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, mp.Add(signedTransfer(t, key, core.Address{0x0B}, 10, 1, i)))
	}

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	assert.Len(t, block.Transactions, 2)
	assert.Equal(t, uint64(42_000), block.GasUsed)
}

func TestBuildBlockMaxTxPerBlock(t *testing.T) {
	mp := setupTestMempool(t)
	s := setupTestStore(t)
	b := NewBuilder(mp, s, 3, core.DefaultBlockGasLimit, zap.NewNop())

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(key.Address(), 100_000))

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, mp.Add(signedTransfer(t, key, core.Address{0x0B}, 10, 1, i)))
	}

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	assert.Len(t, block.Transactions, 3)
}

func TestBuildBlockProjectsSenderBalance(t *testing.T) {
	b, mp, s := setupTestBuilder(t)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(key.Address(), 250))

	// Three transfers of 110 total cost each: 250-110=140, the second fits
	// and leaves 30; the third would overdraw the projected balance.
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, mp.Add(signedTransfer(t, key, core.Address{0x0B}, 100, 10, i)))
	}

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	assert.Len(t, block.Transactions, 2)
}

func TestBuildAndApplyMultiTransferBlock(t *testing.T) {
	b, mp, s := setupTestBuilder(t)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	recipientB := core.Address{0x0B}
	recipientC := core.Address{0x0C}
	require.NoError(t, s.CreateAccount(key.Address(), 1000))

	tx1 := signedTransfer(t, key, recipientB, 100, 10, 0)
	tx2 := signedTransfer(t, key, recipientC, 100, 10, 1)
	require.NoError(t, mp.Add(tx1))
	require.NoError(t, mp.Add(tx2))

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	require.Len(t, block.Transactions, 2)
	assert.Equal(t, merkle.Root([]core.Hash{block.Transactions[0].Hash, block.Transactions[1].Hash}), block.TxRoot)

	root, err := b.ApplyBlock(block)
	require.NoError(t, err)
	assert.Equal(t, block.StateRoot, root, "builder projection must agree with the applier")

	sender, err := s.GetAccount(key.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(780), sender.Balance)
	assert.Equal(t, uint64(2), sender.Nonce)

	accB, err := s.GetAccount(recipientB)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), accB.Balance)
	accC, err := s.GetAccount(recipientC)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), accC.Balance)
}

func TestApplyBlockRejectsTamperedHash(t *testing.T) {
	b, _, _ := setupTestBuilder(t)

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	block.BlockHash[0] ^= 1

	_, err = b.ApplyBlock(block)
	assert.ErrorIs(t, err, core.ErrConsistency)
}

func TestApplyBlockRejectsTamperedTxRoot(t *testing.T) {
	b, mp, s := setupTestBuilder(t)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(key.Address(), 1000))
	require.NoError(t, mp.Add(signedTransfer(t, key, core.Address{0x0B}, 100, 10, 0)))

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)

	block.TxRoot[0] ^= 1
	block.BlockHash = block.ComputeHash()

	_, err = b.ApplyBlock(block)
	assert.ErrorIs(t, err, core.ErrConsistency)
}

func TestApplyBlockRejectsNonExtendingBlock(t *testing.T) {
	b, _, _ := setupTestBuilder(t)

	first, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	_, err = b.ApplyBlock(first)
	require.NoError(t, err)

	t.Run("wrong number", func(t *testing.T) {
		skip, err := b.BuildBlock(first.BlockHash, 5, core.Address{0x01})
		require.NoError(t, err)
		_, err = b.ApplyBlock(skip)
		assert.ErrorIs(t, err, core.ErrConsistency)
	})
	t.Run("wrong parent", func(t *testing.T) {
		orphan, err := b.BuildBlock(core.Hash{0xFF}, 2, core.Address{0x01})
		require.NoError(t, err)
		_, err = b.ApplyBlock(orphan)
		assert.ErrorIs(t, err, core.ErrConsistency)
	})
}

func TestApplyBlockRejectsBadBodySignature(t *testing.T) {
	b, mp, s := setupTestBuilder(t)

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(key.Address(), 1000))
	require.NoError(t, mp.Add(signedTransfer(t, key, core.Address{0x0B}, 100, 10, 0)))

	block, err := b.BuildBlock(core.ZeroHash, 1, core.Address{0x01})
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)

	// Corrupt the body after sealing; the roots must be rebuilt so only
	// the signature check can catch it.
	block.Transactions[0].Amount = 500
	block.Transactions[0].SealHash()
	block.TxRoot = merkle.Root(block.TxHashes())
	block.BlockHash = block.ComputeHash()

	_, err = b.ApplyBlock(block)
	assert.ErrorIs(t, err, core.ErrBadSignature)

	acct, err := s.GetAccount(key.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), acct.Balance)
}

func TestGenesisBlock(t *testing.T) {
	b, _, s := setupTestBuilder(t)

	genesis := NewGenesisBlock(core.Address{0x01}, 1700000000)
	assert.Equal(t, uint64(0), genesis.BlockNumber)
	assert.Equal(t, core.ZeroHash, genesis.ParentHash)
	assert.Equal(t, core.ZeroHash, genesis.StateRoot)
	assert.Empty(t, genesis.Transactions)

	// Same inputs, same hash on every node.
	assert.Equal(t, genesis.BlockHash, NewGenesisBlock(core.Address{0x01}, 1700000000).BlockHash)
	assert.NotEqual(t, genesis.BlockHash, NewGenesisBlock(core.Address{0x02}, 1700000000).BlockHash)

	_, err := b.ApplyBlock(genesis)
	require.NoError(t, err)

	cs, err := s.GetChainState()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cs.HeadBlockNumber)
	assert.Equal(t, uint64(1), cs.TotalBlocks)
}
