// Package consensus assembles blocks from the mempool, validates and applies
// received blocks, and maintains checkpoints for fast sync.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/mempool"
	"github.com/coinjecture/coinjectured/pkg/merkle"
	"github.com/coinjecture/coinjectured/pkg/state"
)

// Builder produces the next block from mempool contents and applies blocks,
// locally built or received, to the state store.
type Builder struct {
	mempool *mempool.Mempool
	store   *state.Store
	log     *zap.Logger

	maxTxPerBlock  int
	maxGasPerBlock uint64
}

// NewBuilder wires the builder against its pool and store.
func NewBuilder(mp *mempool.Mempool, store *state.Store, maxTxPerBlock int, maxGasPerBlock uint64, log *zap.Logger) *Builder {
	if maxTxPerBlock <= 0 {
		maxTxPerBlock = 1000
	}
	if maxGasPerBlock == 0 {
		maxGasPerBlock = core.DefaultBlockGasLimit
	}
	return &Builder{
		mempool:        mp,
		store:          store,
		log:            log,
		maxTxPerBlock:  maxTxPerBlock,
		maxGasPerBlock: maxGasPerBlock,
	}
}

// projected tracks a sender's running balance and nonce during selection.
type projected struct {
	account core.Account
	exists  bool
}

// BuildBlock drains the mempool in priority order and seals a block. A
// candidate that fails nonce, balance or gas admission goes back to the pool;
// whether it becomes valid later or ages out is the pool's business.
func (b *Builder) BuildBlock(parentHash core.Hash, blockNumber uint64, validator core.Address) (*core.Block, error) {
	candidates := b.mempool.PopBest(b.maxTxPerBlock)

	accounts := make(map[core.Address]*projected)
	load := func(addr core.Address) (*projected, error) {
		if p, ok := accounts[addr]; ok {
			return p, nil
		}
		acct, err := b.store.GetAccount(addr)
		p := &projected{account: core.Account{Address: addr}}
		switch {
		case err == nil:
			p.account = acct
			p.exists = true
		case errors.Is(err, state.ErrNotFound):
		default:
			return nil, err
		}
		accounts[addr] = p
		return p, nil
	}

	var (
		included []*core.Transaction
		rejected []mempool.PoppedTx
		gasUsed  uint64
	)

	for _, cand := range candidates {
		tx := cand.Tx
		if len(included) >= b.maxTxPerBlock {
			rejected = append(rejected, cand)
			continue
		}
		if gasUsed+tx.GasLimit > b.maxGasPerBlock {
			rejected = append(rejected, cand)
			continue
		}

		sender, loadErr := load(tx.From)
		if loadErr != nil {
			return nil, loadErr
		}
		if !sender.exists || sender.account.Nonce != tx.Nonce || sender.account.Balance < tx.Cost() {
			rejected = append(rejected, cand)
			continue
		}

		// Project the post-inclusion sender state so a later candidate
		// from the same sender is judged against it.
		sender.account.Balance -= tx.Cost()
		sender.account.Nonce++

		if tx.TxType == core.TxTypeTransfer {
			recipient, err := load(tx.To)
			if err != nil {
				return nil, err
			}
			recipient.account.Balance += tx.Amount
			recipient.exists = true
		}

		included = append(included, tx)
		gasUsed += tx.GasLimit
	}

	// Rejected candidates stay pending with their original admission time,
	// so aging can still purge them. Re-admission failures (pool filled up
	// meanwhile) are the pool's backpressure at work.
	for _, cand := range rejected {
		if err := b.mempool.Requeue(cand); err != nil {
			b.log.Warn("could not return transaction to pool",
				zap.String("tx_hash", cand.Tx.Hash.Short()),
				zap.Error(err))
		}
	}

	block := &core.Block{
		BlockNumber:  blockNumber,
		ParentHash:   parentHash,
		Timestamp:    time.Now().Unix(),
		Validator:    validator,
		Difficulty:   1,
		Nonce:        0,
		GasLimit:     b.maxGasPerBlock,
		GasUsed:      gasUsed,
		Transactions: included,
	}
	block.TxRoot = merkle.Root(block.TxHashes())
	block.StateRoot = projectedStateRoot(accounts, included)
	block.BlockHash = block.ComputeHash()

	b.log.Info("block built",
		zap.Uint64("block_number", blockNumber),
		zap.Int("tx_count", len(included)),
		zap.Int("rejected", len(rejected)),
		zap.Uint64("gas_used", gasUsed))
	return block, nil
}

// projectedStateRoot mirrors the store's apply computation: a merkle root
// over the accounts the body touches, ascending by address. It must agree
// bit-for-bit with state.Store.ApplyBlock or the built block would reject
// itself.
func projectedStateRoot(accounts map[core.Address]*projected, included []*core.Transaction) core.Hash {
	touched := make(map[core.Address]core.Account)
	for _, tx := range included {
		touched[tx.From] = accounts[tx.From].account
		if tx.TxType == core.TxTypeTransfer {
			touched[tx.To] = accounts[tx.To].account
		}
	}

	addrs := make([]core.Address, 0, len(touched))
	for addr := range touched {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return core.AddressLess(addrs[i], addrs[j]) })

	leaves := make([]core.Hash, len(addrs))
	for i, addr := range addrs {
		leaves[i] = touched[addr].StateHash()
	}
	return merkle.Root(leaves)
}

// ApplyBlock validates a block against the chain head and applies it
// atomically: header integrity, parent linkage, tx root, per-transaction
// signatures, then the state transition and archive inside the store's
// transaction. Any failure leaves the store untouched.
func (b *Builder) ApplyBlock(block *core.Block) (core.Hash, error) {
	if err := block.ValidateHeader(time.Now()); err != nil {
		return core.ZeroHash, err
	}

	head, err := b.store.GetLatestBlock()
	switch {
	case errors.Is(err, state.ErrNotFound):
		// Empty archive: the first block, genesis or a checkpointed
		// starting point, anchors the chain.
	case err != nil:
		return core.ZeroHash, fmt.Errorf("failed to load chain head: %w", err)
	default:
		if block.BlockNumber != head.BlockNumber+1 {
			return core.ZeroHash, fmt.Errorf("%w: block %d does not extend head %d",
				core.ErrConsistency, block.BlockNumber, head.BlockNumber)
		}
		if block.ParentHash != head.BlockHash {
			return core.ZeroHash, fmt.Errorf("%w: block %d parent %s, head is %s",
				core.ErrConsistency, block.BlockNumber, block.ParentHash.Short(), head.BlockHash.Short())
		}
		if block.Timestamp <= head.Timestamp {
			return core.ZeroHash, fmt.Errorf("%w: block %d timestamp %d not after parent %d",
				core.ErrConsistency, block.BlockNumber, block.Timestamp, head.Timestamp)
		}
	}

	if merkle.Root(block.TxHashes()) != block.TxRoot {
		return core.ZeroHash, fmt.Errorf("%w: block %d tx root mismatch", core.ErrConsistency, block.BlockNumber)
	}

	var bodyGas uint64
	for i, tx := range block.Transactions {
		if err := tx.Verify(); err != nil {
			return core.ZeroHash, fmt.Errorf("block %d tx %d: %w", block.BlockNumber, i, err)
		}
		bodyGas += tx.GasLimit
	}
	if bodyGas != block.GasUsed {
		return core.ZeroHash, fmt.Errorf("%w: block %d gas used %d, body sums to %d",
			core.ErrConsistency, block.BlockNumber, block.GasUsed, bodyGas)
	}

	root, err := b.store.ApplyBlock(block)
	if err != nil {
		return core.ZeroHash, err
	}
	return root, nil
}
