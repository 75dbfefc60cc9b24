// Package state is the durable home of the account map and the block
// archive, backed by a single-file SQLite database. One exclusive writer,
// many concurrent readers; every block applies atomically or not at all.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/merkle"
)

// Sentinel errors callers discriminate on.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store owns the accounts table, the block archive and the chain head. The
// embedded mutex gives single-writer semantics on top of the database's own
// transactionality: writers are exclusive, readers concurrent.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *zap.Logger
}

// Open opens (or creates) the store at path and migrates the schema. Use
// ":memory:" for tests.
func Open(path string, log *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// The modernc driver serializes access per connection; a single
	// connection keeps the in-memory database coherent as well.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("state store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
		schemaVersion, time.Now().Unix(), "initial schema",
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// GetAccount returns the account at addr, or ErrNotFound.
func (s *Store) GetAccount(addr core.Address) (core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(s.db, addr)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getAccount(q querier, addr core.Address) (core.Account, error) {
	acct := core.Account{Address: addr}
	err := q.QueryRow(
		`SELECT balance, nonce FROM accounts WHERE address = ?`, addr[:],
	).Scan(&acct.Balance, &acct.Nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, fmt.Errorf("account %s: %w", addr.Short(), ErrNotFound)
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("failed to query account: %w", err)
	}
	return acct, nil
}

// CreateAccount inserts a new account with the given opening balance.
func (s *Store) CreateAccount(addr core.Address, initialBalance uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO accounts (address, balance, nonce, created_at) VALUES (?, ?, 0, ?)`,
		addr[:], initialBalance, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", addr.Short(), ErrAlreadyExists)
	}

	s.log.Debug("account created",
		zap.String("address", addr.Short()),
		zap.Uint64("balance", initialBalance))
	return nil
}

// ApplyBlock applies the block body to the account map in order, verifies
// the resulting state root against the header, and archives the block — all
// inside one database transaction. On any per-transaction failure or root
// mismatch nothing is persisted and the block is not archived.
func (s *Store) ApplyBlock(block *core.Block) (core.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.Begin()
	if err != nil {
		return core.ZeroHash, fmt.Errorf("failed to begin apply: %w", err)
	}
	defer dbTx.Rollback()

	touched := make(map[core.Address]core.Account)

	load := func(addr core.Address) (core.Account, bool, error) {
		if acct, ok := touched[addr]; ok {
			return acct, true, nil
		}
		acct, err := getAccount(dbTx, addr)
		if errors.Is(err, ErrNotFound) {
			return core.Account{Address: addr}, false, nil
		}
		if err != nil {
			return core.Account{}, false, err
		}
		return acct, true, nil
	}

	for i, tx := range block.Transactions {
		sender, exists, err := load(tx.From)
		if err != nil {
			return core.ZeroHash, err
		}
		if !exists {
			return core.ZeroHash, fmt.Errorf("%w: tx %d sender %s unknown", core.ErrSemantic, i, tx.From.Short())
		}
		if sender.Nonce != tx.Nonce {
			return core.ZeroHash, fmt.Errorf("%w: tx %d nonce %d, account at %d", core.ErrSemantic, i, tx.Nonce, sender.Nonce)
		}
		if sender.Balance < tx.Cost() {
			return core.ZeroHash, fmt.Errorf("%w: tx %d cost %d exceeds balance %d", core.ErrSemantic, i, tx.Cost(), sender.Balance)
		}

		// Debit amount plus fee; the fee is burned. The recipient is
		// credited for transfers only — an escrow lock holds the
		// amount out of circulation until released by policy outside
		// the core.
		sender.Balance -= tx.Cost()
		sender.Nonce++
		touched[tx.From] = sender

		switch tx.TxType {
		case core.TxTypeTransfer:
			recipient, _, err := load(tx.To)
			if err != nil {
				return core.ZeroHash, err
			}
			recipient.Balance += tx.Amount
			touched[tx.To] = recipient
		case core.TxTypeEscrow:
			// No credit at lock time.
		default:
			return core.ZeroHash, fmt.Errorf("%w: tx %d unknown type %d", core.ErrMalformed, i, tx.TxType)
		}

		if _, err := dbTx.Exec(
			`INSERT INTO transactions (tx_hash, block_number, from_address, to_address, amount, fee, nonce, gas_used, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.Hash[:], block.BlockNumber, tx.From[:], tx.To[:],
			tx.Amount, tx.Fee, tx.Nonce, tx.GasLimit, tx.Timestamp,
		); err != nil {
			return core.ZeroHash, fmt.Errorf("%w: tx %s already archived: %v", core.ErrSemantic, tx.Hash.Short(), err)
		}
	}

	root := stateRoot(touched)
	if root != block.StateRoot {
		return core.ZeroHash, fmt.Errorf("%w: state root %s does not match header %s",
			core.ErrConsistency, root.Short(), block.StateRoot.Short())
	}

	now := time.Now().Unix()
	for addr, acct := range touched {
		if _, err := dbTx.Exec(
			`INSERT INTO accounts (address, balance, nonce, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(address) DO UPDATE SET balance = excluded.balance, nonce = excluded.nonce`,
			addr[:], acct.Balance, acct.Nonce, now,
		); err != nil {
			return core.ZeroHash, fmt.Errorf("failed to write account %s: %w", addr.Short(), err)
		}
	}

	if err := insertBlock(dbTx, NewStoredBlock(block)); err != nil {
		return core.ZeroHash, err
	}

	if _, err := dbTx.Exec(
		`INSERT INTO validators (address, active, blocks_produced, last_block_number, last_block_timestamp, registered_at, updated_at)
		 VALUES (?, 1, 1, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		     blocks_produced      = blocks_produced + 1,
		     last_block_number    = excluded.last_block_number,
		     last_block_timestamp = excluded.last_block_timestamp,
		     updated_at           = excluded.updated_at`,
		block.Validator[:], block.BlockNumber, block.Timestamp, now, now,
	); err != nil {
		return core.ZeroHash, fmt.Errorf("failed to update validator record: %w", err)
	}
	if _, err := dbTx.Exec(
		`UPDATE chain_state SET validator_count = (SELECT COUNT(*) FROM validators) WHERE id = 1`,
	); err != nil {
		return core.ZeroHash, fmt.Errorf("failed to update validator count: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return core.ZeroHash, fmt.Errorf("failed to commit block %d: %w", block.BlockNumber, err)
	}

	s.log.Info("block applied",
		zap.Uint64("block_number", block.BlockNumber),
		zap.String("block_hash", block.BlockHash.Short()),
		zap.Int("tx_count", len(block.Transactions)),
		zap.String("state_root", root.Short()))
	return root, nil
}

// stateRoot folds the touched accounts into a merkle root, leaves ordered
// ascending by address.
func stateRoot(touched map[core.Address]core.Account) core.Hash {
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

// SetGenesis records the genesis identity on the chain_state row.
func (s *Store) SetGenesis(hash core.Hash, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE chain_state SET genesis_hash = ?, genesis_timestamp = ?, updated_at = ? WHERE id = 1`,
		hash[:], timestamp, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set genesis: %w", err)
	}
	return nil
}

// ChainState is the single-row head pointer.
type ChainState struct {
	HeadBlockNumber   uint64
	HeadBlockHash     core.Hash
	GenesisHash       core.Hash
	GenesisTimestamp  int64
	BlockTimeSeconds  int64
	ValidatorCount    int
	TotalBlocks       uint64
	TotalTransactions uint64
}

// GetChainState reads the head pointer.
func (s *Store) GetChainState() (ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		cs         ChainState
		headHash   []byte
		genesisHsh []byte
	)
	err := s.db.QueryRow(
		`SELECT head_block_number, head_block_hash, genesis_hash, genesis_timestamp,
		        block_time_seconds, validator_count, total_blocks, total_transactions
		 FROM chain_state WHERE id = 1`,
	).Scan(&cs.HeadBlockNumber, &headHash, &genesisHsh, &cs.GenesisTimestamp,
		&cs.BlockTimeSeconds, &cs.ValidatorCount, &cs.TotalBlocks, &cs.TotalTransactions)
	if err != nil {
		return ChainState{}, fmt.Errorf("failed to read chain state: %w", err)
	}
	copy(cs.HeadBlockHash[:], headHash)
	copy(cs.GenesisHash[:], genesisHsh)
	return cs, nil
}
