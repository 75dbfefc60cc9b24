package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/core"
)

// StoredBlock is a block as the archive holds it: header columns plus the
// serialized body payload.
type StoredBlock struct {
	BlockNumber uint64
	BlockHash   core.Hash
	ParentHash  core.Hash
	StateRoot   core.Hash
	TxRoot      core.Hash
	Timestamp   int64
	Validator   core.Address
	Difficulty  uint64
	Nonce       uint64
	GasLimit    uint64
	GasUsed     uint64
	ExtraData   [32]byte
	TxCount     int
	TxData      []byte
	CreatedAt   time.Time
}

// storedTx is the body serialization inside tx_data.
type storedTx struct {
	CodecVersion uint8          `json:"codec_version"`
	TxType       uint8          `json:"tx_type"`
	From         core.Address   `json:"from"`
	To           core.Address   `json:"to"`
	Amount       uint64         `json:"amount"`
	Fee          uint64         `json:"fee"`
	GasLimit     uint64         `json:"gas_limit"`
	GasPrice     uint64         `json:"gas_price"`
	Nonce        uint64         `json:"nonce"`
	Data         []byte         `json:"data"`
	Timestamp    int64          `json:"timestamp"`
	Signature    core.Signature `json:"signature"`
	TxHash       core.Hash      `json:"tx_hash"`
}

// NewStoredBlock converts a block for archiving. Body serialization cannot
// fail for in-memory values, so errors here are programming bugs.
func NewStoredBlock(b *core.Block) *StoredBlock {
	txs := make([]storedTx, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = storedTx{
			CodecVersion: tx.CodecVersion,
			TxType:       tx.TxType,
			From:         tx.From,
			To:           tx.To,
			Amount:       tx.Amount,
			Fee:          tx.Fee,
			GasLimit:     tx.GasLimit,
			GasPrice:     tx.GasPrice,
			Nonce:        tx.Nonce,
			Data:         tx.Data,
			Timestamp:    tx.Timestamp,
			Signature:    tx.Signature,
			TxHash:       tx.Hash,
		}
	}
	txData, err := json.Marshal(txs)
	if err != nil {
		panic(fmt.Sprintf("state: block body serialization: %v", err))
	}

	return &StoredBlock{
		BlockNumber: b.BlockNumber,
		BlockHash:   b.BlockHash,
		ParentHash:  b.ParentHash,
		StateRoot:   b.StateRoot,
		TxRoot:      b.TxRoot,
		Timestamp:   b.Timestamp,
		Validator:   b.Validator,
		Difficulty:  b.Difficulty,
		Nonce:       b.Nonce,
		GasLimit:    b.GasLimit,
		GasUsed:     b.GasUsed,
		ExtraData:   b.ExtraData,
		TxCount:     len(b.Transactions),
		TxData:      txData,
		CreatedAt:   time.Now(),
	}
}

// ToBlock reconstructs the full block, body included.
func (sb *StoredBlock) ToBlock() (*core.Block, error) {
	var txs []storedTx
	if err := json.Unmarshal(sb.TxData, &txs); err != nil {
		return nil, fmt.Errorf("%w: block %d body: %v", core.ErrMalformed, sb.BlockNumber, err)
	}

	block := &core.Block{
		BlockNumber: sb.BlockNumber,
		ParentHash:  sb.ParentHash,
		StateRoot:   sb.StateRoot,
		TxRoot:      sb.TxRoot,
		Timestamp:   sb.Timestamp,
		Validator:   sb.Validator,
		Difficulty:  sb.Difficulty,
		Nonce:       sb.Nonce,
		GasLimit:    sb.GasLimit,
		GasUsed:     sb.GasUsed,
		ExtraData:   sb.ExtraData,
		BlockHash:   sb.BlockHash,
	}
	block.Transactions = make([]*core.Transaction, len(txs))
	for i, st := range txs {
		block.Transactions[i] = &core.Transaction{
			CodecVersion: st.CodecVersion,
			TxType:       st.TxType,
			From:         st.From,
			To:           st.To,
			Amount:       st.Amount,
			Fee:          st.Fee,
			GasLimit:     st.GasLimit,
			GasPrice:     st.GasPrice,
			Nonce:        st.Nonce,
			Data:         st.Data,
			Timestamp:    st.Timestamp,
			Signature:    st.Signature,
			Hash:         st.TxHash,
		}
	}
	return block, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertBlock(e execer, sb *StoredBlock) error {
	_, err := e.Exec(
		`INSERT INTO blocks (block_number, block_hash, parent_hash, state_root, tx_root,
		                     timestamp, validator, difficulty, nonce, gas_limit, gas_used,
		                     extra_data, tx_count, tx_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.BlockNumber, sb.BlockHash[:], sb.ParentHash[:], sb.StateRoot[:], sb.TxRoot[:],
		sb.Timestamp, sb.Validator[:], sb.Difficulty, sb.Nonce, sb.GasLimit, sb.GasUsed,
		sb.ExtraData[:], sb.TxCount, sb.TxData, sb.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("block %d: %w: %v", sb.BlockNumber, ErrAlreadyExists, err)
	}
	return nil
}

// SaveBlock archives a block without touching accounts, for bodies whose
// state was applied elsewhere; duplicates are rejected.
func (s *Store) SaveBlock(sb *StoredBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := insertBlock(s.db, sb); err != nil {
		return err
	}
	s.log.Debug("block archived", zap.Uint64("block_number", sb.BlockNumber))
	return nil
}

const blockColumns = `block_number, block_hash, parent_hash, state_root, tx_root,
       timestamp, validator, difficulty, nonce, gas_limit, gas_used,
       extra_data, tx_count, tx_data, created_at`

func scanBlock(row interface{ Scan(...any) error }) (*StoredBlock, error) {
	var (
		sb        StoredBlock
		blockHash []byte
		parent    []byte
		stateRoot []byte
		txRoot    []byte
		validator []byte
		extra     []byte
		createdAt int64
	)
	err := row.Scan(&sb.BlockNumber, &blockHash, &parent, &stateRoot, &txRoot,
		&sb.Timestamp, &validator, &sb.Difficulty, &sb.Nonce, &sb.GasLimit, &sb.GasUsed,
		&extra, &sb.TxCount, &sb.TxData, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("block: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan block: %w", err)
	}
	copy(sb.BlockHash[:], blockHash)
	copy(sb.ParentHash[:], parent)
	copy(sb.StateRoot[:], stateRoot)
	copy(sb.TxRoot[:], txRoot)
	copy(sb.Validator[:], validator)
	copy(sb.ExtraData[:], extra)
	sb.CreatedAt = time.Unix(createdAt, 0)
	return &sb, nil
}

// GetBlockByNumber fetches one archived block.
func (s *Store) GetBlockByNumber(number uint64) (*StoredBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+blockColumns+` FROM blocks WHERE block_number = ?`, number)
	return scanBlock(row)
}

// GetBlockByHash fetches one archived block by its hash.
func (s *Store) GetBlockByHash(hash core.Hash) (*StoredBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+blockColumns+` FROM blocks WHERE block_hash = ?`, hash[:])
	return scanBlock(row)
}

// GetLatestBlock fetches the highest archived block.
func (s *Store) GetLatestBlock() (*StoredBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT ` + blockColumns + ` FROM blocks ORDER BY block_number DESC LIMIT 1`)
	return scanBlock(row)
}

// GetBlockRange fetches blocks in [start, end], ascending.
func (s *Store) GetBlockRange(start, end uint64) ([]*StoredBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+blockColumns+` FROM blocks WHERE block_number >= ? AND block_number <= ? ORDER BY block_number ASC`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query block range: %w", err)
	}
	defer rows.Close()

	var blocks []*StoredBlock
	for rows.Next() {
		sb, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate block range: %w", err)
	}
	return blocks, nil
}

// GetBlockCount returns the number of archived blocks.
func (s *Store) GetBlockCount() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count uint64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM blocks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return count, nil
}
