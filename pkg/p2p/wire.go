package p2p

import (
	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/state"
)

// Wire messages. Field names are snake_case; fixed-length byte fields travel
// as 0x-prefixed hex strings. The hashing preimages never change with the
// wire encoding.

// TransactionMessage is a transaction on the tx topic.
type TransactionMessage struct {
	CodecVersion uint8          `json:"codec_version"`
	TxType       uint8          `json:"tx_type"`
	From         core.Address   `json:"from"`
	To           core.Address   `json:"to"`
	Amount       uint64         `json:"amount"`
	Fee          uint64         `json:"fee"`
	Nonce        uint64         `json:"nonce"`
	GasLimit     uint64         `json:"gas_limit"`
	GasPrice     uint64         `json:"gas_price"`
	Data         []byte         `json:"data"`
	Timestamp    int64          `json:"timestamp"`
	Signature    core.Signature `json:"signature"`
}

// ToTransaction rebuilds the core transaction and seals its hash from the
// preimage; the wire never carries a hash we would trust anyway.
func (m *TransactionMessage) ToTransaction() *core.Transaction {
	tx := &core.Transaction{
		CodecVersion: m.CodecVersion,
		TxType:       m.TxType,
		From:         m.From,
		To:           m.To,
		Amount:       m.Amount,
		Fee:          m.Fee,
		Nonce:        m.Nonce,
		GasLimit:     m.GasLimit,
		GasPrice:     m.GasPrice,
		Data:         m.Data,
		Timestamp:    m.Timestamp,
		Signature:    m.Signature,
	}
	tx.SealHash()
	return tx
}

// NewTransactionMessage converts a pooled transaction for publishing.
func NewTransactionMessage(tx *core.Transaction) *TransactionMessage {
	return &TransactionMessage{
		CodecVersion: tx.CodecVersion,
		TxType:       tx.TxType,
		From:         tx.From,
		To:           tx.To,
		Amount:       tx.Amount,
		Fee:          tx.Fee,
		Nonce:        tx.Nonce,
		GasLimit:     tx.GasLimit,
		GasPrice:     tx.GasPrice,
		Data:         tx.Data,
		Timestamp:    tx.Timestamp,
		Signature:    tx.Signature,
	}
}

// TransactionInBlock is a body entry inside a BlockMessage.
type TransactionInBlock struct {
	TxHash       core.Hash      `json:"tx_hash"`
	CodecVersion uint8          `json:"codec_version"`
	TxType       uint8          `json:"tx_type"`
	From         core.Address   `json:"from"`
	To           core.Address   `json:"to"`
	Amount       uint64         `json:"amount"`
	Fee          uint64         `json:"fee"`
	Nonce        uint64         `json:"nonce"`
	GasLimit     uint64         `json:"gas_limit"`
	GasPrice     uint64         `json:"gas_price"`
	Data         []byte         `json:"data"`
	Timestamp    int64          `json:"timestamp"`
	Signature    core.Signature `json:"signature"`
}

// BlockMessage is a full block on the blocks topic and in block-sync
// responses.
type BlockMessage struct {
	BlockNumber  uint64               `json:"block_number"`
	ParentHash   core.Hash            `json:"parent_hash"`
	StateRoot    core.Hash            `json:"state_root"`
	TxRoot       core.Hash            `json:"tx_root"`
	Timestamp    int64                `json:"timestamp"`
	Validator    core.Address         `json:"validator"`
	Difficulty   uint64               `json:"difficulty"`
	Nonce        uint64               `json:"nonce"`
	GasLimit     uint64               `json:"gas_limit"`
	GasUsed      uint64               `json:"gas_used"`
	ExtraData    core.Hash            `json:"extra_data"`
	Transactions []TransactionInBlock `json:"transactions"`
	BlockHash    core.Hash            `json:"block_hash"`
}

// NewBlockMessage converts a block for publishing.
func NewBlockMessage(b *core.Block) *BlockMessage {
	msg := &BlockMessage{
		BlockNumber: b.BlockNumber,
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
		BlockHash:   b.BlockHash,
	}
	msg.Transactions = make([]TransactionInBlock, len(b.Transactions))
	for i, tx := range b.Transactions {
		msg.Transactions[i] = TransactionInBlock{
			TxHash:       tx.Hash,
			CodecVersion: tx.CodecVersion,
			TxType:       tx.TxType,
			From:         tx.From,
			To:           tx.To,
			Amount:       tx.Amount,
			Fee:          tx.Fee,
			Nonce:        tx.Nonce,
			GasLimit:     tx.GasLimit,
			GasPrice:     tx.GasPrice,
			Data:         tx.Data,
			Timestamp:    tx.Timestamp,
			Signature:    tx.Signature,
		}
	}
	return msg
}

// NewBlockMessageFromStored converts an archived block for block-sync.
func NewBlockMessageFromStored(sb *state.StoredBlock) (*BlockMessage, error) {
	block, err := sb.ToBlock()
	if err != nil {
		return nil, err
	}
	return NewBlockMessage(block), nil
}

// ToBlock rebuilds the core block. Transaction hashes are resealed from the
// preimage; the applier recomputes and cross-checks everything else.
func (m *BlockMessage) ToBlock() *core.Block {
	block := &core.Block{
		BlockNumber: m.BlockNumber,
		ParentHash:  m.ParentHash,
		StateRoot:   m.StateRoot,
		TxRoot:      m.TxRoot,
		Timestamp:   m.Timestamp,
		Validator:   m.Validator,
		Difficulty:  m.Difficulty,
		Nonce:       m.Nonce,
		GasLimit:    m.GasLimit,
		GasUsed:     m.GasUsed,
		ExtraData:   m.ExtraData,
		BlockHash:   m.BlockHash,
	}
	block.Transactions = make([]*core.Transaction, len(m.Transactions))
	for i, t := range m.Transactions {
		tx := &core.Transaction{
			CodecVersion: t.CodecVersion,
			TxType:       t.TxType,
			From:         t.From,
			To:           t.To,
			Amount:       t.Amount,
			Fee:          t.Fee,
			Nonce:        t.Nonce,
			GasLimit:     t.GasLimit,
			GasPrice:     t.GasPrice,
			Data:         t.Data,
			Timestamp:    t.Timestamp,
			Signature:    t.Signature,
		}
		tx.SealHash()
		block.Transactions[i] = tx
	}
	return block
}

// BlockSyncRequest asks a peer for a contiguous historical range.
type BlockSyncRequest struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
	MaxBlocks int    `json:"max_blocks"`
}

// BlockSyncResponse carries the requested blocks, ascending.
type BlockSyncResponse struct {
	Blocks []BlockMessage `json:"blocks"`
}

// CIDMessage announces an off-chain artifact by content identifier. The
// payload itself travels out of band.
type CIDMessage struct {
	CID         string      `json:"cid"`
	Type        string      `json:"type"` // "problem", "solution" or "block"
	BlockNumber uint64      `json:"block_number"`
	Timestamp   int64       `json:"timestamp"`
	Publisher   string      `json:"publisher"`
	Metadata    CIDMetadata `json:"metadata"`
}

// CIDMetadata carries size and provenance hints for the artifact.
type CIDMetadata struct {
	Size        uint64   `json:"size"`
	ProblemHash string   `json:"problem_hash,omitempty"`
	Tags        []string `json:"tags"`
}
