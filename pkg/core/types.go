// Package core defines the canonical blockchain types: addresses, accounts,
// transactions, blocks, and the byte encodings their hashes and signatures
// are computed over. Everything here is deterministic; two nodes must agree
// bit-for-bit on every preimage.
package core

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"
)

// Codec and transaction type tags. The codec version is the first byte of
// every transaction preimage; bumping it invalidates old signatures.
const (
	CodecVersion uint8 = 1

	TxTypeTransfer uint8 = 1
	TxTypeEscrow   uint8 = 2
)

// Gas rules.
const (
	// TransferGasFloor is the minimum gas limit for a value transfer.
	TransferGasFloor uint64 = 21_000

	// BlockGasHardCap is the validity ceiling for gas_limit and gas_used
	// of any block, built or received.
	BlockGasHardCap uint64 = 50_000_000

	// DefaultBlockGasLimit is the builder's per-block gas budget.
	DefaultBlockGasLimit uint64 = 30_000_000
)

// MinEscrowAmount is the dust floor for escrow locks.
const MinEscrowAmount uint64 = 1000

// MaxClockDrift bounds how far in the future a block timestamp may sit.
const MaxClockDrift = 15 * time.Second

// Address is a 32-byte Ed25519 public-key identifier. Equality is by value.
type Address [32]byte

// Hash is a 32-byte SHA-256 digest.
type Hash [32]byte

// Signature is a 64-byte Ed25519 signature.
type Signature [64]byte

// ZeroHash is the all-zero digest, used for empty trees and the genesis
// parent.
var ZeroHash = Hash{}

// Account is an address plus its replicated state. Accounts persist once
// created; the nonce never decreases.
type Account struct {
	Address Address
	Balance uint64
	Nonce   uint64
}

// StateHash computes the per-account leaf hash folded into the state root:
// SHA-256(address || balance(u64-le) || nonce(u64-le)).
func (a Account) StateHash() Hash {
	buf := make([]byte, 0, 48)
	buf = append(buf, a.Address[:]...)
	buf = appendUint64LE(buf, a.Balance)
	buf = appendUint64LE(buf, a.Nonce)
	return sha256.Sum256(buf)
}

// Transaction is an immutable signed value transfer or escrow lock. Hash and
// Signature are both computed over SigningBytes; the fee is derived policy
// and deliberately outside the preimage.
type Transaction struct {
	CodecVersion uint8
	TxType       uint8
	From         Address
	To           Address
	Amount       uint64
	Fee          uint64
	GasLimit     uint64
	GasPrice     uint64
	Nonce        uint64
	Data         []byte
	Timestamp    int64
	Signature    Signature

	Hash Hash
}

// SigningBytes returns the canonical preimage:
// codec_version || tx_type || from || to || amount || nonce || gas_limit ||
// gas_price || len(data)(u32-le) || data || timestamp, all integers
// little-endian.
func (tx *Transaction) SigningBytes() []byte {
	buf := make([]byte, 0, 128+len(tx.Data))
	buf = append(buf, tx.CodecVersion, tx.TxType)
	buf = append(buf, tx.From[:]...)
	buf = append(buf, tx.To[:]...)
	buf = appendUint64LE(buf, tx.Amount)
	buf = appendUint64LE(buf, tx.Nonce)
	buf = appendUint64LE(buf, tx.GasLimit)
	buf = appendUint64LE(buf, tx.GasPrice)
	buf = appendUint32LE(buf, uint32(len(tx.Data)))
	buf = append(buf, tx.Data...)
	buf = appendUint64LE(buf, uint64(tx.Timestamp))
	return buf
}

// ComputeHash returns SHA-256 of the canonical preimage.
func (tx *Transaction) ComputeHash() Hash {
	return sha256.Sum256(tx.SigningBytes())
}

// SealHash fills in the derived hash field.
func (tx *Transaction) SealHash() {
	tx.Hash = tx.ComputeHash()
}

// Cost is the total debit the sender must cover at inclusion time.
func (tx *Transaction) Cost() uint64 {
	return tx.Amount + tx.Fee
}

// FeePerGas is the priority basis used by the mempool.
func (tx *Transaction) FeePerGas() float64 {
	if tx.GasLimit == 0 {
		return 0
	}
	return float64(tx.Fee) / float64(tx.GasLimit)
}

// ValidateBasic checks the structural invariants that hold independent of
// state: codec version, type tag, field ranges, self-send, gas floor and
// escrow dust floor. It does not verify the signature; see Verify.
func (tx *Transaction) ValidateBasic() error {
	if tx.CodecVersion != CodecVersion {
		return fmt.Errorf("%w: codec version %d", ErrMalformed, tx.CodecVersion)
	}
	switch tx.TxType {
	case TxTypeTransfer, TxTypeEscrow:
	default:
		return fmt.Errorf("%w: unknown tx type %d", ErrMalformed, tx.TxType)
	}
	if tx.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrSemantic)
	}
	if tx.From == tx.To {
		return fmt.Errorf("%w: sender equals recipient", ErrSemantic)
	}
	if tx.TxType == TxTypeTransfer && tx.GasLimit < TransferGasFloor {
		return fmt.Errorf("%w: gas limit %d below transfer floor %d", ErrSemantic, tx.GasLimit, TransferGasFloor)
	}
	if tx.TxType == TxTypeEscrow && tx.Amount < MinEscrowAmount {
		return fmt.Errorf("%w: escrow amount %d below minimum %d", ErrSemantic, tx.Amount, MinEscrowAmount)
	}
	return nil
}

// Verify checks the Ed25519 signature under the sender address and that the
// sealed hash matches the preimage.
func (tx *Transaction) Verify() error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if tx.Hash != tx.ComputeHash() {
		return fmt.Errorf("%w: tx hash does not match preimage", ErrMalformed)
	}
	if !VerifySignature(tx.From, tx.SigningBytes(), tx.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Block is a header plus an ordered transaction body. BlockHash is derived
// from the header alone.
type Block struct {
	// Header.
	BlockNumber uint64
	ParentHash  Hash
	StateRoot   Hash
	TxRoot      Hash
	Timestamp   int64
	Validator   Address
	Difficulty  uint64
	Nonce       uint64
	GasLimit    uint64
	GasUsed     uint64
	ExtraData   [32]byte

	// Body.
	Transactions []*Transaction

	// Derived.
	BlockHash Hash
}

// ComputeHash hashes the header fields in their fixed little-endian order.
func (b *Block) ComputeHash() Hash {
	buf := make([]byte, 0, 256)
	buf = appendUint64LE(buf, b.BlockNumber)
	buf = append(buf, b.ParentHash[:]...)
	buf = append(buf, b.StateRoot[:]...)
	buf = append(buf, b.TxRoot[:]...)
	buf = appendUint64LE(buf, uint64(b.Timestamp))
	buf = append(buf, b.Validator[:]...)
	buf = appendUint64LE(buf, b.Difficulty)
	buf = appendUint64LE(buf, b.Nonce)
	buf = appendUint64LE(buf, b.GasLimit)
	buf = appendUint64LE(buf, b.GasUsed)
	buf = append(buf, b.ExtraData[:]...)
	return sha256.Sum256(buf)
}

// TxHashes returns the ordered body hashes, the merkle leaves of tx_root.
func (b *Block) TxHashes() []Hash {
	hashes := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash
	}
	return hashes
}

// ValidateHeader checks the self-contained header invariants: timestamp
// drift, gas bounds and hash integrity. Parent linkage and roots are checked
// by the applier, which has the chain context.
func (b *Block) ValidateHeader(now time.Time) error {
	if b.Timestamp > now.Add(MaxClockDrift).Unix() {
		return fmt.Errorf("%w: block %d timestamp %d too far in the future", ErrConsistency, b.BlockNumber, b.Timestamp)
	}
	if b.GasLimit == 0 || b.GasLimit > BlockGasHardCap {
		return fmt.Errorf("%w: block %d gas limit %d outside (0, %d]", ErrConsistency, b.BlockNumber, b.GasLimit, BlockGasHardCap)
	}
	if b.GasUsed > b.GasLimit {
		return fmt.Errorf("%w: block %d gas used %d exceeds limit %d", ErrConsistency, b.BlockNumber, b.GasUsed, b.GasLimit)
	}
	if b.ComputeHash() != b.BlockHash {
		return fmt.Errorf("%w: block %d hash does not match header", ErrConsistency, b.BlockNumber)
	}
	return nil
}

// AddressLess orders addresses ascending by byte value; the canonical order
// for state-root leaves and mempool tie-breaks.
func AddressLess(a, b Address) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// HashLess orders hashes ascending by byte value.
func HashLess(a, b Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func appendUint64LE(buf []byte, n uint64) []byte {
	return append(buf,
		byte(n), byte(n>>8), byte(n>>16), byte(n>>24),
		byte(n>>32), byte(n>>40), byte(n>>48), byte(n>>56))
}

func appendUint32LE(buf []byte, n uint32) []byte {
	return append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
}
