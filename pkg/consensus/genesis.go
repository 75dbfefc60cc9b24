package consensus

import (
	"time"

	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/merkle"
)

// NewGenesisBlock builds block 0: zero parent, empty body, zero state root.
// Every node on the network derives the same genesis hash from the same
// validator and timestamp.
func NewGenesisBlock(validator core.Address, timestamp int64) *core.Block {
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}
	genesis := &core.Block{
		BlockNumber:  0,
		ParentHash:   core.ZeroHash,
		Timestamp:    timestamp,
		Validator:    validator,
		Difficulty:   1,
		Nonce:        0,
		GasLimit:     core.DefaultBlockGasLimit,
		GasUsed:      0,
		Transactions: []*core.Transaction{},
	}
	genesis.TxRoot = merkle.Root(nil)
	genesis.StateRoot = core.ZeroHash
	genesis.BlockHash = genesis.ComputeHash()
	return genesis
}
