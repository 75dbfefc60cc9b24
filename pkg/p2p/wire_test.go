package p2p

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinjecture/coinjectured/pkg/core"
	"github.com/coinjecture/coinjectured/pkg/merkle"
)

func signedTransfer(t *testing.T, key *core.PrivateKey, nonce uint64) *core.Transaction {
	t.Helper()
	tx := &core.Transaction{
		CodecVersion: core.CodecVersion,
		TxType:       core.TxTypeTransfer,
		From:         key.Address(),
		To:           core.Address{0x0B},
		Amount:       100,
		Fee:          10,
		GasLimit:     core.TransferGasFloor,
		GasPrice:     1,
		Nonce:        nonce,
		Data:         []byte("payload"),
		Timestamp:    time.Now().Unix(),
	}
	tx.Signature = key.Sign(tx.SigningBytes())
	tx.SealHash()
	return tx
}

func TestTransactionMessageRoundTrip(t *testing.T) {
	key, err := core.GenerateKey()
	require.NoError(t, err)
	tx := signedTransfer(t, key, 3)

	data, err := json.Marshal(NewTransactionMessage(tx))
	require.NoError(t, err)

	// snake_case field names, hex-encoded byte fields.
	assert.Contains(t, string(data), `"codec_version":1`)
	assert.Contains(t, string(data), `"gas_limit":21000`)
	assert.Contains(t, string(data), `"from":"0x`)

	var wire TransactionMessage
	require.NoError(t, json.Unmarshal(data, &wire))

	restored := wire.ToTransaction()
	assert.Equal(t, tx.Hash, restored.Hash, "hash must survive the wire")
	assert.NoError(t, restored.Verify())
}

func TestTransactionMessageRejectsBadHexLength(t *testing.T) {
	var wire TransactionMessage
	err := json.Unmarshal([]byte(`{"from":"0x1234"}`), &wire)
	assert.Error(t, err)
}

func TestBlockMessageRoundTrip(t *testing.T) {
	key, err := core.GenerateKey()
	require.NoError(t, err)

	txs := []*core.Transaction{signedTransfer(t, key, 0), signedTransfer(t, key, 1)}
	block := &core.Block{
		BlockNumber:  9,
		ParentHash:   core.Hash{0x01},
		StateRoot:    core.Hash{0x02},
		Timestamp:    time.Now().Unix(),
		Validator:    core.Address{0x03},
		Difficulty:   1,
		GasLimit:     core.DefaultBlockGasLimit,
		GasUsed:      2 * core.TransferGasFloor,
		ExtraData:    [32]byte{0x5A},
		Transactions: txs,
	}
	block.TxRoot = merkle.Root(block.TxHashes())
	block.BlockHash = block.ComputeHash()

	data, err := json.Marshal(NewBlockMessage(block))
	require.NoError(t, err)

	var wire BlockMessage
	require.NoError(t, json.Unmarshal(data, &wire))

	restored := wire.ToBlock()
	assert.Equal(t, block.BlockHash, restored.BlockHash)
	assert.Equal(t, block.ExtraData, restored.ExtraData, "extra_data must survive bit-exactly")
	require.Len(t, restored.Transactions, 2)
	assert.Equal(t, txs[0].Hash, restored.Transactions[0].Hash)
	assert.Equal(t, txs[1].Hash, restored.Transactions[1].Hash)

	// The restored header must still pass recomputation checks.
	assert.Equal(t, restored.ComputeHash(), restored.BlockHash)
	assert.Equal(t, block.TxRoot, merkle.Root(restored.TxHashes()))
}

func TestCIDMessageRoundTrip(t *testing.T) {
	in := CIDMessage{
		CID:         "bafybeigdyrzt5example",
		Type:        CIDTypeSolution,
		BlockNumber: 12,
		Timestamp:   1700000000,
		Publisher:   "12D3KooWExample",
		Metadata: CIDMetadata{
			Size:        2048,
			ProblemHash: "0xabc",
			Tags:        []string{"solution"},
		},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"block_number":12`)
	assert.Contains(t, string(data), `"problem_hash":"0xabc"`)

	var out CIDMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestCIDTypeValidation(t *testing.T) {
	assert.True(t, validCIDType(CIDTypeProblem))
	assert.True(t, validCIDType(CIDTypeSolution))
	assert.True(t, validCIDType(CIDTypeBlock))
	assert.False(t, validCIDType("nft"))
	assert.False(t, validCIDType(""))
}

func TestClampSyncRange(t *testing.T) {
	cases := []struct {
		name     string
		req      BlockSyncRequest
		from, to uint64
		ok       bool
	}{
		{"in bounds", BlockSyncRequest{FromBlock: 10, ToBlock: 20, MaxBlocks: 100}, 10, 20, true},
		{"clamped by max_blocks", BlockSyncRequest{FromBlock: 10, ToBlock: 200, MaxBlocks: 50}, 10, 59, true},
		{"zero max defaults to batch cap", BlockSyncRequest{FromBlock: 0, ToBlock: 10_000}, 0, MaxBlockSyncBatch - 1, true},
		{"oversized max clamped to batch cap", BlockSyncRequest{FromBlock: 0, ToBlock: 10_000, MaxBlocks: 99_999}, 0, MaxBlockSyncBatch - 1, true},
		{"single block", BlockSyncRequest{FromBlock: 7, ToBlock: 7, MaxBlocks: 1}, 7, 7, true},
		{"inverted range", BlockSyncRequest{FromBlock: 20, ToBlock: 10, MaxBlocks: 10}, 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			from, to, ok := clampSyncRange(tc.req)
			assert.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.from, from)
				assert.Equal(t, tc.to, to)
			}
		})
	}
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "/coinjecture/tx/1.0.0", TxGossipTopic)
	assert.Equal(t, "/coinjecture/blocks/1.0.0", BlockGossipTopic)
	assert.Equal(t, "/coinjecture/cids/1.0.0", CIDGossipTopic)
	assert.Equal(t, "/coinjecture/blocksync/1.0.0", string(BlockSyncProtocol))
}
