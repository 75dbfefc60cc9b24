// Package merkle computes binary SHA-256 merkle roots and inclusion proofs
// over ordered hash lists. An empty list hashes to all zeros, a single leaf
// is its own root, and odd levels duplicate their last node.
package merkle

import (
	"crypto/sha256"

	"github.com/coinjecture/coinjectured/pkg/core"
)

// Root computes the merkle root of the ordered leaves.
func Root(hashes []core.Hash) core.Hash {
	if len(hashes) == 0 {
		return core.ZeroHash
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([]core.Hash, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		next := make([]core.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
	}
	return level[0]
}

// Proof returns the sibling path for the leaf at index, bottom-up. The proof
// verifies with VerifyProof against Root of the same list.
func Proof(hashes []core.Hash, index int) []core.Hash {
	if index < 0 || index >= len(hashes) || len(hashes) < 2 {
		return nil
	}

	level := make([]core.Hash, len(hashes))
	copy(level, hashes)

	var proof []core.Hash
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling >= len(level) {
			// Odd level: the last node pairs with itself.
			sibling = index
		}
		proof = append(proof, level[sibling])

		next := make([]core.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
		index /= 2
	}
	return proof
}

// VerifyProof recomputes the path from leaf to root. At step i the current
// hash sits on the left when bit i of index is clear.
func VerifyProof(leaf core.Hash, proof []core.Hash, root core.Hash, index int) bool {
	current := leaf
	for i, sibling := range proof {
		if (index>>i)&1 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
	}
	return current == root
}

func hashPair(left, right core.Hash) core.Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}
