package core

import "errors"

// Error classes mirroring the failure taxonomy the node distinguishes.
// Components wrap these so callers can discriminate with errors.Is without
// depending on message text.
var (
	// ErrMalformed covers structural defects: bad lengths, unknown tags,
	// undecodable bytes. Never retried.
	ErrMalformed = errors.New("malformed")

	// ErrBadSignature covers cryptographic verification failure.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrSemantic covers local rejections: bad nonce, insufficient
	// balance, gas overflow, duplicates. Not fatal.
	ErrSemantic = errors.New("semantic rejection")

	// ErrConsistency covers hash/root/parent mismatches on blocks. The
	// block is rejected atomically.
	ErrConsistency = errors.New("consistency failure")
)
