package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Fixed-length byte fields travel as 0x-prefixed hex strings in every JSON
// wire message and checkpoint export. Length is enforced on decode; a wrong
// length is a malformed message, not a truncation.

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(a[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	return decodeFixed(a[:], "address", text)
}

// String returns the full hex form.
func (a Address) String() string { return hexutil.Encode(a[:]) }

// Short returns an abbreviated hex form for log fields.
func (a Address) Short() string { return hexutil.Encode(a[:8]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(h[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	return decodeFixed(h[:], "hash", text)
}

// String returns the full hex form.
func (h Hash) String() string { return hexutil.Encode(h[:]) }

// Short returns an abbreviated hex form for log fields.
func (h Hash) Short() string { return hexutil.Encode(h[:8]) }

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(s[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	return decodeFixed(s[:], "signature", text)
}

func decodeFixed(dst []byte, kind string, text []byte) error {
	raw, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%w: %s must be %d bytes, got %d", ErrMalformed, kind, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
