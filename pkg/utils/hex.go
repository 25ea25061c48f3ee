package utils

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidHex is returned for malformed hex strings.
var ErrInvalidHex = errors.New("invalid hex")

// EncodeHex returns the lowercase hex representation of the provided bytes.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// AppendHex appends the lowercase hex representation of b to dst.
func AppendHex(dst, b []byte) []byte {
	return hex.AppendEncode(dst, b)
}

// DecodeHex decodes a hex string of either case.
func DecodeHex(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHex, err)
	}

	return out, nil
}

// DecodeHexInto decodes s into dst. The string must exactly fill dst. On a
// bad character the number of bytes decoded before it is returned.
func DecodeHexInto(dst []byte, s string) (int, error) {
	// check length
	if len(s) != hex.EncodedLen(len(dst)) {
		return 0, fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidHex, hex.EncodedLen(len(dst)), len(s))
	}

	// decode
	n, err := hex.Decode(dst, []byte(s))
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrInvalidHex, err)
	}

	return n, nil
}
