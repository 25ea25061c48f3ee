package ota

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/256dpi/naos-ota/pkg/utils"
)

// HashSize is the size of a SHA-256 content hash.
const HashSize = 32

// VersionUnset is the sentinel of a missing or invalid version.
const VersionUnset Version = 0xFFFF

const initialTokens = 5

// Version is a packed firmware version with the major number in the high and
// the minor number in the low byte.
type Version uint16

// NewVersion returns the version for the provided numbers.
func NewVersion(major, minor uint8) Version {
	return Version(uint16(major)<<8 | uint16(minor))
}

// Major returns the major number.
func (v Version) Major() uint8 {
	return uint8(v >> 8)
}

// Minor returns the minor number.
func (v Version) Minor() uint8 {
	return uint8(v)
}

// String returns "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// Descriptor announces an available firmware version and its content hash.
type Descriptor struct {
	Version Version
	Hash    [HashSize]byte
}

// Validate checks that the version is set and the hash is not all zero.
func (d Descriptor) Validate() error {
	// check version
	if d.Version == VersionUnset {
		return fmt.Errorf("%w: missing version", ErrIncompleteDescriptor)
	}

	// check hash
	if d.Hash == [HashSize]byte{} {
		return fmt.Errorf("%w: missing sha256", ErrIncompleteDescriptor)
	}

	return nil
}

// ParseDescriptor parses a descriptor document of the form:
//
//	{"version": 259, "sha256": "<64 hex characters>"}
//
// Unknown fields are ignored. A document that lacks a valid version or hash
// is rejected.
func ParseDescriptor(data []byte) (Descriptor, error) {
	// tokenize, growing the token list as needed
	tokens := make([]token, initialTokens)
	var n int
	for {
		var err error
		n, err = tokenize(data, tokens)
		if errors.Is(err, ErrTokenCapacity) {
			tokens = make([]token, grow(len(tokens)))
			continue
		} else if err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
		}
		break
	}

	// prepare descriptor
	desc := Descriptor{Version: VersionUnset}

	// scan fields
	for i := 1; i+1 < n; i += 2 {
		key, val := tokens[i], tokens[i+1]
		switch key.value {
		case "version":
			desc.Version = parseVersion(val)
		case "sha256":
			desc.Hash = parseHash(val)
		}
	}

	// validate
	err := desc.Validate()
	if err != nil {
		return Descriptor{}, err
	}

	return desc, nil
}

func parseVersion(tok token) Version {
	// check kind
	if tok.kind != tokenPrimitive && tok.kind != tokenString {
		return VersionUnset
	}

	// parse number
	num, err := strconv.ParseUint(tok.value, 10, 16)
	if err != nil {
		return VersionUnset
	}

	return Version(num)
}

func parseHash(tok token) [HashSize]byte {
	// check kind
	var hash [HashSize]byte
	if tok.kind != tokenString {
		return hash
	}

	// decode hash
	_, err := utils.DecodeHexInto(hash[:], tok.value)
	if err != nil {
		return [HashSize]byte{}
	}

	return hash
}
