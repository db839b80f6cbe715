package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pilacorp/go-credential-ledger/errdefs"
)

// DigestLength is the width of every digest in bytes.
const DigestLength = common.HashLength

// Digest is a fixed-width Keccak-256 digest.
type Digest = common.Hash

// ZeroDigest denotes an absent digest, e.g. the previous hash of the genesis block.
var ZeroDigest = Digest{}

// ErrMalformedDigest is returned when a digest string is not 0x-prefixed 32-byte hex.
var ErrMalformedDigest = fmt.Errorf("malformed digest: %w", errdefs.ErrMalformedInput)

// Hash calculates the Keccak256 digest of the concatenation of data.
func Hash(data ...[]byte) Digest {
	return crypto.Keccak256Hash(data...)
}

// ParseDigest parses a 0x-prefixed hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	if !strings.HasPrefix(s, "0x") {
		return ZeroDigest, fmt.Errorf("%w: missing 0x prefix", ErrMalformedDigest)
	}

	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return ZeroDigest, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
	if len(raw) != DigestLength {
		return ZeroDigest, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedDigest, DigestLength, len(raw))
	}

	return common.BytesToHash(raw), nil
}

// Compare compares two digests as big-endian unsigned integers.
func Compare(a, b Digest) int {
	return bytes.Compare(a[:], b[:])
}
