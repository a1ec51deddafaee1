// Package hashkind implements the tagged Hash value used throughout a
// manifest: either an MD5 digest or an xxHash-64 digest, never compared
// across algorithms.
package hashkind

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Algorithm identifies which digest a Hash value carries.
type Algorithm string

const (
	MD5 Algorithm = "md5"
	XxH Algorithm = "xxh"
)

// Hash is a tagged digest value. Two Hash values are only meaningfully
// comparable when they share the same Algorithm; Equal enforces that.
type Hash struct {
	Algorithm Algorithm
	// Hex is the lowercase hex encoding of the digest: 32 chars for MD5,
	// 16 chars for xxh.
	Hex string
}

func (h Hash) String() string {
	return h.Hex
}

func (h Hash) IsZero() bool {
	return h.Hex == ""
}

// Equal reports whether h and other carry the same algorithm and digest.
// Hashes from different algorithms are never equal, even by coincidence of
// hex text, since the spec forbids mixing algorithms within one manifest.
func (h Hash) Equal(other Hash) bool {
	return h.Algorithm == other.Algorithm && h.Hex == other.Hex
}

// NewHasher returns a fresh hash.Hash for the given algorithm.
func NewHasher(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case MD5:
		return md5.New(), nil
	case XxH:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", alg)
	}
}

// Sum hashes all of r's content with the given algorithm and returns the
// resulting tagged Hash along with the number of bytes consumed.
func Sum(alg Algorithm, r io.Reader) (Hash, int64, error) {
	h, err := NewHasher(alg)
	if err != nil {
		return Hash{}, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, err
	}
	return Hash{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}, n, nil
}

// Parse builds a Hash from an algorithm tag and its hex text, validating
// the hex length matches what the algorithm produces.
func Parse(alg Algorithm, hexDigest string) (Hash, error) {
	var wantLen int
	switch alg {
	case MD5:
		wantLen = md5.Size * 2
	case XxH:
		wantLen = 8 * 2
	default:
		return Hash{}, fmt.Errorf("unknown hash algorithm %q", alg)
	}
	if len(hexDigest) != wantLen {
		return Hash{}, fmt.Errorf("invalid %s digest length %d, want %d", alg, len(hexDigest), wantLen)
	}
	if _, err := hex.DecodeString(hexDigest); err != nil {
		return Hash{}, fmt.Errorf("invalid %s digest %q: %w", alg, hexDigest, err)
	}
	return Hash{Algorithm: alg, Hex: hexDigest}, nil
}
