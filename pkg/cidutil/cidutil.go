// Package cidutil derives the content addresses used for blocks, records,
// commits and identity states.
package cidutil

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Hasher selects the multihash function for new addresses.
// Existing addresses always verify with the function encoded in them.
type Hasher uint64

const (
	SHA2_256 Hasher = multihash.SHA2_256
	SHA3_256 Hasher = multihash.SHA3_256
	BLAKE3   Hasher = multihash.BLAKE3
)

var defaultHasher = SHA2_256

// ParseHasher maps a configuration name to a Hasher.
func ParseHasher(name string) (Hasher, error) {
	switch name {
	case "", "sha2-256", "sha256":
		return SHA2_256, nil
	case "sha3-256":
		return SHA3_256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return 0, fmt.Errorf("unsupported hash function %q", name)
	}
}

// SetDefault changes the hash function used by Sum. It is meant to be
// called once at startup.
func SetDefault(h Hasher) { defaultHasher = h }

// Sum returns a CIDv1 using the "raw" multicodec over data.
func Sum(data []byte) (cid.Cid, error) {
	return SumWith(defaultHasher, data)
}

// SumWith hashes with an explicit function.
func SumWith(h Hasher, data []byte) (cid.Cid, error) {
	length := -1
	if h == BLAKE3 {
		length = 32
	}
	sum, err := multihash.Sum(data, uint64(h), length)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// MustSum is Sum for inputs where hashing cannot fail.
func MustSum(data []byte) cid.Cid {
	id, err := Sum(data)
	if err != nil {
		panic(err)
	}
	return id
}

// Matches reports whether data hashes to id under the function encoded in id.
func Matches(id cid.Cid, data []byte) bool {
	if !id.Defined() {
		return false
	}
	decoded, err := multihash.Decode(id.Hash())
	if err != nil {
		return false
	}
	got, err := SumWith(Hasher(decoded.Code), data)
	if err != nil {
		return false
	}
	return got.Equals(id)
}
