package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

// Multicodec prefixes for the textual key form. ed25519-pub is registered;
// the others sit in the private-use range.
const (
	codecEd25519    uint64 = 0xed
	codecDilithium3 uint64 = 0x300001
	codecECDSAP256  uint64 = 0x300002
)

var codecByAlg = map[Algorithm]uint64{
	Ed25519:    codecEd25519,
	Dilithium3: codecDilithium3,
	ECDSAP256:  codecECDSAP256,
}

// PublicKey is an algorithm-tagged public key.
type PublicKey struct {
	Alg Algorithm
	Raw []byte
}

// PrivateKey never leaves the process except through a KeyStore.
type PrivateKey struct {
	Alg Algorithm
	raw []byte
}

// Signature is a detached signature over a canonical payload.
type Signature []byte

func (s Signature) String() string { return hex.EncodeToString(s) }

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s)), nil
}

func (s *Signature) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	*s = raw
	return nil
}

// IsZero reports whether the key is unset.
func (k PublicKey) IsZero() bool { return len(k.Raw) == 0 }

// Equal compares algorithm and key bytes.
func (k PublicKey) Equal(o PublicKey) bool {
	return k.Alg == o.Alg && bytes.Equal(k.Raw, o.Raw)
}

// String renders the key as multibase base58btc over varint(codec) || raw.
func (k PublicKey) String() string {
	codec, ok := codecByAlg[k.Alg]
	if !ok {
		return ""
	}
	buf := append(varint.ToUvarint(codec), k.Raw...)
	s, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		return ""
	}
	return s
}

func (k PublicKey) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return []byte{}, nil
	}
	s := k.String()
	if s == "" {
		return nil, fmt.Errorf("unsupported key algorithm %q", k.Alg)
	}
	return []byte(s), nil
}

func (k *PublicKey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = PublicKey{}
		return nil
	}
	parsed, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePublicKey decodes the textual key form.
func ParsePublicKey(s string) (PublicKey, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key encoding: %w", err)
	}
	codec, n, err := varint.FromUvarint(data)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key prefix: %w", err)
	}
	for alg, c := range codecByAlg {
		if c == codec {
			return PublicKey{Alg: alg, Raw: append([]byte(nil), data[n:]...)}, nil
		}
	}
	return PublicKey{}, fmt.Errorf("unknown key codec 0x%x", codec)
}

// Generate creates a key pair with the named algorithm.
func Generate(alg Algorithm) (PublicKey, PrivateKey, error) {
	s, err := SchemeFor(alg)
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return s.Generate(randReader)
}
