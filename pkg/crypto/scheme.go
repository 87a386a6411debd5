package crypto

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/signature"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a signature scheme.
type Algorithm string

const (
	Ed25519    Algorithm = "ed25519"
	Dilithium3 Algorithm = "dilithium3"
	ECDSAP256  Algorithm = "ecdsa-p256"
)

// Scheme is a pluggable signature algorithm.
type Scheme interface {
	Algorithm() Algorithm
	Generate(rand io.Reader) (PublicKey, PrivateKey, error)
	Sign(priv PrivateKey, msg []byte) ([]byte, error)
	// Verify reports whether sig is valid. Malformed input returns false.
	Verify(pub PublicKey, msg, sig []byte) bool
}

var schemes = map[Algorithm]Scheme{
	Ed25519:    ed25519Scheme{},
	Dilithium3: dilithiumScheme{},
	ECDSAP256:  tinkScheme{},
}

// SchemeFor returns the implementation of alg.
func SchemeFor(alg Algorithm) (Scheme, error) {
	s, ok := schemes[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
	return s, nil
}

// Algorithms lists the supported algorithms.
func Algorithms() []Algorithm {
	return []Algorithm{Ed25519, Dilithium3, ECDSAP256}
}

type ed25519Scheme struct{}

func (ed25519Scheme) Algorithm() Algorithm { return Ed25519 }

func (ed25519Scheme) Generate(rand io.Reader) (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return PublicKey{Alg: Ed25519, Raw: pub}, PrivateKey{Alg: Ed25519, raw: priv}, nil
}

func (ed25519Scheme) Sign(priv PrivateKey, msg []byte) ([]byte, error) {
	if len(priv.raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv.raw))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv.raw), msg), nil
}

func (ed25519Scheme) Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub.Raw) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Raw), msg, sig)
}

// dilithiumScheme signs sha3-256(msg) with Dilithium3.
type dilithiumScheme struct{}

func (dilithiumScheme) Algorithm() Algorithm { return Dilithium3 }

func (dilithiumScheme) Generate(rand io.Reader) (PublicKey, PrivateKey, error) {
	pk, sk, err := mode3.GenerateKey(rand)
	if err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("failed to generate dilithium3 key: %w", err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return PublicKey{Alg: Dilithium3, Raw: pub}, PrivateKey{Alg: Dilithium3, raw: priv}, nil
}

func (dilithiumScheme) Sign(priv PrivateKey, msg []byte) ([]byte, error) {
	var sk mode3.PrivateKey
	if err := sk.UnmarshalBinary(priv.raw); err != nil {
		return nil, fmt.Errorf("invalid dilithium3 private key: %w", err)
	}
	digest := sha3.Sum256(msg)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(&sk, digest[:], sig)
	return sig, nil
}

func (dilithiumScheme) Verify(pub PublicKey, msg, sig []byte) bool {
	if len(sig) != mode3.SignatureSize {
		return false
	}
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(pub.Raw); err != nil {
		return false
	}
	digest := sha3.Sum256(msg)
	return mode3.Verify(&pk, digest[:], sig)
}

// tinkScheme keeps ECDSA P-256 keys as tink keysets. The private key is the
// cleartext binary keyset, the public key is the public keyset.
type tinkScheme struct{}

func (tinkScheme) Algorithm() Algorithm { return ECDSAP256 }

func (tinkScheme) Generate(_ io.Reader) (PublicKey, PrivateKey, error) {
	h, err := keyset.NewHandle(signature.ECDSAP256KeyTemplate())
	if err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("failed to generate ecdsa keyset: %w", err)
	}
	var privBuf bytes.Buffer
	if err := insecurecleartextkeyset.Write(h, keyset.NewBinaryWriter(&privBuf)); err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("failed to serialize keyset: %w", err)
	}
	pubHandle, err := h.Public()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	var pubBuf bytes.Buffer
	if err := pubHandle.WriteWithNoSecrets(keyset.NewBinaryWriter(&pubBuf)); err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("failed to serialize public keyset: %w", err)
	}
	return PublicKey{Alg: ECDSAP256, Raw: pubBuf.Bytes()}, PrivateKey{Alg: ECDSAP256, raw: privBuf.Bytes()}, nil
}

func (tinkScheme) Sign(priv PrivateKey, msg []byte) ([]byte, error) {
	h, err := insecurecleartextkeyset.Read(keyset.NewBinaryReader(bytes.NewReader(priv.raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid ecdsa keyset: %w", err)
	}
	s, err := signature.NewSigner(h)
	if err != nil {
		return nil, err
	}
	return s.Sign(msg)
}

func (tinkScheme) Verify(pub PublicKey, msg, sig []byte) bool {
	h, err := keyset.ReadWithNoSecrets(keyset.NewBinaryReader(bytes.NewReader(pub.Raw)))
	if err != nil {
		return false
	}
	v, err := signature.NewVerifier(h)
	if err != nil {
		return false
	}
	return v.Verify(sig, msg) == nil
}
