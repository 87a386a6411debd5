// Package crypto holds the signature engine and the per-account keyring.
package crypto

import (
	"crypto/rand"
	"io"
	"time"

	"taracol/pkg/types"
)

var randReader io.Reader = rand.Reader

// KeyPair is one entry of an account's key history.
type KeyPair struct {
	Ref       types.KeyRef
	Public    PublicKey
	CreatedAt time.Time
	Revoked   bool
	RevokedAt time.Time

	private PrivateKey
}

// NewKeyPair generates a fresh key pair. Its Ref is assigned by the keyring.
func NewKeyPair(alg Algorithm) (*KeyPair, error) {
	pub, priv, err := Generate(alg)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, private: priv, CreatedAt: time.Now().UTC()}, nil
}

// Sign signs with the pair directly, bypassing the keyring's revocation
// checks. Used during account bootstrap before a keyring entry exists.
func (kp *KeyPair) Sign(payload []byte) (Signature, error) {
	s, err := SchemeFor(kp.private.Alg)
	if err != nil {
		return nil, err
	}
	return s.Sign(kp.private, payload)
}

// KeyInfo is the public view of a key.
type KeyInfo struct {
	Ref       types.KeyRef `json:"ref"`
	Public    PublicKey    `json:"public"`
	CreatedAt time.Time    `json:"created_at"`
	Revoked   bool         `json:"revoked"`
}

func (kp *KeyPair) Info() KeyInfo {
	return KeyInfo{Ref: kp.Ref, Public: kp.Public, CreatedAt: kp.CreatedAt, Revoked: kp.Revoked}
}

// Signer produces signatures by key reference.
type Signer interface {
	Sign(ref types.KeyRef, payload []byte) (Signature, error)
}

// Verify checks sig over payload. It never panics; any malformed input
// yields false.
func Verify(pub PublicKey, payload []byte, sig Signature) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	if pub.IsZero() || len(sig) == 0 {
		return false
	}
	s, err := SchemeFor(pub.Alg)
	if err != nil {
		return false
	}
	return s.Verify(pub, payload, sig)
}
