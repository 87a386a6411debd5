package crypto

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

const testDID = types.DID("did:tara:abcdefghijklmnopqrstuvwx")

func TestSchemesSignVerify(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			kp, err := NewKeyPair(alg)
			require.NoError(t, err)

			msg := []byte("canonical payload")
			sig, err := kp.Sign(msg)
			require.NoError(t, err)

			assert.True(t, Verify(kp.Public, msg, sig))
			assert.False(t, Verify(kp.Public, []byte("other payload"), sig))

			other, err := NewKeyPair(alg)
			require.NoError(t, err)
			assert.False(t, Verify(other.Public, msg, sig))
		})
	}
}

func TestVerifyMalformedInputNeverPanics(t *testing.T) {
	kp, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	sig, err := kp.Sign([]byte("m"))
	require.NoError(t, err)

	cases := []struct {
		name string
		pub  PublicKey
		sig  Signature
	}{
		{"empty key", PublicKey{}, sig},
		{"empty sig", kp.Public, nil},
		{"truncated sig", kp.Public, sig[:10]},
		{"unknown alg", PublicKey{Alg: "rsa", Raw: kp.Public.Raw}, sig},
		{"garbage dilithium key", PublicKey{Alg: Dilithium3, Raw: []byte{1, 2, 3}}, make([]byte, 3293)},
		{"garbage tink key", PublicKey{Alg: ECDSAP256, Raw: []byte{1, 2, 3}}, sig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, Verify(tc.pub, []byte("m"), tc.sig))
			})
		})
	}
}

func TestPublicKeyTextRoundTrip(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			kp, err := NewKeyPair(alg)
			require.NoError(t, err)

			s := kp.Public.String()
			require.NotEmpty(t, s)
			assert.Equal(t, byte('z'), s[0], "base58btc multibase prefix")

			parsed, err := ParsePublicKey(s)
			require.NoError(t, err)
			assert.True(t, parsed.Equal(kp.Public))
		})
	}

	_, err := ParsePublicKey("not-a-key")
	assert.Error(t, err)
}

func TestKeyringSignAndRevocation(t *testing.T) {
	kr := NewKeyring(nil, nil)
	first, err := NewKeyPair(Ed25519)
	require.NoError(t, err)

	ref, err := kr.Create(testDID, first)
	require.NoError(t, err)

	sig, err := kr.Sign(ref, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, kr.VerifyActive(testDID, []byte("hello"), sig))

	second, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	auth, err := kr.Sign(ref, RotationPayload(testDID, second.Public))
	require.NoError(t, err)

	newRef, err := kr.Rotate(testDID, second, auth)
	require.NoError(t, err)
	assert.NotEqual(t, ref, newRef)

	_, err = kr.Sign(ref, []byte("after rotation"))
	assert.True(t, errors.Is(err, taraerr.ErrKeyRevoked))

	// Old signatures stay verifiable against history, not against the active key.
	assert.False(t, kr.VerifyActive(testDID, []byte("hello"), sig))
	assert.True(t, kr.VerifyHistorical(testDID, []byte("hello"), sig))

	history := kr.History(testDID)
	require.Len(t, history, 2)
	assert.True(t, history[0].Revoked)
	assert.False(t, history[1].Revoked)

	active, err := kr.Active(testDID)
	require.NoError(t, err)
	assert.Equal(t, newRef, active.Ref)
}

func TestKeyringUnauthorizedRotation(t *testing.T) {
	kr := NewKeyring(nil, nil)
	first, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	_, err = kr.Create(testDID, first)
	require.NoError(t, err)

	attacker, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	forged, err := attacker.Sign(RotationPayload(testDID, attacker.Public))
	require.NoError(t, err)

	_, err = kr.Rotate(testDID, attacker, forged)
	assert.True(t, errors.Is(err, taraerr.ErrUnauthorizedRotation))
	assert.Len(t, kr.History(testDID), 1)
}

func TestKeyringKeyNotFound(t *testing.T) {
	kr := NewKeyring(nil, nil)

	_, err := kr.Sign(types.KeyRef(string(testDID)+"#0"), []byte("x"))
	assert.True(t, errors.Is(err, taraerr.ErrKeyNotFound))

	_, err = kr.Sign("garbage", []byte("x"))
	assert.True(t, errors.Is(err, taraerr.ErrKeyNotFound))

	kp, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	_, err = kr.Create(testDID, kp)
	require.NoError(t, err)

	_, err = kr.Sign(types.KeyRef(string(testDID)+"#7"), []byte("x"))
	assert.True(t, errors.Is(err, taraerr.ErrKeyNotFound))

	_, err = kr.Create(testDID, kp)
	assert.Error(t, err)
}

func TestKeyringConcurrentRotationsSerialize(t *testing.T) {
	kr := NewKeyring(nil, nil)
	first, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	ref, err := kr.Create(testDID, first)
	require.NoError(t, err)

	// Every candidate is authorized by the same original key; only one can win.
	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	candidates := make([]*KeyPair, n)
	auths := make([]Signature, n)
	for i := 0; i < n; i++ {
		kp, err := NewKeyPair(Ed25519)
		require.NoError(t, err)
		auth, err := kr.Sign(ref, RotationPayload(testDID, kp.Public))
		require.NoError(t, err)
		candidates[i], auths[i] = kp, auth
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(kp *KeyPair, auth Signature) {
			defer wg.Done()
			if _, err := kr.Rotate(testDID, kp, auth); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(candidates[i], auths[i])
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, kr.History(testDID), 2)
}

func TestFileStorePersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	kr := NewKeyring(store, nil)
	first, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	ref, err := kr.Create(testDID, first)
	require.NoError(t, err)

	second, err := NewKeyPair(Dilithium3)
	require.NoError(t, err)
	auth, err := kr.Sign(ref, RotationPayload(testDID, second.Public))
	require.NoError(t, err)
	newRef, err := kr.Rotate(testDID, second, auth)
	require.NoError(t, err)

	reloaded := NewKeyring(store, nil)
	require.NoError(t, reloaded.Load())

	history := reloaded.History(testDID)
	require.Len(t, history, 2)
	assert.True(t, history[0].Revoked)
	assert.Equal(t, Dilithium3, history[1].Public.Alg)

	sig, err := reloaded.Sign(newRef, []byte("persisted"))
	require.NoError(t, err)
	assert.True(t, Verify(second.Public, []byte("persisted"), sig))
}

func TestRotateLeavesHistoryOnPersistFailure(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	kr := NewKeyring(store, nil)
	first, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	ref, err := kr.Create(testDID, first)
	require.NoError(t, err)

	// A directory in the way of the temp file makes every save fail.
	require.NoError(t, os.MkdirAll(store.path(testDID)+".tmp", 0o700))

	second, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	auth, err := kr.Sign(ref, RotationPayload(testDID, second.Public))
	require.NoError(t, err)
	_, err = kr.Rotate(testDID, second, auth)
	require.Error(t, err)

	history := kr.History(testDID)
	require.Len(t, history, 1)
	assert.False(t, history[0].Revoked)
	active, err := kr.Active(testDID)
	require.NoError(t, err)
	assert.Equal(t, ref, active.Ref)
	_, err = kr.Sign(ref, []byte("still active"))
	assert.NoError(t, err)
}

func TestDiscardRestoresPreviousKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	kr := NewKeyring(store, nil)
	first, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	ref, err := kr.Create(testDID, first)
	require.NoError(t, err)

	assert.ErrorIs(t, kr.Discard(testDID, ref), taraerr.ErrInvalidArgument, "the first key is never discarded")

	second, err := NewKeyPair(Ed25519)
	require.NoError(t, err)
	auth, err := kr.Sign(ref, RotationPayload(testDID, second.Public))
	require.NoError(t, err)
	newRef, err := kr.Rotate(testDID, second, auth)
	require.NoError(t, err)

	assert.ErrorIs(t, kr.Discard(testDID, ref), taraerr.ErrInvalidArgument, "only the active key is discarded")
	require.NoError(t, kr.Discard(testDID, newRef))

	reloaded := NewKeyring(store, nil)
	require.NoError(t, reloaded.Load())
	for _, k := range []*Keyring{kr, reloaded} {
		history := k.History(testDID)
		require.Len(t, history, 1)
		assert.False(t, history[0].Revoked)
		_, err = k.Sign(ref, []byte("restored"))
		assert.NoError(t, err)
	}
}
