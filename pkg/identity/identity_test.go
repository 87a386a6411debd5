package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taracol/pkg/cidutil"
	"taracol/pkg/crypto"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

type account struct {
	state   *State
	keyring *crypto.Keyring
	ref     types.KeyRef
}

func newAccount(t *testing.T, endpoint string) *account {
	t.Helper()
	kp, err := crypto.NewKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	state, err := Genesis(endpoint, kp.Public)
	require.NoError(t, err)
	kr := crypto.NewKeyring(nil, nil)
	ref, err := kr.Create(state.DID, kp)
	require.NoError(t, err)
	return &account{state: state, keyring: kr, ref: ref}
}

// migrate builds a proof to a fresh key without touching the keyring.
func (a *account) migrate(t *testing.T, current *State, endpoint string) (*MigrationProof, *crypto.KeyPair) {
	t.Helper()
	return a.migrateAt(t, current, endpoint, RepoAnchor{})
}

func (a *account) migrateAt(t *testing.T, current *State, endpoint string, anchor RepoAnchor) (*MigrationProof, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.NewKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	proof, err := NewProofEngine(nil).Build(current, endpoint, kp.Public, anchor, a.keyring, a.ref)
	require.NoError(t, err)
	return proof, kp
}

// adopt makes kp the keyring's active key.
func (a *account) adopt(t *testing.T, kp *crypto.KeyPair) {
	t.Helper()
	auth, err := a.keyring.Sign(a.ref, crypto.RotationPayload(a.state.DID, kp.Public))
	require.NoError(t, err)
	ref, err := a.keyring.Rotate(a.state.DID, kp, auth)
	require.NoError(t, err)
	a.ref = ref
}

func TestGenesisIsSelfCertifying(t *testing.T) {
	a := newAccount(t, "https://pds-a.example")
	_, err := types.ParseDID(string(a.state.DID))
	require.NoError(t, err)
	require.NoError(t, VerifyGenesis(a.state))

	tampered := a.state.Clone()
	tampered.Endpoint = "https://evil.example"
	assert.Error(t, VerifyGenesis(tampered))

	b := newAccount(t, "https://pds-a.example")
	assert.NotEqual(t, a.state.DID, b.state.DID)
}

func TestStateHashChangesWithContent(t *testing.T) {
	a := newAccount(t, "https://pds-a.example")
	h1 := a.state.Hash()
	next := a.state.Clone()
	next.Sequence++
	assert.False(t, h1.Equals(next.Hash()))
	assert.True(t, h1.Equals(a.state.Clone().Hash()))
}

func TestProofEngineMigration(t *testing.T) {
	a := newAccount(t, "https://pds-a.example")
	engine := NewProofEngine(nil)

	proof, kp := a.migrate(t, a.state, "https://pds-b.example")
	next, err := engine.Verify(a.state, proof)
	require.NoError(t, err)

	assert.Equal(t, "https://pds-b.example", next.Endpoint)
	assert.Equal(t, uint64(1), next.Sequence)
	assert.True(t, next.ActiveKey().Equal(kp.Public))
	require.Len(t, next.Keys, 2)
	assert.True(t, next.Keys[0].Revoked)
	assert.True(t, next.LastProof.Equals(proof.Hash()))

	// The input state is untouched.
	assert.Equal(t, uint64(0), a.state.Sequence)
	assert.False(t, a.state.Keys[0].Revoked)
}

func TestProofEngineRotationKeepsEndpoint(t *testing.T) {
	a := newAccount(t, "https://pds-a.example")
	proof, _ := a.migrate(t, a.state, "")
	next, err := NewProofEngine(nil).Verify(a.state, proof)
	require.NoError(t, err)
	assert.Equal(t, a.state.Endpoint, next.Endpoint)
	assert.Len(t, next.Keys, 2)
}

func TestProofEngineRecordsHandover(t *testing.T) {
	a := newAccount(t, "https://pds-a.example")
	engine := NewProofEngine(nil)
	head := cidutil.MustSum([]byte("commit 3"))

	proof, kp := a.migrateAt(t, a.state, "", RepoAnchor{Head: head, Revision: 3})
	next, err := engine.Verify(a.state, proof)
	require.NoError(t, err)
	require.Len(t, next.Keys, 2)
	assert.True(t, next.Keys[1].Since.Equals(head))
	assert.Equal(t, types.Revision(3), next.Keys[1].SinceRevision)

	// The anchor is signed.
	forged := *proof
	forged.RepoRevision = 9
	_, err = engine.Verify(a.state, &forged)
	assert.ErrorIs(t, err, taraerr.ErrSignatureInvalid)

	a.adopt(t, kp)
	for name, anchor := range map[string]RepoAnchor{
		"earlier revision":     {Head: cidutil.MustSum([]byte("commit 2")), Revision: 2},
		"same revision, other": {Head: cidutil.MustSum([]byte("other 3")), Revision: 3},
		"head without rev":     {Head: head},
		"rev without head":     {Revision: 5},
	} {
		proof, _ := a.migrateAt(t, next, "", anchor)
		_, err := engine.Verify(next, proof)
		assert.ErrorIs(t, err, taraerr.ErrInvalidArgument, name)
	}

	// Rotating again before any new commit hands over at the same head.
	proof, _ = a.migrateAt(t, next, "", RepoAnchor{Head: head, Revision: 3})
	_, err = engine.Verify(next, proof)
	assert.NoError(t, err)
}

func TestProofEngineStaleProof(t *testing.T) {
	a := newAccount(t, "https://pds-a.example")
	engine := NewProofEngine(nil)

	// Two proofs are built against the same predecessor; only the first lands.
	first, kp := a.migrate(t, a.state, "https://pds-b.example")
	second, _ := a.migrate(t, a.state, "https://pds-c.example")

	s1, err := engine.Verify(a.state, first)
	require.NoError(t, err)
	a.adopt(t, kp)

	_, err = engine.Verify(s1, second)
	assert.True(t, errors.Is(err, taraerr.ErrStaleMigrationProof))

	// A proof built on s1 but replayed against s2 is stale too.
	third, kp3 := a.migrate(t, s1, "https://pds-c.example")
	s2, err := engine.Verify(s1, third)
	require.NoError(t, err)
	a.adopt(t, kp3)
	_, err = engine.Verify(s2, third)
	assert.True(t, errors.Is(err, taraerr.ErrStaleMigrationProof))
}

func TestProofEngineRevokedSigner(t *testing.T) {
	a := newAccount(t, "https://pds-a.example")
	engine := NewProofEngine(nil)
	oldRef := a.ref

	proof, kp := a.migrate(t, a.state, "https://pds-b.example")
	s1, err := engine.Verify(a.state, proof)
	require.NoError(t, err)

	// Sign a proof against s1 with the key s1 retired.
	history := a.keyring.History(a.state.DID)
	require.Equal(t, oldRef, history[0].Ref)
	forged := &MigrationProof{
		Identifier:           s1.DID,
		NewEndpoint:          "https://evil.example",
		NewPublicKey:         s1.ActiveKey(),
		PredecessorStateHash: s1.Hash(),
	}
	sig, err := a.keyring.Sign(oldRef, forged.SigningBytes())
	require.NoError(t, err, "keyring has not rotated yet, the old key still signs locally")
	forged.Signature = sig

	_, err = engine.Verify(s1, forged)
	assert.True(t, errors.Is(err, taraerr.ErrRevokedSigner))

	a.adopt(t, kp)
	_, err = a.keyring.Sign(oldRef, forged.SigningBytes())
	assert.True(t, errors.Is(err, taraerr.ErrKeyRevoked))
}

func TestProofEngineSignatureInvalid(t *testing.T) {
	a := newAccount(t, "https://pds-a.example")
	mallory := newAccount(t, "https://evil.example")

	proof := &MigrationProof{
		Identifier:           a.state.DID,
		NewEndpoint:          "https://evil.example",
		NewPublicKey:         mallory.state.ActiveKey(),
		PredecessorStateHash: a.state.Hash(),
	}
	sig, err := mallory.keyring.Sign(mallory.ref, proof.SigningBytes())
	require.NoError(t, err)
	proof.Signature = sig

	_, err = NewProofEngine(nil).Verify(a.state, proof)
	assert.True(t, errors.Is(err, taraerr.ErrSignatureInvalid))
}

func TestDirectorySubmit(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(nil)
	a := newAccount(t, "https://pds-a.example")
	require.NoError(t, dir.Register(ctx, a.state))
	require.NoError(t, dir.Register(ctx, a.state))

	proof, _ := a.migrate(t, a.state, "https://pds-b.example")
	require.NoError(t, dir.Submit(ctx, proof))
	require.NoError(t, dir.Submit(ctx, proof), "resubmitting the head proof is a no-op")

	stale, _ := a.migrate(t, a.state, "https://pds-c.example")
	err := dir.Submit(ctx, stale)
	assert.True(t, errors.Is(err, taraerr.ErrStaleMigrationProof))

	head, ok := dir.Head(a.state.DID)
	require.True(t, ok)
	assert.Equal(t, "https://pds-b.example", head.Endpoint)

	doc, err := dir.Fetch(ctx, a.state.DID)
	require.NoError(t, err)
	assert.Len(t, doc.Proofs, 1)

	_, err = dir.Fetch(ctx, "did:tara:zzzzzzzzzzzzzzzzzzzzzzzz")
	assert.True(t, errors.Is(err, taraerr.ErrNotFound))
}

func TestDirectorySnapshotSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identity", "directory.json")

	dir, err := OpenDirectory(path, nil)
	require.NoError(t, err)
	assert.Empty(t, dir.Identities())

	a := newAccount(t, "https://pds-a.example")
	b := newAccount(t, "https://pds-a.example")
	require.NoError(t, dir.Register(ctx, a.state))
	require.NoError(t, dir.Register(ctx, b.state))
	proof, _ := a.migrate(t, a.state, "https://pds-b.example")
	require.NoError(t, dir.Submit(ctx, proof))

	reopened, err := OpenDirectory(path, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.DID{a.state.DID, b.state.DID}, reopened.Identities())
	head, ok := reopened.Head(a.state.DID)
	require.True(t, ok)
	assert.Equal(t, "https://pds-b.example", head.Endpoint)
	assert.Equal(t, uint64(1), head.Sequence)
	assert.True(t, head.LastProof.Equals(proof.Hash()))

	// A tampered snapshot fails replay instead of loading a forged chain.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(data), "https://pds-b.example", "https://evil.example", 1))
	require.NoError(t, os.WriteFile(path, tampered, 0o600))
	_, err = OpenDirectory(path, nil)
	assert.Error(t, err)
}

// testSource wraps a Directory with fetch counting, latency, outages and
// tampering.
type testSource struct {
	*Directory
	fetches atomic.Int32
	delay   time.Duration
	down    atomic.Bool

	mu     sync.Mutex
	tamper func(*Document)
}

func (s *testSource) Fetch(ctx context.Context, did types.DID) (*Document, error) {
	s.fetches.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.down.Load() {
		return nil, taraerr.New(taraerr.CodeTransportDisconnected, "test.Fetch", "source down")
	}
	doc, err := s.Directory.Fetch(ctx, did)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tamper != nil {
		s.tamper(doc)
	}
	return doc, nil
}

func newTestResolver(t *testing.T, cfg ResolverConfig) (*Resolver, *testSource, *account) {
	t.Helper()
	src := &testSource{Directory: NewDirectory(nil)}
	a := newAccount(t, "https://pds-a.example")
	require.NoError(t, src.Register(context.Background(), a.state))
	return NewResolver(src, cfg, nil), src, a
}

func TestResolverCachesWithinTTL(t *testing.T) {
	r, src, a := newTestResolver(t, ResolverConfig{CacheTTL: time.Minute})
	ctx := context.Background()

	res, err := r.Resolve(ctx, a.state.DID)
	require.NoError(t, err)
	assert.Equal(t, "https://pds-a.example", res.Endpoint)
	assert.False(t, res.Stale)

	_, err = r.Resolve(ctx, a.state.DID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.fetches.Load())

	r.Invalidate(a.state.DID)
	_, err = r.Resolve(ctx, a.state.DID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.fetches.Load())
}

func TestResolverCoalescesConcurrentFetches(t *testing.T) {
	r, src, a := newTestResolver(t, ResolverConfig{CacheTTL: time.Minute})
	src.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), a.state.DID)
			assert.NoError(t, err)
			assert.Equal(t, a.state.DID, res.DID)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.fetches.Load())
}

func TestResolverServesStaleOnOutage(t *testing.T) {
	r, src, a := newTestResolver(t, ResolverConfig{CacheTTL: time.Millisecond, FetchTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := r.Resolve(ctx, a.state.DID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	src.down.Store(true)
	res, err := r.Resolve(ctx, a.state.DID)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, "https://pds-a.example", res.Endpoint)

	// Timeouts fall back the same way.
	src.down.Store(false)
	src.delay = 100 * time.Millisecond
	res, err = r.Resolve(ctx, a.state.DID)
	require.NoError(t, err)
	assert.True(t, res.Stale)
}

func TestResolverUnknownWithoutCache(t *testing.T) {
	r, src, _ := newTestResolver(t, ResolverConfig{FetchTimeout: 20 * time.Millisecond})
	_, err := r.Resolve(context.Background(), "did:tara:zzzzzzzzzzzzzzzzzzzzzzzz")
	assert.True(t, errors.Is(err, taraerr.ErrNotFound))

	src.down.Store(true)
	_, err = r.Resolve(context.Background(), "did:tara:yyyyyyyyyyyyyyyyyyyyyyyy")
	assert.True(t, errors.Is(err, taraerr.ErrTransportDisconnected))
}

func TestResolverBrokenProofChain(t *testing.T) {
	r, src, a := newTestResolver(t, ResolverConfig{CacheTTL: time.Millisecond})
	ctx := context.Background()

	good, kp := a.migrate(t, a.state, "https://pds-b.example")
	require.NoError(t, src.Submit(ctx, good))
	a.adopt(t, kp)
	s1, _ := src.Head(a.state.DID)

	next, _ := a.migrate(t, s1, "https://pds-c.example")
	require.NoError(t, src.Submit(ctx, next))

	// The source corrupts the second proof's signature.
	src.mu.Lock()
	src.tamper = func(doc *Document) {
		doc.Proofs[1].Signature = append(crypto.Signature(nil), doc.Proofs[1].Signature...)
		doc.Proofs[1].Signature[0] ^= 0xff
	}
	src.mu.Unlock()

	res, err := r.Resolve(ctx, a.state.DID)
	assert.True(t, errors.Is(err, taraerr.ErrBrokenProofChain))
	require.NotNil(t, res)
	assert.True(t, res.Suspect)
	assert.Equal(t, uint64(1), res.Sequence, "replay stops at the last good state")
	assert.Equal(t, "https://pds-b.example", res.Endpoint)
}

func TestResolverApplyMigration(t *testing.T) {
	r, src, a := newTestResolver(t, ResolverConfig{CacheTTL: time.Minute})
	ctx := context.Background()

	proof, kp := a.migrate(t, a.state, "https://pds-b.example")
	stale, _ := a.migrate(t, a.state, "https://pds-c.example")

	next, err := r.ApplyMigration(ctx, proof)
	require.NoError(t, err)
	assert.Equal(t, "https://pds-b.example", next.Endpoint)
	assert.True(t, r.Known(a.state.DID, proof.Hash()))
	a.adopt(t, kp)

	_, err = r.ApplyMigration(ctx, stale)
	assert.True(t, errors.Is(err, taraerr.ErrStaleMigrationProof))

	res, err := r.Resolve(ctx, a.state.DID)
	require.NoError(t, err)
	assert.Equal(t, "https://pds-b.example", res.Endpoint)
	assert.Equal(t, uint64(1), res.Sequence)
	assert.True(t, res.ActiveKey.Equal(kp.Public))

	head, _ := src.Head(a.state.DID)
	assert.Equal(t, "https://pds-b.example", head.Endpoint)

	// Reapplying a known proof is idempotent.
	again, err := r.ApplyMigration(ctx, proof)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again.Sequence)
}

func TestResolverObserveDoesNotSubmit(t *testing.T) {
	r, src, a := newTestResolver(t, ResolverConfig{CacheTTL: time.Minute})
	ctx := context.Background()

	proof, _ := a.migrate(t, a.state, "https://pds-b.example")
	next, err := r.Observe(ctx, proof)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Sequence)

	head, _ := src.Head(a.state.DID)
	assert.Equal(t, uint64(0), head.Sequence)

	// A lagging source does not roll the verified state back.
	r.Invalidate(a.state.DID)
	res, err := r.Resolve(ctx, a.state.DID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Sequence)
}
