// Package testnet builds in-memory taracol nodes for tests.
package testnet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"taracol/pkg/crypto"
	"taracol/pkg/firehose"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/types"
)

type Options struct {
	// Source is the identity source; a fresh Directory when nil.
	Source   identity.Source
	Firehose firehose.Config
	Repo     repo.Options
	// Publish wires a commit hook that publishes every commit.
	Publish bool
}

// Node is one node's worth of state.
type Node struct {
	Source    identity.Source
	Directory *identity.Directory
	Resolver  *identity.Resolver
	Keyring   *crypto.Keyring
	Blocks    *repo.MemoryBlockstore
	Store     *repo.Store
	Firehose  *firehose.Firehose
}

func New(t testing.TB, opts Options) *Node {
	t.Helper()
	n := &Node{Source: opts.Source}
	if n.Source == nil {
		n.Directory = identity.NewDirectory(nil)
		n.Source = n.Directory
	}
	n.Resolver = identity.NewResolver(n.Source, identity.DefaultResolverConfig(), nil)
	n.Keyring = crypto.NewKeyring(nil, nil)
	n.Blocks = repo.NewMemoryBlockstore()

	store, err := repo.NewStore(n.Blocks, n.Resolver, n.Keyring, opts.Repo, nil)
	require.NoError(t, err)
	n.Store = store

	if opts.Firehose.KeepaliveInterval == 0 {
		opts.Firehose.KeepaliveInterval = -1
	}
	n.Firehose = firehose.New(opts.Firehose, nil)
	if opts.Publish {
		n.Store.AddHook(func(_ context.Context, b *repo.Bundle) {
			_, err := n.Firehose.Publish(firehose.CommitEvent(b))
			require.NoError(t, err)
		})
	}
	return n
}

// CreateAccount registers a fresh identity and gives its key to the keyring.
func (n *Node) CreateAccount(t testing.TB, endpoint string) types.DID {
	t.Helper()
	kp, err := crypto.NewKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	genesis, err := identity.Genesis(endpoint, kp.Public)
	require.NoError(t, err)
	require.NoError(t, n.Source.Register(context.Background(), genesis))
	_, err = n.Keyring.Create(genesis.DID, kp)
	require.NoError(t, err)
	return genesis.DID
}

// Put stores a signed record without committing it.
func (n *Node) Put(t testing.TB, did types.DID, key, payload string) cid.Cid {
	t.Helper()
	rec := repo.Record{
		Account:    did,
		Collection: "app.post",
		Key:        key,
		Payload:    []byte(payload),
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
	}
	info, err := n.Keyring.Active(did)
	require.NoError(t, err)
	sig, err := n.Keyring.Sign(info.Ref, rec.SigningBytes())
	require.NoError(t, err)
	id, err := n.Store.PutRecord(context.Background(), did, rec, sig)
	require.NoError(t, err)
	return id
}

// Write puts one record and commits it.
func (n *Node) Write(t testing.TB, did types.DID, key, payload string) *repo.Commit {
	t.Helper()
	id := n.Put(t, did, key, payload)
	c, err := n.Store.Commit(context.Background(), did, []cid.Cid{id}, nil)
	require.NoError(t, err)
	return c
}

// WriteN commits count records keyed k1..kN.
func (n *Node) WriteN(t testing.TB, did types.DID, count int) {
	t.Helper()
	for i := 1; i <= count; i++ {
		n.Write(t, did, fmt.Sprintf("k%d", i), fmt.Sprintf("post %d", i))
	}
}

// Rotate moves did to a fresh key, optionally at a new endpoint, and
// returns the accepted proof. The repository is handed over at its head.
func (n *Node) Rotate(t testing.TB, did types.DID, endpoint string) *identity.MigrationProof {
	t.Helper()
	ctx := context.Background()
	next, err := crypto.NewKeyPair(crypto.Ed25519)
	require.NoError(t, err)

	var proof *identity.MigrationProof
	err = n.Store.Exclusive(ctx, did, func(head identity.RepoAnchor) error {
		res, err := n.Resolver.Resolve(ctx, did)
		if err != nil {
			return err
		}
		info, err := n.Keyring.Active(did)
		if err != nil {
			return err
		}
		if proof, err = n.Resolver.Engine().Build(res.State, endpoint, next.Public, head, n.Keyring, info.Ref); err != nil {
			return err
		}
		if _, err = n.Resolver.ApplyMigration(ctx, proof); err != nil {
			return err
		}
		auth, err := n.Keyring.Sign(info.Ref, crypto.RotationPayload(did, next.Public))
		if err != nil {
			return err
		}
		_, err = n.Keyring.Rotate(did, next, auth)
		return err
	})
	require.NoError(t, err)
	return proof
}
