package node

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"taracol/pkg/crypto"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

func (n *Node) hosting(op string) error {
	if n.pds == nil {
		return taraerr.New(taraerr.CodeInvalidArgument, op, "only a pds hosts accounts")
	}
	return nil
}

// Endpoint is the address advertised for accounts created here.
func (n *Node) Endpoint() string {
	if n.cfg.Endpoint != "" {
		return n.cfg.Endpoint
	}
	return n.Addr()
}

// CreateAccount generates a key, registers a genesis identity with the
// directory and hands the key to the keyring.
func (n *Node) CreateAccount(ctx context.Context) (types.DID, error) {
	const op = "node.CreateAccount"
	if err := n.hosting(op); err != nil {
		return "", err
	}
	kp, err := crypto.NewKeyPair(crypto.Algorithm(n.cfg.Keys.Scheme))
	if err != nil {
		return "", err
	}
	genesis, err := identity.Genesis(n.Endpoint(), kp.Public)
	if err != nil {
		return "", taraerr.Wrap(taraerr.CodeInvalidArgument, op, err, "invalid genesis")
	}
	if err := n.source.Register(ctx, genesis); err != nil {
		return "", err
	}
	if _, err := n.keyring.Create(genesis.DID, kp); err != nil {
		return "", err
	}
	n.logger.Info("Created account",
		zap.String("did", string(genesis.DID)),
		zap.String("scheme", string(kp.Public.Alg)))
	return genesis.DID, nil
}

// accountLock guards one hosted account. Writes share it; a migration
// holds it alone so no record is signed with a key being rotated out.
func (n *Node) accountLock(did types.DID) *sync.RWMutex {
	n.locksMu.Lock()
	defer n.locksMu.Unlock()
	if n.locks == nil {
		n.locks = make(map[types.DID]*sync.RWMutex)
	}
	l, ok := n.locks[did]
	if !ok {
		l = &sync.RWMutex{}
		n.locks[did] = l
	}
	return l
}

func (n *Node) sign(did types.DID, payload []byte) (crypto.Signature, error) {
	info, err := n.keyring.Active(did)
	if err != nil {
		return nil, err
	}
	return n.keyring.Sign(info.Ref, payload)
}

// WriteRecord signs, stores and commits one record.
func (n *Node) WriteRecord(ctx context.Context, did types.DID, collection, key string, payload []byte) (*repo.Commit, cid.Cid, error) {
	if err := n.hosting("node.WriteRecord"); err != nil {
		return nil, cid.Undef, err
	}
	lock := n.accountLock(did)
	lock.RLock()
	defer lock.RUnlock()

	rec := repo.Record{
		Account:    did,
		Collection: collection,
		Key:        key,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	sig, err := n.sign(did, rec.SigningBytes())
	if err != nil {
		return nil, cid.Undef, err
	}
	id, err := n.store.PutRecord(ctx, did, rec, sig)
	if err != nil {
		return nil, cid.Undef, err
	}
	c, err := n.store.Commit(ctx, did, []cid.Cid{id}, nil)
	if err != nil {
		return nil, cid.Undef, err
	}
	return c, id, nil
}

// DeleteRecord commits a tombstone that supersedes id.
func (n *Node) DeleteRecord(ctx context.Context, did types.DID, id cid.Cid) (*repo.Commit, error) {
	const op = "node.DeleteRecord"
	if err := n.hosting(op); err != nil {
		return nil, err
	}
	lock := n.accountLock(did)
	lock.RLock()
	defer lock.RUnlock()

	prior, err := n.store.GetRecord(id)
	if err != nil {
		return nil, err
	}
	if prior.Account != did {
		return nil, taraerr.New(taraerr.CodeInvalidArgument, op, "record %s belongs to %s", id, prior.Account)
	}
	tomb := repo.NewTombstone(&prior.Record, id, time.Now().UTC())
	sig, err := n.sign(did, tomb.SigningBytes())
	if err != nil {
		return nil, err
	}
	tid, err := n.store.PutRecord(ctx, did, tomb, sig)
	if err != nil {
		return nil, err
	}
	return n.store.Commit(ctx, did, []cid.Cid{tid}, []cid.Cid{id})
}

// Migrate moves did to a fresh key, and to endpoint when it is not empty,
// then announces the proof on the firehose. No commit lands while it runs:
// the proof hands the repository over at the head it was built on.
//
// The keyring is persisted before the identity changes. If the identity
// then refuses the proof the new key is discarded again.
func (n *Node) Migrate(ctx context.Context, did types.DID, endpoint string) (*identity.MigrationProof, error) {
	const op = "node.Migrate"
	if err := n.hosting(op); err != nil {
		return nil, err
	}
	lock := n.accountLock(did)
	lock.Lock()
	defer lock.Unlock()

	var proof *identity.MigrationProof
	err := n.store.Exclusive(ctx, did, func(head identity.RepoAnchor) error {
		res, err := n.resolver.Refresh(ctx, did)
		if err != nil {
			return err
		}
		info, err := n.keyring.Active(did)
		if err != nil {
			return err
		}
		if !info.Public.Equal(res.ActiveKey) {
			return taraerr.New(taraerr.CodeInternal, op, "keyring and identity of %s disagree on the active key", did)
		}
		next, err := crypto.NewKeyPair(info.Public.Alg)
		if err != nil {
			return err
		}

		proof, err = n.resolver.Engine().Build(res.State, endpoint, next.Public, head, n.keyring, info.Ref)
		if err != nil {
			return err
		}
		auth, err := n.keyring.Sign(info.Ref, crypto.RotationPayload(did, next.Public))
		if err != nil {
			return err
		}
		ref, err := n.keyring.Rotate(did, next, auth)
		if err != nil {
			return err
		}
		if _, err := n.resolver.ApplyMigration(ctx, proof); err != nil {
			if derr := n.keyring.Discard(did, ref); derr != nil {
				n.logger.Error("Failed to discard key of rejected migration",
					zap.String("did", string(did)),
					zap.String("ref", string(ref)),
					zap.Error(derr))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cursor, err := n.pds.PublishMigration(proof)
	if err != nil {
		return nil, err
	}
	n.logger.Info("Migrated account",
		zap.String("did", string(did)),
		zap.String("endpoint", proof.NewEndpoint),
		zap.Uint64("head", uint64(proof.RepoRevision)),
		zap.Uint64("cursor", uint64(cursor)))
	return proof, nil
}

// reconcileKeys discards keys a migration persisted before its proof was
// accepted, which happens when the node stops between the two steps.
func (n *Node) reconcileKeys(ctx context.Context) {
	for _, did := range n.keyring.Accounts() {
		history := n.keyring.History(did)
		if len(history) < 2 {
			continue
		}
		res, err := n.resolver.Resolve(ctx, did)
		if err != nil {
			n.logger.Warn("Cannot check keys of account", zap.String("did", string(did)), zap.Error(err))
			continue
		}
		active := history[len(history)-1]
		if active.Public.Equal(res.ActiveKey) || !history[len(history)-2].Public.Equal(res.ActiveKey) {
			continue
		}
		n.logger.Warn("Discarding key of an unfinished migration",
			zap.String("did", string(did)),
			zap.String("ref", string(active.Ref)))
		if err := n.keyring.Discard(did, active.Ref); err != nil {
			n.logger.Error("Failed to discard key", zap.String("did", string(did)), zap.Error(err))
		}
	}
}

// RotateKey is a migration that keeps the current endpoint.
func (n *Node) RotateKey(ctx context.Context, did types.DID) (*identity.MigrationProof, error) {
	return n.Migrate(ctx, did, "")
}
