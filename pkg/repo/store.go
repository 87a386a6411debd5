// Package repo implements per-account signed repositories: content-addressed
// records, a Merkle trie over the live record set, and a hash-linked chain of
// signed commits.
package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"taracol/pkg/crypto"
	"taracol/pkg/identity"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

// CommitPolicy decides what a second concurrent commit on an account does.
type CommitPolicy string

const (
	PolicyFailFast CommitPolicy = "fail-fast"
	PolicyQueue    CommitPolicy = "queue"
)

const DefaultMaxRecordSize = 1 << 20

// KeySource provides verified identity state. *identity.Resolver satisfies
// it.
type KeySource interface {
	Resolve(ctx context.Context, did types.DID) (*identity.Resolution, error)
	Refresh(ctx context.Context, did types.DID) (*identity.Resolution, error)
}

// AccountSigner signs commits for locally hosted accounts. *crypto.Keyring
// satisfies it.
type AccountSigner interface {
	Active(did types.DID) (crypto.KeyInfo, error)
	Sign(ref types.KeyRef, payload []byte) (crypto.Signature, error)
}

// CommitHook runs inside the commit section, in commit order.
type CommitHook func(ctx context.Context, b *Bundle)

type Options struct {
	Policy        CommitPolicy
	MaxRecordSize int64
	// LogDir persists commit indexes; empty keeps them in memory.
	LogDir string
}

type account struct {
	sem chan struct{}

	mu      sync.RWMutex
	commits []cid.Cid
	head    *Commit
}

type Store struct {
	blocks Blockstore
	keys   KeySource
	signer AccountSigner
	opts   Options
	log    *commitLog
	logger *zap.Logger

	mu       sync.RWMutex
	accounts map[types.DID]*account

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

// NewStore opens a store. signer may be nil for a store that only mirrors.
func NewStore(blocks Blockstore, keys KeySource, signer AccountSigner, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyFailFast
	}
	if opts.MaxRecordSize <= 0 {
		opts.MaxRecordSize = DefaultMaxRecordSize
	}

	log, err := newCommitLog(opts.LogDir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		blocks:   blocks,
		keys:     keys,
		signer:   signer,
		opts:     opts,
		log:      log,
		logger:   logger,
		accounts: make(map[types.DID]*account),
	}

	persisted, err := log.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load commit log: %w", err)
	}
	for did, ids := range persisted {
		a := newAccount()
		for i, id := range ids {
			c, err := s.loadCommit(id)
			if err != nil {
				logger.Warn("Truncating commit log at unreadable commit",
					zap.String("did", string(did)),
					zap.Int("revision", i+1),
					zap.Error(err))
				break
			}
			a.commits = append(a.commits, id)
			a.head = c
		}
		s.accounts[did] = a
	}
	return s, nil
}

func newAccount() *account {
	return &account{sem: make(chan struct{}, 1)}
}

// AddHook registers a hook run after every appended commit.
func (s *Store) AddHook(h CommitHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Store) account(did types.DID, create bool) *account {
	s.mu.RLock()
	a, ok := s.accounts[did]
	s.mu.RUnlock()
	if ok || !create {
		return a
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok = s.accounts[did]; !ok {
		a = newAccount()
		s.accounts[did] = a
	}
	return a
}

func (s *Store) acquire(ctx context.Context, a *account, did types.DID, policy CommitPolicy) error {
	if policy == PolicyFailFast {
		select {
		case a.sem <- struct{}{}:
			return nil
		default:
			return taraerr.New(taraerr.CodeConcurrentModification, "repo.Commit",
				"another commit on %s is in flight", did)
		}
	}
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return taraerr.Wrap(taraerr.CodeConcurrentModification, "repo.Commit", ctx.Err(),
			"gave up waiting for the commit section of %s", did)
	}
}

func (a *account) release() { <-a.sem }

func (a *account) snapshot() ([]cid.Cid, *Commit) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]cid.Cid(nil), a.commits...), a.head
}

func (s *Store) resolve(ctx context.Context, did types.DID, refresh bool) (*identity.Resolution, error) {
	var (
		res *identity.Resolution
		err error
	)
	if refresh {
		res, err = s.keys.Refresh(ctx, did)
	} else {
		res, err = s.keys.Resolve(ctx, did)
	}
	if err != nil {
		if res != nil && errors.Is(err, taraerr.ErrBrokenProofChain) {
			s.logger.Warn("Using last verified identity state",
				zap.String("did", string(did)),
				zap.Error(err))
			return res, nil
		}
		return nil, err
	}
	return res, nil
}

// withKeys runs check against the identity of did. A failed check
// refreshes the identity and runs once more in case a rotation has not
// been observed yet.
func (s *Store) withKeys(ctx context.Context, did types.DID, check func(res *identity.Resolution) error) error {
	res, err := s.resolve(ctx, did, false)
	if err != nil {
		return err
	}
	if check(res) == nil {
		return nil
	}
	res, err = s.resolve(ctx, did, true)
	if err != nil {
		return err
	}
	return check(res)
}

// signedWithin accepts record signatures by any key up to and including
// keys[upTo]: records are signed before the commit that adds them.
func signedWithin(keys []identity.KeyEntry, upTo uint64) func(*SignedRecord) bool {
	return func(rec *SignedRecord) bool {
		payload := rec.SigningBytes()
		for i := uint64(0); i <= upTo && i < uint64(len(keys)); i++ {
			if crypto.Verify(keys[i].Public, payload, rec.Signature) {
				return true
			}
		}
		return false
	}
}

// PutRecord stores a record signed by the active key of did and returns its
// address. Storing an identical record again is a no-op.
func (s *Store) PutRecord(ctx context.Context, did types.DID, rec Record, sig crypto.Signature) (cid.Cid, error) {
	const op = "repo.PutRecord"
	if rec.Account != did {
		return cid.Undef, taraerr.New(taraerr.CodeInvalidArgument, op, "record belongs to %s, not %s", rec.Account, did)
	}
	if int64(len(rec.Payload)) > s.opts.MaxRecordSize {
		return cid.Undef, taraerr.New(taraerr.CodeInvalidArgument, op,
			"record payload of %d bytes exceeds limit of %d", len(rec.Payload), s.opts.MaxRecordSize)
	}
	if rec.Tombstone && !rec.Supersedes.Defined() {
		return cid.Undef, taraerr.New(taraerr.CodeInvalidArgument, op, "tombstone must supersede a record")
	}

	err := s.withKeys(ctx, did, func(res *identity.Resolution) error {
		if !crypto.Verify(res.ActiveKey, rec.SigningBytes(), sig) {
			return taraerr.New(taraerr.CodeSignatureInvalid, op, "record not signed by the active key of %s", did)
		}
		return nil
	})
	if err != nil {
		return cid.Undef, err
	}

	signed := &SignedRecord{Record: rec, Signature: sig}
	id, err := s.blocks.Put(signed.Encode())
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to store record: %w", err)
	}
	s.logger.Debug("Stored record",
		zap.String("did", string(did)),
		zap.String("collection", rec.Collection),
		zap.String("cid", id.String()))
	return id, nil
}

// GetRecord loads a stored record.
func (s *Store) GetRecord(id cid.Cid) (*SignedRecord, error) {
	b, err := s.blocks.Get(id)
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return nil, taraerr.Wrap(taraerr.CodeNotFound, "repo.GetRecord", err, "record %s", id)
		}
		return nil, err
	}
	return DecodeRecord(b)
}

func (s *Store) loadCommit(id cid.Cid) (*Commit, error) {
	b, err := s.blocks.Get(id)
	if err != nil {
		return nil, err
	}
	return DecodeCommit(b)
}

func treeAt(bs Blockstore, head *Commit) (*Tree, error) {
	if head == nil {
		return NewTree(bs)
	}
	return LoadTree(bs, head.Root)
}

// applyChanges validates and applies one commit's changes to base, reading
// records from and writing trie nodes to bs. Every added record must be
// stored in bs and belong to did. When signedBy is set it must also accept
// the record's author signature.
func applyChanges(bs Blockstore, did types.DID, base *Tree, added, removed []cid.Cid, signedBy func(*SignedRecord) bool) (*Tree, [][]byte, error) {
	const op = "repo.Commit"
	tree := base
	for _, id := range removed {
		member, err := tree.Has(id)
		if err != nil {
			return nil, nil, err
		}
		if !member {
			return nil, nil, taraerr.New(taraerr.CodeNotFound, op, "removed record %s is not in the repository", id)
		}
		if tree, err = tree.Delete(id); err != nil {
			return nil, nil, err
		}
	}

	blocks := make([][]byte, 0, len(added))
	for _, id := range added {
		b, err := bs.Get(id)
		if err != nil {
			if errors.Is(err, ErrBlockNotFound) {
				return nil, nil, taraerr.Wrap(taraerr.CodeNotFound, op, err, "added record %s", id)
			}
			return nil, nil, err
		}
		rec, err := DecodeRecord(b)
		if err != nil {
			return nil, nil, taraerr.Wrap(taraerr.CodeInvalidArgument, op, err, "added block %s is not a record", id)
		}
		if rec.Account != did {
			return nil, nil, taraerr.New(taraerr.CodeInvalidArgument, op, "record %s belongs to %s", id, rec.Account)
		}
		if signedBy != nil && !signedBy(rec) {
			return nil, nil, taraerr.New(taraerr.CodeSignatureInvalid, op, "record %s has an invalid author signature", id)
		}
		member, err := tree.Has(id)
		if err != nil {
			return nil, nil, err
		}
		if member {
			return nil, nil, taraerr.New(taraerr.CodeInvalidArgument, op, "record %s is already in the repository", id)
		}
		if tree, err = tree.Insert(id); err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, b)
	}
	return tree, blocks, nil
}

// Commit appends a signed revision adding and removing records. At most one
// commit per account is in flight; the store policy decides whether a
// concurrent caller fails or waits.
func (s *Store) Commit(ctx context.Context, did types.DID, added, removed []cid.Cid) (*Commit, error) {
	const op = "repo.Commit"
	if s.signer == nil {
		return nil, taraerr.New(taraerr.CodeInternal, op, "store has no signer")
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil, taraerr.New(taraerr.CodeInvalidArgument, op, "empty commit")
	}

	a := s.account(did, true)
	if err := s.acquire(ctx, a, did, s.opts.Policy); err != nil {
		return nil, err
	}
	defer a.release()

	info, err := s.signer.Active(did)
	if err != nil {
		return nil, err
	}
	var keys []identity.KeyEntry
	err = s.withKeys(ctx, did, func(res *identity.Resolution) error {
		if !res.ActiveKey.Equal(info.Public) {
			return taraerr.New(taraerr.CodeSignatureInvalid, op, "signing key of %s is not its active identity key", did)
		}
		keys = res.Keys
		return nil
	})
	if err != nil {
		return nil, err
	}

	commits, head := a.snapshot()
	ov := newOverlay(s.blocks)
	base, err := treeAt(ov, head)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository of %s: %w", did, err)
	}
	// PutRecord already checked record signatures against the active key.
	tree, blocks, err := applyChanges(ov, did, base, added, removed, nil)
	if err != nil {
		return nil, err
	}

	c := &Commit{
		Account:  did,
		Revision: types.Revision(len(commits) + 1),
		KeyIndex: uint64(len(keys) - 1),
		Root:     tree.Root(),
		Added:    append([]cid.Cid(nil), added...),
		Removed:  append([]cid.Cid(nil), removed...),
	}
	if head != nil {
		c.Prior = commits[len(commits)-1]
	}
	sig, err := s.signer.Sign(info.Ref, c.SigningBytes())
	if err != nil {
		return nil, err
	}
	c.Signature = sig
	if err := checkEpoch(keys, c); err != nil {
		return nil, taraerr.Wrap(taraerr.CodeSignatureInvalid, op, err, "revision %d of %s", c.Revision, did)
	}

	if err := ov.flush(); err != nil {
		return nil, fmt.Errorf("failed to store repository blocks: %w", err)
	}
	if err := s.append(ctx, did, a, &Bundle{Commit: c, Blocks: blocks}); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) append(ctx context.Context, did types.DID, a *account, b *Bundle) error {
	id, err := s.blocks.Put(b.Commit.Encode())
	if err != nil {
		return fmt.Errorf("failed to store commit: %w", err)
	}
	if err := s.log.append(did, id); err != nil {
		return fmt.Errorf("failed to append commit log: %w", err)
	}

	a.mu.Lock()
	a.commits = append(a.commits, id)
	a.head = b.Commit
	a.mu.Unlock()

	s.logger.Info("Appended commit",
		zap.String("did", string(did)),
		zap.Uint64("revision", uint64(b.Commit.Revision)),
		zap.String("cid", id.String()),
		zap.Int("added", len(b.Commit.Added)),
		zap.Int("removed", len(b.Commit.Removed)))

	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, b)
	}
	return nil
}

// LinkError identifies the first revision that failed chain verification.
type LinkError struct {
	Revision types.Revision
	Reason   string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("revision %d: %s", e.Revision, e.Reason)
}

func chainBroken(op string, did types.DID, rev types.Revision, format string, args ...interface{}) error {
	cause := &LinkError{Revision: rev, Reason: fmt.Sprintf(format, args...)}
	return taraerr.Wrap(taraerr.CodeChainBroken, op, cause, "repository of %s", did)
}

// BrokenRevision extracts the failing revision from a ChainBroken error.
func BrokenRevision(err error) (types.Revision, bool) {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Revision, true
	}
	return 0, false
}

// VerifyChain re-verifies every commit of did from fromRevision to head:
// linkage, contiguity, signatures by the key live at each revision and the
// Merkle root. The first failing revision is reported as ChainBroken.
func (s *Store) VerifyChain(ctx context.Context, did types.DID, fromRevision types.Revision) error {
	const op = "repo.VerifyChain"
	a := s.account(did, false)
	if a == nil {
		return taraerr.New(taraerr.CodeNotFound, op, "no repository for %s", did)
	}
	commits, _ := a.snapshot()
	if fromRevision < 1 {
		fromRevision = 1
	}
	if uint64(fromRevision) > uint64(len(commits))+1 {
		return taraerr.New(taraerr.CodeRevisionGap, op, "revision %d is beyond head %d of %s", fromRevision, len(commits), did)
	}

	// Reconstructed trie nodes already exist; the overlay keeps
	// verification from writing.
	ov := newOverlay(s.blocks)
	var (
		prior    = cid.Undef
		keyIndex uint64
		tree     *Tree
		err      error
	)
	if fromRevision > 1 {
		prior = commits[fromRevision-2]
		base, err := s.loadCommit(prior)
		if err != nil {
			return chainBroken(op, did, fromRevision-1, "unreadable commit: %v", err)
		}
		keyIndex = base.KeyIndex
		tree, err = LoadTree(ov, base.Root)
		if err != nil {
			return chainBroken(op, did, fromRevision-1, "missing root: %v", err)
		}
	} else if tree, err = NewTree(ov); err != nil {
		return err
	}

	for rev := fromRevision; uint64(rev) <= uint64(len(commits)); rev++ {
		if err := ctx.Err(); err != nil {
			return taraerr.Wrap(taraerr.CodeTransportDisconnected, op, err, "verification aborted")
		}
		id := commits[rev-1]
		c, err := s.loadCommit(id)
		if err != nil {
			return chainBroken(op, did, rev, "unreadable commit: %v", err)
		}
		if c.Account != did {
			return chainBroken(op, did, rev, "commit belongs to %s", c.Account)
		}
		if c.Revision != rev {
			return chainBroken(op, did, rev, "commit carries revision %d", c.Revision)
		}
		if !c.Prior.Equals(prior) {
			return chainBroken(op, did, rev, "prior %s does not match %s", c.Prior, prior)
		}
		if c.KeyIndex < keyIndex {
			return chainBroken(op, did, rev, "key %d precedes key %d of revision %d", c.KeyIndex, keyIndex, rev-1)
		}
		var keys []identity.KeyEntry
		err = s.withKeys(ctx, did, func(res *identity.Resolution) error {
			if err := checkEpoch(res.Keys, c); err != nil {
				return chainBroken(op, did, rev, "%v", err)
			}
			keys = res.Keys
			return nil
		})
		if err != nil {
			return err
		}
		next, _, err := applyChanges(ov, did, tree, c.Added, c.Removed, signedWithin(keys, c.KeyIndex))
		if err != nil {
			return chainBroken(op, did, rev, "changes do not apply: %v", err)
		}
		if !next.Root().Equals(c.Root) {
			return chainBroken(op, did, rev, "merkle root %s does not match reconstructed %s", c.Root, next.Root())
		}
		tree = next
		prior = id
		keyIndex = c.KeyIndex
	}
	return nil
}

// ApplyCommit appends a commit produced by another node. The signature must
// verify against the key that was live for the commit's revision, so
// commits from before a rotation still apply after it.
func (s *Store) ApplyCommit(ctx context.Context, b *Bundle) error {
	const op = "repo.ApplyCommit"
	if b == nil || b.Commit == nil {
		return taraerr.New(taraerr.CodeInvalidArgument, op, "missing commit")
	}
	c := b.Commit
	did := c.Account
	if c.Revision == 0 {
		return taraerr.New(taraerr.CodeInvalidArgument, op, "commit of %s has revision 0", did)
	}

	a := s.account(did, true)
	if err := s.acquire(ctx, a, did, PolicyQueue); err != nil {
		return err
	}
	defer a.release()

	commits, head := a.snapshot()
	h := types.Revision(len(commits))
	hash := c.Hash()
	if c.Revision <= h {
		if commits[c.Revision-1].Equals(hash) {
			return taraerr.New(taraerr.CodeAlreadyApplied, op, "revision %d of %s already applied", c.Revision, did)
		}
		return chainBroken(op, did, c.Revision, "forks the local chain")
	}
	if c.Revision > h+1 {
		return taraerr.New(taraerr.CodeRevisionGap, op, "revision %d of %s does not follow head %d", c.Revision, did, h)
	}

	prior := cid.Undef
	if h > 0 {
		prior = commits[h-1]
	}
	if !c.Prior.Equals(prior) {
		return chainBroken(op, did, c.Revision, "prior %s does not match head %s", c.Prior, prior)
	}

	if head != nil && c.KeyIndex < head.KeyIndex {
		return taraerr.New(taraerr.CodeSignatureInvalid, op,
			"revision %d of %s is signed by key %d, older than key %d at head", c.Revision, did, c.KeyIndex, head.KeyIndex)
	}
	var keys []identity.KeyEntry
	err := s.withKeys(ctx, did, func(res *identity.Resolution) error {
		if err := checkEpoch(res.Keys, c); err != nil {
			return taraerr.Wrap(taraerr.CodeSignatureInvalid, op, err, "revision %d of %s", c.Revision, did)
		}
		keys = res.Keys
		return nil
	})
	if err != nil {
		return err
	}

	ov := newOverlay(s.blocks)
	for _, blk := range b.Blocks {
		if _, err := ov.Put(blk); err != nil {
			return fmt.Errorf("failed to stage record block: %w", err)
		}
	}

	base, err := treeAt(ov, head)
	if err != nil {
		return fmt.Errorf("failed to open repository of %s: %w", did, err)
	}
	tree, blocks, err := applyChanges(ov, did, base, c.Added, c.Removed, signedWithin(keys, c.KeyIndex))
	if err != nil {
		if errors.Is(err, taraerr.ErrSignatureInvalid) {
			return err
		}
		return chainBroken(op, did, c.Revision, "changes do not apply: %v", err)
	}
	if !tree.Root().Equals(c.Root) {
		return chainBroken(op, did, c.Revision, "merkle root %s does not match reconstructed %s", c.Root, tree.Root())
	}

	if err := ov.flush(); err != nil {
		return fmt.Errorf("failed to store repository blocks: %w", err)
	}
	return s.append(ctx, did, a, &Bundle{Commit: c, Blocks: blocks})
}

// Exclusive runs fn inside the commit section of did, waiting for any
// commit in flight. fn sees the head that no commit can move until it
// returns.
func (s *Store) Exclusive(ctx context.Context, did types.DID, fn func(head identity.RepoAnchor) error) error {
	a := s.account(did, true)
	if err := s.acquire(ctx, a, did, PolicyQueue); err != nil {
		return err
	}
	defer a.release()

	commits, _ := a.snapshot()
	anchor := identity.RepoAnchor{Revision: types.Revision(len(commits))}
	if len(commits) > 0 {
		anchor.Head = commits[len(commits)-1]
	}
	return fn(anchor)
}

// Head returns the latest commit of did.
func (s *Store) Head(did types.DID) (*Commit, error) {
	a := s.account(did, false)
	if a != nil {
		if _, head := a.snapshot(); head != nil {
			return head, nil
		}
	}
	return nil, taraerr.New(taraerr.CodeNotFound, "repo.Head", "no commits for %s", did)
}

// Revision returns the head revision of did, zero for an unknown account.
func (s *Store) Revision(did types.DID) types.Revision {
	a := s.account(did, false)
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return types.Revision(len(a.commits))
}

// CommitsSince returns every commit after rev, with the record blocks each
// one adds, in revision order.
func (s *Store) CommitsSince(did types.DID, rev types.Revision) ([]*Bundle, error) {
	a := s.account(did, false)
	if a == nil {
		return nil, taraerr.New(taraerr.CodeNotFound, "repo.CommitsSince", "no repository for %s", did)
	}
	commits, _ := a.snapshot()
	if uint64(rev) > uint64(len(commits)) {
		return nil, taraerr.New(taraerr.CodeRevisionGap, "repo.CommitsSince",
			"revision %d is beyond head %d of %s", rev, len(commits), did)
	}

	out := make([]*Bundle, 0, len(commits)-int(rev))
	for _, id := range commits[rev:] {
		c, err := s.loadCommit(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load commit %s: %w", id, err)
		}
		b := &Bundle{Commit: c}
		for _, rid := range c.Added {
			blk, err := s.blocks.Get(rid)
			if err != nil {
				return nil, fmt.Errorf("failed to load record %s: %w", rid, err)
			}
			b.Blocks = append(b.Blocks, blk)
		}
		out = append(out, b)
	}
	return out, nil
}

// Accounts lists every account with at least one commit.
func (s *Store) Accounts() []types.DID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.DID, 0, len(s.accounts))
	for did, a := range s.accounts {
		a.mu.RLock()
		n := len(a.commits)
		a.mu.RUnlock()
		if n > 0 {
			out = append(out, did)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Heads maps every account to its head revision.
func (s *Store) Heads() map[types.DID]types.Revision {
	out := make(map[types.DID]types.Revision)
	for _, did := range s.Accounts() {
		out[did] = s.Revision(did)
	}
	return out
}

// Records lists the live records of did at head.
func (s *Store) Records(did types.DID) ([]cid.Cid, error) {
	head, err := s.Head(did)
	if err != nil {
		return nil, err
	}
	tree, err := LoadTree(s.blocks, head.Root)
	if err != nil {
		return nil, err
	}
	var ids []cid.Cid
	err = tree.Walk(func(id cid.Cid) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// Prove authenticates the membership of id in the head of did. The returned
// root is the head commit's Merkle root.
func (s *Store) Prove(did types.DID, id cid.Cid) (*Proof, cid.Cid, error) {
	head, err := s.Head(did)
	if err != nil {
		return nil, cid.Undef, err
	}
	tree, err := LoadTree(s.blocks, head.Root)
	if err != nil {
		return nil, cid.Undef, err
	}
	p, err := tree.Prove(id)
	if err != nil {
		return nil, cid.Undef, err
	}
	return p, head.Root, nil
}
