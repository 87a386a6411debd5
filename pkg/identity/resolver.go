package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"taracol/pkg/crypto"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

// Resolution is the result of resolving an identity.
type Resolution struct {
	DID        types.DID        `json:"did"`
	Endpoint   string           `json:"endpoint"`
	ActiveKey  crypto.PublicKey `json:"active_key"`
	Keys       []KeyEntry       `json:"keys"`
	Sequence   uint64           `json:"sequence"`
	ResolvedAt time.Time        `json:"resolved_at"`
	// Stale is set when the source could not be reached and the cached
	// state was served instead.
	Stale bool `json:"stale"`
	// Suspect is set when the source served a chain that failed
	// verification; the state is the last verified one.
	Suspect bool `json:"suspect"`

	State *State `json:"-"`
}

// ResolverConfig tunes caching and fetching.
type ResolverConfig struct {
	CacheTTL     time.Duration
	FetchTimeout time.Duration
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{CacheTTL: 30 * time.Second, FetchTimeout: 5 * time.Second}
}

type cacheEntry struct {
	state     *State
	genesis   cid.Cid
	fetchedAt time.Time
	proofs    map[cid.Cid]struct{}
	suspect   bool
}

// Resolver maps DIDs to verified identity states, caching results and
// coalescing concurrent fetches of the same DID into one.
type Resolver struct {
	source Source
	engine *ProofEngine
	cfg    ResolverConfig
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[types.DID]*cacheEntry

	group singleflight.Group

	locksMu sync.Mutex
	locks   map[types.DID]*sync.Mutex

	now func() time.Time
}

func NewResolver(source Source, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultResolverConfig().CacheTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultResolverConfig().FetchTimeout
	}
	return &Resolver{
		source: source,
		engine: NewProofEngine(logger),
		cfg:    cfg,
		logger: logger,
		cache:  make(map[types.DID]*cacheEntry),
		locks:  make(map[types.DID]*sync.Mutex),
		now:    time.Now,
	}
}

// Engine exposes the proof engine used for verification.
func (r *Resolver) Engine() *ProofEngine { return r.engine }

// Source returns the underlying identity source.
func (r *Resolver) Source() Source { return r.source }

func (r *Resolver) resolution(e *cacheEntry, stale bool) *Resolution {
	s := e.state.Clone()
	return &Resolution{
		DID:        s.DID,
		Endpoint:   s.Endpoint,
		ActiveKey:  s.ActiveKey(),
		Keys:       s.Keys,
		Sequence:   s.Sequence,
		ResolvedAt: e.fetchedAt,
		Stale:      stale,
		Suspect:    e.suspect,
		State:      s,
	}
}

// Resolve returns the current verified state of did. A BrokenProofChain
// error is returned together with the last verified resolution.
func (r *Resolver) Resolve(ctx context.Context, did types.DID) (*Resolution, error) {
	r.mu.RLock()
	e, ok := r.cache[did]
	if ok && r.now().Sub(e.fetchedAt) < r.cfg.CacheTTL {
		res := r.resolution(e, false)
		r.mu.RUnlock()
		return res, nil
	}
	r.mu.RUnlock()
	return r.refresh(ctx, did)
}

// Refresh bypasses the cache TTL.
func (r *Resolver) Refresh(ctx context.Context, did types.DID) (*Resolution, error) {
	return r.refresh(ctx, did)
}

type refreshResult struct {
	res *Resolution
	err error
}

func (r *Resolver) refresh(ctx context.Context, did types.DID) (*Resolution, error) {
	ch := r.group.DoChan(string(did), func() (interface{}, error) {
		res, err := r.fetch(did)
		return refreshResult{res: res, err: err}, nil
	})
	select {
	case out := <-ch:
		rr := out.Val.(refreshResult)
		return rr.res, rr.err
	case <-ctx.Done():
		return nil, taraerr.Wrap(taraerr.CodeTransportDisconnected, "identity.Resolve", ctx.Err(), "resolve of %s aborted", did)
	}
}

// fetch runs with its own timeout so one caller's cancellation does not
// fail every coalesced waiter.
func (r *Resolver) fetch(did types.DID) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FetchTimeout)
	defer cancel()

	doc, err := r.source.Fetch(ctx, did)

	r.mu.Lock()
	defer r.mu.Unlock()
	cached, hasCached := r.cache[did]

	if err != nil {
		if hasCached && !errors.Is(err, taraerr.ErrNotFound) {
			r.logger.Warn("Identity source unavailable, serving cached state",
				zap.String("did", string(did)),
				zap.Error(err))
			return r.resolution(cached, true), nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, taraerr.Wrap(taraerr.CodeTransportDisconnected, "identity.Resolve", err, "fetch of %s timed out", did)
		}
		return nil, err
	}

	if doc.Genesis == nil {
		return nil, taraerr.New(taraerr.CodeBrokenProofChain, "identity.Resolve", "source served no genesis for %s", did)
	}
	var base *State
	if hasCached {
		if !doc.Genesis.Hash().Equals(cached.genesis) {
			cached.suspect = true
			return r.resolution(cached, false), taraerr.New(taraerr.CodeBrokenProofChain, "identity.Resolve",
				"source changed the genesis of %s", did)
		}
		base = cached.state.Clone()
	} else {
		if err := VerifyGenesis(doc.Genesis); err != nil {
			return nil, taraerr.Wrap(taraerr.CodeBrokenProofChain, "identity.Resolve", err, "invalid genesis for %s", did)
		}
		if doc.Genesis.DID != did {
			return nil, taraerr.New(taraerr.CodeBrokenProofChain, "identity.Resolve", "source served %s for %s", doc.Genesis.DID, did)
		}
		base = doc.Genesis.Clone()
	}

	proofs := make(map[cid.Cid]struct{})
	if hasCached {
		proofs = cached.proofs
	}
	state, replayErr := r.engine.ReplayFrom(base, doc.Proofs)
	for i := uint64(0); i < state.Sequence && i < uint64(len(doc.Proofs)); i++ {
		proofs[doc.Proofs[i].Hash()] = struct{}{}
	}
	entry := &cacheEntry{
		state:     state,
		genesis:   doc.Genesis.Hash(),
		fetchedAt: r.now(),
		proofs:    proofs,
		suspect:   replayErr != nil,
	}
	r.cache[did] = entry
	if replayErr != nil {
		return r.resolution(entry, false), replayErr
	}
	return r.resolution(entry, false), nil
}

func (r *Resolver) lockFor(did types.DID) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[did]
	if !ok {
		l = &sync.Mutex{}
		r.locks[did] = l
	}
	return l
}

// ApplyMigration verifies proof against the current record, submits it to
// the source, and swaps the cached state atomically. A rejected proof
// leaves the record unchanged.
func (r *Resolver) ApplyMigration(ctx context.Context, proof *MigrationProof) (*State, error) {
	return r.apply(ctx, proof, true)
}

// Observe applies a proof already accepted elsewhere (e.g. received from a
// peer) without submitting it to the source.
func (r *Resolver) Observe(ctx context.Context, proof *MigrationProof) (*State, error) {
	return r.apply(ctx, proof, false)
}

func (r *Resolver) apply(ctx context.Context, proof *MigrationProof, submit bool) (*State, error) {
	l := r.lockFor(proof.Identifier)
	l.Lock()
	defer l.Unlock()

	if state, ok := r.knownState(proof); ok {
		return state, nil
	}
	if _, err := r.Resolve(ctx, proof.Identifier); err != nil {
		return nil, err
	}
	if state, ok := r.knownState(proof); ok {
		return state, nil
	}

	r.mu.RLock()
	current := r.cache[proof.Identifier].state.Clone()
	r.mu.RUnlock()

	next, err := r.engine.Verify(current, proof)
	if err != nil {
		return nil, err
	}

	if submit {
		if err := r.source.Submit(ctx, proof); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.cache[proof.Identifier]
	if e == nil || !e.state.Hash().Equals(current.Hash()) {
		return nil, taraerr.New(taraerr.CodeStaleMigrationProof, "identity.ApplyMigration",
			"state of %s changed while applying proof", proof.Identifier)
	}
	e.state = next
	e.proofs[proof.Hash()] = struct{}{}
	e.fetchedAt = r.now()
	r.logger.Info("Applied migration",
		zap.String("did", string(next.DID)),
		zap.Uint64("sequence", next.Sequence),
		zap.String("endpoint", next.Endpoint),
		zap.Bool("submitted", submit))
	return next.Clone(), nil
}

func (r *Resolver) knownState(proof *MigrationProof) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[proof.Identifier]
	if !ok {
		return nil, false
	}
	if _, ok := e.proofs[proof.Hash()]; !ok {
		return nil, false
	}
	return e.state.Clone(), true
}

// Known reports whether proofHash is part of the verified chain of did.
func (r *Resolver) Known(did types.DID, proofHash cid.Cid) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[did]
	if !ok {
		return false
	}
	_, ok = e.proofs[proofHash]
	return ok
}

// Invalidate drops the TTL of a cached entry without forgetting its
// verified state.
func (r *Resolver) Invalidate(did types.DID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[did]; ok {
		e.fetchedAt = time.Time{}
	}
}

// Cached returns every DID with a cached state.
func (r *Resolver) Cached() []types.DID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.DID, 0, len(r.cache))
	for did := range r.cache {
		out = append(out, did)
	}
	return out
}
