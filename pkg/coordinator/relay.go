package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taracol/pkg/federation"
	"taracol/pkg/firehose"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

type RelayConfig struct {
	// KeepaliveTimeout tears a stream down when nothing arrives for this
	// long. Zero disables the watchdog.
	KeepaliveTimeout   time.Duration
	Backoff            federation.Backoff
	CheckpointInterval time.Duration
	// BackfillConcurrency bounds the accounts backfilled in parallel.
	BackfillConcurrency int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		KeepaliveTimeout:    45 * time.Second,
		Backoff:             federation.DefaultBackoff(),
		CheckpointInterval:  10 * time.Second,
		BackfillConcurrency: 8,
	}
}

// Relay mirrors the repositories of its peers into a local store and
// re-publishes everything it applies on its own firehose.
type Relay struct {
	store    *repo.Store
	resolver *identity.Resolver
	firehose *firehose.Firehose
	cursors  CursorStore
	peers    []Peer
	sessions map[types.PeerID]*session
	cfg      RelayConfig
	metrics  *Metrics
	logger   *zap.Logger
}

var _ Coordinator = (*Relay)(nil)

func NewRelay(store *repo.Store, resolver *identity.Resolver, fh *firehose.Firehose, cursors CursorStore, peers []Peer, cfg RelayConfig, metrics *Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cursors == nil {
		cursors = NewMemoryCursorStore()
	}
	def := DefaultRelayConfig()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.BackfillConcurrency <= 0 {
		cfg.BackfillConcurrency = def.BackfillConcurrency
	}

	r := &Relay{
		store:    store,
		resolver: resolver,
		firehose: fh,
		cursors:  cursors,
		peers:    peers,
		sessions: make(map[types.PeerID]*session, len(peers)),
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
	for _, p := range peers {
		r.sessions[p.ID()] = newSession(types.RoleRelay, p.ID(), peerAddr(p), metrics)
	}
	store.AddHook(publishCommits(fh, logger))
	return r
}

func (r *Relay) Role() types.Role { return types.RoleRelay }

// Status returns one entry per configured peer, in configuration order.
func (r *Relay) Status() []PeerStatus {
	out := make([]PeerStatus, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, r.sessions[p.ID()].snapshot())
	}
	return out
}

// Run replicates from every peer until ctx is done. Peer failures are
// retried forever; only an illegal state transition or a broken cursor
// store ends Run early.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Relay starting", zap.Int("peers", len(r.peers)))
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.peers {
		p := p
		g.Go(func() error {
			return r.runPeer(gctx, p, r.sessions[p.ID()])
		})
	}
	err := g.Wait()
	r.logger.Info("Relay stopped", zap.Error(err))
	return err
}

var (
	errResync      = errors.New("resync required")
	errStreamEnded = errors.New("stream ended")
)

func (r *Relay) runPeer(ctx context.Context, p Peer, s *session) error {
	logger := r.logger.With(zap.String("peer", string(p.ID())))
	saved, err := r.cursors.Load(p.ID())
	if err != nil {
		return fmt.Errorf("failed to load cursor of %s: %w", p.ID(), err)
	}
	s.ack(saved)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return r.stop(p, s)
		}
		if err := s.transition(types.PeerBackfilling, nil); err != nil {
			return err
		}

		list, err := r.backfill(ctx, p, s, logger)
		if err == nil {
			if err = s.transition(types.PeerStreaming, nil); err != nil {
				return err
			}
			var delivered bool
			delivered, err = r.stream(ctx, p, s, r.resumeFrom(s.cursor(), list.Cursor), logger)
			if delivered {
				attempt = 0
			}
		}
		r.checkpoint(p, s, logger)

		switch {
		case ctx.Err() != nil:
			return r.stop(p, s)
		case errors.Is(err, errResync):
			continue
		case errors.Is(err, errStreamEnded):
			logger.Info("Peer ended the stream")
			if err := s.transition(types.PeerIdle, nil); err != nil {
				return err
			}
		default:
			if err := s.transition(types.PeerError, err); err != nil {
				return err
			}
			logger.Warn("Peer session failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		if err := r.cfg.Backoff.Sleep(ctx, attempt); err != nil {
			return r.stop(p, s)
		}
		attempt++
	}
}

func (r *Relay) stop(p Peer, s *session) error {
	if s.state() != types.PeerIdle {
		if err := s.transition(types.PeerIdle, nil); err != nil {
			return err
		}
	}
	r.checkpoint(p, s, r.logger.With(zap.String("peer", string(p.ID()))))
	return nil
}

// resumeFrom picks the stream start. A saved cursor inside the peer's range
// replays from there; otherwise the backfill already covers everything up
// to listed.
func (r *Relay) resumeFrom(saved, listed types.Cursor) types.Cursor {
	if saved == 0 || saved > listed {
		return listed
	}
	return saved
}

func (r *Relay) checkpoint(p Peer, s *session, logger *zap.Logger) {
	if err := r.cursors.Save(p.ID(), s.cursor()); err != nil {
		logger.Error("Failed to checkpoint cursor",
			zap.Uint64("cursor", uint64(s.cursor())),
			zap.Error(err))
	}
}

// backfill brings every account the peer is ahead on up to the listed
// head, walking each chain from the local head.
func (r *Relay) backfill(ctx context.Context, p Peer, s *session, logger *zap.Logger) (*types.RepoList, error) {
	list, err := p.ListRepos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}

	behind := make([]types.DID, 0, len(list.Heads))
	for did, rev := range list.Heads {
		if rev > r.store.Revision(did) {
			behind = append(behind, did)
		}
	}
	sort.Slice(behind, func(i, j int) bool { return behind[i] < behind[j] })
	logger.Info("Backfilling",
		zap.Int("accounts", len(list.Heads)),
		zap.Int("behind", len(behind)),
		zap.Uint64("cursor", uint64(list.Cursor)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.BackfillConcurrency)
	for _, did := range behind {
		did := did
		g.Go(func() error {
			return r.backfillAccount(gctx, p, s, did, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *Relay) backfillAccount(ctx context.Context, p Peer, s *session, did types.DID, logger *zap.Logger) error {
	local := r.store.Revision(did)
	bundles, err := p.GetCommits(ctx, did, local)
	if err != nil {
		return fmt.Errorf("failed to fetch commits of %s since %d: %w", did, local, err)
	}
	for _, b := range bundles {
		err := r.store.ApplyCommit(ctx, b)
		switch {
		case err == nil:
			s.applied()
			r.metrics.applied(string(p.ID()))
		case errors.Is(err, taraerr.ErrAlreadyApplied):
		default:
			r.integrityFailure(p, b, err, logger)
			return err
		}
	}
	return nil
}

// stream follows the peer's firehose from cursor from. It returns when the
// stream ends or an event cannot be applied; the remaining events are
// discarded with the stream.
func (r *Relay) stream(ctx context.Context, p Peer, s *session, from types.Cursor, logger *zap.Logger) (delivered bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st, err := p.Subscribe(sctx, from)
	if err != nil {
		return false, r.streamEnded(p, s, fmt.Errorf("failed to subscribe from %d: %w", from, err), logger)
	}
	// Everything up to from is covered by the checkpoint or the backfill.
	s.ack(from)
	logger.Info("Streaming", zap.Uint64("from", uint64(from)))

	events := st.Events()
	defer func() {
		st.Close()
		for range events {
		}
	}()

	var wd *firehose.Watchdog
	if r.cfg.KeepaliveTimeout > 0 {
		wd = firehose.NewWatchdog(r.cfg.KeepaliveTimeout)
		defer wd.Stop()
	}

	ticker := time.NewTicker(r.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return delivered, r.streamEnded(p, s, st.Err(), logger)
			}
			wd.Hold()
			delivered = true
			if err := r.handle(ctx, p, s, ev, logger); err != nil {
				return delivered, err
			}
			s.ack(ev.Seq)
			wd.Wait()
		case <-wd.C():
			return delivered, r.streamEnded(p, s, wd.Err(), logger)
		case <-ticker.C:
			r.checkpoint(p, s, logger)
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}

func (r *Relay) streamEnded(p Peer, s *session, err error, logger *zap.Logger) error {
	switch {
	case err == nil:
		return errStreamEnded
	case errors.Is(err, taraerr.ErrCursorInvalid):
		logger.Warn("Cursor no longer served, resyncing from the peer's head",
			zap.Uint64("cursor", uint64(s.cursor())))
		s.ack(0)
		r.metrics.resync(string(p.ID()), "cursor")
		return fmt.Errorf("%w: %v", errResync, err)
	case errors.Is(err, taraerr.ErrSubscriberOverwhelmed):
		logger.Warn("Fell behind the peer's firehose, resyncing", zap.Error(err))
		r.metrics.resync(string(p.ID()), "overwhelmed")
		return fmt.Errorf("%w: %v", errResync, err)
	default:
		return err
	}
}

func (r *Relay) handle(ctx context.Context, p Peer, s *session, ev firehose.Event, logger *zap.Logger) error {
	const op = "coordinator.Relay"
	switch ev.Kind {
	case firehose.KindKeepalive:
		return nil

	case firehose.KindCommit:
		if ev.Commit == nil || ev.Commit.Commit == nil {
			return taraerr.New(taraerr.CodeInvalidArgument, op, "commit event %d without a commit", ev.Seq)
		}
		err := r.store.ApplyCommit(ctx, ev.Commit)
		switch {
		case err == nil:
			s.applied()
			r.metrics.applied(string(p.ID()))
			return nil
		case errors.Is(err, taraerr.ErrAlreadyApplied):
			return nil
		case errors.Is(err, taraerr.ErrRevisionGap):
			logger.Info("Revision gap on stream, backfilling",
				zap.String("did", string(ev.DID)),
				zap.Uint64("revision", uint64(ev.Commit.Commit.Revision)),
				zap.Uint64("local", uint64(r.store.Revision(ev.DID))))
			r.metrics.resync(string(p.ID()), "gap")
			return fmt.Errorf("%w: %v", errResync, err)
		default:
			r.integrityFailure(p, ev.Commit, err, logger)
			return err
		}

	case firehose.KindMigration:
		if ev.Proof == nil {
			return taraerr.New(taraerr.CodeInvalidArgument, op, "migration event %d without a proof", ev.Seq)
		}
		return r.observe(ctx, p, ev.Proof, logger)

	default:
		logger.Debug("Ignoring unknown event kind", zap.String("kind", string(ev.Kind)))
		return nil
	}
}

// observe applies a migration relayed by a peer and re-publishes it. A
// stale result usually means the cached identity missed an earlier proof,
// so the record is refetched once before giving up.
func (r *Relay) observe(ctx context.Context, p Peer, proof *identity.MigrationProof, logger *zap.Logger) error {
	if r.resolver.Known(proof.Identifier, proof.Hash()) {
		return nil
	}
	_, err := r.resolver.Observe(ctx, proof)
	if errors.Is(err, taraerr.ErrStaleMigrationProof) {
		r.resolver.Invalidate(proof.Identifier)
		_, err = r.resolver.Observe(ctx, proof)
	}
	if err != nil {
		if taraerr.Integrity(err) {
			r.metrics.integrityFailure(string(p.ID()))
			logger.Error("Rejected migration proof from peer",
				zap.String("did", string(proof.Identifier)),
				zap.Error(err))
		}
		return err
	}
	if _, err := r.firehose.Publish(firehose.MigrationEvent(proof)); err != nil {
		logger.Error("Failed to publish migration",
			zap.String("did", string(proof.Identifier)),
			zap.Error(err))
	}
	return nil
}

func (r *Relay) integrityFailure(p Peer, b *repo.Bundle, err error, logger *zap.Logger) {
	if !taraerr.Integrity(err) {
		return
	}
	r.metrics.integrityFailure(string(p.ID()))
	rev := b.Commit.Revision
	if broken, ok := repo.BrokenRevision(err); ok {
		rev = broken
	}
	logger.Error("Integrity failure from peer",
		zap.String("did", string(b.Commit.Account)),
		zap.Uint64("revision", uint64(rev)),
		zap.Error(err))
}
