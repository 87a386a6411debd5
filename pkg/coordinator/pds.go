package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"taracol/pkg/federation"
	"taracol/pkg/firehose"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/types"
)

// PDS drives the outbound direction: every local commit is published to
// the firehose in commit order, and subscriber streams are tracked as
// sessions.
type PDS struct {
	store    *repo.Store
	firehose *firehose.Firehose
	metrics  *Metrics
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

var (
	_ Coordinator                = (*PDS)(nil)
	_ federation.SessionObserver = (*PDS)(nil)
)

func NewPDS(store *repo.Store, fh *firehose.Firehose, metrics *Metrics, logger *zap.Logger) *PDS {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PDS{
		store:    store,
		firehose: fh,
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[string]*session),
	}
	store.AddHook(publishCommits(fh, logger))
	return p
}

func (p *PDS) Role() types.Role { return types.RolePDS }

// Run holds the coordinator open; publishing happens on the commit path.
func (p *PDS) Run(ctx context.Context) error {
	p.logger.Info("PDS coordinator running")
	<-ctx.Done()
	return nil
}

// PublishMigration announces a proof the local resolver has accepted.
func (p *PDS) PublishMigration(proof *identity.MigrationProof) (types.Cursor, error) {
	c, err := p.firehose.Publish(firehose.MigrationEvent(proof))
	if err != nil {
		return 0, err
	}
	p.logger.Info("Published migration",
		zap.String("did", string(proof.Identifier)),
		zap.Uint64("seq", uint64(c)))
	return c, nil
}

func (p *PDS) SubscriberAttached(id, remote string, from types.Cursor) {
	s := newSession(types.RolePDS, types.PeerID(id), remote, p.metrics)
	s.ack(from)
	if err := s.transition(types.PeerStreaming, nil); err != nil {
		p.logger.Error("Session transition failed", zap.Error(err))
	}
	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()
}

// SubscriberDetached ends a session. Disconnects caused by the subscriber
// itself are not failures.
func (p *PDS) SubscriberDetached(id string, err error) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if !ok {
		return
	}

	to := types.PeerIdle
	if err != nil && !errors.Is(err, context.Canceled) && status.Code(err) != codes.Canceled {
		to = types.PeerError
		p.logger.Warn("Subscriber session failed",
			zap.String("subscription", id),
			zap.Error(err))
	}
	if terr := s.transition(to, err); terr != nil {
		p.logger.Error("Session transition failed", zap.Error(terr))
	}
	s.release()
}

// Status lists live subscriber sessions, oldest first.
func (p *PDS) Status() []PeerStatus {
	p.mu.RLock()
	out := make([]PeerStatus, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.snapshot())
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}
