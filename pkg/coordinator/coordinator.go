// Package coordinator drives replication between federation nodes. A Relay
// pulls from its configured peers through Backfilling and Streaming; a PDS
// pushes its own commits out through the local firehose and tracks the
// subscribers reading them.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taracol/pkg/firehose"
	"taracol/pkg/repo"
	"taracol/pkg/types"
)

// Coordinator is the role-specific replication loop of a node.
type Coordinator interface {
	Role() types.Role
	// Run blocks until ctx is done or the coordinator fails for good.
	Run(ctx context.Context) error
	Status() []PeerStatus
}

// PeerStatus is a point-in-time view of one session.
type PeerStatus struct {
	Peer      types.PeerID    `json:"peer"`
	Addr      string          `json:"addr,omitempty"`
	State     types.PeerState `json:"state"`
	Cursor    types.Cursor    `json:"cursor"`
	Applied   uint64          `json:"applied"`
	Failures  int             `json:"failures"`
	LastError string          `json:"last_error,omitempty"`
	Since     time.Time       `json:"since"`
}

// transitions lists the legal moves per role. A Relay may fall back from
// Streaming to Backfilling when the stream reveals a gap.
var transitions = map[types.Role]map[types.PeerState][]types.PeerState{
	types.RoleRelay: {
		types.PeerIdle:        {types.PeerBackfilling},
		types.PeerBackfilling: {types.PeerStreaming, types.PeerError, types.PeerIdle},
		types.PeerStreaming:   {types.PeerError, types.PeerIdle, types.PeerBackfilling},
		types.PeerError:       {types.PeerBackfilling, types.PeerIdle},
	},
	types.RolePDS: {
		types.PeerIdle:      {types.PeerStreaming},
		types.PeerStreaming: {types.PeerIdle, types.PeerError},
		types.PeerError:     {types.PeerIdle},
	},
}

func allowed(role types.Role, from, to types.PeerState) bool {
	for _, s := range transitions[role][from] {
		if s == to {
			return true
		}
	}
	return false
}

type session struct {
	role    types.Role
	metrics *Metrics

	mu     sync.Mutex
	status PeerStatus
}

func newSession(role types.Role, peer types.PeerID, addr string, metrics *Metrics) *session {
	metrics.sessionDelta(types.PeerIdle.String(), 1)
	return &session{
		role:    role,
		metrics: metrics,
		status: PeerStatus{
			Peer:  peer,
			Addr:  addr,
			State: types.PeerIdle,
			Since: time.Now().UTC(),
		},
	}
}

// transition moves the session to state. cause is recorded when entering
// Error.
func (s *session) transition(to types.PeerState, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.status.State
	if !allowed(s.role, from, to) {
		return fmt.Errorf("illegal %s session transition %s -> %s for %s", s.role, from, to, s.status.Peer)
	}
	s.status.State = to
	s.status.Since = time.Now().UTC()
	s.metrics.moved(from.String(), to.String())
	if to == types.PeerError {
		s.status.Failures++
		if cause != nil {
			s.status.LastError = cause.Error()
		}
	}
	return nil
}

func (s *session) state() types.PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State
}

func (s *session) ack(c types.Cursor) {
	s.mu.Lock()
	s.status.Cursor = c
	s.mu.Unlock()
}

func (s *session) cursor() types.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Cursor
}

func (s *session) applied() {
	s.mu.Lock()
	s.status.Applied++
	s.mu.Unlock()
}

// release drops the session from the state gauge.
func (s *session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.sessionDelta(s.status.State.String(), -1)
}

func (s *session) snapshot() PeerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// publishCommits returns a store hook that re-emits every appended commit
// on fh. Hooks run inside the per-account commit section, so each
// account's revisions reach the firehose in order.
func publishCommits(fh *firehose.Firehose, logger *zap.Logger) repo.CommitHook {
	return func(_ context.Context, b *repo.Bundle) {
		if _, err := fh.Publish(firehose.CommitEvent(b)); err != nil {
			logger.Error("Failed to publish commit",
				zap.String("did", string(b.Commit.Account)),
				zap.Uint64("revision", uint64(b.Commit.Revision)),
				zap.Error(err))
		}
	}
}
