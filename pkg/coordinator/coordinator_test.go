package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taracol/internal/testnet"
	"taracol/pkg/crypto"
	"taracol/pkg/federation"
	"taracol/pkg/firehose"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/types"
)

const waitFor = 5 * time.Second

func testRelayConfig() RelayConfig {
	return RelayConfig{
		Backoff:            federation.Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		CheckpointInterval: 20 * time.Millisecond,
	}
}

type relayFixture struct {
	node    *testnet.Node
	relay   *Relay
	metrics *Metrics
}

func newRelay(t *testing.T, dir *identity.Directory, cursors CursorStore, cfg RelayConfig, peers ...Peer) *relayFixture {
	t.Helper()
	node := testnet.New(t, testnet.Options{Source: dir})
	metrics := NewMetrics(prometheus.NewRegistry())
	return &relayFixture{
		node:    node,
		relay:   NewRelay(node.Store, node.Resolver, node.Firehose, cursors, peers, cfg, metrics, nil),
		metrics: metrics,
	}
}

// start runs the relay until the returned stop is called or the test ends.
func (f *relayFixture) start(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	var stopped atomic.Bool
	stop = func() {
		if !stopped.CompareAndSwap(false, true) {
			return
		}
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("relay did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func (f *relayFixture) status(t *testing.T, peer types.PeerID) PeerStatus {
	t.Helper()
	for _, st := range f.relay.Status() {
		if st.Peer == peer {
			return st
		}
	}
	t.Fatalf("no session for %s", peer)
	return PeerStatus{}
}

func (f *relayFixture) waitRevision(t *testing.T, did types.DID, rev types.Revision) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.node.Store.Revision(did) == rev
	}, waitFor, 5*time.Millisecond, "relay never reached revision %d of %s", rev, did)
}

func newPDS(t *testing.T, dir *identity.Directory, fh firehose.Config) (*testnet.Node, *PDS) {
	t.Helper()
	node := testnet.New(t, testnet.Options{Source: dir, Firehose: fh})
	return node, NewPDS(node.Store, node.Firehose, nil, nil)
}

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		role  types.Role
		path  []types.PeerState
		legal bool
	}{
		{types.RoleRelay, []types.PeerState{types.PeerBackfilling, types.PeerStreaming, types.PeerIdle}, true},
		{types.RoleRelay, []types.PeerState{types.PeerBackfilling, types.PeerStreaming, types.PeerBackfilling}, true},
		{types.RoleRelay, []types.PeerState{types.PeerBackfilling, types.PeerError, types.PeerBackfilling}, true},
		{types.RoleRelay, []types.PeerState{types.PeerStreaming}, false},
		{types.RoleRelay, []types.PeerState{types.PeerBackfilling, types.PeerError, types.PeerStreaming}, false},
		{types.RolePDS, []types.PeerState{types.PeerStreaming, types.PeerError, types.PeerIdle}, true},
		{types.RolePDS, []types.PeerState{types.PeerBackfilling}, false},
		{types.RolePDS, []types.PeerState{types.PeerStreaming, types.PeerError, types.PeerStreaming}, false},
	}
	for _, tt := range tests {
		s := newSession(tt.role, "peer", "", nil)
		var err error
		for _, to := range tt.path {
			if err = s.transition(to, nil); err != nil {
				break
			}
		}
		if tt.legal {
			assert.NoError(t, err, "%s %v", tt.role, tt.path)
		} else {
			assert.Error(t, err, "%s %v", tt.role, tt.path)
		}
	}
}

func TestSessionRecordsFailures(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	s := newSession(types.RoleRelay, "pds-1", "10.0.0.1:7000", metrics)
	require.NoError(t, s.transition(types.PeerBackfilling, nil))
	require.NoError(t, s.transition(types.PeerError, assert.AnError))

	st := s.snapshot()
	assert.Equal(t, types.PeerError, st.State)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, assert.AnError.Error(), st.LastError)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Sessions.WithLabelValues("error")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Sessions.WithLabelValues("idle")))

	s.release()
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Sessions.WithLabelValues("error")))
}

func TestRelayPreservesPerAccountOrder(t *testing.T) {
	dir := identity.NewDirectory(nil)
	pds1, _ := newPDS(t, dir, firehose.Config{})
	pds2, _ := newPDS(t, dir, firehose.Config{})
	alice := pds1.CreateAccount(t, "https://pds1.example")
	bob := pds2.CreateAccount(t, "https://pds2.example")
	pds1.WriteN(t, alice, 2)
	pds2.WriteN(t, bob, 2)

	f := newRelay(t, dir, nil, testRelayConfig(),
		NewLocalPeer("pds-1", pds1.Store, pds1.Firehose),
		NewLocalPeer("pds-2", pds2.Store, pds2.Firehose))

	sub, err := f.node.Firehose.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer sub.Close()

	f.start(t)
	f.waitRevision(t, alice, 2)
	f.waitRevision(t, bob, 2)
	require.Eventually(t, func() bool {
		return f.status(t, "pds-1").State == types.PeerStreaming && f.status(t, "pds-2").State == types.PeerStreaming
	}, waitFor, 5*time.Millisecond)

	for i := 3; i <= 5; i++ {
		pds1.Write(t, alice, fmt.Sprintf("live-%d", i), "a")
		pds2.Write(t, bob, fmt.Sprintf("live-%d", i), "b")
	}
	f.waitRevision(t, alice, 5)
	f.waitRevision(t, bob, 5)

	seen := map[types.DID][]types.Revision{}
	timeout := time.After(waitFor)
	for len(seen[alice])+len(seen[bob]) < 10 {
		select {
		case ev := <-sub.Events():
			if ev.Kind == firehose.KindCommit {
				seen[ev.DID] = append(seen[ev.DID], ev.Commit.Commit.Revision)
			}
		case <-timeout:
			t.Fatalf("relay re-emitted only %v", seen)
		}
	}
	want := []types.Revision{1, 2, 3, 4, 5}
	assert.Equal(t, want, seen[alice])
	assert.Equal(t, want, seen[bob])

	require.NoError(t, f.node.Store.VerifyChain(context.Background(), alice, 1))
	require.NoError(t, f.node.Store.VerifyChain(context.Background(), bob, 1))
	assert.Equal(t, uint64(5), f.status(t, "pds-1").Applied)
	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.Applied.WithLabelValues("pds-2")))
}

// interceptingPeer rewrites or drops events of its stream. rewrite returns
// false to drop an event.
type interceptingPeer struct {
	*LocalPeer
	rewrite func(ev firehose.Event) (firehose.Event, bool)
}

type interceptedStream struct {
	firehose.Stream
	out chan firehose.Event
}

func (s *interceptedStream) Events() <-chan firehose.Event { return s.out }

func (p *interceptingPeer) Subscribe(ctx context.Context, from types.Cursor) (firehose.Stream, error) {
	st, err := p.LocalPeer.Subscribe(ctx, from)
	if err != nil {
		return nil, err
	}
	out := make(chan firehose.Event)
	go func() {
		defer close(out)
		for ev := range st.Events() {
			if ev, ok := p.rewrite(ev); ok {
				out <- ev
			}
		}
	}()
	return &interceptedStream{Stream: st, out: out}, nil
}

// once applies fn to the first commit event at revision rev.
func once(rev types.Revision, fn func(ev firehose.Event) (firehose.Event, bool)) func(firehose.Event) (firehose.Event, bool) {
	var armed atomic.Bool
	armed.Store(true)
	return func(ev firehose.Event) (firehose.Event, bool) {
		if ev.Kind == firehose.KindCommit && ev.Commit.Commit.Revision == rev && armed.CompareAndSwap(true, false) {
			return fn(ev)
		}
		return ev, true
	}
}

func TestRelayRejectsTamperedCommitAndRebackfills(t *testing.T) {
	dir := identity.NewDirectory(nil)
	pds, _ := newPDS(t, dir, firehose.Config{})
	did := pds.CreateAccount(t, "https://pds.example")

	forge := once(2, func(ev firehose.Event) (firehose.Event, bool) {
		forged := *ev.Commit.Commit
		forged.Signature = append(crypto.Signature(nil), forged.Signature...)
		forged.Signature[0] ^= 0xff
		ev.Commit = &repo.Bundle{Commit: &forged, Blocks: ev.Commit.Blocks}
		return ev, true
	})
	peer := &interceptingPeer{LocalPeer: NewLocalPeer("pds-1", pds.Store, pds.Firehose), rewrite: forge}
	f := newRelay(t, dir, nil, testRelayConfig(), peer)
	f.start(t)
	require.Eventually(t, func() bool { return f.status(t, "pds-1").State == types.PeerStreaming }, waitFor, 5*time.Millisecond)

	pds.Write(t, did, "k1", "first")
	f.waitRevision(t, did, 1)

	pds.Write(t, did, "k2", "second")
	require.Eventually(t, func() bool { return f.status(t, "pds-1").Failures == 1 }, waitFor, 5*time.Millisecond)
	assert.Contains(t, f.status(t, "pds-1").LastError, "invalid signature")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.IntegrityFailures.WithLabelValues("pds-1")))

	// The forged commit never reaches the store; the next backfill brings
	// the genuine one.
	f.waitRevision(t, did, 2)
	require.NoError(t, f.node.Store.VerifyChain(context.Background(), did, 1))
	head, err := f.node.Store.Head(did)
	require.NoError(t, err)
	genuine, err := pds.Store.Head(did)
	require.NoError(t, err)
	assert.True(t, head.Hash().Equals(genuine.Hash()))

	require.Eventually(t, func() bool { return f.status(t, "pds-1").State == types.PeerStreaming }, waitFor, 5*time.Millisecond)
	pds.Write(t, did, "k3", "third")
	f.waitRevision(t, did, 3)
}

func TestRelayBackfillsRevisionGap(t *testing.T) {
	dir := identity.NewDirectory(nil)
	pds, _ := newPDS(t, dir, firehose.Config{})
	did := pds.CreateAccount(t, "https://pds.example")

	drop := once(2, func(ev firehose.Event) (firehose.Event, bool) { return ev, false })
	peer := &interceptingPeer{LocalPeer: NewLocalPeer("pds-1", pds.Store, pds.Firehose), rewrite: drop}
	f := newRelay(t, dir, nil, testRelayConfig(), peer)
	f.start(t)
	require.Eventually(t, func() bool { return f.status(t, "pds-1").State == types.PeerStreaming }, waitFor, 5*time.Millisecond)

	pds.WriteN(t, did, 3)
	f.waitRevision(t, did, 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Resyncs.WithLabelValues("pds-1", "gap")))
	assert.Equal(t, 0, f.status(t, "pds-1").Failures, "a gap is a resync, not a failure")
	require.NoError(t, f.node.Store.VerifyChain(context.Background(), did, 1))
}

func TestRelayResumesFromCheckpoint(t *testing.T) {
	dir := identity.NewDirectory(nil)
	pds, coord := newPDS(t, dir, firehose.Config{})
	did := pds.CreateAccount(t, "https://pds.example")
	path := filepath.Join(t.TempDir(), "cursors.json")
	cursors, err := NewFileCursorStore(path)
	require.NoError(t, err)

	f := newRelay(t, dir, cursors, testRelayConfig(), NewLocalPeer("pds-1", pds.Store, pds.Firehose))
	sub, err := f.node.Firehose.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer sub.Close()

	stop := f.start(t)
	require.Eventually(t, func() bool { return f.status(t, "pds-1").State == types.PeerStreaming }, waitFor, 5*time.Millisecond)
	pds.WriteN(t, did, 3)
	f.waitRevision(t, did, 3)
	require.Eventually(t, func() bool { return f.status(t, "pds-1").Cursor == 3 }, waitFor, 5*time.Millisecond)
	stop()
	assert.Equal(t, types.PeerIdle, f.status(t, "pds-1").State)

	reopened, err := NewFileCursorStore(path)
	require.NoError(t, err)
	saved, err := reopened.Load("pds-1")
	require.NoError(t, err)
	assert.Equal(t, types.Cursor(3), saved)

	// While the relay is down the account rotates its key and keeps writing.
	proof := pds.Rotate(t, did, "")
	_, err = coord.PublishMigration(proof)
	require.NoError(t, err)
	pds.Write(t, did, "k4", "after rotation")
	pds.Write(t, did, "k5", "after rotation")

	f.start(t)
	f.waitRevision(t, did, 5)
	require.Eventually(t, func() bool {
		return f.node.Resolver.Known(did, proof.Hash())
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.status(t, "pds-1").State == types.PeerStreaming }, waitFor, 5*time.Millisecond)

	pds.Write(t, did, "k6", "live")
	f.waitRevision(t, did, 6)
	require.NoError(t, f.node.Store.VerifyChain(context.Background(), did, 1))

	// Every revision was re-emitted exactly once, in order.
	var revs []types.Revision
	timeout := time.After(waitFor)
	for len(revs) < 6 {
		select {
		case ev := <-sub.Events():
			if ev.Kind == firehose.KindCommit {
				revs = append(revs, ev.Commit.Commit.Revision)
			}
		case <-timeout:
			t.Fatalf("relay re-emitted only %v", revs)
		}
	}
	assert.Equal(t, []types.Revision{1, 2, 3, 4, 5, 6}, revs)
}

func TestRelayStreamsCommitsFromBeforeARotationItAlreadySaw(t *testing.T) {
	dir := identity.NewDirectory(nil)
	pds := testnet.New(t, testnet.Options{Source: dir})
	did := pds.CreateAccount(t, "https://pds.example")

	// The test decides when the relay sees each event.
	feed := firehose.New(firehose.Config{KeepaliveInterval: -1}, nil)
	f := newRelay(t, dir, nil, testRelayConfig(), NewLocalPeer("pds-1", pds.Store, feed))
	f.start(t)
	require.Eventually(t, func() bool { return f.status(t, "pds-1").State == types.PeerStreaming }, waitFor, 5*time.Millisecond)

	pds.Write(t, did, "k1", "before rotation")
	proof := pds.Rotate(t, did, "")
	pds.Write(t, did, "k2", "after rotation")
	bundles, err := pds.Store.CommitsSince(did, 0)
	require.NoError(t, err)
	require.Len(t, bundles, 2)

	// The relay learns the rotation before revision 1 reaches it.
	_, err = f.node.Resolver.Refresh(context.Background(), did)
	require.NoError(t, err)

	for _, ev := range []firehose.Event{
		firehose.CommitEvent(bundles[0]),
		firehose.MigrationEvent(proof),
		firehose.CommitEvent(bundles[1]),
	} {
		_, err := feed.Publish(ev)
		require.NoError(t, err)
	}

	f.waitRevision(t, did, 2)
	require.NoError(t, f.node.Store.VerifyChain(context.Background(), did, 1))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.IntegrityFailures.WithLabelValues("pds-1")))
	assert.Equal(t, 0, f.status(t, "pds-1").Failures)
	assert.Equal(t, types.PeerStreaming, f.status(t, "pds-1").State)
}

func TestRelayResyncsAfterCursorExpires(t *testing.T) {
	dir := identity.NewDirectory(nil)
	pds, _ := newPDS(t, dir, firehose.Config{Retention: 2})
	did := pds.CreateAccount(t, "https://pds.example")
	pds.WriteN(t, did, 5)

	cursors := NewMemoryCursorStore()
	require.NoError(t, cursors.Save("pds-1", 1))
	f := newRelay(t, dir, cursors, testRelayConfig(), NewLocalPeer("pds-1", pds.Store, pds.Firehose))
	f.start(t)

	f.waitRevision(t, did, 5)
	require.Eventually(t, func() bool {
		st := f.status(t, "pds-1")
		return st.State == types.PeerStreaming && st.Cursor == 5
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Resyncs.WithLabelValues("pds-1", "cursor")))
	assert.Equal(t, 0, f.status(t, "pds-1").Failures)
}

func TestRelayRetriesUnreachablePeer(t *testing.T) {
	dir := identity.NewDirectory(nil)
	pds, _ := newPDS(t, dir, firehose.Config{})
	did := pds.CreateAccount(t, "https://pds.example")
	pds.WriteN(t, did, 1)

	var down atomic.Bool
	down.Store(true)
	peer := &flakyPeer{LocalPeer: NewLocalPeer("pds-1", pds.Store, pds.Firehose), down: &down}
	f := newRelay(t, dir, nil, testRelayConfig(), peer)
	f.start(t)

	require.Eventually(t, func() bool { return f.status(t, "pds-1").Failures >= 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, types.Revision(0), f.node.Store.Revision(did))

	down.Store(false)
	f.waitRevision(t, did, 1)
}

type flakyPeer struct {
	*LocalPeer
	down *atomic.Bool
}

func (p *flakyPeer) ListRepos(ctx context.Context) (*types.RepoList, error) {
	if p.down.Load() {
		return nil, assert.AnError
	}
	return p.LocalPeer.ListRepos(ctx)
}

func TestFileCursorStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cursors.json")
	s, err := NewFileCursorStore(path)
	require.NoError(t, err)

	c, err := s.Load("pds-1")
	require.NoError(t, err)
	assert.Equal(t, types.Cursor(0), c)

	require.NoError(t, s.Save("pds-1", 42))
	require.NoError(t, s.Save("pds-2", 7))
	require.NoError(t, s.Save("pds-1", 43))

	reopened, err := NewFileCursorStore(path)
	require.NoError(t, err)
	c, err = reopened.Load("pds-1")
	require.NoError(t, err)
	assert.Equal(t, types.Cursor(43), c)
	c, err = reopened.Load("pds-2")
	require.NoError(t, err)
	assert.Equal(t, types.Cursor(7), c)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err = NewFileCursorStore(path)
	assert.Error(t, err)
}
