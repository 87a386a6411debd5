package federation

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"taracol/internal/testnet"
	"taracol/pkg/firehose"
	"taracol/pkg/identity"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

const bufSize = 1024 * 1024

type harness struct {
	node    *testnet.Node
	server  *grpc.Server
	pool    *Pool
	client  *Client
	metrics *Metrics
}

func testClientConfig() ClientConfig {
	return ClientConfig{
		MaxRetries:  3,
		Backoff:     Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		CallTimeout: 2 * time.Second,
	}
}

func bufDialOptions(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node := testnet.New(t, testnet.Options{Publish: true})
	metrics := NewMetrics(prometheus.NewRegistry())

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
	)
	RegisterFederationServer(srv, NewServer(node.Firehose, node.Store, node.Source, metrics, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	pool := NewPool(PoolConfig{}, bufDialOptions(lis), metrics, nil)
	t.Cleanup(func() { _ = pool.Close() })

	return &harness{
		node:    node,
		server:  srv,
		pool:    pool,
		client:  NewClient("pds-1", "bufnet", pool, testClientConfig(), metrics, nil),
		metrics: metrics,
	}
}

func recv(t *testing.T, s firehose.Stream) firehose.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream ended: %v", s.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return firehose.Event{}
	}
}

func drain(t *testing.T, s firehose.Stream) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func TestListReposAndBackfill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	did := h.node.CreateAccount(t, "https://pds.example")
	h.node.WriteN(t, did, 3)

	list, err := h.client.ListRepos(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[types.DID]types.Revision{did: 3}, list.Heads)
	assert.Equal(t, types.Cursor(3), list.Cursor)

	tail, err := h.client.GetCommits(ctx, did, 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, types.Revision(2), tail[0].Commit.Revision)
	assert.Equal(t, types.Revision(3), tail[1].Commit.Revision)

	mirror := testnet.New(t, testnet.Options{Source: h.node.Source})
	all, err := h.client.GetCommits(ctx, did, 0)
	require.NoError(t, err)
	for _, b := range all {
		require.NoError(t, mirror.Store.ApplyCommit(ctx, b))
	}
	assert.Equal(t, types.Revision(3), mirror.Store.Revision(did))
	require.NoError(t, mirror.Store.VerifyChain(ctx, did, 1))

	served := testutil.ToFloat64(h.metrics.Requests.WithLabelValues("/"+serviceName+"/GetCommits", "OK"))
	assert.Equal(t, float64(2), served)
}

func TestGetCommitsErrorsKeepTheirCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	did := h.node.CreateAccount(t, "https://pds.example")
	h.node.WriteN(t, did, 1)

	_, err := h.client.GetCommits(ctx, "did:tara:aaaaaaaaaaaaaaaaaaaaaaaa", 0)
	assert.ErrorIs(t, err, taraerr.ErrNotFound)

	_, err = h.client.GetCommits(ctx, did, 5)
	assert.ErrorIs(t, err, taraerr.ErrRevisionGap)

	// Neither error is retried.
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.RetryAttempts.WithLabelValues("federation.Client.GetCommits")))
}

func TestClientIsAnIdentitySource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	did := h.node.CreateAccount(t, "https://pds.example")

	resolver := identity.NewResolver(h.client, identity.DefaultResolverConfig(), nil)
	res, err := resolver.Resolve(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example", res.Endpoint)

	// Resubmitting an accepted proof over the wire is a no-op.
	proof := h.node.Rotate(t, did, "https://pds2.example")
	require.NoError(t, h.client.Submit(ctx, proof))
	head, ok := h.node.Directory.Head(did)
	require.True(t, ok)
	assert.Equal(t, "https://pds2.example", head.Endpoint)

	res, err = resolver.Refresh(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Sequence)
	assert.Equal(t, "https://pds2.example", res.Endpoint)

	_, err = h.client.Fetch(ctx, "did:tara:aaaaaaaaaaaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, taraerr.ErrNotFound)
}

func TestRegisterIdentityOverTransport(t *testing.T) {
	h := newHarness(t)

	remote := testnet.New(t, testnet.Options{Source: h.client})
	did := remote.CreateAccount(t, "https://remote.example")

	_, ok := h.node.Directory.Head(did)
	assert.True(t, ok)
}

func TestServerWithoutIdentitySource(t *testing.T) {
	srv := NewServer(nil, nil, nil, nil, nil)
	_, err := srv.identitySource("federation.ResolveIdentity")
	assert.ErrorIs(t, taraerr.FromStatus("test", err), taraerr.ErrNotFound)
}

func TestSubscribeStreamsLiveCommits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	did := h.node.CreateAccount(t, "https://pds.example")
	h.node.WriteN(t, did, 1)

	stream, err := h.client.Subscribe(ctx, 0)
	require.NoError(t, err)

	ev := recv(t, stream)
	assert.Equal(t, types.Cursor(1), ev.Seq)
	assert.Equal(t, firehose.KindCommit, ev.Kind)

	h.node.Write(t, did, "k2", "second")
	ev = recv(t, stream)
	assert.Equal(t, types.Cursor(2), ev.Seq)
	assert.Equal(t, did, ev.DID)
	assert.Equal(t, types.Revision(2), ev.Commit.Commit.Revision)
	assert.Len(t, ev.Commit.Blocks, 1)

	stream.Close()
	drain(t, stream)
	assert.NoError(t, stream.Err())

	assert.Eventually(t, func() bool { return h.node.Firehose.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeRejectsInvalidCursor(t *testing.T) {
	h := newHarness(t)

	stream, err := h.client.Subscribe(context.Background(), 42)
	require.NoError(t, err)
	drain(t, stream)
	assert.ErrorIs(t, stream.Err(), taraerr.ErrCursorInvalid)
}

func TestServerShutdownDisconnectsStream(t *testing.T) {
	h := newHarness(t)

	stream, err := h.client.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.node.Firehose.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.server.Stop()
	drain(t, stream)
	assert.ErrorIs(t, stream.Err(), taraerr.ErrTransportDisconnected)
	assert.True(t, taraerr.Retryable(stream.Err()))
}

type recordingObserver struct {
	attached chan string
	detached chan string
}

func (o *recordingObserver) SubscriberAttached(id, _ string, _ types.Cursor) { o.attached <- id }
func (o *recordingObserver) SubscriberDetached(id string, _ error)           { o.detached <- id }

func TestServerReportsSessions(t *testing.T) {
	node := testnet.New(t, testnet.Options{})
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	fed := NewServer(node.Firehose, node.Store, node.Source, nil, nil)
	obs := &recordingObserver{attached: make(chan string, 1), detached: make(chan string, 1)}
	fed.SetObserver(obs)
	RegisterFederationServer(srv, fed)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	pool := NewPool(PoolConfig{}, bufDialOptions(lis), nil, nil)
	defer pool.Close()
	client := NewClient("pds-1", "bufnet", pool, testClientConfig(), nil, nil)

	stream, err := client.Subscribe(context.Background(), 0)
	require.NoError(t, err)

	var id string
	select {
	case id = <-obs.attached:
	case <-time.After(2 * time.Second):
		t.Fatal("no attach")
	}
	stream.Close()
	select {
	case got := <-obs.detached:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no detach")
	}
}
