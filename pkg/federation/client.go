package federation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"taracol/pkg/firehose"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

type ClientConfig struct {
	MaxRetries  int
	Backoff     Backoff
	CallTimeout time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxRetries:  3,
		Backoff:     DefaultBackoff(),
		CallTimeout: 10 * time.Second,
	}
}

// Client talks to one federation peer. It is also an identity.Source backed
// by the peer's directory.
type Client struct {
	id      types.PeerID
	addr    string
	pool    *Pool
	retrier *Retrier
	timeout time.Duration
	metrics *Metrics
	logger  *zap.Logger
}

var _ identity.Source = (*Client)(nil)

func NewClient(id types.PeerID, addr string, pool *Pool, cfg ClientConfig, metrics *Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultClientConfig().CallTimeout
	}
	logger = logger.With(zap.String("peer", string(id)))
	return &Client{
		id:      id,
		addr:    addr,
		pool:    pool,
		retrier: NewRetrier(cfg.MaxRetries, cfg.Backoff, metrics, logger),
		timeout: cfg.CallTimeout,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *Client) ID() types.PeerID { return c.id }
func (c *Client) Addr() string     { return c.addr }

func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context, fc FederationClient) error) error {
	return c.retrier.Do(ctx, op, func(ctx context.Context) error {
		conn, err := c.pool.Get(ctx, c.addr)
		if err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		err = taraerr.FromStatus(op, fn(cctx, NewFederationClient(conn)))
		c.pool.Report(c.addr, err)
		return err
	})
}

// ListRepos returns the peer's head revision of every account it holds.
func (c *Client) ListRepos(ctx context.Context) (*types.RepoList, error) {
	const op = "federation.Client.ListRepos"
	var list types.RepoList
	err := c.call(ctx, op, func(ctx context.Context, fc FederationClient) error {
		resp, err := fc.ListRepos(ctx, &emptypb.Empty{})
		if err != nil {
			return err
		}
		return decodeJSON(op, resp.GetValue(), &list)
	})
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// GetCommits returns the commits of did after revision since, oldest first.
func (c *Client) GetCommits(ctx context.Context, did types.DID, since types.Revision) ([]*repo.Bundle, error) {
	const op = "federation.Client.GetCommits"
	req, err := json.Marshal(commitsRequest{DID: did, Since: since})
	if err != nil {
		return nil, taraerr.Wrap(taraerr.CodeInternal, op, err, "failed to encode request")
	}
	var bundles []*repo.Bundle
	err = c.call(ctx, op, func(ctx context.Context, fc FederationClient) error {
		resp, err := fc.GetCommits(ctx, wrapperspb.Bytes(req))
		if err != nil {
			return err
		}
		return decodeJSON(op, resp.GetValue(), &bundles)
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (c *Client) Fetch(ctx context.Context, did types.DID) (*identity.Document, error) {
	const op = "federation.Client.Fetch"
	var doc identity.Document
	err := c.call(ctx, op, func(ctx context.Context, fc FederationClient) error {
		resp, err := fc.ResolveIdentity(ctx, wrapperspb.String(string(did)))
		if err != nil {
			return err
		}
		return decodeJSON(op, resp.GetValue(), &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) Register(ctx context.Context, genesis *identity.State) error {
	const op = "federation.Client.Register"
	b, err := json.Marshal(genesis)
	if err != nil {
		return taraerr.Wrap(taraerr.CodeInternal, op, err, "failed to encode genesis")
	}
	return c.call(ctx, op, func(ctx context.Context, fc FederationClient) error {
		_, err := fc.RegisterIdentity(ctx, wrapperspb.Bytes(b))
		return err
	})
}

func (c *Client) Submit(ctx context.Context, proof *identity.MigrationProof) error {
	const op = "federation.Client.Submit"
	b, err := json.Marshal(proof)
	if err != nil {
		return taraerr.Wrap(taraerr.CodeInternal, op, err, "failed to encode proof")
	}
	return c.call(ctx, op, func(ctx context.Context, fc FederationClient) error {
		_, err := fc.SubmitProof(ctx, wrapperspb.Bytes(b))
		return err
	})
}

func decodeJSON(op string, b []byte, v interface{}) error {
	if err := json.Unmarshal(b, v); err != nil {
		return taraerr.Wrap(taraerr.CodeInternal, op, err, "malformed response")
	}
	return nil
}

// Subscribe opens the peer's firehose after cursor from. The stream is not
// retried; reconnecting is the caller's decision.
func (c *Client) Subscribe(ctx context.Context, from types.Cursor) (firehose.Stream, error) {
	const op = "federation.Client.Subscribe"
	conn, err := c.pool.Get(ctx, c.addr)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	st, err := NewFederationClient(conn).Subscribe(sctx, wrapperspb.UInt64(uint64(from)))
	if err != nil {
		cancel()
		err = taraerr.FromStatus(op, err)
		c.pool.Report(c.addr, err)
		return nil, err
	}
	rs := &remoteStream{
		client: c,
		ctx:    sctx,
		cancel: cancel,
		out:    make(chan firehose.Event),
	}
	go rs.run(st)
	return rs, nil
}

type remoteStream struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc
	out    chan firehose.Event
	closed atomic.Bool

	mu  sync.Mutex
	err error
}

func (s *remoteStream) Events() <-chan firehose.Event { return s.out }

func (s *remoteStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *remoteStream) Close() {
	s.closed.Store(true)
	s.cancel()
}

func (s *remoteStream) run(st Federation_SubscribeClient) {
	const op = "federation.Client.Subscribe"
	defer close(s.out)
	defer s.cancel()

	first := true
	for {
		m, err := st.Recv()
		if err != nil {
			s.finish(op, err)
			return
		}
		if first {
			s.client.pool.Report(s.client.addr, nil)
			first = false
		}
		ev, err := firehose.Decode(m.GetValue())
		if err != nil {
			s.setErr(taraerr.Wrap(taraerr.CodeInternal, op, err, "malformed event from %s", s.client.id))
			return
		}
		s.client.metrics.eventReceived(string(ev.Kind))
		select {
		case s.out <- *ev:
		case <-s.ctx.Done():
			s.finish(op, s.ctx.Err())
			return
		}
	}
}

func (s *remoteStream) finish(op string, err error) {
	if s.closed.Load() {
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		err = taraerr.New(taraerr.CodeTransportDisconnected, op, "peer %s ended the stream", s.client.id)
	case errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled:
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		err = taraerr.FromStatus(op, err)
	default:
		err = taraerr.FromStatus(op, err)
	}
	s.client.pool.Report(s.client.addr, err)
	s.setErr(err)
}

func (s *remoteStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
