package federation

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"taracol/pkg/firehose"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

// SessionObserver is told when subscriber streams attach and detach.
type SessionObserver interface {
	SubscriberAttached(id, remote string, from types.Cursor)
	SubscriberDetached(id string, err error)
}

type commitsRequest struct {
	DID   types.DID      `json:"did"`
	Since types.Revision `json:"since"`
}

// Server exposes a node's firehose, repositories and identity source to
// federation peers.
type Server struct {
	UnimplementedFederationServer

	firehose *firehose.Firehose
	store    *repo.Store
	source   identity.Source
	observer SessionObserver
	metrics  *Metrics
	logger   *zap.Logger
}

// NewServer binds the service. source may be nil when the node does not
// serve identities.
func NewServer(fh *firehose.Firehose, store *repo.Store, source identity.Source, metrics *Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		firehose: fh,
		store:    store,
		source:   source,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetObserver must be called before the server starts serving.
func (s *Server) SetObserver(o SessionObserver) { s.observer = o }

func (s *Server) Subscribe(req *wrapperspb.UInt64Value, stream Federation_SubscribeServer) error {
	ctx := stream.Context()
	from := types.Cursor(req.GetValue())
	sub, err := s.firehose.Subscribe(ctx, from)
	if err != nil {
		return taraerr.ToStatus(err)
	}
	defer sub.Close()

	remote := ""
	if p, ok := peer.FromContext(ctx); ok {
		remote = p.Addr.String()
	}
	s.metrics.subscriberDelta(1)
	defer s.metrics.subscriberDelta(-1)
	if s.observer != nil {
		s.observer.SubscriberAttached(sub.ID, remote, from)
	}
	s.logger.Info("Subscriber connected",
		zap.String("subscription", sub.ID),
		zap.String("remote", remote),
		zap.Uint64("from", uint64(from)))

	err = s.stream(sub, stream)

	if s.observer != nil {
		s.observer.SubscriberDetached(sub.ID, err)
	}
	s.logger.Info("Subscriber disconnected",
		zap.String("subscription", sub.ID),
		zap.Error(err))
	return err
}

func (s *Server) stream(sub *firehose.Subscription, stream Federation_SubscribeServer) error {
	for ev := range sub.Events() {
		b, err := ev.Encode()
		if err != nil {
			return taraerr.ToStatus(taraerr.Wrap(taraerr.CodeInternal, "federation.Subscribe", err, "failed to encode event %d", ev.Seq))
		}
		if err := stream.Send(wrapperspb.Bytes(b)); err != nil {
			return err
		}
		s.metrics.eventSent()
	}

	err := sub.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		s.logger.Warn("Subscription terminated",
			zap.String("subscription", sub.ID),
			zap.Error(err))
		return taraerr.ToStatus(err)
	}
}

func (s *Server) ListRepos(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	list := types.RepoList{Cursor: s.firehose.Head()}
	list.Heads = s.store.Heads()
	b, err := json.Marshal(list)
	if err != nil {
		return nil, taraerr.ToStatus(taraerr.Wrap(taraerr.CodeInternal, "federation.ListRepos", err, "failed to encode heads"))
	}
	return wrapperspb.Bytes(b), nil
}

// GetCommits re-verifies the requested range before serving it so a peer
// never backfills from a damaged local chain.
func (s *Server) GetCommits(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	const op = "federation.GetCommits"
	var req commitsRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, taraerr.ToStatus(taraerr.Wrap(taraerr.CodeInvalidArgument, op, err, "malformed request"))
	}
	if err := s.store.VerifyChain(ctx, req.DID, req.Since+1); err != nil {
		if taraerr.Integrity(err) {
			s.logger.Error("Refusing to serve unverifiable chain",
				zap.String("did", string(req.DID)),
				zap.Uint64("since", uint64(req.Since)),
				zap.Error(err))
		}
		return nil, taraerr.ToStatus(err)
	}
	bundles, err := s.store.CommitsSince(req.DID, req.Since)
	if err != nil {
		return nil, taraerr.ToStatus(err)
	}
	b, err := json.Marshal(bundles)
	if err != nil {
		return nil, taraerr.ToStatus(taraerr.Wrap(taraerr.CodeInternal, op, err, "failed to encode commits"))
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) identitySource(op string) (identity.Source, error) {
	if s.source == nil {
		return nil, taraerr.ToStatus(taraerr.New(taraerr.CodeNotFound, op, "this node does not serve identities"))
	}
	return s.source, nil
}

func (s *Server) ResolveIdentity(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	const op = "federation.ResolveIdentity"
	src, err := s.identitySource(op)
	if err != nil {
		return nil, err
	}
	doc, err := src.Fetch(ctx, types.DID(in.GetValue()))
	if err != nil {
		return nil, taraerr.ToStatus(err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, taraerr.ToStatus(taraerr.Wrap(taraerr.CodeInternal, op, err, "failed to encode document"))
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) RegisterIdentity(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	const op = "federation.RegisterIdentity"
	src, err := s.identitySource(op)
	if err != nil {
		return nil, err
	}
	var genesis identity.State
	if err := json.Unmarshal(in.GetValue(), &genesis); err != nil {
		return nil, taraerr.ToStatus(taraerr.Wrap(taraerr.CodeInvalidArgument, op, err, "malformed genesis"))
	}
	if err := src.Register(ctx, &genesis); err != nil {
		return nil, taraerr.ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) SubmitProof(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	const op = "federation.SubmitProof"
	src, err := s.identitySource(op)
	if err != nil {
		return nil, err
	}
	var proof identity.MigrationProof
	if err := json.Unmarshal(in.GetValue(), &proof); err != nil {
		return nil, taraerr.ToStatus(taraerr.Wrap(taraerr.CodeInvalidArgument, op, err, "malformed proof"))
	}
	if err := src.Submit(ctx, &proof); err != nil {
		return nil, taraerr.ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}
