package coordinator

import (
	"context"

	"taracol/pkg/federation"
	"taracol/pkg/firehose"
	"taracol/pkg/repo"
	"taracol/pkg/types"
)

// Peer is a node a Relay replicates from.
type Peer interface {
	ID() types.PeerID
	ListRepos(ctx context.Context) (*types.RepoList, error)
	GetCommits(ctx context.Context, did types.DID, since types.Revision) ([]*repo.Bundle, error)
	Subscribe(ctx context.Context, from types.Cursor) (firehose.Stream, error)
}

var (
	_ Peer = (*federation.Client)(nil)
	_ Peer = (*LocalPeer)(nil)
)

func peerAddr(p Peer) string {
	if a, ok := p.(interface{ Addr() string }); ok {
		return a.Addr()
	}
	return ""
}

// LocalPeer serves a store and firehose in-process, the same way
// federation.Server does over the wire.
type LocalPeer struct {
	id       types.PeerID
	store    *repo.Store
	firehose *firehose.Firehose
}

func NewLocalPeer(id types.PeerID, store *repo.Store, fh *firehose.Firehose) *LocalPeer {
	return &LocalPeer{id: id, store: store, firehose: fh}
}

func (p *LocalPeer) ID() types.PeerID { return p.id }

func (p *LocalPeer) ListRepos(context.Context) (*types.RepoList, error) {
	list := &types.RepoList{Cursor: p.firehose.Head()}
	list.Heads = p.store.Heads()
	return list, nil
}

func (p *LocalPeer) GetCommits(ctx context.Context, did types.DID, since types.Revision) ([]*repo.Bundle, error) {
	if err := p.store.VerifyChain(ctx, did, since+1); err != nil {
		return nil, err
	}
	return p.store.CommitsSince(did, since)
}

func (p *LocalPeer) Subscribe(ctx context.Context, from types.Cursor) (firehose.Stream, error) {
	return p.firehose.Subscribe(ctx, from)
}
