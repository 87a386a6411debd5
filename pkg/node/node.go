// Package node assembles a PDS or relay from its configuration: key
// storage, identity resolution, the repository store, the firehose, the
// replication coordinator and the gRPC and HTTP listeners.
package node

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"taracol/pkg/cidutil"
	"taracol/pkg/config"
	"taracol/pkg/coordinator"
	"taracol/pkg/crypto"
	"taracol/pkg/federation"
	"taracol/pkg/firehose"
	"taracol/pkg/httpapi"
	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/types"
)

const shutdownTimeout = 5 * time.Second

type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	registry    *prometheus.Registry
	fedMetrics  *federation.Metrics
	keyring     *crypto.Keyring
	directory   *identity.Directory
	source      identity.Source
	resolver    *identity.Resolver
	store       *repo.Store
	firehose    *firehose.Firehose
	pool        *federation.Pool
	coordinator coordinator.Coordinator
	pds         *coordinator.PDS
	api         *httpapi.Server

	grpcServer  *grpc.Server
	listener    net.Listener
	httpServer  *http.Server
	httpLis     net.Listener
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
	coordinated chan error

	locksMu sync.Mutex
	locks   map[types.DID]*sync.RWMutex
}

// New opens the node's on-disk state and wires its components. Nothing
// listens until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = logger.With(zap.String("node_id", cfg.NodeID), zap.String("role", string(cfg.Mode)))

	hasher, err := cidutil.ParseHasher(cfg.Hash)
	if err != nil {
		return nil, err
	}
	cidutil.SetDefault(hasher)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	n := &Node{
		cfg:         cfg,
		logger:      logger,
		registry:    prometheus.NewRegistry(),
		coordinated: make(chan error, 1),
	}
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.fedMetrics = federation.NewMetrics(n.registry)
	syncMetrics := coordinator.NewMetrics(n.registry)

	dialOpts, err := n.dialOptions()
	if err != nil {
		return nil, err
	}
	n.pool = federation.NewPool(federation.DefaultPoolConfig(), dialOpts, n.fedMetrics, logger)
	opened := false
	defer func() {
		if !opened {
			_ = n.pool.Close()
		}
	}()

	if err := n.openKeys(); err != nil {
		return nil, err
	}
	if err := n.openIdentity(); err != nil {
		return nil, err
	}

	blocks, err := repo.NewFileBlockstore(filepath.Join(cfg.DataDir, "blocks"))
	if err != nil {
		return nil, fmt.Errorf("failed to open blockstore: %w", err)
	}
	var signer repo.AccountSigner
	if cfg.Mode == config.ModePDS {
		signer = n.keyring
	}
	n.store, err = repo.NewStore(blocks, n.resolver, signer, repo.Options{
		Policy:        repo.CommitPolicy(cfg.Repo.CommitPolicy),
		MaxRecordSize: int64(cfg.Repo.MaxRecordSize),
		LogDir:        filepath.Join(cfg.DataDir, "commits"),
	}, logger.Named("repo"))
	if err != nil {
		return nil, fmt.Errorf("failed to open repository store: %w", err)
	}

	n.firehose = firehose.New(firehose.Config{
		Retention:         cfg.Firehose.Retention,
		Backlog:           cfg.Firehose.Backlog,
		KeepaliveInterval: cfg.Firehose.KeepaliveInterval.Std(),
	}, logger.Named("firehose"))

	switch cfg.Mode {
	case config.ModePDS:
		n.reconcileKeys(context.Background())
		n.pds = coordinator.NewPDS(n.store, n.firehose, syncMetrics, logger.Named("coordinator"))
		n.coordinator = n.pds
	case config.ModeRelay:
		relay, err := n.newRelay(syncMetrics)
		if err != nil {
			return nil, err
		}
		n.coordinator = relay
	}

	n.api = httpapi.NewServer(httpapi.Options{
		NodeID:      cfg.NodeID,
		Store:       n.store,
		Resolver:    n.resolver,
		Firehose:    n.firehose,
		Coordinator: n.coordinator,
		Gatherer:    n.registry,
		DiskUsage:   n.diskUsage,
	}, logger.Named("http"))
	opened = true
	return n, nil
}

func (n *Node) dialOptions() ([]grpc.DialOption, error) {
	creds := insecure.NewCredentials()
	if n.cfg.TLS.Enabled() {
		tc, err := n.tlsFiles().ClientCredentials()
		if err != nil {
			return nil, fmt.Errorf("failed to load client TLS: %w", err)
		}
		creds = tc
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil
}

func (n *Node) tlsFiles() federation.TLSFiles {
	return federation.TLSFiles{CA: n.cfg.TLS.CA, Cert: n.cfg.TLS.Cert, Key: n.cfg.TLS.Key}
}

func (n *Node) openKeys() error {
	keys, err := crypto.NewFileStore(n.cfg.KeyDir())
	if err != nil {
		return err
	}
	n.keyring = crypto.NewKeyring(keys, n.logger.Named("keyring"))
	if err := n.keyring.Load(); err != nil {
		return fmt.Errorf("failed to load keyring: %w", err)
	}
	return nil
}

func (n *Node) openIdentity() error {
	addr := n.cfg.Identity.Directory
	if addr == "" && n.cfg.Mode == config.ModeRelay {
		addr = n.cfg.Relay.Peers[0].Address
	}

	if addr == "" {
		dir, err := identity.OpenDirectory(filepath.Join(n.cfg.DataDir, "identity", "directory.json"), n.logger.Named("directory"))
		if err != nil {
			return err
		}
		n.directory = dir
		n.source = dir
	} else {
		n.source = federation.NewClient("directory", addr, n.pool, federation.DefaultClientConfig(), n.fedMetrics, n.logger.Named("directory"))
	}

	n.resolver = identity.NewResolver(n.source, identity.ResolverConfig{
		CacheTTL:     n.cfg.Identity.CacheTTL.Std(),
		FetchTimeout: n.cfg.Identity.FetchTimeout.Std(),
	}, n.logger.Named("resolver"))
	return nil
}

func (n *Node) newRelay(metrics *coordinator.Metrics) (*coordinator.Relay, error) {
	rc := n.cfg.Relay
	backoff := federation.Backoff{Base: rc.Backoff.Base.Std(), Max: rc.Backoff.Max.Std(), Jitter: federation.DefaultBackoff().Jitter}

	cursors, err := coordinator.NewFileCursorStore(filepath.Join(n.cfg.DataDir, "relay", "cursors.json"))
	if err != nil {
		return nil, err
	}

	peers := make([]coordinator.Peer, 0, len(rc.Peers))
	for _, p := range rc.Peers {
		peers = append(peers, federation.NewClient(types.PeerID(p.ID), p.Address, n.pool, federation.ClientConfig{
			MaxRetries:  3,
			Backoff:     backoff,
			CallTimeout: federation.DefaultClientConfig().CallTimeout,
		}, n.fedMetrics, n.logger.Named("peer")))
	}

	return coordinator.NewRelay(n.store, n.resolver, n.firehose, cursors, peers, coordinator.RelayConfig{
		KeepaliveTimeout:    rc.KeepaliveTimeout.Std(),
		Backoff:             backoff,
		CheckpointInterval:  rc.CheckpointInterval.Std(),
		BackfillConcurrency: rc.BackfillConcurrency,
	}, metrics, n.logger.Named("coordinator")), nil
}

// Start opens the listeners and runs the coordinator in the background.
func (n *Node) Start() error {
	var serverOpts []grpc.ServerOption
	if n.cfg.TLS.Enabled() {
		creds, err := n.tlsFiles().ServerCredentials()
		if err != nil {
			return fmt.Errorf("failed to load server TLS: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	} else {
		serverOpts = append(serverOpts, grpc.Creds(insecure.NewCredentials()))
	}
	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(n.fedMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(n.fedMetrics.StreamServerInterceptor()),
	)

	lis, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr, err)
	}
	n.listener = lis

	fed := federation.NewServer(n.firehose, n.store, n.source, n.fedMetrics, n.logger.Named("federation"))
	if n.pds != nil {
		fed.SetObserver(n.pds)
	}
	n.grpcServer = grpc.NewServer(serverOpts...)
	federation.RegisterFederationServer(n.grpcServer, fed)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			n.logger.Error("Federation server failed", zap.Error(err))
		}
	}()

	if n.cfg.HTTPAddr != "" {
		httpLis, err := net.Listen("tcp", n.cfg.HTTPAddr)
		if err != nil {
			n.grpcServer.Stop()
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.HTTPAddr, err)
		}
		n.httpLis = httpLis
		n.httpServer = &http.Server{
			Handler:           n.api.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.coordinator.Run(ctx)
		if err != nil {
			n.logger.Error("Coordinator stopped", zap.Error(err))
		}
		n.coordinated <- err
	}()

	n.logger.Info("Node started",
		zap.String("listen_addr", lis.Addr().String()),
		zap.String("http_addr", n.HTTPAddr()),
		zap.Bool("tls", n.cfg.TLS.Enabled()))
	return nil
}

// Stop shuts the node down. It is safe to call more than once.
func (n *Node) Stop() error {
	var stopErr error
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		if n.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := n.httpServer.Shutdown(ctx); err != nil {
				stopErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
			}
			cancel()
		}
		if n.grpcServer != nil {
			n.gracefulStop()
		}
		n.wg.Wait()
		if err := n.pool.Close(); err != nil && stopErr == nil {
			stopErr = err
		}
		n.logger.Info("Node stopped")
	})
	return stopErr
}

// gracefulStop lets in-flight calls finish but cuts off long-lived
// subscriptions after the shutdown timeout.
func (n *Node) gracefulStop() {
	done := make(chan struct{})
	go func() {
		n.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		n.grpcServer.Stop()
	}
}

// Done receives the coordinator's exit error once it stops.
func (n *Node) Done() <-chan error { return n.coordinated }

func (n *Node) Role() types.Role { return n.coordinator.Role() }

// Addr is the bound federation address, valid after Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return n.cfg.ListenAddr
	}
	return n.listener.Addr().String()
}

// HTTPAddr is the bound HTTP address, empty when HTTP is disabled.
func (n *Node) HTTPAddr() string {
	if n.httpLis == nil {
		return ""
	}
	return n.httpLis.Addr().String()
}

func (n *Node) Store() *repo.Store                     { return n.store }
func (n *Node) Resolver() *identity.Resolver           { return n.resolver }
func (n *Node) Firehose() *firehose.Firehose           { return n.firehose }
func (n *Node) Keyring() *crypto.Keyring               { return n.keyring }
func (n *Node) Coordinator() coordinator.Coordinator   { return n.coordinator }
func (n *Node) Registry() *prometheus.Registry         { return n.registry }
func (n *Node) Status() httpapi.Status                 { return n.api.Snapshot() }
func (n *Node) Directory() (*identity.Directory, bool) { return n.directory, n.directory != nil }

func (n *Node) diskUsage() int64 {
	var total int64
	_ = filepath.WalkDir(n.cfg.DataDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
