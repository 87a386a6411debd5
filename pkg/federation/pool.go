package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"taracol/pkg/taraerr"
)

// ErrCircuitOpen is returned while a peer's circuit breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState represents the circuit breaker state
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type PoolConfig struct {
	// FailureThreshold consecutive transport failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before a probe.
	Cooldown time.Duration
	// IdleTimeout closes connections unused for this long.
	IdleTimeout         time.Duration
	MaintenanceInterval time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FailureThreshold:    3,
		Cooldown:            30 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
	}
}

// Pool manages one gRPC connection per peer address, each behind a
// circuit breaker.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*pooledConn

	cfg     PoolConfig
	dialOpt []grpc.DialOption
	metrics *Metrics
	logger  *zap.Logger

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

type pooledConn struct {
	mu       sync.Mutex
	conn     *grpc.ClientConn
	addr     string
	created  time.Time
	lastUsed time.Time
	useCount int64

	failures     int
	lastFailure  time.Time
	circuitState CircuitState
	probing      bool
}

// NewPool dials peers with dialOpts, which must carry the transport
// credentials.
func NewPool(cfg PoolConfig, dialOpts []grpc.DialOption, metrics *Metrics, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPoolConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	p := &Pool{
		connections: make(map[string]*pooledConn),
		cfg:         cfg,
		dialOpt:     dialOpts,
		metrics:     metrics,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go p.maintainConnections()
	return p
}

// Get returns the connection to addr, dialing it on first use. It fails
// with ErrCircuitOpen while the breaker for addr is open.
func (p *Pool) Get(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	pc, ok := p.connections[addr]
	p.mu.RUnlock()
	if !ok {
		var err error
		if pc, err = p.create(ctx, addr); err != nil {
			return nil, err
		}
	}
	if err := pc.admit(p.cfg.Cooldown); err != nil {
		return nil, taraerr.Wrap(taraerr.CodeTransportDisconnected, "federation.Pool", err, "peer %s", addr)
	}
	return pc.conn, nil
}

func (p *Pool) create(ctx context.Context, addr string) (*pooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.connections[addr]; ok {
		return pc, nil
	}
	conn, err := grpc.DialContext(ctx, addr, p.dialOpt...)
	if err != nil {
		return nil, taraerr.Wrap(taraerr.CodeTransportDisconnected, "federation.Pool", err, "failed to dial %s", addr)
	}
	now := time.Now()
	pc := &pooledConn{conn: conn, addr: addr, created: now, lastUsed: now}
	p.connections[addr] = pc
	p.metrics.setConnections(len(p.connections))
	p.logger.Info("Established connection to peer", zap.String("addr", addr))
	return pc, nil
}

// Report records the outcome of a call on addr. Only transport-class
// failures count against the breaker.
func (p *Pool) Report(addr string, err error) {
	p.mu.RLock()
	pc, ok := p.connections[addr]
	p.mu.RUnlock()
	if !ok {
		return
	}

	if err == nil || !transportFailure(err) {
		pc.recordUse()
		return
	}
	if pc.recordFailure(p.cfg.FailureThreshold) {
		p.metrics.circuitOpened()
		p.logger.Warn("Circuit breaker opened for peer",
			zap.String("addr", addr),
			zap.Int("failures", p.cfg.FailureThreshold))
	}
}

func transportFailure(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return isRetryableError(err)
}

// State reports the breaker state for addr; unknown peers are closed.
func (p *Pool) State(addr string) CircuitState {
	p.mu.RLock()
	pc, ok := p.connections[addr]
	p.mu.RUnlock()
	if !ok {
		return CircuitClosed
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.circuitState
}

func (p *Pool) maintainConnections() {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.performMaintenance()
		case <-p.stopCleanup:
			return
		}
	}
}

// performMaintenance closes idle connections.
func (p *Pool) performMaintenance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for addr, pc := range p.connections {
		pc.mu.Lock()
		idle := now.Sub(pc.lastUsed) > p.cfg.IdleTimeout
		pc.mu.Unlock()
		if !idle {
			continue
		}
		pc.conn.Close()
		delete(p.connections, addr)
		p.logger.Debug("Removed idle connection", zap.String("addr", addr))
	}
	p.metrics.setConnections(len(p.connections))
}

type PeerConnStats struct {
	Addr     string       `json:"addr"`
	State    string       `json:"state"`
	Circuit  CircuitState `json:"circuit"`
	UseCount int64        `json:"use_count"`
	Failures int          `json:"failures"`
}

// Statistics lists every pooled connection.
func (p *Pool) Statistics() []PeerConnStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PeerConnStats, 0, len(p.connections))
	for _, pc := range p.connections {
		pc.mu.Lock()
		out = append(out, PeerConnStats{
			Addr:     pc.addr,
			State:    pc.conn.GetState().String(),
			Circuit:  pc.circuitState,
			UseCount: pc.useCount,
			Failures: pc.failures,
		})
		pc.mu.Unlock()
	}
	return out
}

// Close closes all connections and stops maintenance.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCleanup) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.connections {
		pc.conn.Close()
	}
	p.connections = make(map[string]*pooledConn)
	p.metrics.setConnections(0)
	return nil
}

// admit lets a call through unless the circuit is open. After the cooldown
// a single probe is allowed in the half-open state.
func (pc *pooledConn) admit(cooldown time.Duration) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	switch pc.circuitState {
	case CircuitOpen:
		if time.Since(pc.lastFailure) < cooldown {
			return ErrCircuitOpen
		}
		pc.circuitState = CircuitHalfOpen
		pc.probing = true
		return nil
	case CircuitHalfOpen:
		if pc.probing {
			return ErrCircuitOpen
		}
		pc.probing = true
		return nil
	}
	if pc.conn.GetState() == connectivity.Shutdown {
		return fmt.Errorf("connection to %s is shut down", pc.addr)
	}
	return nil
}

func (pc *pooledConn) recordUse() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.lastUsed = time.Now()
	pc.useCount++
	pc.failures = 0
	pc.probing = false
	if pc.circuitState == CircuitHalfOpen {
		pc.circuitState = CircuitClosed
	}
}

// recordFailure reports whether this failure opened the circuit.
func (pc *pooledConn) recordFailure(threshold int) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.lastUsed = time.Now()
	pc.lastFailure = pc.lastUsed
	pc.failures++
	pc.probing = false
	if pc.circuitState == CircuitHalfOpen || (pc.circuitState == CircuitClosed && pc.failures >= threshold) {
		pc.circuitState = CircuitOpen
		return true
	}
	return false
}
