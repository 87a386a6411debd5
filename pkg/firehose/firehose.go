package firehose

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

type Config struct {
	// Retention is the number of events kept for replay.
	Retention int
	// Backlog bounds each subscriber's queue of undelivered live events.
	Backlog int
	// KeepaliveInterval is the idle time after which a subscription emits a
	// keepalive. Zero disables keepalives.
	KeepaliveInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retention:         10000,
		Backlog:           256,
		KeepaliveInterval: 15 * time.Second,
	}
}

type eventLog = skipmap.FuncMap[uint64, Event]

// Firehose assigns cursors to published events, retains a bounded window
// for replay and fans events out to subscribers. Publish never blocks on a
// subscriber.
type Firehose struct {
	cfg    Config
	logger *zap.Logger

	// mu orders Publish against subscriber registration so a new
	// subscription sees every event exactly once.
	mu     sync.Mutex
	head   uint64
	oldest uint64
	log    *eventLog
	subs   map[string]*Subscription

	published   atomic.Uint64
	overwhelmed atomic.Uint64
}

func New(cfg Config, logger *zap.Logger) *Firehose {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	return &Firehose{
		cfg:    cfg,
		logger: logger,
		oldest: 1,
		log: skipmap.NewFunc[uint64, Event](func(a, b uint64) bool {
			return a < b
		}),
		subs: make(map[string]*Subscription),
	}
}

// Publish appends ev and returns its cursor.
func (f *Firehose) Publish(ev Event) (types.Cursor, error) {
	if ev.Kind == KindKeepalive {
		return 0, taraerr.New(taraerr.CodeInvalidArgument, "firehose.Publish", "keepalives are not published")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.head++
	ev.Seq = types.Cursor(f.head)
	f.log.Store(f.head, ev)
	for f.log.Len() > f.cfg.Retention {
		f.log.Delete(f.oldest)
		f.oldest++
	}
	f.published.Add(1)

	for id, sub := range f.subs {
		select {
		case sub.queue <- ev:
		default:
			delete(f.subs, id)
			f.overwhelmed.Add(1)
			sub.overwhelm()
			f.logger.Warn("Subscriber overwhelmed",
				zap.String("subscription", id),
				zap.Uint64("seq", f.head),
				zap.Int("backlog", f.cfg.Backlog))
		}
	}
	return ev.Seq, nil
}

// Subscribe replays retained events after from and then follows live
// events. from of zero means the start of the log.
func (f *Firehose) Subscribe(ctx context.Context, from types.Cursor) (*Subscription, error) {
	const op = "firehose.Subscribe"

	f.mu.Lock()
	if uint64(from) > f.head {
		head := f.head
		f.mu.Unlock()
		return nil, taraerr.New(taraerr.CodeCursorInvalid, op, "cursor %d is beyond head %d", from, head)
	}
	if uint64(from)+1 < f.oldest {
		oldest := f.oldest
		f.mu.Unlock()
		return nil, taraerr.New(taraerr.CodeCursorInvalid, op,
			"cursor %d is older than the retained window starting at %d", from, oldest)
	}

	var replay []Event
	f.log.Range(func(seq uint64, ev Event) bool {
		if seq > uint64(from) {
			replay = append(replay, ev)
		}
		return true
	})

	sub := &Subscription{
		ID:         uuid.NewString(),
		From:       from,
		fh:         f,
		replay:     replay,
		queue:      make(chan Event, f.cfg.Backlog),
		out:        make(chan Event),
		done:       make(chan struct{}),
		overflow:   make(chan struct{}),
		terminated: make(chan struct{}),
	}
	f.subs[sub.ID] = sub
	f.mu.Unlock()

	f.logger.Debug("Subscriber attached",
		zap.String("subscription", sub.ID),
		zap.Uint64("from", uint64(from)),
		zap.Int("replay", len(replay)))

	go sub.run(ctx)
	return sub, nil
}

func (f *Firehose) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

// Head is the cursor of the latest published event.
func (f *Firehose) Head() types.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.Cursor(f.head)
}

// Oldest is the first cursor still available for replay.
func (f *Firehose) Oldest() types.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.Cursor(f.oldest)
}

// Len is the number of retained events.
func (f *Firehose) Len() int { return f.log.Len() }

// Subscribers is the number of attached subscriptions.
func (f *Firehose) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type Stats struct {
	Published   uint64 `json:"published"`
	Overwhelmed uint64 `json:"overwhelmed"`
}

func (f *Firehose) Stats() Stats {
	return Stats{Published: f.published.Load(), Overwhelmed: f.overwhelmed.Load()}
}

// Stream is a consumer's view of an event feed, local or remote. Events is
// closed when the stream ends and Err then reports why.
type Stream interface {
	Events() <-chan Event
	Err() error
	Close()
}

var _ Stream = (*Subscription)(nil)

// Subscription is one subscriber's view of the firehose.
type Subscription struct {
	ID   string
	From types.Cursor

	fh     *Firehose
	replay []Event
	queue  chan Event
	out    chan Event

	done      chan struct{}
	closeOnce sync.Once

	overflow     chan struct{}
	overflowOnce sync.Once

	terminated chan struct{}
	errMu      sync.Mutex
	err        error
}

// Events delivers events in cursor order, interleaved with keepalives. It is
// closed when the subscription ends; Err then reports why.
func (s *Subscription) Events() <-chan Event { return s.out }

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.terminated }

// Err is nil after Close, SubscriberOverwhelmed after overflow and the
// context error after cancellation.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) overwhelm() {
	s.overflowOnce.Do(func() { close(s.overflow) })
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.terminated)
	defer close(s.out)
	defer s.fh.remove(s.ID)

	stop := func() bool {
		select {
		case <-s.overflow:
			s.setErr(taraerr.New(taraerr.CodeSubscriberOverwhelmed, "firehose.Subscription",
				"subscription %s fell more than %d events behind", s.ID, s.fh.cfg.Backlog))
			return true
		case <-s.done:
			return true
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return true
		default:
			return false
		}
	}
	deliver := func(ev Event) bool {
		select {
		case s.out <- ev:
			return true
		case <-s.overflow:
		case <-s.done:
		case <-ctx.Done():
		}
		stop()
		return false
	}

	last := s.From
	for _, ev := range s.replay {
		if !deliver(ev) {
			return
		}
		last = ev.Seq
	}
	s.replay = nil

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	if s.fh.cfg.KeepaliveInterval > 0 {
		ticker = time.NewTicker(s.fh.cfg.KeepaliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if stop() {
			return
		}
		select {
		case ev := <-s.queue:
			if !deliver(ev) {
				return
			}
			last = ev.Seq
			if ticker != nil {
				ticker.Reset(s.fh.cfg.KeepaliveInterval)
			}
		case <-tick:
			// The keepalive carries the last delivered cursor so acking it
			// never skips queued events.
			if !deliver(Event{Kind: KindKeepalive, Seq: last, Time: time.Now().UTC()}) {
				return
			}
		case <-s.overflow:
		case <-s.done:
		case <-ctx.Done():
		}
	}
}
