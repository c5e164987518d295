// Package session implements the peer session pump (C3): a single
// cooperative pump per duplex connection that multiplexes outbound calls,
// inbound dispatch to a local registry.Registry, and signal/state
// subscription forwarding, modeled on the teacher's core.Peer poll/process
// loop.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/karo-platform/karo-bus/internal/broadcast"
	"github.com/karo-platform/karo-bus/internal/invoker"
	"github.com/karo-platform/karo-bus/internal/logging"
	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/message"
	"github.com/karo-platform/karo-bus/pkg/registry"
	"github.com/karo-platform/karo-bus/pkg/wire"
)

// DefaultDrainGrace is how long Close waits for outstanding pending calls
// and subscriptions to settle before forcing the connection closed.
var DefaultDrainGrace = 2 * time.Second

// streamBufferDepth is the per-subscription reply-slot capacity; plain
// calls use a capacity-1 slot since they resolve exactly once.
const streamBufferDepth = broadcast.DefaultSubscriberDepth

// frameReader is the subset of *wire.Reader a Session depends on.
type frameReader interface {
	ReadEnvelope() (message.Envelope, error)
}

// frameWriter is the subset of *wire.Writer a Session depends on.
type frameWriter interface {
	WriteEnvelope(message.Envelope) error
}

// closer is the subset of net.Conn a Session needs to tear the connection
// down.
type closer interface {
	Close() error
}

type pendingEntry struct {
	ch     chan message.Envelope
	stream bool
}

// Session owns one duplex connection to another peer and pumps frames
// across it.
type Session struct {
	reader  frameReader
	writer  frameWriter
	conn    closer
	reg     *registry.Registry
	log     logging.Logger
	invoker invoker.Invoker

	seq message.Counter

	state      atomicState
	drainGrace time.Duration

	mu      sync.Mutex
	pending map[uint64]pendingEntry

	outbound chan message.Envelope
	inbound  chan message.Envelope

	closed    chan struct{}
	closeOnce sync.Once

	taps *broadcast.Channel[tapEvent]
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithInvoker overrides the goroutine-spawn strategy, used by tests to
// track every spawned goroutine.
func WithInvoker(inv invoker.Invoker) Option {
	return func(s *Session) { s.invoker = inv }
}

// WithDrainGrace overrides DefaultDrainGrace for a single session.
func WithDrainGrace(d time.Duration) Option {
	return func(s *Session) { s.drainGrace = d }
}

// Conn is the minimal connection Session needs: a byte stream plus Close.
type Conn interface {
	frameReader
	frameWriter
	closer
}

// streamConn adapts a raw io-style connection into the wire codec.
type streamConn struct {
	r *wire.Reader
	w *wire.Writer
	c closer
}

func (s streamConn) ReadEnvelope() (message.Envelope, error) { return s.r.ReadEnvelope() }
func (s streamConn) WriteEnvelope(e message.Envelope) error  { return s.w.WriteEnvelope(e) }
func (s streamConn) Close() error                            { return s.c.Close() }

// NewFromStream builds a Session directly on top of a raw byte stream
// (typically a net.Conn), wiring up the length-prefixed wire codec.
func NewFromStream(stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}, reg *registry.Registry, log logging.Logger, opts ...Option) *Session {
	sc := streamConn{r: wire.NewReader(stream), w: wire.NewWriter(stream), c: stream}
	return New(sc, reg, log, opts...)
}

// New builds a Session around an already-established Conn.
func New(conn Conn, reg *registry.Registry, log logging.Logger, opts ...Option) *Session {
	s := &Session{
		reader:     conn,
		writer:     conn,
		conn:       conn,
		reg:        reg,
		log:        log,
		invoker:    invoker.Default,
		drainGrace: DefaultDrainGrace,
		pending:    make(map[uint64]pendingEntry),
		outbound:   make(chan message.Envelope, 32),
		inbound:    make(chan message.Envelope, 32),
		closed:     make(chan struct{}),
		taps:       broadcast.New[tapEvent](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the session's read, write and dispatch pumps. Callers
// that need a handshake phase should call MarkRunning once it completes;
// direct peer-to-peer sessions (the common case) should call MarkRunning
// immediately.
func (s *Session) Start() {
	s.invoker.Spawn(s.readPump)
	s.invoker.Spawn(s.writePump)
	s.invoker.Spawn(s.dispatchPump)
}

// MarkRunning transitions a Handshaking session to Running. It is a no-op
// if the session already left Handshaking.
func (s *Session) MarkRunning() {
	s.state.compareAndSwap(Handshaking, Running)
}

// State reports the session's current lifecycle position.
func (s *Session) State() State {
	return s.state.load()
}

// Done is closed once the session has fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Tap registers fn to observe every envelope this session sends or
// receives. The returned cancel function stops delivery.
func (s *Session) Tap(fn TapFunc) (cancel func()) {
	sub := s.taps.Subscribe()
	s.invoker.Spawn(func() {
		for {
			ev, ok := <-sub.Receive()
			if !ok {
				return
			}
			fn(ev.dir, ev.env)
		}
	})
	return sub.Unsubscribe
}

func (s *Session) tap(dir Direction, env message.Envelope) {
	if s.taps.SubscriberCount() == 0 {
		return
	}
	s.taps.Publish(tapEvent{dir: dir, env: env}, func(id uint64) {
		s.log.Warnf("session: monitor tap %d fell behind, removing it", id)
	})
}

// Call issues a method call and blocks for the reply or ctx cancellation.
func (s *Session) Call(ctx context.Context, method string, payload bdoc.Value) (bdoc.Value, error) {
	if st := s.State(); st == Draining || st == Closed {
		return nil, message.ErrDisconnected
	}
	seq := s.seq.Next()
	ch := make(chan message.Envelope, 1)
	s.registerPending(seq, ch, false)
	defer s.unregisterPending(seq)

	env := message.NewMethodCall(seq, "", method, payload)
	if err := s.sendEnvelope(ctx, env); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		switch reply.Body.Kind {
		case message.KindResponseReturn:
			return reply.Body.Payload, nil
		case message.KindResponseError:
			return nil, reply.Body.Error
		default:
			return nil, message.ErrInvalidResponse
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, message.ErrDisconnected
	}
}

// Subscription is a live, ordered feed of pushes for one Subscribe or Watch
// call. Receive's channel is closed when Unsubscribe is called or the
// session terminates.
type Subscription struct {
	session *Session
	seq     uint64
	ch      chan message.Envelope
}

// Receive returns the channel of forwarded envelopes.
func (sub *Subscription) Receive() <-chan message.Envelope {
	return sub.ch
}

// Unsubscribe stops delivery for this subscription. It does not notify the
// remote peer; the remote side's forwarding task keeps running until its
// own registry unregisters the channel or the session closes.
func (sub *Subscription) Unsubscribe() {
	sub.session.unregisterPending(sub.seq)
}

// Subscribe requests a live feed of a named signal on the remote peer.
func (s *Session) Subscribe(ctx context.Context, signal string) (*Subscription, error) {
	return s.openStream(ctx, message.NewSubscribe(s.seq.Next(), signal), message.KindResponseOk)
}

// Watch requests a live feed of a named state on the remote peer, along
// with its current value.
func (s *Session) Watch(ctx context.Context, state string) (*Subscription, bdoc.Value, error) {
	sub, ack, err := s.openStreamWithAck(ctx, message.NewWatch(s.seq.Next(), state), message.KindResponseStateChanged)
	if err != nil {
		return nil, nil, err
	}
	return sub, ack.Body.Payload, nil
}

func (s *Session) openStream(ctx context.Context, req message.Envelope, okKind message.Kind) (*Subscription, error) {
	sub, _, err := s.openStreamWithAck(ctx, req, okKind)
	return sub, err
}

func (s *Session) openStreamWithAck(ctx context.Context, req message.Envelope, okKind message.Kind) (*Subscription, message.Envelope, error) {
	if st := s.State(); st == Draining || st == Closed {
		return nil, message.Envelope{}, message.ErrDisconnected
	}
	seq := req.Seq
	ch := make(chan message.Envelope, streamBufferDepth)
	s.registerPending(seq, ch, true)

	if err := s.sendEnvelope(ctx, req); err != nil {
		s.unregisterPending(seq)
		return nil, message.Envelope{}, err
	}

	select {
	case ack := <-ch:
		if ack.Body.Kind == message.KindResponseError {
			s.unregisterPending(seq)
			return nil, message.Envelope{}, ack.Body.Error
		}
		if ack.Body.Kind != okKind {
			s.unregisterPending(seq)
			return nil, message.Envelope{}, message.ErrInvalidResponse
		}
		return &Subscription{session: s, seq: seq, ch: ch}, ack, nil
	case <-ctx.Done():
		s.unregisterPending(seq)
		return nil, message.Envelope{}, ctx.Err()
	case <-s.closed:
		return nil, message.Envelope{}, message.ErrDisconnected
	}
}

func (s *Session) registerPending(seq uint64, ch chan message.Envelope, stream bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[seq] = pendingEntry{ch: ch, stream: stream}
}

func (s *Session) unregisterPending(seq uint64) {
	s.mu.Lock()
	entry, ok := s.pending[seq]
	delete(s.pending, seq)
	s.mu.Unlock()
	if ok {
		close(entry.ch)
	}
}

// sendEnvelope enqueues an envelope for the write pump, blocking until
// there is room, ctx is done, or the session closes.
func (s *Session) sendEnvelope(ctx context.Context, env message.Envelope) error {
	s.tap(Outbound, env)
	select {
	case s.outbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return message.ErrDisconnected
	}
}

// trySendEnvelope is used by subscription forwarding: a slow peer drops
// pushes instead of stalling the connection.
func (s *Session) trySendEnvelope(env message.Envelope) bool {
	s.tap(Outbound, env)
	select {
	case s.outbound <- env:
		return true
	default:
		s.log.Warnf("session: outbound backlog full, dropping push for seq %d", env.Seq)
		return false
	case <-s.closed:
		return false
	}
}

func (s *Session) readPump() {
	for {
		env, err := s.reader.ReadEnvelope()
		if err != nil {
			s.terminate(err)
			return
		}
		select {
		case s.inbound <- env:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case env, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.writer.WriteEnvelope(env); err != nil {
				s.log.Errorf("session: write failed, terminating: %v", err)
				s.terminate(err)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) dispatchPump() {
	for {
		select {
		case env := <-s.inbound:
			s.handleInbound(env)
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handleInbound(env message.Envelope) {
	s.tap(Inbound, env)

	if env.Body.IsResponse() {
		s.completePending(env)
		return
	}

	s.invoker.Spawn(func() {
		resp, sub := s.reg.Dispatch(context.Background(), env.Seq, env.Body)
		_ = s.sendEnvelope(context.Background(), resp)
		if sub != nil {
			s.invoker.Spawn(func() { s.forwardSubscription(env.Seq, sub) })
		}
	})
}

func (s *Session) completePending(env message.Envelope) {
	// The non-blocking send happens under s.mu: a slot is only closed after
	// its entry has left the map, so a slot found here is still open.
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[env.Seq]
	if !ok {
		return
	}
	if !entry.stream {
		delete(s.pending, env.Seq)
	}

	select {
	case entry.ch <- env:
	default:
		s.log.Warnf("session: pending reply slot full for seq %d, dropping", env.Seq)
	}
}

func (s *Session) forwardSubscription(seq uint64, sub *broadcast.Subscription[message.Envelope]) {
	defer sub.Unsubscribe()
	for {
		select {
		case env, ok := <-sub.Receive():
			if !ok {
				return
			}
			if !s.trySendEnvelope(env.WithSeq(seq)) {
				if s.State() == Closed {
					return
				}
			}
		case <-s.closed:
			return
		}
	}
}

// Close begins a graceful shutdown: the session stops being useful for new
// calls, waits up to its drain grace for outstanding pending calls and
// subscriptions to settle, then tears the connection down.
func (s *Session) Close() error {
	if !s.state.compareAndSwap(Running, Draining) {
		s.state.compareAndSwap(Handshaking, Draining)
	}

	deadline := time.NewTimer(s.drainGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.pendingCount() == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			goto terminate
		}
	}

terminate:
	s.terminate(nil)
	return nil
}

func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// terminate is the single path that finally closes the connection: it is
// idempotent, fails every pending call with Disconnected, and closes every
// live subscription's channel.
func (s *Session) terminate(cause error) {
	s.closeOnce.Do(func() {
		s.state.store(Closed)
		close(s.closed)
		s.taps.Close()

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[uint64]pendingEntry)
		s.mu.Unlock()

		for seq, entry := range pending {
			if entry.stream {
				close(entry.ch)
				continue
			}
			select {
			case entry.ch <- message.ErrDisconnected.Envelope(seq):
			default:
			}
			close(entry.ch)
		}

		if err := s.conn.Close(); err != nil {
			s.log.Debugf("session: close underlying connection: %v", err)
		}
		if cause != nil {
			s.log.Infof("session: terminated: %v", cause)
		}
	})
}
