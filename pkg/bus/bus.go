// Package bus is the module root: the public Bus/PeerConnection surface a
// service embeds to register itself against a Hub, accept and originate
// peer connections, and expose its own methods, signals and states.
package bus

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/karo-platform/karo-bus/internal/invoker"
	"github.com/karo-platform/karo-bus/internal/logging"
	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/message"
	"github.com/karo-platform/karo-bus/pkg/registry"
	"github.com/karo-platform/karo-bus/pkg/session"
	"github.com/karo-platform/karo-bus/pkg/wire"
)

// DefaultSocketPath is the Hub's well-known Unix-domain socket path.
const DefaultSocketPath = "/var/run/karo.bus.socket"

// incomingBacklog bounds how many brokered-but-not-yet-accepted peer
// sessions a registered service can have queued before new ones are
// dropped with a logged warning.
const incomingBacklog = 16

type connectResult struct {
	session *session.Session
	err     error
}

// Bus is one process's handle to the Hub: its registration, its local
// registry.Registry of methods/signals/states, and the bookkeeping needed
// to originate and accept direct peer-to-peer sessions.
type Bus struct {
	serviceName string
	log         logging.Logger
	invoker     invoker.Invoker
	reg         *registry.Registry

	hubConn   *net.UnixConn
	hubWriter *wire.Writer

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan connectResult
	incoming chan *PeerConnection

	seq message.Counter

	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithInvoker overrides the goroutine-spawn strategy.
func WithInvoker(inv invoker.Invoker) Option {
	return func(b *Bus) { b.invoker = inv }
}

// Register dials the Hub at socketPath, exchanges the registration
// handshake for serviceName, and returns a ready-to-use Bus. The registry
// behind the returned Bus already carries the built-in introspection
// method described in SPEC_FULL.md.
func Register(ctx context.Context, socketPath, serviceName string, log logging.Logger, opts ...Option) (*Bus, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bus: dialing hub at %s: %w", socketPath, err)
	}
	uconn := conn.(*net.UnixConn)

	b := &Bus{
		serviceName: serviceName,
		log:         log,
		invoker:     invoker.Default,
		reg:         registry.New(),
		hubConn:     uconn,
		hubWriter:   wire.NewWriter(uconn),
		pending:     make(map[uint64]chan connectResult),
		incoming:    make(chan *PeerConnection, incomingBacklog),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	handshakeSeq := b.seq.Next()
	if err := b.hubWriter.WriteEnvelope(message.NewRegister(handshakeSeq, serviceName)); err != nil {
		uconn.Close()
		return nil, fmt.Errorf("bus: sending registration: %w", err)
	}

	resp, err := wire.NewReader(uconn).ReadEnvelope()
	if err != nil {
		uconn.Close()
		return nil, fmt.Errorf("bus: reading registration response: %w", err)
	}
	if resp.Body.Kind == message.KindResponseError {
		uconn.Close()
		return nil, resp.Body.Error
	}
	if resp.Body.Kind != message.KindResponseOk {
		uconn.Close()
		return nil, message.ErrInvalidResponse
	}

	b.invoker.Spawn(b.pumpHub)
	return b, nil
}

// ServiceName returns the name this Bus registered under.
func (b *Bus) ServiceName() string {
	return b.serviceName
}

// RegisterMethod exposes a method under this service's registry to every
// connected peer.
func (b *Bus) RegisterMethod(name string, handler registry.Handler) error {
	return b.reg.RegisterMethod(name, handler)
}

// RegisterSignal declares a named signal peers can subscribe to.
func (b *Bus) RegisterSignal(name string) error {
	return b.reg.RegisterSignal(name)
}

// RegisterState declares a named state with its initial value.
func (b *Bus) RegisterState(name string, initial bdoc.Value) error {
	return b.reg.RegisterState(name, initial)
}

// EmitSignal publishes payload to every peer currently subscribed to name.
func (b *Bus) EmitSignal(name string, payload bdoc.Value) error {
	return b.reg.EmitSignal(name, payload)
}

// SetState updates a state's value, pushing it to every current watcher.
func (b *Bus) SetState(name string, value bdoc.Value) error {
	return b.reg.SetState(name, value)
}

// GetState returns a state's current value.
func (b *Bus) GetState(name string) (bdoc.Value, error) {
	return b.reg.GetState(name)
}

// Connect originates a direct peer-to-peer session to targetService,
// brokered by the Hub.
func (b *Bus) Connect(ctx context.Context, targetService string) (*PeerConnection, error) {
	seq := b.seq.Next()
	result := make(chan connectResult, 1)

	b.mu.Lock()
	b.pending[seq] = result
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, seq)
		b.mu.Unlock()
	}()

	if err := b.writeHubEnvelope(message.NewConnect(seq, targetService)); err != nil {
		return nil, err
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		return &PeerConnection{peerName: targetService, session: res.session, invoker: b.invoker, log: b.log}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, message.ErrDisconnected
	}
}

// Accept blocks until the Hub brokers an inbound peer connection against
// this service (i.e. another service called Connect naming this one), or
// ctx is cancelled, or the Bus is closed.
func (b *Bus) Accept(ctx context.Context) (*PeerConnection, error) {
	select {
	case pc := <-b.incoming:
		return pc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, message.ErrDisconnected
	}
}

func (b *Bus) writeHubEnvelope(env message.Envelope) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.hubWriter.WriteEnvelope(env)
}

// Close ends this Bus's connection to the Hub. Already-brokered
// PeerConnections are independent of the Hub link and keep running until
// their own Close is called, per the brokering disjointness invariant: the
// Hub (and this control channel) holds no reference to a peer session once
// it hands off the socket pair.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.hubConn.Close()
	})
	return nil
}

// Done is closed once the Hub control connection has terminated.
func (b *Bus) Done() <-chan struct{} {
	return b.closed
}

func (b *Bus) pumpHub() {
	for {
		env, fd, err := wire.ReadWithFD(b.hubConn)
		if err != nil {
			b.log.Debugf("bus: hub connection terminated: %v", err)
			b.failAllPending(err)
			b.Close()
			return
		}

		if env.Seq != 0 {
			b.deliverConnectResult(env, fd)
			continue
		}

		if env.Body.Kind == message.KindConnect && fd != -1 {
			b.acceptIncoming(env.Body.TargetService, fd)
			continue
		}

		b.log.Warnf("bus: unexpected unsolicited frame from hub: %#v", env)
	}
}

func (b *Bus) deliverConnectResult(env message.Envelope, fd int) {
	b.mu.Lock()
	ch, ok := b.pending[env.Seq]
	b.mu.Unlock()
	if !ok {
		return
	}

	if env.Body.Kind == message.KindResponseError {
		ch <- connectResult{err: env.Body.Error}
		return
	}
	if fd == -1 {
		ch <- connectResult{err: message.ErrInvalidResponse}
		return
	}

	sess, err := b.wrapPeerFD(fd)
	if err != nil {
		ch <- connectResult{err: err}
		return
	}
	ch <- connectResult{session: sess}
}

func (b *Bus) acceptIncoming(peerName string, fd int) {
	sess, err := b.wrapPeerFD(fd)
	if err != nil {
		b.log.Errorf("bus: wrapping inbound peer fd from %s: %v", peerName, err)
		return
	}

	pc := &PeerConnection{peerName: peerName, session: sess, invoker: b.invoker, log: b.log}
	select {
	case b.incoming <- pc:
	default:
		b.log.Warnf("bus: incoming backlog full, dropping brokered connection from %s", peerName)
		sess.Close()
	}
}

func (b *Bus) wrapPeerFD(fd int) (*session.Session, error) {
	file := os.NewFile(uintptr(fd), "karo-peer")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("bus: wrapping brokered fd: %w", err)
	}

	sess := session.NewFromStream(conn, b.reg, b.log, session.WithInvoker(b.invoker))
	sess.MarkRunning()
	sess.Start()
	return sess, nil
}

func (b *Bus) failAllPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[uint64]chan connectResult)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- connectResult{err: err}
	}
}
