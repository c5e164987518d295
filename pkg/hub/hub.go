// Package hub implements the Hub broker (C5): the well-known Unix-domain
// socket listener that services Register against and clients issue Connect
// requests to. Once a Connect is brokered the Hub hands a socket-pair half
// to each side via FD passing and steps out of the way; it never proxies
// ongoing peer traffic, modeled on the teacher's Unity.poll/process
// dispatch-by-type accept loop.
package hub

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/karo-platform/karo-bus/internal/invoker"
	"github.com/karo-platform/karo-bus/internal/logging"
	"github.com/karo-platform/karo-bus/internal/policy"
	"github.com/karo-platform/karo-bus/pkg/message"
	"github.com/karo-platform/karo-bus/pkg/wire"
)

type registeredService struct {
	name     string
	conn     *net.UnixConn
	execPath string

	// writeMu serializes frame writes on conn: the client's own handler
	// goroutine replies to its requests, while a concurrent Connect from a
	// different client can push an unsolicited peer-handoff frame at the
	// same time.
	writeMu sync.Mutex
}

func (s *registeredService) writeEnvelope(env message.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.NewWriter(s.conn).WriteEnvelope(env)
}

func (s *registeredService) writeEnvelopeWithFD(env message.Envelope, fd int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteWithFD(s.conn, env, fd)
}

// Hub is the broker process's listener and service registry.
type Hub struct {
	policyDir string
	log       logging.Logger
	invoker   invoker.Invoker

	mu       sync.Mutex
	services map[string]*registeredService

	listener *net.UnixListener
	wg       sync.WaitGroup

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithInvoker overrides the goroutine-spawn strategy.
func WithInvoker(inv invoker.Invoker) Option {
	return func(h *Hub) { h.invoker = inv }
}

// New builds a Hub that reads service policy files from policyDir.
func New(policyDir string, log logging.Logger, opts ...Option) *Hub {
	h := &Hub{
		policyDir: policyDir,
		log:       log,
		invoker:   invoker.Default,
		services:  make(map[string]*registeredService),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Listen binds the well-known Unix-domain socket at socketPath, removing a
// stale socket file left behind by a previous crashed instance.
func (h *Hub) Listen(socketPath string) error {
	if err := removeStaleSocket(socketPath); err != nil {
		return fmt.Errorf("hub: removing stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return fmt.Errorf("hub: resolving socket address: %w", err)
	}

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("hub: listening on %s: %w", socketPath, err)
	}
	h.listener = listener
	if !policy.PeerCredentialsSupported {
		h.log.Warnf("hub: peer credential resolution unsupported on this platform, exec policy always matches")
	}
	return nil
}

func removeStaleSocket(socketPath string) error {
	_, err := net.Dial("unix", socketPath)
	if err == nil {
		return fmt.Errorf("hub: socket %s already has a live listener", socketPath)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Serve accepts connections until Close is called. It blocks; callers
// typically run it in its own goroutine.
func (h *Hub) Serve() error {
	for {
		conn, err := h.listener.AcceptUnix()
		if err != nil {
			select {
			case <-h.shutdown:
				return nil
			default:
				return fmt.Errorf("hub: accept: %w", err)
			}
		}

		h.wg.Add(1)
		h.invoker.Spawn(func() {
			defer h.wg.Done()
			h.handleClient(conn)
		})
	}
}

// Close stops accepting new connections, closes every registered service's
// connection, and waits for all client handler goroutines to return.
func (h *Hub) Close() error {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
		if h.listener != nil {
			h.listener.Close()
		}

		h.mu.Lock()
		for _, svc := range h.services {
			svc.conn.Close()
		}
		h.mu.Unlock()
	})
	h.wg.Wait()
	return nil
}

// ServiceNames reports every currently registered service name, used by
// tests and introspection tooling.
func (h *Hub) ServiceNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.services))
	for name := range h.services {
		names = append(names, name)
	}
	return names
}

// handleClient owns the lifetime of one client's Hub control connection.
// Clients never send a file descriptor to the Hub — only the Hub's Connect
// grants carry one — so the read side here is the plain length-prefixed
// codec, portable to any platform net.Listen("unix", ...) runs on.
func (h *Hub) handleClient(conn *net.UnixConn) {
	defer conn.Close()
	reader := wire.NewReader(conn)

	first, err := reader.ReadEnvelope()
	if err != nil {
		h.log.Debugf("hub: client disconnected before registering: %v", err)
		return
	}
	if first.Body.Kind != message.KindRegister {
		_ = wire.NewWriter(conn).WriteEnvelope(message.ErrInvalidMessage.Envelope(first.Seq))
		return
	}

	svc, regErr := h.register(conn, first)
	if regErr != nil {
		_ = wire.NewWriter(conn).WriteEnvelope(errorEnvelope(first.Seq, regErr))
		return
	}
	defer h.unregister(svc.name)

	if writeErr := svc.writeEnvelope(message.NewOk(first.Seq)); writeErr != nil {
		return
	}

	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			return
		}

		switch env.Body.Kind {
		case message.KindConnect:
			h.invoker.Spawn(func() { h.handleConnect(svc, env) })
		case message.KindResponseShutdown:
			return
		default:
			_ = svc.writeEnvelope(message.ErrInvalidMessage.Envelope(env.Seq))
		}
	}
}

// errorEnvelope lifts an error into a Response::Error frame, preferring the
// typed sentinel kinds this package returns and falling back to Internal
// for anything else.
func errorEnvelope(seq uint64, err error) message.Envelope {
	if kind, ok := err.(message.ErrorKind); ok {
		return kind.Envelope(seq)
	}
	return message.ErrInternal.Envelope(seq)
}

func (h *Hub) register(conn *net.UnixConn, req message.Envelope) (*registeredService, error) {
	serviceName := req.Body.ServiceName
	if serviceName == "" {
		return nil, message.ErrInvalidMessage
	}

	creds, err := policy.ResolvePeerCredentials(conn)
	if err != nil {
		h.log.Warnf("hub: resolving peer credentials for %s: %v", serviceName, err)
	}

	pol, err := policy.Load(h.policyDir, serviceName)
	if err != nil {
		return nil, message.ErrServiceNotAllowed
	}

	if policy.PeerCredentialsSupported {
		if !pol.AllowsExecutable(creds.ExecPath) {
			return nil, message.ErrServiceNotAllowed
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.services[serviceName]; taken {
		return nil, message.ErrNameTaken
	}

	svc := &registeredService{name: serviceName, conn: conn, execPath: creds.ExecPath}
	h.services[serviceName] = svc
	return svc, nil
}

func (h *Hub) unregister(serviceName string) {
	h.mu.Lock()
	delete(h.services, serviceName)
	h.mu.Unlock()
}

// handleConnect brokers a direct peer link between the requester and the
// named target service. Registry lookup is serialized by h.mu, but
// socket-pair creation and the FD handoff writes happen outside it so a
// slow or blocked peer cannot stall other Connect requests.
func (h *Hub) handleConnect(requester *registeredService, req message.Envelope) {
	targetName := req.Body.TargetService

	h.mu.Lock()
	target, ok := h.services[targetName]
	h.mu.Unlock()
	if !ok {
		_ = requester.writeEnvelope(message.ErrServiceNotFound.Envelope(req.Seq))
		return
	}

	targetPolicy, err := policy.Load(h.policyDir, targetName)
	if err != nil {
		_ = requester.writeEnvelope(message.ErrServiceNotAllowed.Envelope(req.Seq))
		return
	}
	if !targetPolicy.AllowsIncomingFrom(requester.name) {
		_ = requester.writeEnvelope(message.ErrPermissionDenied.Envelope(req.Seq))
		return
	}

	requesterFD, targetFD, err := createSocketPair()
	if err != nil {
		h.log.Errorf("hub: creating socket pair for %s -> %s: %v", requester.name, targetName, err)
		_ = requester.writeEnvelope(message.ErrInternal.Envelope(req.Seq))
		return
	}

	// The target's handoff is written first: the requester is only told Ok
	// once the target has a live half, so a requester never believes a
	// Connect succeeded when the target never received its half. Seq 0
	// marks this as an unsolicited push: target never asked for this
	// Connect, the Hub is handing it a new inbound peer.
	notice := message.NewConnect(0, requester.name)
	if err := target.writeEnvelopeWithFD(notice, targetFD); err != nil {
		h.log.Warnf("hub: handing off target fd to %s: %v", targetName, err)
		_ = closeFD(requesterFD)
		_ = closeFD(targetFD)
		_ = requester.writeEnvelope(message.ErrInternal.Envelope(req.Seq))
		return
	}
	_ = closeFD(targetFD)

	if err := requester.writeEnvelopeWithFD(message.NewOk(req.Seq), requesterFD); err != nil {
		h.log.Warnf("hub: handing off requester fd to %s: %v", requester.name, err)
		_ = closeFD(requesterFD)
		return
	}
	_ = closeFD(requesterFD)
}
