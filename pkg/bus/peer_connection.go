package bus

import (
	"context"
	"fmt"

	"github.com/karo-platform/karo-bus/internal/invoker"
	"github.com/karo-platform/karo-bus/internal/logging"
	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/message"
	"github.com/karo-platform/karo-bus/pkg/session"
)

// PeerConnection is a direct, Hub-brokered link to another service: once
// handed off, it no longer involves the Hub at all. Dynamic-typed payloads
// stay at this layer — params/results are serialized through pkg/bdoc here
// so pkg/session's pump only ever moves opaque bytes.
type PeerConnection struct {
	peerName string
	session  *session.Session
	invoker  invoker.Invoker
	log      logging.Logger
}

// PeerName is the service name on the other end of this connection.
func (pc *PeerConnection) PeerName() string {
	return pc.peerName
}

// Call invokes a method on the remote peer, serializing params and
// deserializing the response into result. result may be nil to discard the
// response payload. Fails with any Response::Error kind the peer returns,
// ErrInvalidResponse if result can't be decoded, or ErrDisconnected.
func (pc *PeerConnection) Call(ctx context.Context, method string, params, result any) error {
	payload, err := marshalParam(params)
	if err != nil {
		return fmt.Errorf("bus: marshaling call params: %w", err)
	}

	resp, err := pc.session.Call(ctx, method, payload)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := bdoc.Unmarshal(resp, result); err != nil {
		return message.ErrInvalidResponse
	}
	return nil
}

// Subscribe requests a live feed of a named signal from the remote peer.
// Each pushed value is decoded and delivered to callback on its own
// delivery goroutine; a panicking callback terminates only that goroutine,
// logged at Error level, leaving the session and its pump unaffected.
func (pc *PeerConnection) Subscribe(ctx context.Context, signal string, callback func(bdoc.Value)) error {
	sub, err := pc.session.Subscribe(ctx, signal)
	if err != nil {
		return err
	}
	pc.invoker.Spawn(func() { pc.deliver(signal, message.KindResponseSignal, sub, callback) })
	return nil
}

// Watch requests a live feed of a named state from the remote peer,
// synchronously returning its value at the moment of subscription. Every
// subsequent update is delivered to callback the same way Subscribe
// delivers signals.
func (pc *PeerConnection) Watch(ctx context.Context, state string, callback func(bdoc.Value)) (bdoc.Value, error) {
	sub, initial, err := pc.session.Watch(ctx, state)
	if err != nil {
		return nil, err
	}
	pc.invoker.Spawn(func() { pc.deliver(state, message.KindResponseStateChanged, sub, callback) })
	return initial, nil
}

// deliver runs callback for every envelope pushed to sub until it closes,
// recovering a callback panic into a logged error instead of letting it
// escape onto the shared pump or crash the process.
func (pc *PeerConnection) deliver(name string, wantKind message.Kind, sub *session.Subscription, callback func(bdoc.Value)) {
	defer func() {
		if r := recover(); r != nil {
			pc.log.Errorf("bus: subscription callback for %s panicked: %v", name, r)
		}
	}()
	defer sub.Unsubscribe()

	for env := range sub.Receive() {
		if env.Body.Kind != wantKind {
			pc.log.Warnf("bus: dropping unexpected frame on %s subscription: kind=%v", name, env.Body.Kind)
			continue
		}
		callback(env.Body.Payload)
	}
}

func marshalParam(params any) (bdoc.Value, error) {
	if params == nil {
		return bdoc.Nil, nil
	}
	return bdoc.Marshal(params)
}

// Tap observes every envelope exchanged with this peer.
func (pc *PeerConnection) Tap(fn session.TapFunc) (cancel func()) {
	return pc.session.Tap(fn)
}

// State reports this connection's lifecycle position.
func (pc *PeerConnection) State() session.State {
	return pc.session.State()
}

// Done is closed once this peer connection has fully terminated.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.session.Done()
}

// Close gracefully ends this peer connection.
func (pc *PeerConnection) Close() error {
	return pc.session.Close()
}
