// Package registry implements the per-process service registry (C4): the
// method/signal/state maps a Bus handle registers against, and the
// dispatcher the peer session pump calls for every inbound peer-initiated
// frame.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/karo-platform/karo-bus/internal/broadcast"
	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/message"
)

// InspectMethodName is the reserved, always-registered introspection
// method every registry exposes against itself (see SPEC_FULL.md
// SUPPLEMENTED FEATURES).
const InspectMethodName = "bus.Inspect"

// Handler answers a single method call. Handlers never see the wire
// envelope; they receive and return opaque BDoc payloads.
type Handler func(ctx context.Context, payload bdoc.Value) (bdoc.Value, error)

// InspectData lists everything currently registered, returned by the
// built-in introspection method.
type InspectData struct {
	Methods []string
	Signals []string
	States  []string
}

type stateEntry struct {
	mu   sync.Mutex
	ch   *broadcast.Channel[message.Envelope]
	last bdoc.Value
}

// Registry holds one process's registered methods, signals and states.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Handler
	signals map[string]*broadcast.Channel[message.Envelope]
	states  map[string]*stateEntry
}

// New constructs an empty Registry and pre-registers the introspection
// method against itself.
func New() *Registry {
	r := &Registry{
		methods: make(map[string]Handler),
		signals: make(map[string]*broadcast.Channel[message.Envelope]),
		states:  make(map[string]*stateEntry),
	}
	r.methods[InspectMethodName] = r.inspect
	return r
}

func (r *Registry) inspect(ctx context.Context, _ bdoc.Value) (bdoc.Value, error) {
	r.mu.RLock()
	data := InspectData{}
	for name := range r.methods {
		data.Methods = append(data.Methods, name)
	}
	for name := range r.signals {
		data.Signals = append(data.Signals, name)
	}
	for name := range r.states {
		data.States = append(data.States, name)
	}
	r.mu.RUnlock()
	return bdoc.Marshal(data)
}

// RegisterMethod registers a method handler. Fails with AlreadyRegistered
// if the name is already in use within the method category.
func (r *Registry) RegisterMethod(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("registry: method name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[name]; ok {
		return message.ErrAlreadyRegistered
	}
	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes a previously registered method.
func (r *Registry) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// RegisterSignal registers a new named signal channel. Fails with
// AlreadyRegistered if the name is already in use within the signal
// category.
func (r *Registry) RegisterSignal(name string) error {
	if name == "" {
		return fmt.Errorf("registry: signal name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signals[name]; ok {
		return message.ErrAlreadyRegistered
	}
	r.signals[name] = broadcast.New[message.Envelope]()
	return nil
}

// UnregisterSignal removes a signal; every current subscriber observes
// end-of-stream.
func (r *Registry) UnregisterSignal(name string) {
	r.mu.Lock()
	ch, ok := r.signals[name]
	delete(r.signals, name)
	r.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// RegisterState registers a new named state with its initial value. Fails
// with AlreadyRegistered if the name is already in use within the state
// category.
func (r *Registry) RegisterState(name string, initial bdoc.Value) error {
	if name == "" {
		return fmt.Errorf("registry: state name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[name]; ok {
		return message.ErrAlreadyRegistered
	}
	r.states[name] = &stateEntry{
		ch:   broadcast.New[message.Envelope](),
		last: initial,
	}
	return nil
}

// UnregisterState removes a state; every current watcher observes
// end-of-stream.
func (r *Registry) UnregisterState(name string) {
	r.mu.Lock()
	entry, ok := r.states[name]
	delete(r.states, name)
	r.mu.Unlock()
	if ok {
		entry.ch.Close()
	}
}

// EmitSignal publishes payload to every current subscriber of name. Fails
// with SignalNotFound if the signal was never registered.
func (r *Registry) EmitSignal(name string, payload bdoc.Value) error {
	r.mu.RLock()
	ch, ok := r.signals[name]
	r.mu.RUnlock()
	if !ok {
		return message.ErrSignalNotFound
	}
	ch.Publish(message.NewSignal(0, payload), nil)
	return nil
}

// SetState updates a state's cached value and publishes it to every current
// watcher, both under the same critical section, satisfying the state
// freshness invariant: a Get immediately after Set returns the new value,
// and no watcher observes values going backwards.
func (r *Registry) SetState(name string, value bdoc.Value) error {
	r.mu.RLock()
	entry, ok := r.states[name]
	r.mu.RUnlock()
	if !ok {
		return message.ErrStateNotFound
	}

	entry.mu.Lock()
	entry.last = value
	entry.ch.Publish(message.NewStateChanged(0, value), nil)
	entry.mu.Unlock()
	return nil
}

// GetState returns a state's current cached value.
func (r *Registry) GetState(name string) (bdoc.Value, error) {
	r.mu.RLock()
	entry, ok := r.states[name]
	r.mu.RUnlock()
	if !ok {
		return nil, message.ErrStateNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.last, nil
}

// SubscribeSignal subscribes to a named signal, returning the live
// subscription the session pump's forwarding task reads from.
func (r *Registry) SubscribeSignal(name string) (*broadcast.Subscription[message.Envelope], error) {
	r.mu.RLock()
	ch, ok := r.signals[name]
	r.mu.RUnlock()
	if !ok {
		return nil, message.ErrSignalNotFound
	}
	return ch.Subscribe(), nil
}

// WatchState subscribes to a named state, returning both the live
// subscription and the value current at the moment of subscription — taken
// under the state's own critical section so it can never race a concurrent
// SetState into observing a stale value after missing the corresponding
// push.
func (r *Registry) WatchState(name string) (*broadcast.Subscription[message.Envelope], bdoc.Value, error) {
	r.mu.RLock()
	entry, ok := r.states[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, message.ErrStateNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	sub := entry.ch.Subscribe()
	return sub, entry.last, nil
}

// Dispatch answers a single peer-initiated inbound frame: a MethodCall,
// Subscribe or Watch. It never returns an error itself — dispatch failures
// are always encoded as a Response::Error envelope, per the pump's
// propagation policy. For Subscribe/Watch it additionally returns the live
// subscription the caller (the session pump) must forward under the
// request's seq.
func (r *Registry) Dispatch(ctx context.Context, seq uint64, body message.Body) (message.Envelope, *broadcast.Subscription[message.Envelope]) {
	switch body.Kind {
	case message.KindMethodCall:
		return r.dispatchMethodCall(ctx, seq, body), nil
	case message.KindSubscribe:
		return r.dispatchSubscribe(seq, body)
	case message.KindWatch:
		return r.dispatchWatch(seq, body)
	default:
		return message.ErrInvalidMessage.Envelope(seq), nil
	}
}

func (r *Registry) dispatchMethodCall(ctx context.Context, seq uint64, body message.Body) message.Envelope {
	r.mu.RLock()
	handler, ok := r.methods[body.MethodName]
	r.mu.RUnlock()
	if !ok {
		return message.ErrMethodNotFound.Envelope(seq)
	}

	result, err := safeInvoke(ctx, handler, body.Payload)
	if err != nil {
		return message.ErrInternal.Envelope(seq)
	}
	return message.NewReturn(seq, result)
}

// safeInvoke recovers a panicking handler, translating it into an error so
// the pump can synthesize Response::Error(Internal) instead of taking the
// whole session down.
func safeInvoke(ctx context.Context, handler Handler, payload bdoc.Value) (result bdoc.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("registry: handler panicked: %v", p)
		}
	}()
	return handler(ctx, payload)
}

func (r *Registry) dispatchSubscribe(seq uint64, body message.Body) (message.Envelope, *broadcast.Subscription[message.Envelope]) {
	sub, err := r.SubscribeSignal(body.ChannelName)
	if err != nil {
		return message.ErrSignalNotFound.Envelope(seq), nil
	}
	return message.NewOk(seq), sub
}

func (r *Registry) dispatchWatch(seq uint64, body message.Body) (message.Envelope, *broadcast.Subscription[message.Envelope]) {
	sub, initial, err := r.WatchState(body.ChannelName)
	if err != nil {
		return message.ErrStateNotFound.Envelope(seq), nil
	}
	return message.NewStateChanged(seq, initial), sub
}
