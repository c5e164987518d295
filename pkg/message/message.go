// Package message implements the bus wire envelope: a sequence number plus
// a tagged-union body covering every request and response shape the Hub and
// peer sessions exchange.
package message

import (
	"sync/atomic"

	"github.com/karo-platform/karo-bus/pkg/bdoc"
)

// Kind tags which variant of Body is populated.
type Kind uint8

const (
	KindRegister Kind = iota
	KindConnect
	KindMethodCall
	KindSubscribe
	KindWatch
	KindResponseOk
	KindResponseReturn
	KindResponseSignal
	KindResponseStateChanged
	KindResponseError
	KindResponseShutdown
)

// Body is a flat tagged union. Only the fields relevant to Kind are
// populated; this keeps the wire encoding a single concrete struct instead
// of an interface, which BDoc (MessagePack) encodes without any registry of
// concrete types.
type Body struct {
	Kind Kind

	// Register, Shutdown
	ServiceName string

	// Connect, MethodCall
	TargetService string

	// MethodCall
	MethodName string

	// Subscribe, Watch
	ChannelName string

	// MethodCall, Return, Signal, StateChanged
	Payload bdoc.Value

	// ResponseError
	Error ErrorKind
}

// Envelope is the unit of exchange on the wire: a correlation id plus a body.
type Envelope struct {
	Seq  uint64
	Body Body
}

// Counter is a session-local monotonic sequence generator. The zero value
// is ready to use and starts at 1 so that seq 0 is reserved for
// fire-and-forget frames that never expect correlation (e.g. a synthesized
// shutdown notice).
type Counter struct {
	next uint64
}

// Next returns the next strictly increasing seq for this counter.
func (c *Counter) Next() uint64 {
	return atomic.AddUint64(&c.next, 1)
}

// NewRegister builds a client -> Hub registration handshake.
func NewRegister(seq uint64, serviceName string) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindRegister, ServiceName: serviceName}}
}

// NewConnect builds a client -> Hub peer introduction request.
func NewConnect(seq uint64, target string) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindConnect, TargetService: target}}
}

// NewMethodCall builds a peer -> peer method invocation.
func NewMethodCall(seq uint64, target, method string, payload bdoc.Value) Envelope {
	return Envelope{Seq: seq, Body: Body{
		Kind:          KindMethodCall,
		TargetService: target,
		MethodName:    method,
		Payload:       payload,
	}}
}

// NewSubscribe builds a peer -> peer signal subscription request.
func NewSubscribe(seq uint64, signal string) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindSubscribe, ChannelName: signal}}
}

// NewWatch builds a peer -> peer state watch request.
func NewWatch(seq uint64, state string) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindWatch, ChannelName: state}}
}

// NewOk builds a generic success response.
func NewOk(seq uint64) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindResponseOk}}
}

// NewReturn builds a method-call result response.
func NewReturn(seq uint64, payload bdoc.Value) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindResponseReturn, Payload: payload}}
}

// NewSignal builds a signal emission push. Seq is a placeholder until the
// forwarding task overrides it with the subscriber's subscription seq.
func NewSignal(seq uint64, payload bdoc.Value) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindResponseSignal, Payload: payload}}
}

// NewStateChanged builds a state update push (or the initial Watch value).
func NewStateChanged(seq uint64, payload bdoc.Value) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindResponseStateChanged, Payload: payload}}
}

// NewError builds a typed error response.
func NewError(seq uint64, kind ErrorKind) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindResponseError, Error: kind}}
}

// NewShutdown builds a peer's graceful-teardown announcement.
func NewShutdown(seq uint64, serviceName string) Envelope {
	return Envelope{Seq: seq, Body: Body{Kind: KindResponseShutdown, ServiceName: serviceName}}
}

// WithSeq returns a copy of the envelope with Seq replaced, used by the
// subscription forwarding task to retag a publisher's emission with the
// subscriber's subscription seq.
func (e Envelope) WithSeq(seq uint64) Envelope {
	e.Seq = seq
	return e
}

// IsResponse reports whether this envelope's body is one of the Response
// variants.
func (b Body) IsResponse() bool {
	return b.Kind >= KindResponseOk
}
