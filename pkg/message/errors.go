package message

// ErrorKind is a typed error carried inside Response::Error frames. It
// implements the error interface so it can be returned directly from
// client-visible calls.
type ErrorKind string

const (
	ErrServiceNotFound   ErrorKind = "service_not_found"
	ErrNameTaken         ErrorKind = "name_taken"
	ErrServiceNotAllowed ErrorKind = "service_not_allowed"
	ErrPermissionDenied  ErrorKind = "permission_denied"
	ErrMethodNotFound    ErrorKind = "method_not_found"
	ErrSignalNotFound    ErrorKind = "signal_not_found"
	ErrStateNotFound     ErrorKind = "state_not_found"
	ErrAlreadyRegistered ErrorKind = "already_registered"
	ErrInvalidMessage    ErrorKind = "invalid_message"
	ErrInvalidResponse   ErrorKind = "invalid_response"
	ErrProtocolViolation ErrorKind = "protocol_violation"
	ErrDisconnected      ErrorKind = "disconnected"
	ErrInternal          ErrorKind = "internal"
)

func (k ErrorKind) Error() string {
	return string(k)
}

// Envelope lifts this error kind into a Response::Error frame addressed to
// the given seq, the way the pump replies on a failed dispatch.
func (k ErrorKind) Envelope(seq uint64) Envelope {
	return Envelope{
		Seq:  seq,
		Body: Body{Kind: KindResponseError, Error: k},
	}
}
