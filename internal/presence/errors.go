package presence

import "errors"

var (
	// ErrMalformedFrame is returned when an inbound frame is not a JSON object.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrDuplicateHandle is returned when a transport handle is registered twice.
	ErrDuplicateHandle = errors.New("duplicate handle")
	// ErrSendFailure wraps a transport error on an outbound send.
	ErrSendFailure = errors.New("send failure")
	// ErrAlreadyRemoved marks teardown of a connection that is no longer live.
	// It is logged, never returned to transport callers.
	ErrAlreadyRemoved = errors.New("connection already removed")
	// ErrIDSpaceExhausted is returned when every id in the id space is live.
	ErrIDSpaceExhausted = errors.New("connection id space exhausted")
)
