package relay

import "github.com/pkg/errors"

var (
	// ErrUnknownEvent is returned for event names the relay does not know.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrNotAccepted is returned when a client sends an event only the server may send.
	ErrNotAccepted = errors.New("event not accepted from clients")
	// ErrMalformedData is returned when an event's payload has the wrong shape.
	ErrMalformedData = errors.New("malformed event data")
	// ErrInvalidNumber is returned when a quality or frame rate value is not an integer.
	ErrInvalidNumber = errors.New("value is not an integer")
	// ErrAssistantUnavailable is reported to a viewer when no assistant is configured.
	ErrAssistantUnavailable = errors.New("assistant unavailable")
	// ErrClosed is returned after the dispatcher stopped running.
	ErrClosed = errors.New("relay closed")
)
