package stream

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStreamActive is returned by Start while another session is in flight.
var ErrStreamActive = errors.New("stream: another stream is active")

// ErrIdleTimeout is the cause of a stream aborted for producing no data.
var ErrIdleTimeout = errors.New("stream: idle timeout")

// TransportError is a connection failure or a non-success status. The user
// sees one generic message; the detail is for logs. StatusCode is zero when
// no response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("stream transport: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("stream transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is the message of an error frame, surfaced verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
