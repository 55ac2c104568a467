// Package protocol decodes the chat stream wire format into typed events.
package protocol

import "fmt"

// Event is one decoded unit of a stream. The concrete types are ContentChunk,
// ToolStart, ToolEnd, Done and ErrorReported.
type Event interface {
	Kind() Kind
	isEvent()
}

type Kind int

const (
	KindContent Kind = iota
	KindToolStart
	KindToolEnd
	KindError
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindToolStart:
		return "tool_start"
	case KindToolEnd:
		return "tool_end"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type ContentChunk struct {
	Text string
}

type ToolStart struct {
	Name string
}

type ToolEnd struct {
	Name string
}

// Done ends a stream. SessionID is set when the server assigned or confirmed
// the conversation the exchange was stored under.
type Done struct {
	SessionID *int64
}

// ErrorReported carries an error message produced by the server.
type ErrorReported struct {
	Message string
}

func (ContentChunk) Kind() Kind  { return KindContent }
func (ToolStart) Kind() Kind     { return KindToolStart }
func (ToolEnd) Kind() Kind       { return KindToolEnd }
func (Done) Kind() Kind          { return KindDone }
func (ErrorReported) Kind() Kind { return KindError }

func (ContentChunk) isEvent()  {}
func (ToolStart) isEvent()     {}
func (ToolEnd) isEvent()       {}
func (Done) isEvent()          {}
func (ErrorReported) isEvent() {}
