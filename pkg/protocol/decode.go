package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DataPrefix starts every data frame.
const DataPrefix = "data:"

// Payload is the JSON object carried by a data frame. Any subset of the
// fields may be present.
type Payload struct {
	Content   string `json:"content,omitempty"`
	ToolStart string `json:"tool_start,omitempty"`
	ToolEnd   string `json:"tool_end,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID *int64 `json:"session_id,omitempty"`
}

// FrameDecodeError reports a data frame whose payload is not a valid JSON object.
// It is scoped to that frame; the stream carries on.
type FrameDecodeError struct {
	Frame string
	Err   error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("decode frame %q: %v", truncate(e.Frame, 120), e.Err)
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}

// DecodeFrame parses one frame. ok is false for frames that are not data
// frames (empty or without the prefix); those are ignored, not errors.
//
// A payload carrying several signals yields them in a fixed order: tool
// starts, tool ends, content, error, done.
func DecodeFrame(frame string) (events []Event, ok bool, err error) {
	frame = strings.TrimSpace(frame)
	if !strings.HasPrefix(frame, DataPrefix) {
		return nil, false, nil
	}
	raw := strings.TrimSpace(frame[len(DataPrefix):])

	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, true, &FrameDecodeError{Frame: frame, Err: err}
	}
	if strings.HasPrefix(raw, "null") {
		return nil, true, &FrameDecodeError{Frame: frame, Err: errors.New("payload is null")}
	}
	return p.Events(), true, nil
}

// Events converts the payload into its ordered event list.
func (p Payload) Events() []Event {
	var out []Event
	if p.ToolStart != "" {
		out = append(out, ToolStart{Name: p.ToolStart})
	}
	if p.ToolEnd != "" {
		out = append(out, ToolEnd{Name: p.ToolEnd})
	}
	if p.Content != "" {
		out = append(out, ContentChunk{Text: p.Content})
	}
	if p.Error != "" {
		out = append(out, ErrorReported{Message: p.Error})
	}
	if p.Done {
		out = append(out, Done{SessionID: p.SessionID})
	}
	return out
}

// EncodeFrame renders p as one delimited data frame.
func EncodeFrame(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	out := make([]byte, 0, len(body)+len(DataPrefix)+3)
	out = append(out, DataPrefix...)
	out = append(out, ' ')
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}

// PayloadOf is the inverse of Events for a single event.
func PayloadOf(ev Event) Payload {
	switch e := ev.(type) {
	case ContentChunk:
		return Payload{Content: e.Text}
	case ToolStart:
		return Payload{ToolStart: e.Name}
	case ToolEnd:
		return Payload{ToolEnd: e.Name}
	case ErrorReported:
		return Payload{Error: e.Message}
	case Done:
		return Payload{Done: true, SessionID: e.SessionID}
	default:
		return Payload{}
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
