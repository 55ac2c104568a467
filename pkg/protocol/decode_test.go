package protocol

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/frames"
)

func TestDecodeFrameIgnoresNonDataFrames(t *testing.T) {
	for _, frame := range []string{"", "   ", ": keepalive", "event: ping", "id: 3"} {
		events, ok, err := DecodeFrame(frame)
		require.NoError(t, err, frame)
		require.False(t, ok, frame)
		require.Empty(t, events, frame)
	}
}

func TestDecodeFrameTrimsPrefixAndWhitespace(t *testing.T) {
	events, ok, err := DecodeFrame("\n  data:   {\"content\":\"Hello \"}  \n")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []Event{ContentChunk{Text: "Hello "}}, events)
}

func TestDecodeFrameCanonicalOrder(t *testing.T) {
	id := int64(12)
	events, ok, err := DecodeFrame(`data: {"done":true,"content":"tail","tool_end":"b","tool_start":"a","session_id":12}`)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []Event{
		ToolStart{Name: "a"},
		ToolEnd{Name: "b"},
		ContentChunk{Text: "tail"},
		Done{SessionID: &id},
	}, events)
}

func TestDecodeFrameErrorBeforeDone(t *testing.T) {
	events, _, err := DecodeFrame(`data: {"error":"quota exceeded","done":true}`)
	require.NoError(t, err)
	require.Equal(t, []Event{ErrorReported{Message: "quota exceeded"}, Done{}}, events)
}

func TestDecodeFrameNoKnownKeysIsNoop(t *testing.T) {
	events, ok, err := DecodeFrame(`data: {"unknown":1,"done":false,"content":""}`)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, events)
}

func TestDecodeFrameMalformedPayload(t *testing.T) {
	for _, frame := range []string{
		`data: {"content": "unterminated`,
		`data:`,
		`data: null`,
		`data: [1,2]`,
		`data: {"content": 5}`,
	} {
		_, ok, err := DecodeFrame(frame)
		require.True(t, ok, frame)
		var decodeErr *FrameDecodeError
		require.ErrorAs(t, err, &decodeErr, frame)
		require.Contains(t, decodeErr.Error(), "decode frame")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// 119 ASCII bytes then a three-byte rune straddles the 120 byte cut.
	frame := "data: {" + strings.Repeat("a", 112) + strings.Repeat("€", 20)
	got := truncate(frame, 120)
	require.True(t, utf8.ValidString(got), got)
	require.Equal(t, frame[:119]+"...", got)

	require.Equal(t, "short", truncate("short", 120))
	require.Equal(t, "...", truncate("€€", 2))

	_, ok, err := DecodeFrame(frame)
	require.True(t, ok)
	require.NotContains(t, err.Error(), `\x`)
}

func TestEncodeFrameRoundTripsThroughReassembler(t *testing.T) {
	id := int64(4)
	var stream []byte
	for _, ev := range []Event{ToolStart{Name: "list_tasks"}, ContentChunk{Text: "héllo\n\nworld"}, Done{SessionID: &id}} {
		frame, err := EncodeFrame(PayloadOf(ev))
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	var got []Event
	for _, frame := range frames.Split(stream) {
		events, ok, err := DecodeFrame(frame)
		require.NoError(t, err)
		if ok {
			got = append(got, events...)
		}
	}
	require.Equal(t, []Event{ToolStart{Name: "list_tasks"}, ContentChunk{Text: "héllo\n\nworld"}, Done{SessionID: &id}}, got)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "tool_start", ToolStart{}.Kind().String())
	require.Equal(t, "done", Done{}.Kind().String())
	require.Equal(t, "kind(42)", Kind(42).String())
}
