// Package frames turns a chunked byte stream into delimiter-bounded text frames.
//
// Frames are separated by a blank line ("\n\n"). Chunk boundaries may fall
// anywhere, including inside the delimiter or inside a multi-byte UTF-8
// sequence; the Reassembler carries both the undecoded trailing bytes and the
// undelimited trailing text across calls.
package frames

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Delimiter separates two frames on the wire.
const Delimiter = "\n\n"

const decodeBufferSize = 4096

// Reassembler is a stateful decoder for one stream. It is not safe for
// concurrent use; a stream is consumed by a single goroutine.
type Reassembler struct {
	decoder transform.Transformer
	carry   []byte
	pending strings.Builder
	buf     []byte
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		decoder: unicode.UTF8.NewDecoder(),
		buf:     make([]byte, decodeBufferSize),
	}
}

// Reset drops all buffered state so the Reassembler can be reused for a new stream.
func (r *Reassembler) Reset() {
	if r == nil {
		return
	}
	r.decoder.Reset()
	r.carry = nil
	r.pending.Reset()
}

// Push feeds one raw chunk and returns every frame completed by it, in order.
func (r *Reassembler) Push(chunk []byte) []string {
	if r == nil || len(chunk) == 0 {
		return nil
	}
	r.pending.WriteString(r.decode(chunk, false))
	return r.split()
}

// Finish flushes the decoder at end of stream. It returns the frames still
// delimited in the buffer plus the undelimited remainder, if non-empty, as a
// final possibly incomplete frame.
func (r *Reassembler) Finish() []string {
	if r == nil {
		return nil
	}
	r.pending.WriteString(r.decode(nil, true))
	out := r.split()
	if r.pending.Len() > 0 {
		out = append(out, r.pending.String())
		r.pending.Reset()
	}
	return out
}

// Buffered reports how many bytes and characters are held back waiting for more input.
func (r *Reassembler) Buffered() (bytes int, text int) {
	if r == nil {
		return 0, 0
	}
	return len(r.carry), r.pending.Len()
}

func (r *Reassembler) split() []string {
	text := r.pending.String()
	if !strings.Contains(text, Delimiter) {
		return nil
	}
	parts := strings.Split(text, Delimiter)
	r.pending.Reset()
	r.pending.WriteString(parts[len(parts)-1])
	return parts[:len(parts)-1]
}

// decode runs src through the streaming UTF-8 decoder. Bytes of an incomplete
// trailing code point are kept in carry until the next call, or replaced by
// U+FFFD when atEOF is set.
func (r *Reassembler) decode(chunk []byte, atEOF bool) string {
	src := chunk
	if len(r.carry) > 0 {
		src = append(r.carry, chunk...)
		r.carry = nil
	}

	var out strings.Builder
	for {
		nDst, nSrc, err := r.decoder.Transform(r.buf, src, atEOF)
		out.Write(r.buf[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			return out.String()
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			r.carry = append([]byte(nil), src...)
			return out.String()
		default:
			log.Warn().Err(err).Str("component", "frames").Int("bytes", len(src)).Msg("utf-8 decode failed, replacing invalid bytes")
			out.WriteString(strings.ToValidUTF8(string(src), "�"))
			r.decoder.Reset()
			return out.String()
		}
	}
}
