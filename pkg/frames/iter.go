package frames

import (
	"io"
	"iter"
)

// DefaultChunkSize is the read size used by Frames when none is given.
const DefaultChunkSize = 4096

// Frames returns a lazy sequence of frames read from r. Each read of r is a
// suspension point; all frames completed by a read are yielded before the
// next read. On a clean end of stream the undelimited remainder is yielded as
// a final frame. A read error other than io.EOF is yielded once and ends the
// sequence. Stopping the iteration early stops reading.
func Frames(r io.Reader, chunkSize int) iter.Seq2[string, error] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return func(yield func(string, error) bool) {
		ra := NewReassembler()
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, frame := range ra.Push(buf[:n]) {
					if !yield(frame, nil) {
						return
					}
				}
			}
			if err == io.EOF {
				for _, frame := range ra.Finish() {
					if !yield(frame, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}

// Split reassembles an already complete payload. It is equivalent to pushing
// data as a single chunk followed by Finish.
func Split(data []byte) []string {
	ra := NewReassembler()
	out := ra.Push(data)
	return append(out, ra.Finish()...)
}
