package sim

import "io"

// DefaultHistorySize bounds the rolling byte history kept for post-mortem
// dumps after a protocol violation.
const DefaultHistorySize = 500

// FrameReader is a blocking exact-size reader over the firmware's output
// pipe. Read returns fewer bytes only when the source closes; that short
// read is the read loop's sole termination signal. It is not safe for
// concurrent use; the bridge's read loop is the only reader.
type FrameReader struct {
	src     io.Reader
	history []byte
	next    int
	filled  bool
}

func NewFrameReader(src io.Reader, historySize int) *FrameReader {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &FrameReader{
		src:     src,
		history: make([]byte, historySize),
	}
}

// Read blocks until n bytes arrive or the source closes, returning what it
// got. Every byte read is recorded in the rolling history.
func (f *FrameReader) Read(n int) []byte {
	buf := make([]byte, n)
	total := 0
	for total < n {
		m, err := f.src.Read(buf[total:])
		f.record(buf[total : total+m])
		total += m
		if err != nil {
			break
		}
	}
	return buf[:total]
}

// History returns the buffered bytes oldest-first.
func (f *FrameReader) History() []byte {
	if !f.filled {
		return append([]byte(nil), f.history[:f.next]...)
	}
	out := make([]byte, 0, len(f.history))
	out = append(out, f.history[f.next:]...)
	out = append(out, f.history[:f.next]...)
	return out
}

func (f *FrameReader) record(b []byte) {
	for _, c := range b {
		f.history[f.next] = c
		f.next++
		if f.next == len(f.history) {
			f.next = 0
			f.filled = true
		}
	}
}
