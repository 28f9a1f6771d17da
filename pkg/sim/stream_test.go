package sim

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestFrameReaderExactRead(t *testing.T) {
	r := NewFrameReader(bytes.NewReader([]byte{1, 2, 3, 4, 5}), 8)

	got := r.Read(3)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("unexpected read: %v", got)
	}
	got = r.Read(2)
	if !bytes.Equal(got, []byte{4, 5}) {
		t.Fatalf("unexpected read: %v", got)
	}
}

func TestFrameReaderShortReadOnClose(t *testing.T) {
	r := NewFrameReader(bytes.NewReader([]byte{1, 2}), 8)

	got := r.Read(5)
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("expected short read with remaining bytes, got %v", got)
	}
	if got = r.Read(1); len(got) != 0 {
		t.Fatalf("expected empty read after close, got %v", got)
	}
}

func TestFrameReaderBlocksUntilAvailable(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewFrameReader(pr, 8)

	done := make(chan []byte, 1)
	go func() {
		done <- r.Read(4)
	}()

	// Two partial writes must be joined into one exact read.
	if _, err := pw.Write([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := pw.Write([]byte{0xCC, 0xDD}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case got := <-done:
		if !bytes.Equal(got, []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
			t.Fatalf("unexpected read: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("read did not complete")
	}
	_ = pw.Close()
}

func TestFrameReaderHistoryWraps(t *testing.T) {
	r := NewFrameReader(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7}), 4)

	_ = r.Read(7)
	hist := r.History()
	if !bytes.Equal(hist, []byte{4, 5, 6, 7}) {
		t.Fatalf("unexpected history: %v", hist)
	}
}

func TestFrameReaderHistoryPartialFill(t *testing.T) {
	r := NewFrameReader(bytes.NewReader([]byte{9, 8}), 16)

	_ = r.Read(2)
	hist := r.History()
	if !bytes.Equal(hist, []byte{9, 8}) {
		t.Fatalf("unexpected history: %v", hist)
	}
}
