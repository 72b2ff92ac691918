package audio

import (
	"bytes"
	"testing"
)

func TestNewCaptureBuffer(t *testing.T) {
	buffer := NewCaptureBuffer("sess-1")
	if buffer == nil {
		t.Fatal("NewCaptureBuffer returned nil")
	}

	if buffer.PendingBytes() != 0 {
		t.Errorf("fresh buffer should have 0 pending bytes, got %d", buffer.PendingBytes())
	}
	if buffer.TotalBytes() != 0 {
		t.Errorf("fresh buffer should have 0 total bytes, got %d", buffer.TotalBytes())
	}
}

func TestCaptureBufferAppend(t *testing.T) {
	buffer := NewCaptureBuffer("sess-1")

	if err := buffer.Append(make([]byte, 320)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := buffer.Append(make([]byte, 640)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if buffer.PendingBytes() != 960 {
		t.Errorf("expected 960 pending bytes, got %d", buffer.PendingBytes())
	}
	if buffer.TotalBytes() != 960 {
		t.Errorf("expected 960 total bytes, got %d", buffer.TotalBytes())
	}
}

func TestCaptureBufferRejectsOddLength(t *testing.T) {
	buffer := NewCaptureBuffer("sess-1")

	if err := buffer.Append(make([]byte, 321)); err == nil {
		t.Error("expected error for odd-length append")
	}

	if buffer.PendingBytes() != 0 {
		t.Error("failed append must not modify the buffer")
	}
}

func TestCaptureBufferCutChunk(t *testing.T) {
	buffer := NewCaptureBuffer("sess-1")

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := buffer.Append(data); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	cut := buffer.CutChunk(600)
	if len(cut) != 600 {
		t.Fatalf("expected 600 bytes cut, got %d", len(cut))
	}
	if !bytes.Equal(cut, data[:600]) {
		t.Error("cut bytes do not match appended prefix")
	}

	if buffer.PendingBytes() != 400 {
		t.Errorf("expected 400 bytes remaining, got %d", buffer.PendingBytes())
	}

	rest := buffer.CutChunk(600)
	if !bytes.Equal(rest, data[600:]) {
		t.Error("second cut does not match appended suffix")
	}

	if buffer.CutChunk(600) != nil {
		t.Error("cut on drained buffer should return nil")
	}
}

func TestCaptureBufferCutChunkUnbounded(t *testing.T) {
	buffer := NewCaptureBuffer("sess-1")
	buffer.Append(make([]byte, 5000))

	cut := buffer.CutChunk(0)
	if len(cut) != 5000 {
		t.Errorf("max 0 should drain everything, got %d bytes", len(cut))
	}
	if buffer.PendingBytes() != 0 {
		t.Errorf("expected empty buffer after unbounded cut, got %d", buffer.PendingBytes())
	}
}

func TestCaptureBufferCutSampleAlignment(t *testing.T) {
	buffer := NewCaptureBuffer("sess-1")
	buffer.Append(make([]byte, 100))

	// An odd max must round down to a whole sample.
	cut := buffer.CutChunk(51)
	if len(cut) != 50 {
		t.Errorf("expected sample-aligned cut of 50 bytes, got %d", len(cut))
	}
}

func TestCaptureBufferStats(t *testing.T) {
	buffer := NewCaptureBuffer("sess-1")
	buffer.Append(make([]byte, 320))
	buffer.Append(make([]byte, 320))
	buffer.CutChunk(320)

	stats := buffer.GetStats()
	if stats.SessionID != "sess-1" {
		t.Errorf("expected session sess-1, got %s", stats.SessionID)
	}
	if stats.PendingBytes != 320 {
		t.Errorf("expected 320 pending bytes, got %d", stats.PendingBytes)
	}
	if stats.TotalBytes != 640 {
		t.Errorf("expected 640 total bytes, got %d", stats.TotalBytes)
	}
	if stats.TotalAppends != 2 {
		t.Errorf("expected 2 appends, got %d", stats.TotalAppends)
	}
	if stats.LastUpdate.IsZero() {
		t.Error("last update should be set")
	}
}
