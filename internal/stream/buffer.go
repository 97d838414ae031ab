// Package stream turns a PCM16 byte stream into quality-filtered transcript
// deltas: window buffering with overlap, segment filtering, hallucination
// suppression and prompt continuity.
package stream

import "sync"

// Buffer accumulates PCM16 bytes between inference windows. Append and Drain
// may be called from different goroutines.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	fresh   int
	overlap int
}

// NewBuffer returns a buffer retaining overlap bytes across windows.
func NewBuffer(overlap int) *Buffer {
	if overlap < 0 {
		overlap = 0
	}
	overlap -= overlap % 2
	return &Buffer{overlap: overlap}
}

// Append adds a chunk. The chunk is copied.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.fresh += len(p)
	b.mu.Unlock()
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Fresh returns the bytes appended since the last Drain.
func (b *Buffer) Fresh() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fresh
}

// Drain returns the buffered audio as a window. The window always holds
// whole samples: an odd trailing byte is carried into the next window, or
// dropped on a final drain. Unless final is set, the trailing
// min(overlap, len) bytes of the window are kept for the next one; a final
// drain empties the buffer.
func (b *Buffer) Drain(final bool) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.data)
	odd := n % 2
	window := make([]byte, n-odd)
	copy(window, b.data)
	b.fresh = 0

	if final {
		b.data = b.data[:0]
		return window
	}
	keep := b.overlap
	if keep > len(window) {
		keep = len(window)
	}
	keep += odd
	if keep == 0 {
		b.data = b.data[:0]
		return window
	}
	// Copy so the backing array of older windows can be released.
	b.data = append([]byte(nil), b.data[n-keep:]...)
	return window
}

// Reset discards all buffered audio.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.data = nil
	b.fresh = 0
	b.mu.Unlock()
}
