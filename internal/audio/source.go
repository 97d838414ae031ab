package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSourceClosed is returned when pushing into a stopped source.
var ErrSourceClosed = errors.New("audio: source closed")

// Source delivers PCM16 chunks until it is exhausted or stopped. The channel
// returned by Chunks is closed on exhaustion; Err reports why.
type Source interface {
	Chunks() <-chan []byte
	Err() error
	Stop()
}

// ChanSource is a Source fed by Push, typically from a websocket reader.
type ChanSource struct {
	ch       chan []byte
	quit     chan struct{}
	quitOnce sync.Once
	mu       sync.Mutex
	done     bool
	err      error
}

// NewChanSource returns a source buffering up to size chunks.
func NewChanSource(size int) *ChanSource {
	if size <= 0 {
		size = 64
	}
	return &ChanSource{ch: make(chan []byte, size), quit: make(chan struct{})}
}

// Push hands a chunk to the session. It blocks while the buffer is full and
// fails once the source has been stopped.
func (s *ChanSource) Push(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrSourceClosed
	}
	select {
	case s.ch <- chunk:
		return nil
	case <-s.quit:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail stops the source with err, which is later reported by Err. A Push
// blocked on a full buffer is released first.
func (s *ChanSource) Fail(err error) {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.err = err
	s.done = true
	close(s.ch)
}

// Chunks implements Source.
func (s *ChanSource) Chunks() <-chan []byte { return s.ch }

// Err implements Source.
func (s *ChanSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop implements Source. Buffered chunks remain readable.
func (s *ChanSource) Stop() { s.Fail(nil) }

// WAVSource replays decoded samples as paced PCM16 chunks, standing in for a
// capture device.
type WAVSource struct {
	ch     chan []byte
	stop   chan struct{}
	once   sync.Once
	pacing time.Duration
}

// NewWAVSource emits samples in chunkMs slices. When realtime is false chunks
// are produced as fast as the consumer reads them.
func NewWAVSource(samples []float32, sampleRate, chunkMs int, realtime bool) *WAVSource {
	if chunkMs <= 0 {
		chunkMs = 80
	}
	src := &WAVSource{
		ch:   make(chan []byte, 8),
		stop: make(chan struct{}),
	}
	if realtime {
		src.pacing = time.Duration(chunkMs) * time.Millisecond
	}
	go src.run(Float32ToPCM16(samples), sampleRate*chunkMs/1000*BytesPerSample)
	return src
}

func (s *WAVSource) run(pcm []byte, chunkBytes int) {
	defer close(s.ch)
	if chunkBytes <= 0 {
		chunkBytes = len(pcm)
	}
	var ticker *time.Ticker
	if s.pacing > 0 {
		ticker = time.NewTicker(s.pacing)
		defer ticker.Stop()
	}
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		select {
		case s.ch <- pcm[off:end]:
		case <-s.stop:
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-s.stop:
				return
			}
		}
	}
}

// Chunks implements Source.
func (s *WAVSource) Chunks() <-chan []byte { return s.ch }

// Err implements Source.
func (s *WAVSource) Err() error { return nil }

// Stop implements Source.
func (s *WAVSource) Stop() {
	s.once.Do(func() { close(s.stop) })
}
