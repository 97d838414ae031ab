package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/openwhisper/transcriber/internal/audio"
	"github.com/openwhisper/transcriber/internal/config"
	"github.com/openwhisper/transcriber/internal/engine"
	"github.com/openwhisper/transcriber/internal/search"
	"github.com/openwhisper/transcriber/internal/store"
	"github.com/openwhisper/transcriber/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticLoader struct {
	eng engine.Engine
	err error
}

func (l staticLoader) Resolve(k engine.Key) engine.Key { return k }

func (l staticLoader) Load(_ context.Context, k engine.Key) (engine.Engine, engine.Key, error) {
	if l.err != nil {
		return nil, k, l.err
	}
	return l.eng, k, nil
}

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	sessions  map[int64]string
	ended     map[int64]float64
	segments  []store.Segment
	summaries map[int64]string

	createErr error
	endErr    error
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  map[int64]string{},
		ended:     map[int64]float64{},
		summaries: map[int64]string{},
	}
}

func (m *memStore) CreateSession(_ context.Context, mode, _, _ string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	m.sessions[m.nextID] = mode
	return m.nextID, nil
}

func (m *memStore) EndSession(_ context.Context, id int64, _ time.Time, durationS float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endErr != nil {
		return m.endErr
	}
	m.ended[id] = durationS
	return nil
}

func (m *memStore) AddSegment(_ context.Context, seg store.Segment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, seg)
	return int64(len(m.segments)), nil
}

func (m *memStore) UpdateSummary(_ context.Context, id int64, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[id] = summary
	return nil
}

func (m *memStore) storedSegments() []store.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Segment(nil), m.segments...)
}

type memIndex struct {
	mu   sync.Mutex
	docs []search.Document
	err  error
}

func (m *memIndex) IndexSession(doc search.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs = append(m.docs, doc)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	onEmit func(Event) error
}

func (l *eventLog) Emit(ev Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	hook := l.onEmit
	l.mu.Unlock()
	if hook != nil {
		return hook(ev)
	}
	return nil
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) types() []EventType {
	var out []EventType
	for _, ev := range l.all() {
		out = append(out, ev.Type)
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Language = "en"
	cfg.Transcription.BufferDurationS = 1.0
	cfg.Transcription.OverlapDurationS = 0
	cfg.Transcription.PollIntervalMs = 5
	cfg.Transcription.PostRollMs = 0
	cfg.Transcription.WindowTimeoutS = 2
	cfg.Transcription.SessionTimeoutS = 10
	return cfg
}

type fixture struct {
	runner *Runner
	eng    *engine.StubEngine
	store  *memStore
	index  *memIndex
	fin    *Finalizer
}

func newFixture(t *testing.T, cfg config.Config, loadErr error) *fixture {
	t.Helper()
	eng := engine.NewStubEngine(discardLogger(), "small")
	reg := engine.NewRegistry(staticLoader{eng: eng, err: loadErr}, discardLogger())
	t.Cleanup(func() { _ = reg.Close() })

	st := newMemStore()
	idx := &memIndex{}
	fin := NewFinalizer(st, idx, nil, false, discardLogger())
	key := engine.Key{ModelSize: "small", Device: "cpu", ComputeType: "int8"}
	return &fixture{
		runner: NewRunner(cfg, reg, key, fin, telemetry.NewRecorder(discardLogger()), discardLogger()),
		eng:    eng,
		store:  st,
		index:  idx,
		fin:    fin,
	}
}

// loudChunk is 80 ms of non-silent PCM16.
func loudChunk() []byte {
	samples := make([]float32, 1280)
	for i := range samples {
		samples[i] = 0.3
	}
	return audio.Float32ToPCM16(samples)
}

func pushChunks(t *testing.T, src *audio.ChanSource, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := src.Push(context.Background(), loudChunk()); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
}

func runAsync(run func() Result) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- run() }()
	return ch
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish")
		return Result{}
	}
}

var errBoom = errors.New("boom")
