package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("engine: registry closed")

// Key identifies a loaded model.
type Key struct {
	ModelSize   string
	Device      string
	ComputeType string
}

func (k Key) String() string {
	return k.ModelSize + ":" + k.Device + ":" + k.ComputeType
}

// Loader resolves "auto" key components and loads engines for the registry.
// Load returns the key actually loaded, which differs from the request when
// the loader falls back to another device.
type Loader interface {
	Resolve(Key) Key
	Load(ctx context.Context, key Key) (Engine, Key, error)
}

type registryEntry struct {
	engine Engine
	loaded Key
	refs   int
}

// Registry owns the process-wide model cache. Sessions borrow engines through
// reference-counted handles; loading is serialized by a single lock while
// transcription on loaded engines is not.
type Registry struct {
	loader Loader
	log    *slog.Logger

	loadSem chan struct{}

	mu      sync.Mutex
	entries map[Key]*registryEntry
	closed  bool
}

// NewRegistry returns an empty registry backed by loader.
func NewRegistry(loader Loader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loader:  loader,
		log:     logger.With("component", "engine.registry"),
		loadSem: make(chan struct{}, 1),
		entries: make(map[Key]*registryEntry),
	}
}

// Handle is a borrowed reference to a loaded engine.
type Handle struct {
	reg   *Registry
	key   Key
	entry *registryEntry
	once  sync.Once
}

// Engine returns the borrowed engine.
func (h *Handle) Engine() Engine { return h.entry.engine }

// Device reports the device the model was actually loaded on.
func (h *Handle) Device() string { return h.entry.loaded.Device }

// Key returns the resolved key the handle was acquired with.
func (h *Handle) Key() Key { return h.key }

// Release returns the reference. Calling it more than once is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.reg.mu.Lock()
		defer h.reg.mu.Unlock()
		if h.entry.refs > 0 {
			h.entry.refs--
		}
	})
}

// Acquire returns a handle for key, loading the model on first use.
func (r *Registry) Acquire(ctx context.Context, key Key) (*Handle, error) {
	key = r.loader.Resolve(key)

	if h, err := r.borrow(key); h != nil || err != nil {
		return h, err
	}

	select {
	case r.loadSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.loadSem }()

	// Another caller may have finished loading while we waited.
	if h, err := r.borrow(key); h != nil || err != nil {
		return h, err
	}

	started := time.Now()
	r.log.Info("loading model", "key", key.String())
	eng, loaded, err := r.loader.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("engine: load %s: %w", key, err)
	}
	r.log.Info("model ready", "key", key.String(), "loaded", loaded.String(), "elapsed", time.Since(started))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = eng.Close()
		return nil, ErrRegistryClosed
	}
	entry := &registryEntry{engine: eng, loaded: loaded, refs: 1}
	r.entries[key] = entry
	return &Handle{reg: r, key: key, entry: entry}, nil
}

func (r *Registry) borrow(key Key) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	entry, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	entry.refs++
	return &Handle{reg: r, key: key, entry: entry}, nil
}

// Ready reports whether at least one model is loaded.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) > 0
}

// Refs reports the outstanding references for key.
func (r *Registry) Refs(key Key) int {
	key = r.loader.Resolve(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return entry.refs
	}
	return 0
}

// Evict unloads key when no handle references it and reports whether it did.
func (r *Registry) Evict(key Key) (bool, error) {
	key = r.loader.Resolve(key)
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok || entry.refs > 0 {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.entries, key)
	r.mu.Unlock()
	return true, entry.engine.Close()
}

// Close unloads every model. Outstanding handles keep working until their
// engines observe the close.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[Key]*registryEntry)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for key, entry := range entries {
		if entry.refs > 0 {
			r.log.Warn("closing model with outstanding references", "key", key.String(), "refs", entry.refs)
		}
		if err := entry.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
