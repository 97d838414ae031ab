package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/openwhisper/transcriber/internal/config"
	"github.com/openwhisper/transcriber/internal/engine"
	"github.com/openwhisper/transcriber/internal/models"
	"github.com/openwhisper/transcriber/internal/search"
	"github.com/openwhisper/transcriber/internal/session"
	"github.com/openwhisper/transcriber/internal/store"
	"github.com/openwhisper/transcriber/internal/summary"
	"github.com/openwhisper/transcriber/internal/telemetry"
)

// app holds the long-lived collaborators shared by every command.
type app struct {
	cfg        config.Config
	log        *slog.Logger
	store      *store.SQLiteStore
	index      *search.Index
	summarizer *summary.OpenAISummarizer
	registry   *engine.Registry
	key        engine.Key
	finalizer  *session.Finalizer
	metrics    *telemetry.Recorder
	runner     *session.Runner
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a := &app{cfg: cfg, log: logger}

	st, err := store.Open(ctx, cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	idx, err := search.Open(cfg.Storage.IndexPath, logger)
	if err != nil {
		// Search is optional; sessions are still stored.
		logger.Warn("search index unavailable", "path", cfg.Storage.IndexPath, "error", err)
	} else {
		a.index = idx
	}

	sum, err := summary.New(cfg.LLM, &http.Client{Timeout: 2 * time.Minute}, logger)
	switch {
	case errors.Is(err, summary.ErrDisabled):
		logger.Info("llm summaries disabled")
	case err != nil:
		logger.Warn("llm client unavailable", "error", err)
	default:
		a.summarizer = sum
	}

	manager, err := models.NewManager(cfg.DataDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	factory := engine.New(cfg, manager, logger)
	a.key = factory.DefaultKey()
	a.registry = engine.NewRegistry(factory, logger)

	// Typed nils would defeat the finalizer's optional checks.
	var (
		indexer    session.Indexer
		summarizer session.Summarizer
	)
	if a.index != nil {
		indexer = a.index
	}
	if a.summarizer != nil {
		summarizer = a.summarizer
	}
	a.metrics = telemetry.NewRecorder(logger)
	a.finalizer = session.NewFinalizer(a.store, indexer, summarizer, cfg.LLM.AutoSummarize, logger)
	a.runner = session.NewRunner(cfg, a.registry, a.key, a.finalizer, a.metrics, logger)
	return a, nil
}

// warm loads the default model so the first session does not pay for it.
func (a *app) warm(ctx context.Context) error {
	started := time.Now()
	h, err := a.registry.Acquire(ctx, a.key)
	if err != nil {
		return err
	}
	defer h.Release()
	a.log.Info("model loaded", "model", h.Key().String(), "device", h.Device(), "elapsed", time.Since(started))
	return nil
}

// Close waits for pending summaries and releases every resource.
func (a *app) Close() {
	if a.finalizer != nil {
		a.finalizer.Wait()
	}
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.log.Warn("failed to close model registry", "error", err)
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.log.Warn("failed to close search index", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close store", "error", err)
		}
	}
	if snapshot := a.metrics.Snapshot(); snapshot.TotalSessions > 0 {
		a.log.Info("telemetry totals",
			"total_sessions", snapshot.TotalSessions,
			"failed_sessions", snapshot.FailedSessions,
			"total_windows", snapshot.TotalWindows,
			"total_deltas", snapshot.TotalDeltas,
			"total_discarded", snapshot.TotalDiscarded,
			"total_hallucinations", snapshot.TotalHallucinations,
			"total_bytes", snapshot.TotalBytes,
		)
	}
}
