package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openwhisper/transcriber/internal/config"
	"github.com/openwhisper/transcriber/internal/models"
)

// Factory loads engines for the registry according to the service config.
type Factory struct {
	cfg     config.Config
	manager *models.Manager
	log     *slog.Logger

	manifest  models.Manifest
	ensure    func(ctx context.Context, variant string, opts models.EnsureOptions) (string, error)
	native    func() bool
	newNative func(path string, opts NativeOptions, logger *slog.Logger) (Engine, error)
	cuda      func() bool
}

var _ Loader = (*Factory)(nil)

// New returns a Factory. The native backend falls back to the stub engine when
// it was not compiled in.
func New(cfg config.Config, manager *models.Manager, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:       cfg,
		manager:   manager,
		log:       logger.With("component", "engine.factory"),
		native:    NativeAvailable,
		newNative: NewNativeEngine,
		cuda:      CUDAAvailable,
	}
	if manifest, err := models.DefaultManifest(); err == nil {
		f.manifest = manifest
	} else {
		f.log.Warn("embedded model manifest unavailable", "error", err)
	}
	if manager != nil {
		f.ensure = manager.EnsureVariant
	}
	return f
}

// cudaDevicePath is the control node the NVIDIA driver creates.
var cudaDevicePath = "/dev/nvidiactl"

// CUDAAvailable reports whether an NVIDIA device is visible to the process.
// CUDA_VISIBLE_DEVICES set to "" or -1 hides every device.
func CUDAAvailable() bool {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		if v = strings.TrimSpace(v); v == "" || v == "-1" {
			return false
		}
	}
	_, err := os.Stat(cudaDevicePath)
	return err == nil
}

// DefaultKey builds the registry key from the transcription config.
func (f *Factory) DefaultKey() Key {
	t := f.cfg.Transcription
	return Key{ModelSize: t.ModelSize, Device: t.Device, ComputeType: t.ComputeType}
}

// Resolve replaces "auto" components. Auto resolves to cuda/float16 and the
// large turbo model when an NVIDIA device is visible, cpu/int8 and the small
// model otherwise.
func (f *Factory) Resolve(key Key) Key {
	key.ModelSize = strings.ToLower(strings.TrimSpace(key.ModelSize))
	key.Device = strings.ToLower(strings.TrimSpace(key.Device))
	key.ComputeType = strings.ToLower(strings.TrimSpace(key.ComputeType))

	if key.Device == "" || key.Device == "auto" {
		key.Device = "cpu"
		if f.cuda != nil && f.cuda() {
			key.Device = "cuda"
		}
	}
	if key.ComputeType == "" || key.ComputeType == "auto" {
		key.ComputeType = "int8"
		if key.Device == "cuda" {
			key.ComputeType = "float16"
		}
	}
	if key.ModelSize == "" || key.ModelSize == "auto" {
		key.ModelSize = config.DefaultModel
		if key.Device == "cuda" {
			key.ModelSize = "large-v3-turbo"
		}
	}
	return key
}

// Load implements Loader. A failed CUDA load is retried once on the CPU with
// float32 compute.
func (f *Factory) Load(ctx context.Context, key Key) (Engine, Key, error) {
	eng, err := f.load(ctx, key)
	if err == nil {
		return eng, key, nil
	}
	if key.Device != "cuda" {
		return nil, key, err
	}
	f.log.Warn("cuda load failed; falling back to cpu", "error", err, "model_size", key.ModelSize)
	fallback := Key{ModelSize: key.ModelSize, Device: "cpu", ComputeType: "float32"}
	eng, err = f.load(ctx, fallback)
	if err != nil {
		return nil, fallback, err
	}
	return eng, fallback, nil
}

func (f *Factory) load(ctx context.Context, key Key) (Engine, error) {
	switch f.cfg.Engine {
	case config.EngineStub:
		f.log.Warn("stub engine forced by configuration")
		return NewStubEngine(f.log, key.ModelSize), nil
	case config.EngineHTTP:
		return NewHTTPEngine(f.cfg.EngineURL, &http.Client{Timeout: f.cfg.Transcription.WindowTimeout() + 10*time.Second}, f.log)
	}

	if !f.native() {
		f.log.Warn("native backend disabled at build time; using stub engine", "model_size", key.ModelSize)
		return NewStubEngine(f.log, key.ModelSize), nil
	}
	if f.ensure == nil {
		return nil, errors.New("engine: model manager unavailable")
	}

	modelPath, err := f.ensure(ctx, key.ModelSize, models.EnsureOptions{
		Manifest: f.manifest,
		Override: f.cfg.ModelPath,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: ensure model %q: %w", key.ModelSize, err)
	}

	native, err := f.newNative(modelPath, NativeOptions{Threads: f.cfg.Transcription.Threads}, f.log)
	if err != nil {
		f.log.Error("native engine initialisation failed", "error", err, "model_path", modelPath)
		return nil, err
	}
	f.log.Info("native engine ready", "model_path", modelPath, "device", key.Device)
	return native, nil
}
