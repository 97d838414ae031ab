package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnknownVariant is returned for sizes missing from the manifest.
var ErrUnknownVariant = errors.New("models: unknown variant")

// EnsureOptions controls EnsureVariant.
type EnsureOptions struct {
	Manifest Manifest
	// Override is an explicit model path that bypasses the manifest.
	Override string
	// Offline refuses downloads.
	Offline bool
}

// Manager keeps model files under <base>/models.
type Manager struct {
	dir    string
	client *http.Client
	log    *slog.Logger
	mu     sync.Mutex
}

// NewManager prepares the models directory below baseDir.
func NewManager(baseDir string, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("models: base directory required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(baseDir, "models")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("models: create %s: %w", dir, err)
	}
	return &Manager{
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Minute},
		log:    logger.With("component", "models.manager", "dir", dir),
	}, nil
}

// SetHTTPClient replaces the client used for downloads.
func (m *Manager) SetHTTPClient(client *http.Client) {
	if client != nil {
		m.client = client
	}
}

// ModelsDir returns the directory holding model files.
func (m *Manager) ModelsDir() string { return m.dir }

// Resolve returns override when set, otherwise the expected on-disk path for
// variant. It does not download.
func (m *Manager) Resolve(variant, override string) (string, error) {
	if path := strings.TrimSpace(override); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("models: model override %s: %w", path, err)
		}
		return path, nil
	}
	if strings.TrimSpace(variant) == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnknownVariant)
	}
	return filepath.Join(m.dir, FileName(variant)), nil
}

// EnsureVariant guarantees the model exists locally and returns its path,
// downloading it from the manifest URL when missing.
func (m *Manager) EnsureVariant(ctx context.Context, variant string, opts EnsureOptions) (string, error) {
	if strings.TrimSpace(opts.Override) != "" {
		return m.Resolve(variant, opts.Override)
	}
	v, ok := opts.Manifest.Lookup(variant)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.dir, v.File)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}
	if opts.Offline {
		return "", fmt.Errorf("models: %s missing and downloads disabled", path)
	}
	if v.URL == "" {
		return "", fmt.Errorf("models: variant %q has no download url", variant)
	}

	tmp := path + ".downloading"
	if err := m.download(ctx, v, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("models: install %s: %w", path, err)
	}
	return path, nil
}

func (m *Manager) download(ctx context.Context, v Variant, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return fmt.Errorf("models: build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("models: download %s: %w", v.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models: download %s: %s", v.URL, resp.Status)
	}

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("models: create %s: %w", dest, err)
	}
	defer file.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), resp.Body)
	if err != nil {
		return fmt.Errorf("models: write %s: %w", dest, err)
	}
	if v.SizeBytes > 0 && written != v.SizeBytes {
		return fmt.Errorf("models: size mismatch for %s: want %d, got %d", v.File, v.SizeBytes, written)
	}
	if v.SHA256 != "" {
		if sum := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(sum, v.SHA256) {
			return fmt.Errorf("models: checksum mismatch for %s", v.File)
		}
	}
	m.log.Info("downloaded whisper model", "url", v.URL, "path", dest, "bytes", written)
	return nil
}
