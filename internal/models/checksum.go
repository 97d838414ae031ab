package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// RefreshChecksums downloads every variant with a URL and records its size
// and SHA-256 digest. Variants that fail to download keep their previous
// values; the returned error reports the first failure.
func RefreshChecksums(ctx context.Context, client *http.Client, m Manifest, logger *slog.Logger) (Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "models.checksum")

	var firstErr error
	for _, name := range m.Names() {
		v := m.Variants[name]
		if v.URL == "" {
			log.Info("skipping variant without url", "variant", name)
			continue
		}
		log.Info("hashing variant", "variant", name, "url", v.URL)
		sum, size, err := hashURL(ctx, client, v.URL)
		if err != nil {
			log.Warn("failed to hash variant", "variant", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("models: hash %s: %w", name, err)
			}
			continue
		}
		v.SHA256 = sum
		v.SizeBytes = size
		m.Variants[name] = v
		log.Info("variant hashed", "variant", name, "size_bytes", size, "sha256", sum)
	}
	return m, firstErr
}

func hashURL(ctx context.Context, client *http.Client, url string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	hasher := sha256.New()
	n, err := io.Copy(hasher, resp.Body)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Write encodes the manifest as indented JSON.
func (m Manifest) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("models: encode manifest: %w", err)
	}
	return nil
}
