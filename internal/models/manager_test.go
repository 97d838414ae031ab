package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultManifest(t *testing.T) {
	m, err := DefaultManifest()
	if err != nil {
		t.Fatalf("DefaultManifest: %v", err)
	}
	for _, name := range []string{"tiny", "small", "large-v3-turbo"} {
		v, ok := m.Lookup(name)
		if !ok {
			t.Fatalf("missing variant %q", name)
		}
		if v.File != FileName(name) {
			t.Fatalf("unexpected file for %q: %s", name, v.File)
		}
	}
	if _, ok := m.Lookup("ggml-small.bin"); !ok {
		t.Fatalf("expected lookup by file name")
	}
	if v, ok := m.Lookup(""); !ok || v.File != "ggml-small.bin" {
		t.Fatalf("expected default variant, got %+v", v)
	}
}

func TestLoadManifestRejectsEmpty(t *testing.T) {
	if _, err := LoadManifest(strings.NewReader(`{"variants":{}}`)); err == nil {
		t.Fatalf("expected error for empty manifest")
	}
}

func TestFileName(t *testing.T) {
	cases := map[string]string{
		"small":          "ggml-small.bin",
		"ggml-base.bin":  "ggml-base.bin",
		" tiny ":         "ggml-tiny.bin",
		"large-v3-turbo": "ggml-large-v3-turbo.bin",
	}
	for in, want := range cases {
		if got := FileName(in); got != want {
			t.Fatalf("FileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnsureVariantDownloadsOnce(t *testing.T) {
	payload := []byte("fake ggml weights")
	sum := sha256.Sum256(payload)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	mgr, err := NewManager(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	manifest := Manifest{Variants: map[string]Variant{
		"tiny": {File: "ggml-tiny.bin", URL: srv.URL + "/ggml-tiny.bin", SHA256: hex.EncodeToString(sum[:]), SizeBytes: int64(len(payload))},
	}}

	for i := 0; i < 2; i++ {
		path, err := mgr.EnsureVariant(context.Background(), "tiny", EnsureOptions{Manifest: manifest})
		if err != nil {
			t.Fatalf("EnsureVariant: %v", err)
		}
		if path != filepath.Join(mgr.ModelsDir(), "ggml-tiny.bin") {
			t.Fatalf("unexpected path %s", path)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single download, got %d", hits.Load())
	}
	if _, err := os.Stat(filepath.Join(mgr.ModelsDir(), "ggml-tiny.bin.downloading")); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}
}

func TestEnsureVariantChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	mgr, err := NewManager(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	manifest := Manifest{Variants: map[string]Variant{
		"tiny": {File: "ggml-tiny.bin", URL: srv.URL, SHA256: strings.Repeat("0", 64)},
	}}
	if _, err := mgr.EnsureVariant(context.Background(), "tiny", EnsureOptions{Manifest: manifest}); err == nil {
		t.Fatalf("expected checksum error")
	}
	if _, err := os.Stat(filepath.Join(mgr.ModelsDir(), "ggml-tiny.bin")); !os.IsNotExist(err) {
		t.Fatalf("model installed despite checksum mismatch")
	}
}

func TestEnsureVariantUnknownAndOffline(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	manifest, _ := DefaultManifest()
	if _, err := mgr.EnsureVariant(context.Background(), "gigantic", EnsureOptions{Manifest: manifest}); !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	if _, err := mgr.EnsureVariant(context.Background(), "tiny", EnsureOptions{Manifest: manifest, Offline: true}); err == nil {
		t.Fatalf("expected offline error")
	}
}

func TestResolveOverride(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	override := filepath.Join(dir, "custom.bin")
	if err := os.WriteFile(override, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	path, err := mgr.EnsureVariant(context.Background(), "small", EnsureOptions{Override: override})
	if err != nil || path != override {
		t.Fatalf("expected override path, got %q %v", path, err)
	}
	if _, err := mgr.Resolve("small", filepath.Join(dir, "missing.bin")); err == nil {
		t.Fatalf("expected error for missing override")
	}
}
