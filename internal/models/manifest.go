// Package models manages the ggml model files used by the native engine.
package models

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

//go:embed embedded_manifest.json
var embeddedManifest []byte

// Variant describes one downloadable model file.
type Variant struct {
	File      string `json:"file"`
	URL       string `json:"url"`
	SHA256    string `json:"sha256,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Manifest maps model sizes to downloadable variants.
type Manifest struct {
	Default  string             `json:"default"`
	Variants map[string]Variant `json:"variants"`
}

// DefaultManifest returns the manifest compiled into the binary.
func DefaultManifest() (Manifest, error) {
	return LoadManifest(bytes.NewReader(embeddedManifest))
}

// LoadManifest decodes a manifest and fills missing file names.
func LoadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("models: decode manifest: %w", err)
	}
	if len(m.Variants) == 0 {
		return Manifest{}, errors.New("models: manifest is empty")
	}
	for name, v := range m.Variants {
		if v.File == "" {
			v.File = FileName(name)
			m.Variants[name] = v
		}
	}
	return m, nil
}

// Names lists the variants in stable order.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m.Variants))
	for name := range m.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup finds a variant by name, accepting "ggml-small.bin" style names.
func (m Manifest) Lookup(name string) (Variant, bool) {
	key := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(name), "ggml-"), ".bin")
	if key == "" {
		key = m.Default
	}
	v, ok := m.Variants[key]
	return v, ok
}

// FileName maps a model size to the ggml file name.
func FileName(name string) string {
	normalized := strings.TrimSpace(name)
	if !strings.HasSuffix(normalized, ".bin") {
		normalized += ".bin"
	}
	if !strings.HasPrefix(normalized, "ggml-") {
		normalized = "ggml-" + normalized
	}
	return normalized
}
