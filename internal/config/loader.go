package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration from an optional YAML file and environment
// variables. Tests can override Lookup and ReadFile to inject deterministic
// inputs.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
	// Path points at a YAML file. When empty OPENWHISPER_CONFIG_FILE is used.
	Path string
}

// Load retrieves the service configuration and validates it.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := Default()

	path := strings.TrimSpace(l.Path)
	if path == "" {
		if value, ok := l.Lookup("OPENWHISPER_CONFIG_FILE"); ok {
			path = strings.TrimSpace(value)
		}
	}
	if path != "" {
		if err := l.applyYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if raw, ok := l.Lookup("OPENWHISPER_CONFIG"); ok && strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode OPENWHISPER_CONFIG: %w", err)
		}
	}

	overrideString(l.Lookup, "OPENWHISPER_LISTEN_ADDR", &cfg.ListenAddr)
	overrideString(l.Lookup, "OPENWHISPER_HEALTH_ADDR", &cfg.HealthAddr)
	overrideString(l.Lookup, "OPENWHISPER_LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "OPENWHISPER_DATA_DIR", &cfg.DataDir)
	overrideString(l.Lookup, "OPENWHISPER_LANGUAGE", &cfg.Language)
	overrideString(l.Lookup, "OPENWHISPER_ENGINE", &cfg.Engine)
	overrideString(l.Lookup, "OPENWHISPER_ENGINE_URL", &cfg.EngineURL)
	overrideString(l.Lookup, "OPENWHISPER_MODEL_PATH", &cfg.ModelPath)
	overrideString(l.Lookup, "OPENWHISPER_MODEL_SIZE", &cfg.Transcription.ModelSize)
	overrideString(l.Lookup, "OPENWHISPER_DEVICE", &cfg.Transcription.Device)
	overrideString(l.Lookup, "OPENAI_API_KEY", &cfg.LLM.APIKey)
	if err := overrideInt(l.Lookup, "OPENWHISPER_BEAM_SIZE", &cfg.Transcription.BeamSize); err != nil {
		return Config{}, err
	}
	if err := overrideInt(l.Lookup, "OPENWHISPER_THREADS", &cfg.Transcription.Threads); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l Loader) applyYAML(path string, cfg *Config) error {
	data, err := l.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if lookup == nil || target == nil {
		return
	}
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	if lookup == nil || target == nil {
		return nil
	}
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*target = parsed
	return nil
}
