// Package config loads the worker process's bootstrap configuration: the
// handful of settings needed before any per-stream Worker exists (STS URL,
// media server base, log level, metrics listen address). Per-stream
// settings stay a plain model.WorkerConfig struct built by whoever starts
// a stream; this package never touches that.
//
// Grounded on tomtom215-lyrebirdaudio-go's internal/config/koanf.go:
// yaml file + env var provider chain, env vars overriding the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix stripped from environment variable overrides,
// e.g. WORKER_LOG_LEVEL overrides log_level.
const EnvPrefix = "WORKER"

// Bootstrap is the worker process's startup configuration.
type Bootstrap struct {
	STSURL          string        `yaml:"sts_url" koanf:"sts_url"`
	MediaBaseURL    string        `yaml:"media_base_url" koanf:"media_base_url"`
	LogLevel        string        `yaml:"log_level" koanf:"log_level"`
	LogFormat       string        `yaml:"log_format" koanf:"log_format"`
	MetricsAddr     string        `yaml:"metrics_addr" koanf:"metrics_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
	RestartDelay    time.Duration `yaml:"restart_delay" koanf:"restart_delay"`
}

// DefaultBootstrap returns the built-in defaults, used when no YAML file
// is present and no env var overrides a field.
func DefaultBootstrap() Bootstrap {
	return Bootstrap{
		STSURL:          "ws://localhost:8000/ws/stream",
		MediaBaseURL:    "rtmp://localhost:1935",
		LogLevel:        "info",
		LogFormat:       "json",
		MetricsAddr:     ":9090",
		ShutdownTimeout: 10 * time.Second,
		RestartDelay:    time.Second,
	}
}

// Validate checks the invariants Bootstrap needs before cmd/worker starts
// the supervisor.
func (b Bootstrap) Validate() error {
	if b.STSURL == "" {
		return fmt.Errorf("config: sts_url must not be empty")
	}
	if b.MediaBaseURL == "" {
		return fmt.Errorf("config: media_base_url must not be empty")
	}
	if b.MetricsAddr == "" {
		return fmt.Errorf("config: metrics_addr must not be empty")
	}
	return nil
}

// Load builds a Bootstrap from built-in defaults, an optional YAML file at
// path (skipped if path is empty), and WORKER_ prefixed environment
// variables, in that increasing order of precedence. koanf only ever sees
// the file and env layers; defaults survive because Unmarshal decodes onto
// a struct already holding them and only overwrites keys actually present
// in a source.
func Load(path string) (Bootstrap, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Bootstrap{}, fmt.Errorf("config: load yaml file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix + "_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix+"_")
			return strings.ToLower(key), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Bootstrap{}, fmt.Errorf("config: load env vars: %w", err)
	}

	b := DefaultBootstrap()
	if err := k.Unmarshal("", &b); err != nil {
		return Bootstrap{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Bootstrap{}, err
	}
	return b, nil
}
