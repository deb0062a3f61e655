package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment prefix read by the proxy.
const EnvPrefix = "REQFLOW"

// canonical restores camelCase keys lost to env var upper-casing.
var canonical = map[string]string{
	"upstream.baseurl":    "upstream.baseURL",
	"upstream.useragent":  "upstream.userAgent",
	"queue.maxconcurrent": "queue.maxConcurrent",
	"batch.maxsize":       "batch.maxSize",
}

// Loader resolves configuration with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a loader reading the given YAML files in order.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{envPrefix: envPrefix, files: files}
}

// Load builds and validates the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores nest (REQFLOW_CACHE__TTL -> cache.ttl).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix+"_", ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts cfg into a map for the confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"listen": map[string]any{
			"address": cfg.Listen.Address,
			"port":    cfg.Listen.Port,
		},
		"upstream": map[string]any{
			"baseURL":   cfg.Upstream.BaseURL,
			"timeout":   cfg.Upstream.Timeout.String(),
			"userAgent": cfg.Upstream.UserAgent,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"pretty": cfg.Logging.Pretty,
		},
		"cache": map[string]any{
			"size": cfg.Cache.Size,
			"ttl":  cfg.Cache.TTL.String(),
		},
		"queue": map[string]any{
			"maxConcurrent": cfg.Queue.MaxConcurrent,
			"offline":       cfg.Queue.Offline,
		},
		"retry": map[string]any{
			"max":         cfg.Retry.Max,
			"delay":       cfg.Retry.Delay.String(),
			"incremental": cfg.Retry.Incremental,
		},
		"batch": map[string]any{
			"window":   cfg.Batch.Window.String(),
			"maxSize":  cfg.Batch.MaxSize,
			"endpoint": cfg.Batch.Endpoint,
		},
		"probe": map[string]any{
			"url":      cfg.Probe.URL,
			"interval": cfg.Probe.Interval.String(),
		},
	}
}
