// Package config loads the reqflow-proxy runtime configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/reqflow/pkg/batch"
	"github.com/Sternrassler/reqflow/pkg/cache"
	"github.com/Sternrassler/reqflow/pkg/client"
	"github.com/Sternrassler/reqflow/pkg/logging"
	"github.com/Sternrassler/reqflow/pkg/network"
	"github.com/Sternrassler/reqflow/pkg/queue"
	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/Sternrassler/reqflow/pkg/retry"
	"github.com/Sternrassler/reqflow/pkg/transport"
)

// Config is the effective proxy configuration.
type Config struct {
	Listen   ListenConfig   `koanf:"listen"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Logging  LoggingConfig  `koanf:"logging"`
	Cache    CacheConfig    `koanf:"cache"`
	Queue    QueueConfig    `koanf:"queue"`
	Retry    RetryConfig    `koanf:"retry"`
	Batch    BatchConfig    `koanf:"batch"`
	Probe    ProbeConfig    `koanf:"probe"`
}

// ListenConfig is the proxy listener.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// UpstreamConfig describes the proxied API.
type UpstreamConfig struct {
	BaseURL   string        `koanf:"baseURL"`
	Timeout   time.Duration `koanf:"timeout"`
	UserAgent string        `koanf:"userAgent"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	Size int           `koanf:"size"`
	TTL  time.Duration `koanf:"ttl"`
}

// QueueConfig controls admission.
type QueueConfig struct {
	MaxConcurrent int  `koanf:"maxConcurrent"`
	Offline       bool `koanf:"offline"`
}

// RetryConfig is the default retry policy.
type RetryConfig struct {
	Max         int           `koanf:"max"`
	Delay       time.Duration `koanf:"delay"`
	Incremental bool          `koanf:"incremental"`
}

// BatchConfig controls request coalescing.
type BatchConfig struct {
	Window   time.Duration `koanf:"window"`
	MaxSize  int           `koanf:"maxSize"`
	Endpoint string        `koanf:"endpoint"`
}

// ProbeConfig enables connectivity probing when URL is set.
type ProbeConfig struct {
	URL      string        `koanf:"url"`
	Interval time.Duration `koanf:"interval"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	policy := retry.DefaultPolicy()
	return Config{
		Listen: ListenConfig{Address: "0.0.0.0", Port: 8080},
		Upstream: UpstreamConfig{
			Timeout:   transport.DefaultTimeout,
			UserAgent: transport.DefaultUserAgent,
		},
		Logging: LoggingConfig{Level: string(logging.LevelInfo)},
		Cache:   CacheConfig{Size: cache.DefaultCapacity, TTL: cache.DefaultTTL},
		Queue:   QueueConfig{MaxConcurrent: queue.DefaultMaxConcurrent, Offline: true},
		Retry:   RetryConfig{Max: policy.MaxRetries, Delay: policy.Delay},
		Batch: BatchConfig{
			Window:   batch.DefaultWindow,
			MaxSize:  batch.DefaultMaxSize,
			Endpoint: batch.DefaultEndpoint,
		},
		Probe: ProbeConfig{Interval: network.DefaultProbeInterval},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: listen.port %d out of range", c.Listen.Port))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("config: upstream.baseURL is required"))
	} else if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("config: upstream.baseURL %q must be an absolute URL", c.Upstream.BaseURL))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, fmt.Errorf("config: cache.size must be >= 0 (got %d)", c.Cache.Size))
	}
	if c.Queue.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("config: queue.maxConcurrent must be >= 0 (got %d)", c.Queue.MaxConcurrent))
	}
	if c.Retry.Max < 0 {
		errs = append(errs, fmt.Errorf("config: retry.max must be >= 0 (got %d)", c.Retry.Max))
	}
	if c.Batch.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("config: batch.maxSize must be >= 0 (got %d)", c.Batch.MaxSize))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// TransportConfig returns the upstream transport settings.
func (c Config) TransportConfig() transport.Config {
	return transport.Config{Timeout: c.Upstream.Timeout, UserAgent: c.Upstream.UserAgent}
}

// LoggingSetup returns the logger settings.
func (c Config) LoggingSetup() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}

// ClientConfig maps the settings onto an orchestrator configuration.
func (c Config) ClientConfig(tr client.Transport) client.Config {
	cfg := client.DefaultConfig(tr)
	cfg.Defaults = request.Defaults{BaseURL: c.Upstream.BaseURL}
	cfg.MaxCacheSize = c.Cache.Size
	cfg.CacheTTL = c.Cache.TTL
	cfg.MaxConcurrent = c.Queue.MaxConcurrent
	cfg.EnableOfflineQueue = c.Queue.Offline
	cfg.Retry = request.RetryPolicy{
		MaxRetries:  c.Retry.Max,
		Delay:       c.Retry.Delay,
		Incremental: c.Retry.Incremental,
	}
	cfg.BatchWindow = c.Batch.Window
	cfg.BatchMaxSize = c.Batch.MaxSize
	cfg.BatchEndpoint = c.Batch.Endpoint
	return cfg
}

// ProbeEnabled reports whether connectivity probing is configured.
func (c Config) ProbeEnabled() bool {
	return c.Probe.URL != ""
}

// NetworkProbe returns the probe settings.
func (c Config) NetworkProbe() network.ProbeConfig {
	return network.ProbeConfig{URL: c.Probe.URL, Interval: c.Probe.Interval}
}
