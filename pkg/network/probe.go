package network

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Defaults applied when ProbeConfig fields are left zero.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ProbeConfig configures an HTTP reachability probe.
type ProbeConfig struct {
	// URL is requested with HEAD; any status below 500 counts as online.
	URL string

	// Interval between probes while online.
	Interval time.Duration

	// Timeout per probe.
	Timeout time.Duration

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
}

// Probe is a Provider that polls an HTTP endpoint. While offline it re-probes
// on an exponential backoff capped at Interval.
type Probe struct {
	*broadcaster
	config ProbeConfig
	logger zerolog.Logger
}

// NewProbe creates a probe. It reports online until the first failed check.
func NewProbe(cfg ProbeConfig, logger zerolog.Logger) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Probe{
		broadcaster: newBroadcaster(true),
		config:      cfg,
		logger:      logger,
	}
}

// Check probes once and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.URL, nil)
	if err == nil {
		resp, doErr := p.config.HTTPClient.Do(req)
		if doErr == nil {
			resp.Body.Close()
			online = resp.StatusCode < http.StatusInternalServerError
		} else {
			err = doErr
		}
	}

	if p.set(online) {
		event := p.logger.Info()
		if !online {
			event = p.logger.Warn().Err(err)
		}
		event.Str("url", p.config.URL).Bool("online", online).Msg("Connectivity changed")
	}
	return online
}

// Run probes until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.Interval / 16
	bo.MaxInterval = p.config.Interval
	bo.MaxElapsedTime = 0

	for {
		wait := p.config.Interval
		if p.Check(ctx) {
			bo.Reset()
		} else {
			wait = bo.NextBackOff()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
