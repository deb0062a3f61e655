package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/reqflow/internal/config"
	"github.com/Sternrassler/reqflow/pkg/client"
	"github.com/Sternrassler/reqflow/pkg/logging"
	"github.com/Sternrassler/reqflow/pkg/network"
	"github.com/Sternrassler/reqflow/pkg/transport"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to proxy configuration file")
		envPrefix  = flag.String("env-prefix", config.EnvPrefix, "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*envPrefix, *configFile).Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Setup(cfg.LoggingSetup())
	logger := logging.NewLogger("reqflow-proxy")

	tr := transport.New(cfg.TransportConfig(), logging.NewLogger("transport"))
	clientCfg := cfg.ClientConfig(tr)
	if cfg.ProbeEnabled() {
		probe := network.NewProbe(cfg.NetworkProbe(), logging.NewLogger("network"))
		go probe.Run(ctx)
		clientCfg.Network = probe
	}

	cl, err := client.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create client")
	}
	defer cl.Close()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newMux(cl, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("upstream", cfg.Upstream.BaseURL).
		Msg("Starting reqflow proxy")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("Server terminated unexpectedly")
		os.Exit(1)
	}
	logger.Info().Msg("Server shutdown complete")
}
