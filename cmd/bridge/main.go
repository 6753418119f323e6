// Command rbms-bridge subscribes to node telemetry on the message bus
// and writes it to the time-series store in batches.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rbms/relay/internal/bridge"
	"github.com/rbms/relay/internal/bus"
	"github.com/rbms/relay/internal/config"
	"github.com/rbms/relay/internal/health"
	"github.com/rbms/relay/internal/logger"
	"github.com/rbms/relay/internal/metrics"
	"github.com/rbms/relay/internal/storage"
)

const (
	service         = "rbms-bridge"
	shutdownTimeout = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configPath, config.RoleBridge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", service, err)
		return 1
	}

	// Init logger
	logger.Init(cfg.Logging, service)
	log.Info().
		Str("broker", cfg.MQTT.BrokerURL()).
		Str("influx", cfg.Influx.Addr()).
		Str("database", cfg.Influx.Database).
		Str("filter", bus.Filter(cfg.MQTT.Namespace)).
		Msg("starting rbms bridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &metrics.BridgeStats{}
	reg := metrics.NewRegistry()
	if err := stats.Register(reg); err != nil {
		log.Error().Err(err).Msg("registering metrics")
		return 1
	}

	//------------------------------------------
	// POINT STORE
	//------------------------------------------
	store, err := storage.NewStore(cfg.Influx)
	if err != nil {
		log.Error().Err(err).Msg("creating influx client")
		return 1
	}
	defer store.Close()

	if err := store.Ping(); err != nil {
		log.Error().Err(err).Msg("influx not reachable")
		return 1
	}
	if err := store.Setup(); err != nil {
		log.Error().Err(err).Msg("influx setup failed")
		return 1
	}
	stats.StoreHealthy.Store(true)

	//------------------------------------------
	// PIPELINE + SUBSCRIBER
	//------------------------------------------
	pipeline := bridge.NewPipeline(cfg.MQTT.Namespace, cfg.Buffer, cfg.Logging.StatsInterval(), store, stats)

	sub, err := bus.NewSubscriber(cfg.MQTT, pipeline.Deliver, stats.BusConnected.Store)
	if err != nil {
		log.Error().Err(err).Msg("creating mqtt client")
		return 1
	}

	healthSrv := health.New(cfg.Health.Addr, reg)
	healthSrv.AddCheck("bus_connected", stats.BusConnected.Load)
	healthSrv.AddCheck("store_ok", stats.StoreHealthy.Load)

	if err := healthSrv.Listen(); err != nil {
		log.Error().Err(err).Msg("health endpoint unavailable")
		return 1
	}
	go func() {
		if err := healthSrv.Serve(); err != nil {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	// The pipeline outlives the signal context: it must keep draining
	// until the subscriber is gone, then flush.
	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()

	g, gctx := errgroup.WithContext(ctx)
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- pipeline.Run(pipeCtx) }()

	if err := sub.Start(ctx); err != nil {
		log.Error().Err(err).Msg("mqtt connect failed")
		stopPipeline()
		<-pipelineDone
		return 1
	}

	g.Go(func() error {
		<-gctx.Done()
		healthSrv.SetRunning(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return healthSrv.Shutdown(shutdownCtx)
	})
	healthSrv.SetRunning(true)
	log.Info().Str("addr", healthSrv.Addr()).Msg("health endpoint running")

	//------------------------------------------
	// WAIT + SHUTDOWN
	//------------------------------------------
	<-gctx.Done()
	if ctx.Err() != nil {
		log.Warn().Msg("shutdown signal received")
	}

	code := 0
	sub.Stop()
	stopPipeline()

	select {
	case err := <-pipelineDone:
		if errors.Is(err, bridge.ErrUnflushed) {
			log.Error().Err(err).Msg("shutdown lost buffered points")
			code = 2
		}
	case <-time.After(shutdownTimeout):
		log.Error().Dur("timeout", shutdownTimeout).Msg("pipeline did not stop in time")
		code = 2
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("health server stopped on error")
		code = 2
	}
	log.Info().Int("exit_code", code).Msg("bridge stopped")
	return code
}
