// Command rbms-gateway listens for node datagrams on the mesh interface
// and republishes the valid ones to the message bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rbms/relay/internal/bus"
	"github.com/rbms/relay/internal/config"
	"github.com/rbms/relay/internal/health"
	"github.com/rbms/relay/internal/ingress"
	"github.com/rbms/relay/internal/logger"
	"github.com/rbms/relay/internal/metrics"
)

const (
	service         = "rbms-gateway"
	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configPath, config.RoleGateway)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", service, err)
		return 1
	}

	// Init logger
	logger.Init(cfg.Logging, service)
	log.Info().
		Str("broker", cfg.MQTT.BrokerURL()).
		Str("interface", cfg.Ingress.Interface).
		Str("group", cfg.Ingress.MulticastGroup).
		Int("port", cfg.Ingress.Port).
		Msg("starting rbms gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//------------------------------------------
	// METRICS + HEALTH
	//------------------------------------------
	stats := &metrics.GatewayStats{}
	reg := metrics.NewRegistry()
	if err := stats.Register(reg); err != nil {
		log.Error().Err(err).Msg("registering metrics")
		return 1
	}

	var busUp atomic.Bool
	healthSrv := health.New(cfg.Health.Addr, reg)
	healthSrv.AddCheck("bus_connected", busUp.Load)
	healthSrv.AddCheck("multicast_joined", stats.Joined.Load)

	if err := healthSrv.Listen(); err != nil {
		log.Error().Err(err).Msg("health endpoint unavailable")
		return 1
	}
	go func() {
		if err := healthSrv.Serve(); err != nil {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	//------------------------------------------
	// BUS PUBLISHER
	//------------------------------------------
	pub, err := bus.NewPublisher(cfg.MQTT, busUp.Store)
	if err != nil {
		log.Error().Err(err).Msg("creating mqtt client")
		return 1
	}
	if err := pub.Start(ctx, cfg.MQTT.ConnectTimeout()); err != nil {
		log.Error().Err(err).Msg("mqtt connect failed")
		return 1
	}

	//------------------------------------------
	// INGRESS LISTENER
	//------------------------------------------
	republisher := ingress.NewRepublisher(cfg.MQTT.Namespace, pub, stats)
	pub.OnFailure = republisher.PublishFailed
	listener, err := ingress.NewListener(cfg.Ingress, cfg.Logging.StatsInterval(), stats, republisher.Handle)
	if err != nil {
		log.Error().Err(err).Msg("invalid ingress configuration")
		pub.Close(0)
		return 1
	}
	if err := listener.Open(ctx); err != nil {
		log.Error().Err(err).Int("port", cfg.Ingress.Port).Msg("binding ingress socket failed")
		pub.Close(0)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		listener.Run(gctx)
		return nil
	})
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
	code := 0
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("gateway stopped on error")
		code = 2
	}
	if ctx.Err() != nil {
		log.Warn().Msg("shutdown signal received")
	}

	pub.Close(cfg.MQTT.PublishTimeout())
	log.Info().EmbedObject(stats).Msg("gateway stats")
	log.Info().Int("exit_code", code).Msg("gateway stopped")
	return code
}
