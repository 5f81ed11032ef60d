// Package main is the entry point for the VXI-11 protocol gateway.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nexus-edge/vxi11-gateway/internal/api"
	"github.com/nexus-edge/vxi11-gateway/internal/config"
	"github.com/nexus-edge/vxi11-gateway/internal/engine"
	"github.com/nexus-edge/vxi11-gateway/internal/health"
	"github.com/nexus-edge/vxi11-gateway/internal/metrics"
	"github.com/nexus-edge/vxi11-gateway/internal/portmapper"
	"github.com/nexus-edge/vxi11-gateway/internal/rpc"
	"github.com/nexus-edge/vxi11-gateway/pkg/logging"
)

const (
	serviceName    = "vxi11-gateway"
	serviceVersion = "1.0.0"
)

// Exit codes per spec.md §6.
const (
	exitOK          = 0
	exitConfigError = 2
	exitBindError   = 3
	exitPortmapper  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.New(serviceName, serviceVersion).Error().Err(err).Msg("failed to load configuration")
		return exitConfigError
	}

	hub := api.NewHub()
	log := logging.NewWithWriter(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	}, hub)
	log.Info().Str("environment", cfg.Environment).Msg("configuration loaded")

	metricsRegistry := metrics.NewRegistry()

	eng := engine.New(nil, log.With().Str("component", "engine").Logger())
	eng.SetMetrics(metricsRegistry)

	handlers := api.NewHandlers(eng, cfg.DevicesConfigPath, hub, log)
	if err := handlers.LoadAndApply(); err != nil {
		log.Error().Err(err).Msg("failed to load device configuration")
		return exitConfigError
	}

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("devices_loaded", health.NewDevicesLoadedCheck(handlers.LastReloadError))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	if err != nil {
		log.Error().Err(err).Msg("failed to bind vxi-11 listener")
		return exitBindError
	}
	listenerClosed := false
	healthChecker.AddCheck("vxi11_listener", health.NewListenerCheck(func() bool { return listenerClosed }))

	rpcServer := &rpc.Server{
		Handler: eng,
		Logger:  log.With().Str("component", "rpc").Logger(),
		Metrics: metricsRegistry,
	}
	go func() {
		if err := rpcServer.Serve(ctx, ln); err != nil {
			listenerClosed = true
			log.Error().Err(err).Msg("vxi-11 listener stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("vxi-11 listener started")

	var pmap *portmapper.Server
	if cfg.Server.PortmapperEnabled {
		pmap = &portmapper.Server{
			Host:    cfg.Server.Host,
			Port:    111,
			VXIPort: cfg.Server.Port,
			Logger:  log.With().Str("component", "portmapper").Logger(),
		}
		pmap.Start(ctx)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, handlers, healthChecker, hub, log)
		apiServer.Start()
	}

	log.Info().
		Int("vxi11_port", cfg.Server.Port).
		Bool("portmapper_enabled", cfg.Server.PortmapperEnabled).
		Bool("api_enabled", cfg.API.Enabled).
		Msg("vxi11-gateway started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received, initiating graceful shutdown")

	cancel()
	listenerClosed = true

	if pmap != nil {
		pmap.Stop()
	}
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error stopping management api server")
		}
	}

	log.Info().Msg("vxi11-gateway shutdown complete")
	return exitOK
}
