// Package main is the entry point for the inverter fleet service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgevolt/inverter-fleet/internal/adapter/config"
	"github.com/edgevolt/inverter-fleet/internal/adapter/modbus"
	"github.com/edgevolt/inverter-fleet/internal/adapter/mqtt"
	"github.com/edgevolt/inverter-fleet/internal/api"
	"github.com/edgevolt/inverter-fleet/internal/health"
	"github.com/edgevolt/inverter-fleet/internal/metrics"
	"github.com/edgevolt/inverter-fleet/internal/service"
	"github.com/edgevolt/inverter-fleet/pkg/logging"
)

const (
	serviceName    = "inverter-fleet"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting inverter fleet service")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Device inventory
	devices, err := config.LoadDevices(cfg.DevicesConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DevicesConfigPath).Msg("Failed to load device configurations")
	}
	logger.Info().Int("count", len(devices)).Msg("Loaded device configurations")

	// Modbus fleet
	fleet, err := modbus.BuildFleet(devices, modbus.ConnConfig{
		ConnectTimeout:      cfg.Modbus.ConnectTimeout,
		SettleDelay:         cfg.Modbus.SettleDelay,
		QuietInterval:       cfg.Modbus.QuietInterval,
		MaxRetries:          cfg.Modbus.MaxRetries,
		RetryBackoff:        cfg.Modbus.RetryBackoff,
		WriteRetryBackoff:   cfg.Modbus.WriteRetryBackoff,
		ForceReconnectAfter: int32(cfg.Modbus.ForceReconnectAfter),
	}, metricsRegistry, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build device fleet")
	}
	defer fleet.Close()
	metricsRegistry.UpdateDeviceCount(len(fleet.All()), 0)

	// MQTT publisher, optional
	var publisher *mqtt.Publisher
	var sink service.SnapshotSink
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			RetainMessages: cfg.MQTT.RetainMessages,
		}, logger, metricsRegistry)
		if err := publisher.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer publisher.Disconnect()
		sink = publisher
	}

	// Orchestrator
	orchestrator := service.NewOrchestrator(fleet, service.OrchestratorConfig{
		PollInterval:         cfg.Orchestrator.PollInterval,
		DeviceTimeout:        cfg.Orchestrator.DeviceTimeout,
		CycleTimeout:         cfg.Orchestrator.CycleTimeout,
		NominalPowerRegister: cfg.Orchestrator.NominalPowerRegister,
	}, metricsRegistry, sink, logger)

	go orchestrator.Run(ctx)

	// MQTT command surface
	var cmdHandler *service.CommandHandler
	if cfg.MQTT.Enabled && cfg.Commands.Enabled {
		cmdHandler = service.NewCommandHandler(publisher.Client(), orchestrator, service.CommandConfig{
			TopicPrefix:           cfg.Commands.TopicPrefix,
			ResponseTopicPrefix:   cfg.Commands.ResponseTopicPrefix,
			WriteTimeout:          cfg.Commands.WriteTimeout,
			QoS:                   cfg.Commands.QoS,
			EnableAcknowledgement: cfg.Commands.EnableAcknowledgement,
		}, logger)
		if err := cmdHandler.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start command handler, MQTT writes disabled")
		} else {
			defer cmdHandler.Stop()
		}
	}

	// Health checks
	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("fleet", fleet)
	if publisher != nil {
		healthChecker.AddCheck("mqtt", publisher)
	}

	// HTTP server: health, metrics, diagnostics API
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	api.NewHandlers(fleet, orchestrator, logger).Register(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("devices", len(fleet.All())).
		Str("primary", fleet.PrimaryID()).
		Int("http_port", cfg.HTTP.Port).
		Msg("Inverter fleet service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")

	// Stop the orchestrator's cycle loop before tearing anything down.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("Inverter fleet service shutdown complete")
}
