package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skypro1111/voice-bridge-service/internal/agent"
	"github.com/skypro1111/voice-bridge-service/internal/audio"
	"github.com/skypro1111/voice-bridge-service/internal/config"
	"github.com/skypro1111/voice-bridge-service/internal/metrics"
	"github.com/skypro1111/voice-bridge-service/internal/server"
	"github.com/skypro1111/voice-bridge-service/internal/session"
	"github.com/skypro1111/voice-bridge-service/internal/telephony"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-bridge-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	interactive := flag.Bool("interactive", false, "Enable the q-to-hang-up console watcher")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.Address),
		slog.String("public_host", cfg.Server.PublicHost),
		slog.String("stream_path", cfg.Server.StreamPath),
		slog.Int("agent_input_rate", cfg.Audio.AgentInputRate),
		slog.Int("agent_output_rate", cfg.Audio.AgentOutputRate),
		slog.Int("keepalive_interval", cfg.Session.KeepaliveInterval),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	transcoder := audio.NewTranscoder(audio.Config{
		TelephonyRate:   cfg.Audio.TelephonySampleRate,
		AgentInputRate:  cfg.Audio.AgentInputRate,
		AgentOutputRate: cfg.Audio.AgentOutputRate,
		MinFrameBytes:   cfg.Audio.MinFrameBytes,
	})

	registry := session.NewRegistry(logger)
	dialer := agent.NewDialer(cfg.Agent, logger)
	telClient := telephony.NewClient(cfg.Telephony, logger)

	srv := server.New(cfg, logger, registry, dialer, transcoder, telClient, appMetrics)
	if err := srv.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *interactive {
		go consoleWatcher(logger, registry, telClient, srv)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
}

// consoleWatcher ends the active call and drains all sessions when the
// operator types 'q'. Console input is an out-of-band termination signal;
// it never touches the relay path directly.
func consoleWatcher(logger *slog.Logger, registry *session.Registry,
	telClient *telephony.Client, srv *server.Server) {

	fmt.Println("Press 'q' + Enter at any time to end the call.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if strings.TrimSpace(strings.ToLower(scanner.Text())) != "q" {
			continue
		}

		logger.Info("Termination requested from console")

		if sid := srv.LastCallSID(); sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := telClient.Complete(ctx, sid); err != nil {
				logger.Warn("Failed to complete call",
					slog.String("call_sid", sid),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}

		registry.CloseAll()
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
