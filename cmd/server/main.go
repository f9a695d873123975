package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voip-relay-service/internal/audio"
	"github.com/skypro1111/voip-relay-service/internal/config"
	"github.com/skypro1111/voip-relay-service/internal/metrics"
	"github.com/skypro1111/voip-relay-service/internal/playback"
	"github.com/skypro1111/voip-relay-service/internal/playback/portaudio"
	"github.com/skypro1111/voip-relay-service/internal/protocol"
	"github.com/skypro1111/voip-relay-service/internal/server"
	"github.com/skypro1111/voip-relay-service/internal/session"
	"github.com/skypro1111/voip-relay-service/internal/snapshot"
	"github.com/skypro1111/voip-relay-service/internal/stream"
)

const (
	serviceName    = "voip-relay-service"
	serviceVersion = "1.0.0"

	shutdownTimeout = 10 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults when empty)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("uplink_port", cfg.Server.UplinkPort),
		slog.Int("downlink_port", cfg.Server.DownlinkPort),
		slog.Bool("snapshot_enabled", cfg.Server.SnapshotEnabled),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("queue_capacity", cfg.Audio.QueueCapacity),
		slog.Int("waveform_points", cfg.Audio.WaveformPoints),
		slog.String("audio_output", cfg.Audio.Output),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Prometheus metrics on a dedicated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	state := session.NewState(cfg.Session.DefaultUsername, cfg.Session.GetDefaultSource())
	appMetrics.SetActiveSource(state.ActiveSource())
	state.OnSourceChange(func(from, to protocol.Direction) {
		appMetrics.SetActiveSource(to)
		appMetrics.RecordSourceSwitch(to)
		logger.Info("Active source switched",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	queues := make(map[protocol.Direction]*audio.Queue, 2)
	rings := make(map[protocol.Direction]*audio.SampleRing, 2)
	for _, dir := range protocol.Directions() {
		queues[dir] = audio.NewQueue(cfg.Audio.QueueCapacity)
		rings[dir] = audio.NewSampleRing(cfg.Audio.WaveformPoints)
	}

	streamMgr := stream.NewManager(logger)

	// A listener that cannot bind is reported and skipped; the rest keep serving.
	candidates := make([]*server.AudioServer, 0, 2)
	for _, dir := range protocol.Directions() {
		candidates = append(candidates, server.NewAudioServer(server.AudioServerConfig{
			Direction:         dir,
			BindAddress:       cfg.Server.BindAddress,
			Port:              cfg.Server.Port(dir),
			ChunkSize:         cfg.Server.ChunkSize,
			ReadTimeout:       cfg.Server.GetReadTimeoutDuration(),
			MaxUsernameLength: cfg.Server.MaxUsernameLength,
		}, logger, state, queues[dir], rings[dir], streamMgr, appMetrics))
	}

	audioServers := server.StartAudioServers(candidates, logger)
	if len(audioServers) == 0 {
		return errors.New("no audio listener could be started")
	}
	defer stopAudioServers(audioServers, logger)

	var (
		snapshots      *snapshot.Store
		snapshotServer *server.SnapshotServer
	)
	if cfg.Server.SnapshotEnabled {
		store := snapshot.NewStore(cfg.Server.MaxSnapshotPixels)
		srv := server.NewSnapshotServer(server.SnapshotServerConfig{
			BindAddress: cfg.Server.BindAddress,
			Port:        cfg.Server.SnapshotPort,
			MaxSize:     cfg.Server.MaxSnapshotSize,
			ReadTimeout: cfg.Server.GetReadTimeoutDuration(),
		}, logger, store, appMetrics)

		if err := srv.Start(); err != nil {
			logger.Error("Snapshot listener failed to start", slog.String("error", err.Error()))
		} else {
			snapshots, snapshotServer = store, srv
			defer snapshotServer.Stop()
		}
	}

	sink, err := openSink(cfg.Audio)
	if err != nil {
		return fmt.Errorf("failed to open audio output: %w", err)
	}
	logger.Info("Audio output opened", slog.String("output", cfg.Audio.Output))

	player, err := playback.NewDriver(state, queues, sink, cfg.Audio.GetPopTimeoutDuration(), logger, appMetrics)
	if err != nil {
		sink.Close()
		return fmt.Errorf("failed to create playback driver: %w", err)
	}

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:             cfg.HTTP.Port,
			Address:          cfg.HTTP.Address,
			WaveformInterval: cfg.HTTP.GetWaveformIntervalDuration(),
		}, logger, server.HTTPDependencies{
			Config:         cfg,
			State:          state,
			Streams:        streamMgr,
			Queues:         queues,
			Rings:          rings,
			AudioServers:   audioServers,
			Snapshots:      snapshots,
			SnapshotServer: snapshotServer,
			Player:         player,
			Metrics:        appMetrics,
			Gatherer:       registry,
		})

		if err := httpServer.Start(); err != nil {
			logger.Error("HTTP API server failed to start", slog.String("error", err.Error()))
			httpServer = nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return player.Run(gctx)
	})

	if cfg.Status.Enabled {
		reporter := server.NewStatusReporter(cfg.Status.GetIntervalDuration(), logger, state, queues, rings, appMetrics)
		g.Go(func() error {
			return reporter.Run(gctx)
		})
	}

	if httpServer != nil {
		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("playing", state.ActiveSource().String()),
	)

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal, starting graceful shutdown...")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Final statistics",
		slog.Int("open_streams", streamMgr.Count()),
		slog.Uint64("connections_accepted", streamMgr.TotalAccepted()),
		slog.Uint64("frames_played", player.GetStatistics().FramesPlayed),
	)
	return nil
}

func openSink(cfg config.AudioConfig) (playback.Sink, error) {
	switch cfg.Output {
	case config.OutputNone:
		return playback.NewDiscardSink(cfg.SampleRate, cfg.Channels), nil
	default:
		return portaudio.Open(cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer)
	}
}

func stopAudioServers(servers []*server.AudioServer, logger *slog.Logger) {
	for _, srv := range servers {
		if err := srv.Stop(); err != nil {
			logger.Error("Error stopping audio listener",
				slog.String("direction", srv.Direction().String()),
				slog.String("error", err.Error()),
			)
		}
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
		// Anything else is a file path
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
