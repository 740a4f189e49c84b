package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/indexsync/admin"
	_ "github.com/maxpert/indexsync/broker"
	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/index/memstore"
	"github.com/maxpert/indexsync/index/pebblestore"
	"github.com/maxpert/indexsync/notify"
	"github.com/maxpert/indexsync/replay"
	"github.com/maxpert/indexsync/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("indexsync - secondary index change capture and replay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Index the replay worker applies to and admin writes go through
	provider, err := openIndex()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open index")
		return
	}
	defer provider.Close()

	keys, err := index.NewCachedRetriever(provider.KeyInformation(), cfg.Config.Index.KeyCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create key information cache")
		return
	}

	// Capture: wraps index transactions when enabled
	factory, err := capture.NewFactory(cfg.Config.CDC)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize change capture")
		return
	}
	defer factory.Close()

	hub := notify.NewHub()
	defer hub.Close()

	// Replay: applies captured events to the index
	var worker *replay.Worker
	if cfg.Config.CDC.Enabled && cfg.Config.CDC.Consumer.Enabled {
		worker, err = startReplay(provider, keys, hub)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start replay worker")
			return
		}
		// Stops the loop and leaves the consumer group
		defer worker.Close()

		collector := telemetry.NewMetricsCollector(worker, 5*time.Second)
		collector.Start()
		defer collector.Stop()
	}

	if cfg.Config.Admin.Enabled {
		var control admin.ReplayControl
		if worker != nil {
			control = worker
		}
		handlers := admin.NewAdminHandlers(cfg.Config.CDC, control, provider).
			WithWriter(factory, keys).
			WithHub(hub)
		server := admin.NewServer(cfg.Config.Admin, handlers)
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Bool("cdc_enabled", cfg.Config.CDC.Enabled).
		Str("mode", cfg.Config.CDC.Mode.String()).
		Str("index", cfg.Config.Index.Backend).
		Str("data_dir", cfg.Config.DataDir).
		Msg("indexsync is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func openIndex() (index.Provider, error) {
	switch cfg.Config.Index.Backend {
	case "memory":
		log.Warn().Msg("Using in-memory index, contents are lost on exit")
		return memstore.New(), nil
	default:
		path := cfg.GetIndexPath()
		log.Info().Str("path", path).Msg("Opening pebble index")
		store, err := pebblestore.Open(path, pebblestore.DefaultOptions())
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func startReplay(provider index.Provider, keys index.KeyInformationRetriever, hub *notify.Hub) (*replay.Worker, error) {
	config := cfg.Config.CDC

	consumer, err := replay.NewConsumer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s consumer: %w", config.Broker, err)
	}

	codec, err := capture.CodecFor(config.Format)
	if err != nil {
		consumer.Close()
		return nil, err
	}

	worker, err := replay.NewWorker(replay.WorkerConfig{
		Name:            config.Topic,
		Consumer:        consumer,
		Provider:        provider,
		Keys:            keys,
		Codec:           codec,
		Hub:             hub,
		BatchSize:       config.Consumer.BatchSize,
		PollTimeout:     millis(config.Consumer.PollTimeoutMS),
		StopTimeout:     millis(config.Consumer.StopTimeoutMS),
		RetryInitial:    millis(config.Consumer.RetryInitialMS),
		RetryMax:        millis(config.Consumer.RetryMaxMS),
		RetryMultiplier: config.Consumer.RetryMultiplier,
	})
	if err != nil {
		consumer.Close()
		return nil, err
	}

	worker.Start()
	return worker, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
