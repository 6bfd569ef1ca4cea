package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"brokerstream/config"
	"brokerstream/internal/channel"
	"brokerstream/internal/reference"
	"brokerstream/logger"
	"brokerstream/reader/auth"
	"brokerstream/reader/reconcile"
	"brokerstream/reader/stream"
	"brokerstream/writer"
)

const defaultConfigPath = "config/config.yml"

// brokerRuntime holds the running components of one broker.
type brokerRuntime struct {
	name    string
	cancel  context.CancelFunc
	mu      sync.Mutex
	adapter *stream.Adapter
	loop    *reconcile.Loop
}

func (b *brokerRuntime) stop() {
	b.cancel()
	b.mu.Lock()
	adapter, loop := b.adapter, b.loop
	b.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
	if adapter != nil {
		adapter.Stop()
	}
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	brokersDir := flag.String("brokers", "", "Directory of broker documents (overrides brokers.dir)")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath, defaultConfigPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *brokersDir != "" {
		cfg.Brokers.Dir = *brokersDir
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Brokerstream.Name,
		"version":     cfg.Brokerstream.Version,
		"environment": env,
		"config":      path,
	}).Info("starting brokerstream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.CloudWatch.Enabled {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	brokers, err := config.LoadBrokers(cfg.Brokers.Dir)
	if err != nil {
		if len(brokers) == 0 || config.IsProductionLike(env) {
			log.WithError(err).Error("failed to load broker documents")
			os.Exit(1)
		}
		log.WithError(err).Warn("some broker documents were skipped")
	}
	if len(brokers) == 0 {
		log.WithFields(logger.Fields{"dir": cfg.Brokers.Dir}).Error("no broker documents found")
		os.Exit(1)
	}

	store := reference.NewStore()
	channels := channel.NewChannels(cfg.Channels.EventBuffer)
	channels.StartMetricsReporting(ctx, cfg.Logging.ReportInterval)

	ingest := writer.NewIngestWriter(cfg.Ingest, channels)

	var archive *writer.ArchiveWriter
	if cfg.Archive.Enabled {
		archive, err = writer.NewArchiveWriter(cfg, channels.Events)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("event archive disabled; skipping archive writer")
	}

	runtimes := make([]*brokerRuntime, 0, len(brokers))
	for _, b := range brokers {
		bctx, bcancel := context.WithCancel(ctx)
		rt := &brokerRuntime{name: b.Name, cancel: bcancel}
		runtimes = append(runtimes, rt)
		go startBroker(bctx, rt, b, cfg, store, ingest)
	}

	log.WithFields(logger.Fields{"brokers": len(runtimes)}).Info("all brokers scheduled")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, rt := range runtimes {
			wg.Add(1)
			go func(rt *brokerRuntime) {
				defer wg.Done()
				rt.stop()
				log.WithBroker("main", rt.name).Info("broker stopped")
			}(rt)
		}
		wg.Wait()

		log.Info("waiting for ingest deliveries")
		ingest.Wait()

		if archive != nil {
			log.Info("stopping archive writer")
			archive.Stop()
		}
		channels.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timeout exceeded, forcing exit")
	}
	cancel()
}

// startBroker authenticates one broker and starts its stream and
// reconciliation loop. A failing broker never stops the others.
func startBroker(ctx context.Context, rt *brokerRuntime, b config.BrokerConfig, cfg *config.Config, store *reference.Store, ingest *writer.IngestWriter) {
	log := logger.GetLogger().WithBroker("main", b.Name)

	session, err := auth.Authenticate(ctx, b)
	if err != nil {
		log.WithError(err).Error("authentication failed; broker disabled")
		return
	}
	log.Info("authenticated")

	var adapter *stream.Adapter
	if b.Streaming.Enabled() {
		adapter, err = stream.NewAdapter(b, cfg.Stream, session, store, ingest)
		if err != nil {
			log.WithError(err).Error("failed to create stream adapter")
		} else if err := adapter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start stream adapter")
			adapter = nil
		}
	}

	var loop *reconcile.Loop
	if b.BasePositions.Enabled() {
		loop = reconcile.NewLoop(b, session, store, ingest, cfg.Reconcile.Interval)
		if adapter != nil {
			loop.SetRefresher(adapter)
		}
		if err := loop.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start reconciliation loop")
			loop = nil
		}
	}

	rt.mu.Lock()
	rt.adapter, rt.loop = adapter, loop
	rt.mu.Unlock()

	// stop raced the startup: tear down what was just started
	if ctx.Err() != nil {
		if loop != nil {
			loop.Stop()
		}
		if adapter != nil {
			adapter.Stop()
		}
	}
}
