package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Unfixab1e/fitfolio/internal/app"
	"github.com/Unfixab1e/fitfolio/internal/config"
	"github.com/Unfixab1e/fitfolio/internal/outbox"
	"github.com/Unfixab1e/fitfolio/internal/queue"
	"github.com/Unfixab1e/fitfolio/internal/syncer"
	httptransport "github.com/Unfixab1e/fitfolio/internal/transport/http"
)

func main() {
	cfg, err := config.Resolve()
	if err != nil {
		log.Fatal("failed to load configuration", "err", err)
	}
	logger, err := app.NewLogger(cfg, "worker")
	if err != nil {
		log.Fatal("failed to configure logging", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", "err", err)
	}
	defer a.Close()

	var wg sync.WaitGroup

	reader := queue.NewReader(cfg.KafkaBrokers, cfg.SyncRequestTopic, cfg.ConsumerGroupID)
	handler := queue.NewSyncHandler(a.Operations, logger.WithPrefix("sync-handler"),
		syncer.ErrProfileMissing, syncer.ErrSyncDisabled, syncer.ErrSubjectMissing)
	proc := queue.NewProcessor(reader, handler, queue.WithLogger(logger.WithPrefix("consumer")))
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer reader.Close()
		logger.Info("consumer started", "topic", cfg.SyncRequestTopic, "group", cfg.ConsumerGroupID)
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", "err", err)
		}
	}()

	if cfg.SyncInterval > 0 {
		publisher := queue.NewPublisher(cfg.KafkaBrokers, cfg.SyncRequestTopic)
		defer publisher.Close()
		scheduler := syncer.NewScheduler(a.Operations, publisher, cfg.SyncInterval, logger.WithPrefix("scheduler"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(ctx)
		}()
	}

	if a.Postgres != nil {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()
		dispatcher := outbox.NewDispatcher(a.Postgres.Pool(), producer, outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL),
			cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(logger.WithPrefix("outbox")))
		go dispatcher.Start(ctx)
		defer dispatcher.Wait()

		if cfg.DLQReplayInterval > 0 {
			replayer := outbox.NewReplayer(a.Postgres.Pool(), cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger.WithPrefix("outbox-replay"))
			wg.Add(1)
			go func() {
				defer wg.Done()
				replayer.Run(ctx, cfg.DLQReplayInterval, cfg.OutboxBatchSize)
			}()
		}
	} else {
		logger.Info("outbox dispatcher disabled", "store", cfg.StoreDriver)
	}

	metricsSrv := httptransport.NewServer(httptransport.ServerConfig{
		Address:     cfg.MetricsAddress,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}, promhttp.Handler())
	if err := httptransport.Run(ctx, metricsSrv, 10*time.Second, logger.WithPrefix("metrics")); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", "err", err)
		stop()
		wg.Wait()
		os.Exit(1)
	}

	wg.Wait()
	logger.Info("shutdown complete")
}
