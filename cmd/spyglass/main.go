package main

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	goredis "github.com/redis/go-redis/v9"

	"spyglass/internal/alerts"
	"spyglass/internal/config"
	"spyglass/internal/handlers"
	"spyglass/internal/inference"
	"spyglass/internal/ingest"
	"spyglass/internal/market"
	"spyglass/internal/queue"
	"spyglass/internal/store"
	"spyglass/internal/workers"
	pkgconfig "spyglass/pkg/config"
	"spyglass/pkg/database"
	"spyglass/pkg/kafka"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
	"spyglass/pkg/redis"
	"spyglass/pkg/server"
	"spyglass/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("spyglass")
	pkgconfig.LoadEnv(logger)
	logger.SetLevel(pkgconfig.GetLogLevel())

	cfg := config.Load()

	// Dependencies are expected to race the service at boot, so connects
	// retry for a while before giving up.
	connectRetry := retrypolicy.NewBuilder[any]().
		WithDelay(2 * time.Second).
		WithMaxRetries(5).
		Build()

	dbAny, err := failsafe.With(connectRetry).Get(func() (any, error) {
		dbCfg := database.DefaultConfig()
		dbCfg.URL = cfg.DatabaseURL
		return database.Connect(dbCfg, logger)
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	db := dbAny.(database.PostgresConn)
	defer db.Close()

	redisAny, err := failsafe.With(connectRetry).Get(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return redis.NewClientFromURL(ctx, cfg.RedisURL)
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	redisClient := redisAny.(goredis.UniversalClient)
	defer redisClient.Close()

	st := store.New(db, logger)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := st.Migrate(ctx)
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to migrate database schema")
		}
	}
	queues := queue.New(redisClient)

	metricsCollector := monitoring.NewMetricsCollector("spyglass", version.Version, version.GitCommit)
	pipelineMetrics := metricsCollector.CreatePipelineMetrics()
	marketMetrics := metricsCollector.CreateMarketMetrics()
	inferenceMetrics := metricsCollector.CreateInferenceMetrics()

	healthChecker := monitoring.NewHealthChecker("spyglass", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":      cfg.DatabaseURL,
		"REDIS_URL":         cfg.RedisURL,
		"INFERENCE_API_KEY": cfg.InferenceKey,
	}))

	inferenceClient := inference.NewClient(inference.Config{
		APIURL:      cfg.InferenceURL,
		APIKey:      cfg.InferenceKey,
		Model:       cfg.InferenceModel,
		MinInterval: cfg.InferenceMinInterval,
		Metrics:     inferenceMetrics,
	})
	classifier := inference.NewClassifier(inferenceClient, logger)
	extractor := inference.NewExtractor(inferenceClient, logger)
	narrator := inference.NewNarrator(inferenceClient, logger)

	var notifier alerts.Notifier
	if cfg.AlertsEnabled() {
		notifier = alerts.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	} else {
		logger.Warn("Telegram credentials missing, alerts will only be logged")
		notifier = logNotifier{logger: logger}
	}
	dispatcher := alerts.NewDispatcher(notifier, narrator, alerts.DispatcherOptions{
		DedupTTL: cfg.AlertDedupTTL,
	}, logger)

	var publisher workers.AnomalyPublisher
	if cfg.KafkaEnabled {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, "spyglass", cfg.KafkaTopic, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create kafka producer")
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
		publisher = producer
	}

	detector := market.NewDetector(st, cfg.AnomalyThreshold, logger)
	quotes := market.NewQuoteClient(cfg.QuoteURL, logger)

	jobs := []interface {
		Start()
		Stop()
	}{
		workers.NewIngestorJob(workers.IngestorConfig{
			Source:    ingest.NewRSSSource(cfg.FeedURLs, logger),
			Store:     st,
			Queues:    queues,
			Metrics:   pipelineMetrics,
			Logger:    logger,
			Interval:  cfg.IngestInterval,
			Backoff:   cfg.IngestBackoff,
			Staleness: cfg.HeadlineMaxAge,
		}),
		workers.NewRelevanceJob(workers.RelevanceConfig{
			Queues:     queues,
			Store:      st,
			Classifier: classifier,
			Metrics:    pipelineMetrics,
			Logger:     logger,
			BatchSize:  cfg.RelevanceBatchSize,
			IdleSleep:  cfg.WorkerIdleSleep,
			Backoff:    cfg.WorkerBackoff,
		}),
		workers.NewExtractionJob(workers.ExtractionConfig{
			Queues:    queues,
			Store:     st,
			Extractor: extractor,
			Metrics:   pipelineMetrics,
			Logger:    logger,
			BatchSize: cfg.ExtractionBatchSize,
			IdleSleep: cfg.WorkerIdleSleep,
			Backoff:   cfg.WorkerBackoff,
		}),
		workers.NewRecoveryJob(workers.RecoveryConfig{
			Store:    st,
			Queues:   queues,
			Metrics:  pipelineMetrics,
			Logger:   logger,
			Interval: cfg.RecoveryInterval,
			Limit:    cfg.RecoveryLimit,
		}),
		workers.NewMarketJob(workers.MarketConfig{
			Source:      quotes,
			Store:       st,
			Metrics:     marketMetrics,
			Logger:      logger,
			Instruments: cfg.Instruments,
			Interval:    cfg.SnapshotInterval,
		}),
		workers.NewAnomalyJob(workers.AnomalyConfig{
			Detector:    detector,
			Store:       st,
			Dispatcher:  dispatcher,
			Publisher:   publisher,
			Metrics:     marketMetrics,
			Logger:      logger,
			Instruments: cfg.Instruments,
			Interval:    cfg.AnomalyInterval,
		}),
	}
	for _, job := range jobs {
		job.Start()
	}
	defer func() {
		for _, job := range jobs {
			job.Stop()
		}
	}()

	router := server.SetupServiceRouter(logger, "spyglass", healthChecker, metricsCollector)
	handlers.New(st, queues, logger).RegisterRoutes(router)

	srvCfg := server.DefaultConfig("spyglass", "18090")
	if err := server.Start(srvCfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server shutdown failed")
	}
}

// logNotifier stands in for Telegram when no credentials are configured.
type logNotifier struct {
	logger logging.Logger
}

func (n logNotifier) Send(ctx context.Context, text string) error {
	n.logger.WithFields(logging.Fields{"alert": text}).Info("Alert (delivery disabled)")
	return nil
}
