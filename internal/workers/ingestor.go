package workers

import (
	"context"
	"sync"
	"time"

	"spyglass/internal/ingest"
	"spyglass/internal/news"
	"spyglass/internal/queue"
	"spyglass/internal/store"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
)

// IngestStore is the slice of the store the ingestor needs.
type IngestStore interface {
	Exists(ctx context.Context, hash string) (bool, error)
	UpsertNews(ctx context.Context, p store.UpsertParams) error
	BackfillTimestamp(ctx context.Context, hash string, observedAt, minSkew int64) (bool, error)
}

// IngestorJob polls the configured sources, registers unseen headlines as
// pending and enqueues them for relevance classification.
type IngestorJob struct {
	source    ingest.Source
	store     IngestStore
	queues    *queue.Queues
	metrics   *monitoring.PipelineMetrics
	logger    logging.Logger
	interval  time.Duration
	backoff   time.Duration
	staleness time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// IngestorConfig holds configuration for the ingest job
type IngestorConfig struct {
	Source    ingest.Source
	Store     IngestStore
	Queues    *queue.Queues
	Metrics   *monitoring.PipelineMetrics
	Logger    logging.Logger
	Interval  time.Duration // default: 2 minutes
	Backoff   time.Duration // delay after a failed poll (default: 10s)
	Staleness time.Duration // headlines older than this are skipped (default: 24h)
}

func NewIngestorJob(cfg IngestorConfig) *IngestorJob {
	if cfg.Interval == 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 10 * time.Second
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = 24 * time.Hour
	}
	return &IngestorJob{
		source:    cfg.Source,
		store:     cfg.Store,
		queues:    cfg.Queues,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		backoff:   cfg.Backoff,
		staleness: cfg.Staleness,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background polling loop
func (j *IngestorJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("Ingestor job started")
}

// Stop gracefully stops the job
func (j *IngestorJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Ingestor job stopped")
}

func (j *IngestorJob) run() {
	defer j.wg.Done()

	// Failed polls retry on the short backoff instead of waiting a full
	// interval, so the delay is recomputed every cycle.
	var delay time.Duration
	for {
		select {
		case <-j.stopCh:
			return
		case <-time.After(delay):
		}

		if err := j.poll(); err != nil {
			j.logger.WithError(err).Warn("Headline poll failed")
			delay = j.backoff
		} else {
			delay = j.interval
		}
	}
}

func (j *IngestorJob) poll() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	headlines, err := j.source.Fetch(ctx)
	if err != nil {
		return err
	}

	fresh := 0
	cutoff := time.Now().Add(-j.staleness).Unix()
	for _, h := range headlines {
		hash := news.Hash(h.Title)
		exists, err := j.store.Exists(ctx, hash)
		if err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"title": h.Title}).
				Warn("Failed to check headline existence")
			continue
		}
		if exists {
			// Feeds sometimes publish before they fill in timestamps;
			// adopt the corrected value once it shows up.
			if _, err := j.store.BackfillTimestamp(ctx, hash, h.PublishedAt, 60); err != nil {
				j.logger.WithError(err).WithFields(logging.Fields{"hash": hash}).
					Warn("Failed to backfill headline timestamp")
			}
			continue
		}
		if h.PublishedAt != 0 && h.PublishedAt < cutoff {
			continue
		}

		err = j.store.UpsertNews(ctx, store.UpsertParams{
			Hash:       hash,
			Title:      h.Title,
			Link:       h.Link,
			Status:     news.StatusPending,
			ObservedAt: h.PublishedAt,
		})
		if err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"title": h.Title}).
				Warn("Failed to register headline")
			continue
		}
		if err := j.queues.Push(ctx, queue.Relevance, queue.Task{Title: h.Title}); err != nil {
			// The recovery scanner re-enqueues pending items, so a failed
			// push is not fatal to the headline.
			j.logger.WithError(err).WithFields(logging.Fields{"title": h.Title}).
				Warn("Failed to enqueue headline for classification")
			continue
		}
		if j.metrics != nil {
			j.metrics.HeadlinesIngested.Inc()
		}
		fresh++
	}

	if fresh > 0 {
		j.logger.WithFields(logging.Fields{"new": fresh, "seen": len(headlines)}).
			Info("Registered new headlines")
	}
	return nil
}
