package workers

import (
	"context"
	"sync"
	"time"

	"spyglass/internal/news"
	"spyglass/internal/queue"
	"spyglass/internal/store"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
)

// BatchExtractor produces structured events for a batch of titles.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, titles []string) []*news.Event
}

// ExtractionJob drains the extraction queue, attaches structured events to
// relevant headlines and finalizes them.
type ExtractionJob struct {
	queues    *queue.Queues
	store     StatusStore
	extractor BatchExtractor
	metrics   *monitoring.PipelineMetrics
	logger    logging.Logger
	batchSize int
	idleSleep time.Duration
	backoff   time.Duration
	heartbeat time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// ExtractionConfig holds configuration for the extraction job
type ExtractionConfig struct {
	Queues    *queue.Queues
	Store     StatusStore
	Extractor BatchExtractor
	Metrics   *monitoring.PipelineMetrics
	Logger    logging.Logger
	BatchSize int           // default: 3
	IdleSleep time.Duration // default: 2s
	Backoff   time.Duration // default: 5s
	Heartbeat time.Duration // default: 60s
}

func NewExtractionJob(cfg ExtractionConfig) *ExtractionJob {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 3
	}
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = 2 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = time.Minute
	}
	return &ExtractionJob{
		queues:    cfg.Queues,
		store:     cfg.Store,
		extractor: cfg.Extractor,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
		idleSleep: cfg.IdleSleep,
		backoff:   cfg.Backoff,
		heartbeat: cfg.Heartbeat,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background extraction loop
func (j *ExtractionJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("Extraction job started")
}

// Stop gracefully stops the job
func (j *ExtractionJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Extraction job stopped")
}

func (j *ExtractionJob) run() {
	defer j.wg.Done()

	lastHeartbeat := time.Now()
	for {
		select {
		case <-j.stopCh:
			return
		default:
		}

		n, err := j.drainOnce()
		switch {
		case err != nil:
			j.logger.WithError(err).Warn("Extraction cycle failed")
			j.sleep(j.backoff)
		case n == 0:
			if time.Since(lastHeartbeat) >= j.heartbeat {
				j.logger.Debug("Extraction worker idle, queue empty")
				lastHeartbeat = time.Now()
			}
			j.sleep(j.idleSleep)
		default:
			lastHeartbeat = time.Now()
		}
	}
}

func (j *ExtractionJob) sleep(d time.Duration) {
	select {
	case <-j.stopCh:
	case <-time.After(d):
	}
}

func (j *ExtractionJob) drainOnce() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tasks, err := j.queues.PopBatch(ctx, queue.Extraction, j.batchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		j.observeDepth(ctx)
		return 0, nil
	}

	titles := make([]string, len(tasks))
	for i, task := range tasks {
		titles[i] = task.Title
	}

	events := j.extractor.ExtractBatch(ctx, titles)
	for i, title := range titles {
		if events[i] == nil {
			// Finalize anyway: a headline that survived classification is
			// relevant even when the event payload could not be parsed.
			j.logger.WithFields(logging.Fields{"title": title}).
				Warn("No event extracted, finalizing without one")
		}
		err := j.store.UpsertNews(ctx, store.UpsertParams{
			Hash:   news.Hash(title),
			Title:  title,
			Status: news.StatusRelevant,
			Event:  events[i],
		})
		if err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"title": title}).
				Warn("Failed to finalize headline")
			continue
		}
		if j.metrics != nil {
			j.metrics.EventsExtracted.Inc()
		}
	}
	j.observeDepth(ctx)
	return len(tasks), nil
}

func (j *ExtractionJob) observeDepth(ctx context.Context) {
	if j.metrics == nil {
		return
	}
	if n, err := j.queues.Len(ctx, queue.Extraction); err == nil {
		j.metrics.QueueDepth.WithLabelValues(queue.Extraction).Set(float64(n))
	}
}
