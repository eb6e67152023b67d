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

// StatusStore is the slice of the store the stage workers need.
type StatusStore interface {
	UpsertNews(ctx context.Context, p store.UpsertParams) error
}

// BatchClassifier decides relevance for a batch of titles.
type BatchClassifier interface {
	ClassifyBatch(ctx context.Context, titles []string) []bool
}

// RelevanceJob drains the classification queue in small batches, marks
// relevant headlines for extraction and parks the rest as ignored.
type RelevanceJob struct {
	queues     *queue.Queues
	store      StatusStore
	classifier BatchClassifier
	metrics    *monitoring.PipelineMetrics
	logger     logging.Logger
	batchSize  int
	idleSleep  time.Duration
	backoff    time.Duration
	heartbeat  time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// RelevanceConfig holds configuration for the relevance job
type RelevanceConfig struct {
	Queues     *queue.Queues
	Store      StatusStore
	Classifier BatchClassifier
	Metrics    *monitoring.PipelineMetrics
	Logger     logging.Logger
	BatchSize  int           // default: 5
	IdleSleep  time.Duration // wait when the queue is empty (default: 2s)
	Backoff    time.Duration // delay after a failed cycle (default: 5s)
	Heartbeat  time.Duration // idle log cadence (default: 60s)
}

func NewRelevanceJob(cfg RelevanceConfig) *RelevanceJob {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 5
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
	return &RelevanceJob{
		queues:     cfg.Queues,
		store:      cfg.Store,
		classifier: cfg.Classifier,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		batchSize:  cfg.BatchSize,
		idleSleep:  cfg.IdleSleep,
		backoff:    cfg.Backoff,
		heartbeat:  cfg.Heartbeat,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background classification loop
func (j *RelevanceJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("Relevance job started")
}

// Stop gracefully stops the job
func (j *RelevanceJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Relevance job stopped")
}

func (j *RelevanceJob) run() {
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
			j.logger.WithError(err).Warn("Relevance cycle failed")
			j.sleep(j.backoff)
		case n == 0:
			if time.Since(lastHeartbeat) >= j.heartbeat {
				j.logger.Debug("Relevance worker idle, queue empty")
				lastHeartbeat = time.Now()
			}
			j.sleep(j.idleSleep)
		default:
			lastHeartbeat = time.Now()
		}
	}
}

func (j *RelevanceJob) sleep(d time.Duration) {
	select {
	case <-j.stopCh:
	case <-time.After(d):
	}
}

// drainOnce processes one batch and returns how many tasks it handled.
func (j *RelevanceJob) drainOnce() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tasks, err := j.queues.PopBatch(ctx, queue.Relevance, j.batchSize)
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
		// Mark the item in-flight before calling out so a crash leaves a
		// trail the recovery scanner can act on.
		err := j.store.UpsertNews(ctx, store.UpsertParams{
			Hash:   news.Hash(task.Title),
			Title:  task.Title,
			Status: news.StatusAnalyzing,
		})
		if err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"title": task.Title}).
				Warn("Failed to mark headline analyzing")
		}
	}

	verdicts := j.classifier.ClassifyBatch(ctx, titles)
	for i, title := range titles {
		if verdicts[i] {
			err := j.store.UpsertNews(ctx, store.UpsertParams{
				Hash:   news.Hash(title),
				Title:  title,
				Status: news.StatusExtracting,
			})
			if err != nil {
				j.logger.WithError(err).WithFields(logging.Fields{"title": title}).
					Warn("Failed to mark headline extracting")
				continue
			}
			if err := j.queues.Push(ctx, queue.Extraction, queue.Task{Title: title}); err != nil {
				j.logger.WithError(err).WithFields(logging.Fields{"title": title}).
					Warn("Failed to enqueue headline for extraction")
			}
			if j.metrics != nil {
				j.metrics.HeadlinesClassified.WithLabelValues("relevant").Inc()
			}
		} else {
			err := j.store.UpsertNews(ctx, store.UpsertParams{
				Hash:   news.Hash(title),
				Title:  title,
				Status: news.StatusIgnored,
			})
			if err != nil {
				j.logger.WithError(err).WithFields(logging.Fields{"title": title}).
					Warn("Failed to mark headline ignored")
			}
			if j.metrics != nil {
				j.metrics.HeadlinesClassified.WithLabelValues("ignored").Inc()
			}
		}
	}
	j.observeDepth(ctx)
	return len(tasks), nil
}

func (j *RelevanceJob) observeDepth(ctx context.Context) {
	if j.metrics == nil {
		return
	}
	if n, err := j.queues.Len(ctx, queue.Relevance); err == nil {
		j.metrics.QueueDepth.WithLabelValues(queue.Relevance).Set(float64(n))
	}
}
