package workers

import (
	"context"
	"sync"
	"time"

	"spyglass/internal/news"
	"spyglass/internal/queue"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
)

// StuckLister is the slice of the store the recovery scanner needs.
type StuckLister interface {
	PendingOrStuck(ctx context.Context, limit int) ([]news.Item, error)
}

// RecoveryJob re-enqueues headlines stranded in a non-terminal status by a
// crash or a failed queue push. Queue delivery is at-least-once, so
// duplicate tasks are expected and handled by the status machine.
type RecoveryJob struct {
	store    StuckLister
	queues   *queue.Queues
	metrics  *monitoring.PipelineMetrics
	logger   logging.Logger
	interval time.Duration
	limit    int
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// RecoveryConfig holds configuration for the recovery job
type RecoveryConfig struct {
	Store    StuckLister
	Queues   *queue.Queues
	Metrics  *monitoring.PipelineMetrics
	Logger   logging.Logger
	Interval time.Duration // default: 10 minutes
	Limit    int           // max items per scan (default: 100)
}

func NewRecoveryJob(cfg RecoveryConfig) *RecoveryJob {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Limit == 0 {
		cfg.Limit = 100
	}
	return &RecoveryJob{
		store:    cfg.Store,
		queues:   cfg.Queues,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		limit:    cfg.Limit,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background recovery loop
func (j *RecoveryJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("Recovery job started")
}

// Stop gracefully stops the job
func (j *RecoveryJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Recovery job stopped")
}

func (j *RecoveryJob) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Scan once at startup to reclaim anything stranded by the previous run.
	j.scan()

	for {
		select {
		case <-ticker.C:
			j.scan()
		case <-j.stopCh:
			return
		}
	}
}

func (j *RecoveryJob) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	items, err := j.store.PendingOrStuck(ctx, j.limit)
	if err != nil {
		j.logger.WithError(err).Warn("Recovery scan failed")
		return
	}
	if len(items) == 0 {
		return
	}

	requeued := 0
	for _, item := range items {
		target := RouteForStatus(item.Status)
		if target == "" {
			continue
		}
		if err := j.queues.Push(ctx, target, queue.Task{Title: item.Title}); err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"hash": item.Hash, "queue": target}).
				Warn("Failed to re-enqueue stuck headline")
			continue
		}
		if j.metrics != nil {
			j.metrics.ItemsRequeued.Inc()
		}
		requeued++
	}
	j.logger.WithFields(logging.Fields{"stuck": len(items), "requeued": requeued}).
		Info("Recovery scan complete")
}

// RouteForStatus maps a non-terminal status to the queue that can make
// progress on it. Items stuck before or during classification go back to
// the relevance queue; items that already passed it go straight to
// extraction. Terminal statuses route nowhere.
func RouteForStatus(status news.Status) string {
	switch status {
	case news.StatusPending, news.StatusAnalyzing:
		return queue.Relevance
	case news.StatusExtracting:
		return queue.Extraction
	default:
		return ""
	}
}
