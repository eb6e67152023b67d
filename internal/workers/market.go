package workers

import (
	"context"
	"sync"
	"time"

	"spyglass/internal/market"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
)

// QuoteSource fetches current prices for a set of instruments.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, instruments []string) ([]market.PriceSnapshot, error)
}

// PriceWriter is the slice of the store the snapshot job needs.
type PriceWriter interface {
	SavePrice(ctx context.Context, snap market.PriceSnapshot) error
}

// MarketJob records a price snapshot per tracked instrument every interval.
type MarketJob struct {
	source      QuoteSource
	store       PriceWriter
	metrics     *monitoring.MarketMetrics
	logger      logging.Logger
	instruments []string
	interval    time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// MarketConfig holds configuration for the snapshot job
type MarketConfig struct {
	Source      QuoteSource
	Store       PriceWriter
	Metrics     *monitoring.MarketMetrics
	Logger      logging.Logger
	Instruments []string
	Interval    time.Duration // default: 1 minute
}

func NewMarketJob(cfg MarketConfig) *MarketJob {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	return &MarketJob{
		source:      cfg.Source,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		instruments: cfg.Instruments,
		interval:    cfg.Interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background snapshot loop
func (j *MarketJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("Market snapshot job started")
}

// Stop gracefully stops the job
func (j *MarketJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Market snapshot job stopped")
}

func (j *MarketJob) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.snapshot()

	for {
		select {
		case <-ticker.C:
			j.snapshot()
		case <-j.stopCh:
			return
		}
	}
}

func (j *MarketJob) snapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snaps, err := j.source.FetchQuotes(ctx, j.instruments)
	if err != nil {
		j.logger.WithError(err).Warn("Failed to fetch quotes")
		return
	}
	for _, snap := range snaps {
		if err := j.store.SavePrice(ctx, snap); err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"instrument": snap.Instrument}).
				Warn("Failed to save price snapshot")
			continue
		}
		if j.metrics != nil {
			j.metrics.SnapshotsRecorded.Inc()
		}
	}
}
