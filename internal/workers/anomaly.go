package workers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"spyglass/internal/alerts"
	"spyglass/internal/market"
	"spyglass/pkg/kafka"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
)

// AnomalyDetector finds and enriches abnormal price moves.
type AnomalyDetector interface {
	DetectAnomalies(ctx context.Context, instruments []string) []market.Anomaly
	CorrelateWithNews(ctx context.Context, anomaly *market.Anomaly) error
}

// AnomalyWriter is the slice of the store the sweep needs.
type AnomalyWriter interface {
	SaveAnomaly(ctx context.Context, a market.Anomaly) error
}

// AlertDispatcher sends an alert when the anomaly warrants one.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, anomaly market.Anomaly) (bool, error)
}

// AnomalyPublisher mirrors anomalies onto the event firehose.
type AnomalyPublisher interface {
	PublishAnomaly(ctx context.Context, event kafka.AnomalyEvent) error
}

// AnomalyJob runs the detection sweep: detect, correlate with news, score,
// persist, publish and dispatch.
type AnomalyJob struct {
	detector    AnomalyDetector
	store       AnomalyWriter
	dispatcher  AlertDispatcher
	publisher   AnomalyPublisher // optional
	metrics     *monitoring.MarketMetrics
	logger      logging.Logger
	instruments []string
	interval    time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// AnomalyConfig holds configuration for the detection sweep
type AnomalyConfig struct {
	Detector    AnomalyDetector
	Store       AnomalyWriter
	Dispatcher  AlertDispatcher
	Publisher   AnomalyPublisher // nil disables the firehose
	Metrics     *monitoring.MarketMetrics
	Logger      logging.Logger
	Instruments []string
	Interval    time.Duration // default: 1 minute
}

func NewAnomalyJob(cfg AnomalyConfig) *AnomalyJob {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	return &AnomalyJob{
		detector:    cfg.Detector,
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		publisher:   cfg.Publisher,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		instruments: cfg.Instruments,
		interval:    cfg.Interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background detection loop
func (j *AnomalyJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("Anomaly detection job started")
}

// Stop gracefully stops the job
func (j *AnomalyJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Anomaly detection job stopped")
}

func (j *AnomalyJob) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *AnomalyJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, anomaly := range j.detector.DetectAnomalies(ctx, j.instruments) {
		if err := j.detector.CorrelateWithNews(ctx, &anomaly); err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"instrument": anomaly.Instrument}).
				Warn("News correlation failed, scoring move alone")
		}
		anomaly.Score = alerts.Score(anomaly.ChangePct, anomaly.Correlations)
		anomaly.Level = alerts.Level(anomaly.Score)

		j.logger.WithFields(logging.Fields{
			"instrument": anomaly.Instrument,
			"change_pct": anomaly.ChangePct,
			"score":      anomaly.Score,
			"level":      anomaly.Level,
			"headlines":  len(anomaly.Correlations),
		}).Info("Anomaly detected")
		if j.metrics != nil {
			j.metrics.AnomaliesDetected.WithLabelValues(anomaly.Instrument, anomaly.Level).Inc()
		}

		if err := j.store.SaveAnomaly(ctx, anomaly); err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"instrument": anomaly.Instrument}).
				Warn("Failed to persist anomaly")
		}
		if j.publisher != nil {
			event := kafka.AnomalyEvent{
				EventID:    uuid.New().String(),
				Instrument: anomaly.Instrument,
				ChangePct:  anomaly.ChangePct,
				Score:      anomaly.Score,
				Level:      anomaly.Level,
				Timestamp:  anomaly.Timestamp,
			}
			if err := j.publisher.PublishAnomaly(ctx, event); err != nil {
				j.logger.WithError(err).WithFields(logging.Fields{"instrument": anomaly.Instrument}).
					Warn("Failed to publish anomaly event")
			}
		}

		sent, err := j.dispatcher.Dispatch(ctx, anomaly)
		if err != nil {
			j.logger.WithError(err).WithFields(logging.Fields{"instrument": anomaly.Instrument}).
				Warn("Alert dispatch failed")
			continue
		}
		if j.metrics != nil {
			if sent {
				j.metrics.AlertsSent.Inc()
			} else if alerts.Actionable(anomaly.Level) {
				j.metrics.AlertsDeduped.Inc()
			}
		}
	}
}
