package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spyglass/internal/market"
	"spyglass/pkg/cache"
	"spyglass/pkg/logging"
)

// Narrator writes the explanation paragraph for an alert.
type Narrator interface {
	Narrate(ctx context.Context, anomaly market.Anomaly) string
}

// Dispatcher decides which anomalies become outbound alerts. Only HIGH and
// CRITICAL anomalies go out, and a (instrument, timestamp) pair is alerted
// at most once while its dedup entry lives.
type Dispatcher struct {
	notifier Notifier
	narrator Narrator
	sent     *cache.Cache
	logger   logging.Logger
}

type DispatcherOptions struct {
	// DedupTTL bounds how long a sent alert suppresses repeats. Zero
	// defaults to six hours.
	DedupTTL time.Duration
	// DedupMaxEntries caps the dedup cache. Zero defaults to 100.
	DedupMaxEntries int
}

func NewDispatcher(notifier Notifier, narrator Narrator, opts DispatcherOptions, logger logging.Logger) *Dispatcher {
	if opts.DedupTTL == 0 {
		opts.DedupTTL = 6 * time.Hour
	}
	if opts.DedupMaxEntries == 0 {
		opts.DedupMaxEntries = 100
	}
	return &Dispatcher{
		notifier: notifier,
		narrator: narrator,
		sent:     cache.New(cache.Options{TTL: opts.DedupTTL, MaxEntries: opts.DedupMaxEntries}),
		logger:   logger,
	}
}

// Dispatch sends an alert for the anomaly if its level warrants one and it
// has not been alerted already. Returns true when a message went out. The
// dedup key is recorded only after a successful send so a delivery failure
// leaves the anomaly eligible for retry on the next sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, anomaly market.Anomaly) (bool, error) {
	if !Actionable(anomaly.Level) {
		return false, nil
	}
	key := dedupKey(anomaly)
	if d.sent.Contains(key) {
		d.logger.WithFields(logging.Fields{"instrument": anomaly.Instrument, "key": key}).
			Debug("Alert already sent, skipping")
		return false, nil
	}

	summary := d.narrator.Narrate(ctx, anomaly)
	text := FormatAlert(anomaly, summary)
	if err := d.notifier.Send(ctx, text); err != nil {
		return false, fmt.Errorf("dispatch alert for %s: %w", anomaly.Instrument, err)
	}
	d.sent.Set(key, struct{}{})
	d.logger.WithFields(logging.Fields{
		"instrument": anomaly.Instrument,
		"level":      anomaly.Level,
		"score":      anomaly.Score,
	}).Info("Alert dispatched")
	return true, nil
}

func dedupKey(anomaly market.Anomaly) string {
	return fmt.Sprintf("%s:%d", anomaly.Instrument, anomaly.Timestamp)
}

// FormatAlert renders the Markdown message body for an anomaly.
func FormatAlert(anomaly market.Anomaly, summary string) string {
	emoji := "🚨"
	if anomaly.Level == LevelCritical {
		emoji = "🔴"
	}
	direction := "📈"
	if anomaly.ChangePct < 0 {
		direction = "📉"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s ALERT: %s* %s\n\n", emoji, anomaly.Level, anomaly.Instrument, direction)
	fmt.Fprintf(&sb, "Price: %.2f → %.2f (%+.2f%%)\n", anomaly.PrevPrice, anomaly.CurrentPrice, anomaly.ChangePct)
	fmt.Fprintf(&sb, "Severity: %.0f/100\n", anomaly.Score)
	if summary != "" {
		fmt.Fprintf(&sb, "\n%s\n", summary)
	}
	if len(anomaly.Correlations) > 0 {
		sb.WriteString("\n*Related headlines:*\n")
		for _, item := range anomaly.Correlations {
			fmt.Fprintf(&sb, "• %s\n", item.Title)
		}
	}
	return sb.String()
}
