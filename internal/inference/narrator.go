package inference

import (
	"context"
	"fmt"
	"strings"

	"spyglass/internal/market"
	"spyglass/pkg/logging"
)

// Narrator writes the one-paragraph explanation that goes into an alert.
type Narrator struct {
	client *Client
	logger logging.Logger
}

func NewNarrator(client *Client, logger logging.Logger) *Narrator {
	return &Narrator{client: client, logger: logger}
}

// Narrate produces a short human-readable summary of an anomaly and its
// correlated headlines. Alerts must go out even when the model is down, so
// a failed call falls back to a deterministic template instead of
// returning an error.
func (n *Narrator) Narrate(ctx context.Context, anomaly market.Anomaly) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "In 2-3 sentences, explain this market move to a trader. %s moved %+.2f%% (from %.2f to %.2f).",
		anomaly.Instrument, anomaly.ChangePct, anomaly.PrevPrice, anomaly.CurrentPrice)
	if len(anomaly.Correlations) > 0 {
		sb.WriteString(" Recent possibly related headlines:\n")
		for _, item := range anomaly.Correlations {
			fmt.Fprintf(&sb, "- %s\n", item.Title)
		}
	} else {
		sb.WriteString(" No related headlines were found.")
	}

	summary, err := n.client.Complete(ctx, "narrate", sb.String())
	if err != nil {
		n.logger.WithError(err).WithFields(logging.Fields{"instrument": anomaly.Instrument}).
			Warn("Narration failed, using fallback summary")
		return fallbackNarration(anomaly)
	}
	return strings.TrimSpace(summary)
}

func fallbackNarration(anomaly market.Anomaly) string {
	direction := "rose"
	if anomaly.ChangePct < 0 {
		direction = "fell"
	}
	if len(anomaly.Correlations) == 0 {
		return fmt.Sprintf("%s %s %.2f%% with no correlated headlines in the recent news window.",
			anomaly.Instrument, direction, abs(anomaly.ChangePct))
	}
	return fmt.Sprintf("%s %s %.2f%% alongside %d recent related headline(s), most recently: %s",
		anomaly.Instrument, direction, abs(anomaly.ChangePct), len(anomaly.Correlations), anomaly.Correlations[0].Title)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
