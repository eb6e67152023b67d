package market

import (
	"context"
	"math"
	"strings"

	"spyglass/internal/news"
	"spyglass/pkg/logging"
)

// MarketStore is the slice of the persistence layer the detector needs.
type MarketStore interface {
	PriceHistory(ctx context.Context, instrument string, limit int) ([]PriceSnapshot, error)
	RecentNews(ctx context.Context, limit int) ([]news.Item, error)
}

const (
	// historyDepth bounds how far back each instrument is inspected.
	historyDepth = 10
	// newsWindow is how far either side of the anomaly timestamp a
	// headline may fall and still count as correlated.
	newsWindow = 4 * 60 * 60 // seconds
	// newsScanLimit caps how many recent items the correlator reads.
	newsScanLimit = 100
)

// instrumentKeywords maps each tracked instrument to the terms a headline
// must mention to correlate with it. Matching is case-insensitive
// substring search on the title and the extracted event's affected assets.
var instrumentKeywords = map[string][]string{
	"^GSPC":    {"s&p", "sp500", "stocks", "fed", "rates", "inflation", "economy", "recession"},
	"GC=F":     {"gold", "precious metal", "safe haven"},
	"BTC-USD":  {"bitcoin", "btc", "crypto"},
	"CL=F":     {"oil", "crude", "opec", "barrel"},
	"EURUSD=X": {"euro", "dollar", "ecb", "eurozone"},
}

// Detector flags abnormal price moves and links them to recent headlines.
type Detector struct {
	store MarketStore
	// thresholdPct is the minimum absolute percent move to flag.
	thresholdPct float64
	logger       logging.Logger
}

func NewDetector(store MarketStore, thresholdPct float64, logger logging.Logger) *Detector {
	return &Detector{store: store, thresholdPct: thresholdPct, logger: logger}
}

// DetectAnomalies compares the two most recent snapshots of each
// instrument and returns one anomaly per instrument whose move meets the
// threshold. Instruments with fewer than two snapshots are skipped. A
// failing history read skips that instrument rather than aborting the
// sweep.
func (d *Detector) DetectAnomalies(ctx context.Context, instruments []string) []Anomaly {
	var anomalies []Anomaly
	for _, inst := range instruments {
		history, err := d.store.PriceHistory(ctx, inst, historyDepth)
		if err != nil {
			d.logger.WithError(err).WithFields(logging.Fields{"instrument": inst}).
				Warn("Failed to read price history")
			continue
		}
		if len(history) < 2 {
			continue
		}
		latest, prev := history[0], history[1]
		if prev.Price == 0 {
			continue
		}
		changePct := (latest.Price - prev.Price) / prev.Price * 100
		if math.Abs(changePct) < d.thresholdPct {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Instrument:   inst,
			CurrentPrice: latest.Price,
			PrevPrice:    prev.Price,
			ChangePct:    changePct,
			Timestamp:    latest.Timestamp,
		})
	}
	return anomalies
}

// CorrelateWithNews fills in the headlines plausibly related to an
// anomaly: finalized relevant items with an extracted event, mentioning
// one of the instrument's keywords, published within the correlation
// window around the anomaly.
func (d *Detector) CorrelateWithNews(ctx context.Context, anomaly *Anomaly) error {
	keywords := instrumentKeywords[anomaly.Instrument]
	if len(keywords) == 0 {
		return nil
	}
	items, err := d.store.RecentNews(ctx, newsScanLimit)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status != news.StatusRelevant || item.Event == nil {
			continue
		}
		if absInt64(item.Timestamp-anomaly.Timestamp) > newsWindow {
			continue
		}
		if matchesInstrument(item, anomaly.Instrument, keywords) {
			anomaly.Correlations = append(anomaly.Correlations, item)
		}
	}
	return nil
}

// matchesInstrument reports whether a headline plausibly concerns the
// instrument: a keyword appears in the title or in one of the extracted
// event's affected assets. The assets also match the raw ticker itself,
// since extraction often emits the symbol rather than a name.
func matchesInstrument(item news.Item, instrument string, keywords []string) bool {
	title := strings.ToLower(item.Title)
	for _, kw := range keywords {
		if strings.Contains(title, kw) {
			return true
		}
	}
	for _, asset := range item.Event.AffectedAssets {
		if strings.EqualFold(asset, instrument) {
			return true
		}
		lowered := strings.ToLower(asset)
		for _, kw := range keywords {
			if strings.Contains(lowered, kw) {
				return true
			}
		}
	}
	return false
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
