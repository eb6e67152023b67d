package market

import "spyglass/internal/news"

// PriceSnapshot is one observed price for an instrument.
type PriceSnapshot struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"` // epoch seconds
}

// Anomaly is a flagged price move, optionally linked to recent news.
// Once persisted it is history and never updated in place.
type Anomaly struct {
	Instrument   string      `json:"instrument"`
	CurrentPrice float64     `json:"current_price"`
	PrevPrice    float64     `json:"prev_price"`
	ChangePct    float64     `json:"change_pct"` // percent, signed
	Score        float64     `json:"score"`
	Level        string      `json:"level"`
	Timestamp    int64       `json:"timestamp"` // from the triggering snapshot
	Correlations []news.Item `json:"correlations,omitempty"`
}
