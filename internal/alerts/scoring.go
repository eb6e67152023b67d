package alerts

import (
	"math"

	"spyglass/internal/news"
)

// Severity levels, ordered.
const (
	LevelLow      = "LOW"
	LevelMedium   = "MEDIUM"
	LevelHigh     = "HIGH"
	LevelCritical = "CRITICAL"
)

// Score combines the magnitude of a price move with its news context into
// a 0-100 severity score. The move contributes up to 60 points (20 points
// per percent), correlated headlines up to 30 (15 each), and a confident
// leading headline adds a 10 point bonus.
func Score(changePct float64, correlations []news.Item) float64 {
	moveScore := math.Min(math.Abs(changePct)*20, 60)
	newsScore := math.Min(float64(len(correlations))*15, 30)
	if len(correlations) > 0 && correlations[0].Event != nil && correlations[0].Event.Certainty > 0.8 {
		newsScore += 10
	}
	return moveScore + newsScore
}

// Level maps a severity score to its band.
func Level(score float64) string {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 25:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Actionable reports whether a level warrants a dispatched alert.
func Actionable(level string) bool {
	return level == LevelHigh || level == LevelCritical
}
