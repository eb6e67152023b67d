package news

import (
	"crypto/sha256"
	"encoding/hex"
)

// Status tracks how far a headline has progressed through the pipeline.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAnalyzing  Status = "analyzing"
	StatusExtracting Status = "extracting"
	StatusRelevant   Status = "relevant"
	StatusIgnored    Status = "ignored"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusRelevant || s == StatusIgnored
}

// legalEdges enumerates the allowed forward moves of the pipeline state
// machine. Skip edges (pending→extracting, analyzing→relevant) are included
// because at-least-once queue delivery means a stage can observe an item
// whose intermediate write raced with a duplicate consumer.
var legalEdges = map[Status][]Status{
	StatusPending:    {StatusAnalyzing, StatusExtracting, StatusIgnored},
	StatusAnalyzing:  {StatusExtracting, StatusIgnored, StatusRelevant},
	StatusExtracting: {StatusRelevant},
}

// CanTransition reports whether moving from one status to another is legal.
// Re-applying the current status is always a legal no-op; terminal statuses
// accept no further moves.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Hash returns the deduplication key for a headline: the SHA-256 hex digest
// of the title. It is a pure function of the title and stable across
// restarts.
func Hash(title string) string {
	sum := sha256.Sum256([]byte(title))
	return hex.EncodeToString(sum[:])
}

// Event is the structured enrichment extracted from a relevant headline.
// Field names match the inference service's JSON schema.
type Event struct {
	Category       string   `json:"event_type"`
	AffectedAssets []string `json:"affected_assets"`
	Direction      string   `json:"impact_direction"`
	Certainty      float64  `json:"certainty_score"`
}

// Item is a tracked headline.
type Item struct {
	Hash      string `json:"hash"`
	Title     string `json:"title"`
	Link      string `json:"link,omitempty"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"` // epoch seconds, set once on first insert
	Event     *Event `json:"event,omitempty"`
}
