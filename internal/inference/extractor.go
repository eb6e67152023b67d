package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"spyglass/internal/news"
	"spyglass/pkg/logging"
)

const extractPromptHeader = `You are a financial event extractor. For each numbered headline below, produce one JSON object with the fields:
  "event_type": short category such as "monetary_policy", "geopolitical", "earnings", "macro_data", "commodity", "crypto",
  "affected_assets": array of ticker symbols likely affected,
  "impact_direction": "positive", "negative" or "uncertain",
  "certainty_score": number between 0 and 1.
Respond with ONLY a JSON array containing the objects in headline order, no prose.

Headlines:
`

// Extractor turns relevant headlines into structured events.
type Extractor struct {
	client *Client
	logger logging.Logger
}

func NewExtractor(client *Client, logger logging.Logger) *Extractor {
	return &Extractor{client: client, logger: logger}
}

// ExtractBatch returns one event per title, in order, always len(titles)
// long. Missing or undecodable entries come back nil; the caller decides
// whether to finalize such items without an event.
func (e *Extractor) ExtractBatch(ctx context.Context, titles []string) []*news.Event {
	events := make([]*news.Event, len(titles))
	if len(titles) == 0 {
		return events
	}

	var sb strings.Builder
	sb.WriteString(extractPromptHeader)
	for i, title := range titles {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, title)
	}

	raw, err := e.client.Complete(ctx, "extract", sb.String())
	if err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{"batch_size": len(titles)}).
			Warn("Event extraction failed for batch")
		return events
	}

	var decoded []*news.Event
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &decoded); err != nil {
		e.logger.WithError(err).Warn("Event extraction returned undecodable JSON")
		return events
	}
	if len(decoded) != len(titles) {
		e.logger.WithFields(logging.Fields{
			"expected": len(titles),
			"got":      len(decoded),
		}).Warn("Event extraction returned wrong batch size")
	}
	for i := range events {
		if i < len(decoded) {
			events[i] = decoded[i]
		}
	}
	return events
}
