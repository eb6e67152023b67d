package inference

import (
	"context"
	"fmt"
	"strings"

	"spyglass/pkg/logging"
)

const classifyPromptHeader = `You are a financial news filter. For each numbered headline below, answer on its own line with YES if the headline could plausibly move markets (monetary policy, macro data, geopolitics, major corporate events, commodities, crypto), or NO otherwise. Answer with exactly one YES or NO per line, in order, and nothing else.

Headlines:
`

// Classifier decides which headlines are worth extracting events from.
type Classifier struct {
	client *Client
	logger logging.Logger
}

func NewClassifier(client *Client, logger logging.Logger) *Classifier {
	return &Classifier{client: client, logger: logger}
}

// ClassifyBatch returns one verdict per title, in order. The result always
// has len(titles) entries: when the model returns fewer lines than asked,
// or the call fails outright, the missing verdicts default to false so the
// affected headlines are parked as ignored rather than lost.
func (c *Classifier) ClassifyBatch(ctx context.Context, titles []string) []bool {
	verdicts := make([]bool, len(titles))
	if len(titles) == 0 {
		return verdicts
	}

	var sb strings.Builder
	sb.WriteString(classifyPromptHeader)
	for i, title := range titles {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, title)
	}

	raw, err := c.client.Complete(ctx, "classify", sb.String())
	if err != nil {
		c.logger.WithError(err).WithFields(logging.Fields{"batch_size": len(titles)}).
			Warn("Relevance classification failed, marking batch not relevant")
		return verdicts
	}

	lines := strings.Split(strings.TrimSpace(stripCodeFences(raw)), "\n")
	idx := 0
	for _, line := range lines {
		if idx >= len(verdicts) {
			break
		}
		fields := strings.Fields(strings.ToUpper(line))
		if len(fields) == 0 {
			continue
		}
		// Tolerate "1. YES" style echoes of the numbering.
		answer := strings.Trim(fields[len(fields)-1], ".:,")
		switch answer {
		case "YES":
			verdicts[idx] = true
			idx++
		case "NO":
			idx++
		}
		// Anything else is noise between answer lines; skip it.
	}
	if idx < len(titles) {
		c.logger.WithFields(logging.Fields{
			"expected": len(titles),
			"parsed":   idx,
		}).Warn("Classification returned fewer verdicts than headlines")
	}
	return verdicts
}
