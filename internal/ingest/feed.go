package ingest

import (
	"context"
	"time"

	"github.com/mmcdole/gofeed"

	"spyglass/pkg/logging"
)

// Headline is one candidate item pulled from a source, before dedup.
type Headline struct {
	Title       string
	Link        string
	PublishedAt int64 // epoch seconds, zero when the feed omits it
}

// Source produces headlines. The RSS implementation below is the default;
// tests substitute their own.
type Source interface {
	Fetch(ctx context.Context) ([]Headline, error)
}

// RSSSource polls a set of RSS/Atom feeds. A feed that fails to fetch or
// parse is logged and skipped so one flaky publisher cannot starve the
// rest of the poll.
type RSSSource struct {
	parser *gofeed.Parser
	urls   []string
	logger logging.Logger
}

func NewRSSSource(urls []string, logger logging.Logger) *RSSSource {
	return &RSSSource{
		parser: gofeed.NewParser(),
		urls:   urls,
		logger: logger,
	}
}

func (s *RSSSource) Fetch(ctx context.Context) ([]Headline, error) {
	var headlines []Headline
	for _, url := range s.urls {
		feed, err := s.parser.ParseURLWithContext(url, ctx)
		if err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{"feed": url}).
				Warn("Failed to fetch feed")
			continue
		}
		for _, item := range feed.Items {
			if item.Title == "" {
				continue
			}
			h := Headline{Title: item.Title, Link: item.Link}
			if ts := publishedTime(item); !ts.IsZero() {
				h.PublishedAt = ts.Unix()
			}
			headlines = append(headlines, h)
		}
	}
	return headlines, nil
}

func publishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}
