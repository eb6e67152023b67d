package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"spyglass/pkg/logging"
)

// QuoteClient fetches spot prices from a Yahoo-style quote endpoint.
type QuoteClient struct {
	client  *http.Client
	baseURL string
	logger  logging.Logger
}

func NewQuoteClient(baseURL string, logger logging.Logger) *QuoteClient {
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	return &QuoteClient{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol string  `json:"symbol"`
			Price  float64 `json:"regularMarketPrice"`
		} `json:"result"`
	} `json:"quoteResponse"`
}

// FetchQuotes returns one snapshot per instrument the endpoint knew about.
// Instruments missing from the response are logged and dropped; the error
// return is reserved for whole-request failures.
func (c *QuoteClient) FetchQuotes(ctx context.Context, instruments []string) ([]PriceSnapshot, error) {
	if len(instruments) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/v7/finance/quote?symbols=%s",
		c.baseURL, url.QueryEscape(strings.Join(instruments, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("quotes: create request: %w", err)
	}
	req.Header.Set("User-Agent", "spyglass/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quotes: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("quotes: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var decoded quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("quotes: decode response: %w", err)
	}

	now := time.Now().Unix()
	seen := make(map[string]bool, len(decoded.QuoteResponse.Result))
	snaps := make([]PriceSnapshot, 0, len(instruments))
	for _, r := range decoded.QuoteResponse.Result {
		if r.Symbol == "" || r.Price == 0 {
			continue
		}
		seen[r.Symbol] = true
		snaps = append(snaps, PriceSnapshot{
			Instrument: r.Symbol,
			Price:      r.Price,
			Timestamp:  now,
		})
	}
	for _, inst := range instruments {
		if !seen[inst] {
			c.logger.WithFields(logging.Fields{"instrument": inst}).
				Warn("No quote returned for instrument")
		}
	}
	return snaps, nil
}
