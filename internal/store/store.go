package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"spyglass/internal/market"
	"spyglass/internal/news"
	"spyglass/pkg/logging"
)

// Store is the durable state layer: headline dedup + status tracking plus
// append-only price and anomaly history.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS news (
	hash       TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	link       TEXT,
	status     TEXT NOT NULL,
	timestamp  BIGINT NOT NULL,
	event_data JSONB
);
CREATE INDEX IF NOT EXISTS idx_news_status ON news(status);
CREATE INDEX IF NOT EXISTS idx_news_timestamp ON news(timestamp DESC);

CREATE TABLE IF NOT EXISTS prices (
	id         BIGSERIAL PRIMARY KEY,
	instrument TEXT NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	timestamp  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prices_instrument ON prices(instrument, id DESC);

CREATE TABLE IF NOT EXISTS anomalies (
	id           BIGSERIAL PRIMARY KEY,
	instrument   TEXT NOT NULL,
	change_pct   DOUBLE PRECISION NOT NULL,
	score        DOUBLE PRECISION NOT NULL,
	level        TEXT NOT NULL,
	timestamp    BIGINT NOT NULL,
	correlations JSONB
);
CREATE INDEX IF NOT EXISTS idx_anomalies_timestamp ON anomalies(timestamp DESC);
`

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Exists reports whether a headline hash is already registered.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM news WHERE hash = $1`, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check news existence: %w", err)
	}
	return true, nil
}

// UpsertParams carries one headline write.
type UpsertParams struct {
	Hash   string
	Title  string
	Status news.Status
	Link   string
	Event  *news.Event
	// ObservedAt is the feed-provided publication time in epoch seconds.
	// Zero means "now". It only takes effect on first insert; the stored
	// timestamp is authoritative afterwards.
	ObservedAt int64
}

// UpsertNews registers or advances a headline. On first insert the
// authoritative timestamp is assigned. On updates the status moves only
// along legal pipeline edges (illegal moves are logged and the stored
// status kept), the event is merged only when the incoming value is
// non-nil, and the original timestamp is preserved. There is no optimistic
// concurrency control: workers may interleave writes, which is safe
// because every transition is an idempotent forward move.
func (s *Store) UpsertNews(ctx context.Context, p UpsertParams) error {
	var current news.Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM news WHERE hash = $1`, p.Hash).Scan(&current)
	if err == sql.ErrNoRows {
		ts := p.ObservedAt
		if ts == 0 {
			ts = time.Now().Unix()
		}
		eventJSON, merr := marshalEvent(p.Event)
		if merr != nil {
			return merr
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO news (hash, title, link, status, timestamp, event_data)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
			ON CONFLICT (hash) DO NOTHING
		`, p.Hash, p.Title, p.Link, string(p.Status), ts, eventJSON)
		if err != nil {
			return fmt.Errorf("insert news: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read news status: %w", err)
	}

	status := p.Status
	if !news.CanTransition(current, p.Status) {
		s.logger.WithFields(logging.Fields{
			"hash": p.Hash,
			"from": current,
			"to":   p.Status,
		}).Warn("Rejected illegal status transition")
		status = current
	}

	eventJSON, merr := marshalEvent(p.Event)
	if merr != nil {
		return merr
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE news SET
			status = $2,
			link = COALESCE(NULLIF($3, ''), link),
			event_data = COALESCE($4, event_data)
		WHERE hash = $1
	`, p.Hash, string(status), p.Link, eventJSON)
	if err != nil {
		return fmt.Errorf("update news: %w", err)
	}
	return nil
}

// BackfillTimestamp replaces a stored timestamp with the feed-provided one
// when they differ by more than minSkew seconds. Status and event are left
// untouched. Returns true when a row was updated.
func (s *Store) BackfillTimestamp(ctx context.Context, hash string, observedAt, minSkew int64) (bool, error) {
	if observedAt == 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE news SET timestamp = $2
		WHERE hash = $1 AND ABS(timestamp - $2) > $3
	`, hash, observedAt, minSkew)
	if err != nil {
		return false, fmt.Errorf("backfill timestamp: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentNews returns up to limit items ordered by timestamp descending.
func (s *Store) RecentNews(ctx context.Context, limit int) ([]news.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, title, COALESCE(link, ''), status, timestamp, event_data
		FROM news
		ORDER BY timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent news: %w", err)
	}
	defer rows.Close()
	return scanNewsRows(rows)
}

// PendingOrStuck returns up to limit items whose status is not terminal,
// for the recovery scanner.
func (s *Store) PendingOrStuck(ctx context.Context, limit int) ([]news.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, title, COALESCE(link, ''), status, timestamp, event_data
		FROM news
		WHERE status NOT IN ($1, $2)
		ORDER BY timestamp ASC
		LIMIT $3
	`, string(news.StatusRelevant), string(news.StatusIgnored), limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck news: %w", err)
	}
	defer rows.Close()
	return scanNewsRows(rows)
}

// GetNews fetches a single item by hash.
func (s *Store) GetNews(ctx context.Context, hash string) (*news.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, title, COALESCE(link, ''), status, timestamp, event_data
		FROM news
		WHERE hash = $1
	`, hash)

	item, err := scanNewsRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get news: %w", err)
	}
	return item, nil
}

// SavePrice appends one price snapshot.
func (s *Store) SavePrice(ctx context.Context, snap market.PriceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prices (instrument, price, timestamp)
		VALUES ($1, $2, $3)
	`, snap.Instrument, snap.Price, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("save price: %w", err)
	}
	return nil
}

// PriceHistory returns up to limit snapshots for an instrument, newest
// first by insertion order.
func (s *Store) PriceHistory(ctx context.Context, instrument string, limit int) ([]market.PriceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, price, timestamp
		FROM prices
		WHERE instrument = $1
		ORDER BY id DESC
		LIMIT $2
	`, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var snaps []market.PriceSnapshot
	for rows.Next() {
		var snap market.PriceSnapshot
		if err := rows.Scan(&snap.Instrument, &snap.Price, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("scan price row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// SaveAnomaly appends one detected anomaly to history.
func (s *Store) SaveAnomaly(ctx context.Context, a market.Anomaly) error {
	correlations, err := json.Marshal(a.Correlations)
	if err != nil {
		return fmt.Errorf("marshal correlations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomalies (instrument, change_pct, score, level, timestamp, correlations)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.Instrument, a.ChangePct, a.Score, a.Level, a.Timestamp, correlations)
	if err != nil {
		return fmt.Errorf("save anomaly: %w", err)
	}
	return nil
}

// RecentAnomalies returns up to limit anomalies, newest first.
func (s *Store) RecentAnomalies(ctx context.Context, limit int) ([]market.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, change_pct, score, level, timestamp, correlations
		FROM anomalies
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []market.Anomaly
	for rows.Next() {
		var a market.Anomaly
		var correlations []byte
		if err := rows.Scan(&a.Instrument, &a.ChangePct, &a.Score, &a.Level, &a.Timestamp, &correlations); err != nil {
			return nil, fmt.Errorf("scan anomaly row: %w", err)
		}
		if len(correlations) > 0 {
			if err := json.Unmarshal(correlations, &a.Correlations); err != nil {
				s.logger.WithError(err).Warn("Failed to decode anomaly correlations")
			}
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

func marshalEvent(event *news.Event) (interface{}, error) {
	if event == nil {
		// A nil interface maps to SQL NULL so COALESCE keeps the stored event.
		return nil, nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNewsRow(row rowScanner) (*news.Item, error) {
	var item news.Item
	var status string
	var eventData []byte
	if err := row.Scan(&item.Hash, &item.Title, &item.Link, &status, &item.Timestamp, &eventData); err != nil {
		return nil, err
	}
	item.Status = news.Status(status)
	if len(eventData) > 0 {
		var event news.Event
		if err := json.Unmarshal(eventData, &event); err == nil {
			item.Event = &event
		}
	}
	return &item, nil
}

func scanNewsRows(rows *sql.Rows) ([]news.Item, error) {
	var items []news.Item
	for rows.Next() {
		item, err := scanNewsRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan news row: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
