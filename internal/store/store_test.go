package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"spyglass/internal/market"
	"spyglass/internal/news"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(db, logger), mock
}

func TestExists(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT 1 FROM news WHERE hash = \$1`).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	ok, err := s.Exists(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected hash to exist")
	}

	mock.ExpectQuery(`SELECT 1 FROM news WHERE hash = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	ok, err = s.Exists(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected hash to be absent")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertNewsInsertAssignsObservedTimestamp(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT status FROM news WHERE hash = \$1`).
		WithArgs("h1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO news`).
		WithArgs("h1", "Fed raises rates", "https://example.com/a", "pending", int64(1700000000), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertNews(context.Background(), UpsertParams{
		Hash:       "h1",
		Title:      "Fed raises rates",
		Link:       "https://example.com/a",
		Status:     news.StatusPending,
		ObservedAt: 1700000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertNewsLegalTransition(t *testing.T) {
	s, mock := newTestStore(t)

	event := &news.Event{Category: "monetary_policy", Certainty: 0.9}
	eventJSON, _ := json.Marshal(event)

	mock.ExpectQuery(`SELECT status FROM news WHERE hash = \$1`).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("extracting"))
	mock.ExpectExec(`UPDATE news SET`).
		WithArgs("h1", "relevant", "", eventJSON).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertNews(context.Background(), UpsertParams{
		Hash:   "h1",
		Title:  "Fed raises rates",
		Status: news.StatusRelevant,
		Event:  event,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertNewsIllegalTransitionKeepsStoredStatus(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT status FROM news WHERE hash = \$1`).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("relevant"))
	// The write still runs (event/link merge), but with the stored status.
	mock.ExpectExec(`UPDATE news SET`).
		WithArgs("h1", "relevant", "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertNews(context.Background(), UpsertParams{
		Hash:   "h1",
		Title:  "Fed raises rates",
		Status: news.StatusPending,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBackfillTimestamp(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE news SET timestamp = \$2`).
		WithArgs("h1", int64(1700000000), int64(60)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := s.BackfillTimestamp(context.Background(), "h1", 1700000000, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated {
		t.Fatal("expected a row to be updated")
	}

	// Zero observed time is a no-op without touching the database.
	updated, err = s.BackfillTimestamp(context.Background(), "h1", 0, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated {
		t.Fatal("expected no update for zero observed time")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecentNewsDecodesEvent(t *testing.T) {
	s, mock := newTestStore(t)

	eventJSON := `{"event_type":"geopolitical","affected_assets":["GC=F"],"impact_direction":"positive","certainty_score":0.85}`
	rows := sqlmock.NewRows([]string{"hash", "title", "link", "status", "timestamp", "event_data"}).
		AddRow("h2", "Conflict escalates", "https://example.com/b", "relevant", int64(1700000100), []byte(eventJSON)).
		AddRow("h1", "Quiet day in markets", "", "ignored", int64(1700000000), nil)
	mock.ExpectQuery(`SELECT hash, title, COALESCE\(link, ''\), status, timestamp, event_data`).
		WithArgs(50).
		WillReturnRows(rows)

	items, err := s.RecentNews(context.Background(), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Event == nil || items[0].Event.Category != "geopolitical" {
		t.Fatalf("expected decoded event, got %+v", items[0].Event)
	}
	if items[0].Event.Certainty != 0.85 {
		t.Fatalf("unexpected certainty %v", items[0].Event.Certainty)
	}
	if items[1].Event != nil {
		t.Fatal("expected nil event for row without event_data")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPendingOrStuckExcludesTerminal(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"hash", "title", "link", "status", "timestamp", "event_data"}).
		AddRow("h1", "Stuck headline", "", "analyzing", int64(1700000000), nil)
	mock.ExpectQuery(`WHERE status NOT IN \(\$1, \$2\)`).
		WithArgs("relevant", "ignored", 100).
		WillReturnRows(rows)

	items, err := s.PendingOrStuck(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].Status != news.StatusAnalyzing {
		t.Fatalf("unexpected items: %+v", items)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSavePriceAndHistory(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO prices`).
		WithArgs("BTC-USD", 64250.5, int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SavePrice(context.Background(), market.PriceSnapshot{
		Instrument: "BTC-USD",
		Price:      64250.5,
		Timestamp:  1700000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := sqlmock.NewRows([]string{"instrument", "price", "timestamp"}).
		AddRow("BTC-USD", 64300.0, int64(1700000060)).
		AddRow("BTC-USD", 64250.5, int64(1700000000))
	mock.ExpectQuery(`SELECT instrument, price, timestamp`).
		WithArgs("BTC-USD", 10).
		WillReturnRows(rows)

	snaps, err := s.PriceHistory(context.Background(), "BTC-USD", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Price != 64300.0 {
		t.Fatalf("expected newest snapshot first, got %+v", snaps[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveAndRecentAnomalies(t *testing.T) {
	s, mock := newTestStore(t)

	anomaly := market.Anomaly{
		Instrument:   "^GSPC",
		CurrentPrice: 5000,
		PrevPrice:    4800,
		ChangePct:    4.17,
		Score:        83.4,
		Level:        "CRITICAL",
		Timestamp:    1700000000,
		Correlations: []news.Item{{Hash: "h1", Title: "Fed raises rates", Status: news.StatusRelevant}},
	}
	correlations, _ := json.Marshal(anomaly.Correlations)

	mock.ExpectExec(`INSERT INTO anomalies`).
		WithArgs("^GSPC", 4.17, 83.4, "CRITICAL", int64(1700000000), correlations).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.SaveAnomaly(context.Background(), anomaly); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := sqlmock.NewRows([]string{"instrument", "change_pct", "score", "level", "timestamp", "correlations"}).
		AddRow("^GSPC", 4.17, 83.4, "CRITICAL", int64(1700000000), correlations)
	mock.ExpectQuery(`SELECT instrument, change_pct, score, level, timestamp, correlations`).
		WithArgs(20).
		WillReturnRows(rows)

	got, err := s.RecentAnomalies(context.Background(), 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(got))
	}
	if len(got[0].Correlations) != 1 || got[0].Correlations[0].Hash != "h1" {
		t.Fatalf("expected decoded correlations, got %+v", got[0].Correlations)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
