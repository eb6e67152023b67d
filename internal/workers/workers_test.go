package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"spyglass/internal/ingest"
	"spyglass/internal/market"
	"spyglass/internal/news"
	"spyglass/internal/queue"
	"spyglass/internal/store"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestQueues(t *testing.T) *queue.Queues {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.New(client)
}

// memStore is an in-memory stand-in for the durable store, good enough
// for the status bookkeeping the workers do.
type memStore struct {
	mu    sync.Mutex
	items map[string]news.Item
	stuck []news.Item
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]news.Item)}
}

func (m *memStore) Exists(ctx context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[hash]
	return ok, nil
}

func (m *memStore) UpsertNews(ctx context.Context, p store.UpsertParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[p.Hash]
	if !ok {
		ts := p.ObservedAt
		if ts == 0 {
			ts = time.Now().Unix()
		}
		m.items[p.Hash] = news.Item{Hash: p.Hash, Title: p.Title, Link: p.Link, Status: p.Status, Timestamp: ts, Event: p.Event}
		return nil
	}
	if news.CanTransition(item.Status, p.Status) {
		item.Status = p.Status
	}
	if p.Event != nil {
		item.Event = p.Event
	}
	m.items[p.Hash] = item
	return nil
}

func (m *memStore) BackfillTimestamp(ctx context.Context, hash string, observedAt, minSkew int64) (bool, error) {
	return false, nil
}

func (m *memStore) PendingOrStuck(ctx context.Context, limit int) ([]news.Item, error) {
	return m.stuck, nil
}

func (m *memStore) status(hash string) news.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[hash].Status
}

type staticSource struct {
	headlines []ingest.Headline
}

func (s staticSource) Fetch(ctx context.Context) ([]ingest.Headline, error) {
	return s.headlines, nil
}

type staticClassifier struct {
	verdicts map[string]bool
}

func (c staticClassifier) ClassifyBatch(ctx context.Context, titles []string) []bool {
	out := make([]bool, len(titles))
	for i, t := range titles {
		out[i] = c.verdicts[t]
	}
	return out
}

type staticExtractor struct {
	events map[string]*news.Event
}

func (e staticExtractor) ExtractBatch(ctx context.Context, titles []string) []*news.Event {
	out := make([]*news.Event, len(titles))
	for i, t := range titles {
		out[i] = e.events[t]
	}
	return out
}

func TestIngestorRegistersAndEnqueues(t *testing.T) {
	st := newMemStore()
	qs := newTestQueues(t)
	now := time.Now().Unix()

	// Pre-register the duplicate.
	dupTitle := "Old news everyone saw"
	st.UpsertNews(context.Background(), store.UpsertParams{
		Hash: news.Hash(dupTitle), Title: dupTitle, Status: news.StatusIgnored,
	})

	j := NewIngestorJob(IngestorConfig{
		Source: staticSource{headlines: []ingest.Headline{
			{Title: "Fed raises rates", Link: "https://example.com/a", PublishedAt: now},
			{Title: dupTitle, PublishedAt: now},
			{Title: "Week-old story", PublishedAt: now - 48*3600},
		}},
		Store:  st,
		Queues: qs,
		Logger: quietLogger(),
	})
	if err := j.poll(); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	if got := st.status(news.Hash("Fed raises rates")); got != news.StatusPending {
		t.Fatalf("expected new headline pending, got %s", got)
	}
	if st.status(news.Hash(dupTitle)) != news.StatusIgnored {
		t.Fatal("duplicate headline must keep its stored status")
	}
	if _, ok := st.items[news.Hash("Week-old story")]; ok {
		t.Fatal("stale headline must be skipped")
	}

	n, err := qs.Len(context.Background(), queue.Relevance)
	if err != nil {
		t.Fatalf("len failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 queued task, got %d", n)
	}
}

func TestRelevanceRoutesByVerdict(t *testing.T) {
	st := newMemStore()
	qs := newTestQueues(t)
	ctx := context.Background()

	for _, title := range []string{"Fed raises rates", "Cat stuck in tree"} {
		st.UpsertNews(ctx, store.UpsertParams{Hash: news.Hash(title), Title: title, Status: news.StatusPending})
		qs.Push(ctx, queue.Relevance, queue.Task{Title: title})
	}

	j := NewRelevanceJob(RelevanceConfig{
		Queues:     qs,
		Store:      st,
		Classifier: staticClassifier{verdicts: map[string]bool{"Fed raises rates": true}},
		Logger:     quietLogger(),
	})
	n, err := j.drainOnce()
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 tasks handled, got %d", n)
	}

	if got := st.status(news.Hash("Fed raises rates")); got != news.StatusExtracting {
		t.Fatalf("relevant headline should be extracting, got %s", got)
	}
	if got := st.status(news.Hash("Cat stuck in tree")); got != news.StatusIgnored {
		t.Fatalf("irrelevant headline should be ignored, got %s", got)
	}

	depth, _ := qs.Len(ctx, queue.Extraction)
	if depth != 1 {
		t.Fatalf("expected 1 task in extraction queue, got %d", depth)
	}
}

func TestExtractionFinalizesWithEvent(t *testing.T) {
	st := newMemStore()
	qs := newTestQueues(t)
	ctx := context.Background()

	ok := "Fed raises rates"
	bare := "Ambiguous headline"
	for _, title := range []string{ok, bare} {
		st.UpsertNews(ctx, store.UpsertParams{Hash: news.Hash(title), Title: title, Status: news.StatusExtracting})
		qs.Push(ctx, queue.Extraction, queue.Task{Title: title})
	}

	event := &news.Event{Category: "monetary_policy", Certainty: 0.9}
	j := NewExtractionJob(ExtractionConfig{
		Queues:    qs,
		Store:     st,
		Extractor: staticExtractor{events: map[string]*news.Event{ok: event}},
		Logger:    quietLogger(),
	})
	if _, err := j.drainOnce(); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if got := st.status(news.Hash(ok)); got != news.StatusRelevant {
		t.Fatalf("expected relevant, got %s", got)
	}
	st.mu.Lock()
	stored := st.items[news.Hash(ok)]
	st.mu.Unlock()
	if stored.Event == nil || stored.Event.Category != "monetary_policy" {
		t.Fatalf("expected event to be attached, got %+v", stored.Event)
	}
	st.mu.Lock()
	bareItem := st.items[news.Hash(bare)]
	st.mu.Unlock()
	if bareItem.Status != news.StatusRelevant {
		t.Fatalf("expected headline without event to still finalize, got %s", bareItem.Status)
	}
	if bareItem.Event != nil {
		t.Fatalf("expected nil event, got %+v", bareItem.Event)
	}
}

func TestRouteForStatus(t *testing.T) {
	cases := map[news.Status]string{
		news.StatusPending:    queue.Relevance,
		news.StatusAnalyzing:  queue.Relevance,
		news.StatusExtracting: queue.Extraction,
		news.StatusRelevant:   "",
		news.StatusIgnored:    "",
	}
	for status, want := range cases {
		if got := RouteForStatus(status); got != want {
			t.Fatalf("RouteForStatus(%s) = %q, want %q", status, got, want)
		}
	}
}

func TestRecoveryScanRequeues(t *testing.T) {
	st := newMemStore()
	st.stuck = []news.Item{
		{Hash: "h1", Title: "stuck pending", Status: news.StatusPending},
		{Hash: "h2", Title: "stuck analyzing", Status: news.StatusAnalyzing},
		{Hash: "h3", Title: "stuck extracting", Status: news.StatusExtracting},
	}
	qs := newTestQueues(t)

	j := NewRecoveryJob(RecoveryConfig{Store: st, Queues: qs, Logger: quietLogger()})
	j.scan()

	ctx := context.Background()
	rel, _ := qs.Len(ctx, queue.Relevance)
	ext, _ := qs.Len(ctx, queue.Extraction)
	if rel != 2 {
		t.Fatalf("expected 2 tasks routed to relevance, got %d", rel)
	}
	if ext != 1 {
		t.Fatalf("expected 1 task routed to extraction, got %d", ext)
	}
}

type sweepDetector struct {
	anomalies  []market.Anomaly
	correlated []news.Item
}

func (d sweepDetector) DetectAnomalies(ctx context.Context, instruments []string) []market.Anomaly {
	return d.anomalies
}

func (d sweepDetector) CorrelateWithNews(ctx context.Context, anomaly *market.Anomaly) error {
	anomaly.Correlations = d.correlated
	return nil
}

type recordingWriter struct {
	saved []market.Anomaly
}

func (w *recordingWriter) SaveAnomaly(ctx context.Context, a market.Anomaly) error {
	w.saved = append(w.saved, a)
	return nil
}

type recordingDispatcher struct {
	dispatched []market.Anomaly
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, anomaly market.Anomaly) (bool, error) {
	d.dispatched = append(d.dispatched, anomaly)
	return true, nil
}

func TestAnomalySweepScoresAndDispatches(t *testing.T) {
	confident := news.Item{Title: "Bitcoin ETF approved", Status: news.StatusRelevant, Event: &news.Event{Certainty: 0.9}}
	detector := sweepDetector{
		anomalies:  []market.Anomaly{{Instrument: "BTC-USD", ChangePct: 3.0, Timestamp: 1700000000}},
		correlated: []news.Item{confident},
	}
	writer := &recordingWriter{}
	dispatcher := &recordingDispatcher{}

	j := NewAnomalyJob(AnomalyConfig{
		Detector:    detector,
		Store:       writer,
		Dispatcher:  dispatcher,
		Logger:      quietLogger(),
		Instruments: []string{"BTC-USD"},
	})
	j.sweep()

	if len(writer.saved) != 1 {
		t.Fatalf("expected 1 persisted anomaly, got %d", len(writer.saved))
	}
	saved := writer.saved[0]
	// 3% move saturates at 60, one confident headline adds 15+10.
	if saved.Score != 85 {
		t.Fatalf("expected score 85, got %v", saved.Score)
	}
	if saved.Level != "CRITICAL" {
		t.Fatalf("expected CRITICAL, got %s", saved.Level)
	}
	if len(dispatcher.dispatched) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(dispatcher.dispatched))
	}
}
