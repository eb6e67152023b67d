package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"spyglass/internal/market"
	"spyglass/internal/news"
)

type fakeNotifier struct {
	sent []string
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

type fakeNarrator struct{}

func (fakeNarrator) Narrate(ctx context.Context, anomaly market.Anomaly) string {
	return fmt.Sprintf("%s moved sharply.", anomaly.Instrument)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func highAnomaly() market.Anomaly {
	return market.Anomaly{
		Instrument:   "BTC-USD",
		PrevPrice:    60000,
		CurrentPrice: 66000,
		ChangePct:    10,
		Score:        60,
		Level:        LevelHigh,
		Timestamp:    1700000000,
	}
}

func TestDispatchSendsHighAndCritical(t *testing.T) {
	notifier := &fakeNotifier{}
	d := NewDispatcher(notifier, fakeNarrator{}, DispatcherOptions{}, quietLogger())

	sent, err := d.Dispatch(context.Background(), highAnomaly())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sent || len(notifier.sent) != 1 {
		t.Fatalf("expected one alert, sent=%v messages=%d", sent, len(notifier.sent))
	}
	if !strings.Contains(notifier.sent[0], "BTC-USD") || !strings.Contains(notifier.sent[0], "HIGH") {
		t.Fatalf("unexpected message body %q", notifier.sent[0])
	}
}

func TestDispatchSkipsLowSeverity(t *testing.T) {
	notifier := &fakeNotifier{}
	d := NewDispatcher(notifier, fakeNarrator{}, DispatcherOptions{}, quietLogger())

	for _, level := range []string{LevelLow, LevelMedium} {
		a := highAnomaly()
		a.Level = level
		sent, err := d.Dispatch(context.Background(), a)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sent {
			t.Fatalf("%s anomaly must not be dispatched", level)
		}
	}
	if len(notifier.sent) != 0 {
		t.Fatalf("expected no messages, got %d", len(notifier.sent))
	}
}

func TestDispatchDeduplicates(t *testing.T) {
	notifier := &fakeNotifier{}
	d := NewDispatcher(notifier, fakeNarrator{}, DispatcherOptions{}, quietLogger())

	a := highAnomaly()
	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(context.Background(), a); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(notifier.sent))
	}

	// Same instrument at a different timestamp is a new alert.
	a.Timestamp += 300
	sent, err := d.Dispatch(context.Background(), a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sent || len(notifier.sent) != 2 {
		t.Fatalf("expected a second message, sent=%v messages=%d", sent, len(notifier.sent))
	}
}

func TestDispatchFailureLeavesKeyUnrecorded(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	d := NewDispatcher(notifier, fakeNarrator{}, DispatcherOptions{}, quietLogger())

	a := highAnomaly()
	if _, err := d.Dispatch(context.Background(), a); err == nil {
		t.Fatal("expected delivery error")
	}

	// Delivery recovers; the same anomaly must still be eligible.
	notifier.err = nil
	sent, err := d.Dispatch(context.Background(), a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sent {
		t.Fatal("expected retry to send after earlier failure")
	}
}

func TestDispatchDedupExpires(t *testing.T) {
	notifier := &fakeNotifier{}
	d := NewDispatcher(notifier, fakeNarrator{}, DispatcherOptions{DedupTTL: 20 * time.Millisecond}, quietLogger())

	a := highAnomaly()
	if _, err := d.Dispatch(context.Background(), a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	sent, err := d.Dispatch(context.Background(), a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sent || len(notifier.sent) != 2 {
		t.Fatalf("expected dedup entry to expire, messages=%d", len(notifier.sent))
	}
}

func TestFormatAlert(t *testing.T) {
	a := highAnomaly()
	a.Level = LevelCritical
	a.Correlations = []news.Item{{Title: "Bitcoin ETF approved"}}

	text := FormatAlert(a, "Spot demand spiked.")
	for _, want := range []string{"CRITICAL", "BTC-USD", "+10.00%", "Spot demand spiked.", "Bitcoin ETF approved", "🔴", "📈"} {
		if !strings.Contains(text, want) {
			t.Fatalf("formatted alert missing %q:\n%s", want, text)
		}
	}
}
