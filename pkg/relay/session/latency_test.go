package session

import (
	"testing"
	"time"
)

// fakeClock steps a latencyTracker through deterministic instants.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*latencyTracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	tr := newLatencyTracker(nil)
	tr.now = clock.now
	return tr, clock
}

func TestLatencyTrackerSingleTurn(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkSpeechStopped()
	clock.advance(120 * time.Millisecond)
	tr.MarkFirstText()
	clock.advance(220 * time.Millisecond)
	tr.MarkFirstAudio()

	report, ok := tr.LastReport()
	if !ok {
		t.Fatal("expected a report")
	}
	if got := report.SpeechToText; got != 120*time.Millisecond {
		t.Errorf("SpeechToText = %v, want 120ms", got)
	}
	if got := report.TextToAudio; got != 220*time.Millisecond {
		t.Errorf("TextToAudio = %v, want 220ms", got)
	}
	if got := report.SpeechToAudio; got != 340*time.Millisecond {
		t.Errorf("SpeechToAudio = %v, want 340ms", got)
	}
}

func TestLatencyTrackerFirstTextIdempotent(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkSpeechStopped()
	clock.advance(100 * time.Millisecond)
	tr.MarkFirstText()
	clock.advance(500 * time.Millisecond)
	tr.MarkFirstText()
	tr.MarkFirstAudio()

	report, ok := tr.LastReport()
	if !ok {
		t.Fatal("expected a report")
	}
	if got := report.SpeechToText; got != 100*time.Millisecond {
		t.Errorf("SpeechToText = %v, want 100ms (second mark must not overwrite)", got)
	}
}

func TestLatencyTrackerIgnoresMarksBeforeTurnStart(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkFirstText()
	tr.MarkFirstAudio()
	if _, ok := tr.LastReport(); ok {
		t.Fatal("report emitted without a turn start")
	}

	tr.MarkSpeechStopped()
	clock.advance(10 * time.Millisecond)
	tr.MarkFirstText()
	clock.advance(10 * time.Millisecond)
	tr.MarkFirstAudio()
	if _, ok := tr.LastReport(); !ok {
		t.Fatal("expected a report after complete turn")
	}
}

func TestLatencyTrackerReportOncePerTurn(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkSpeechStopped()
	clock.advance(10 * time.Millisecond)
	tr.MarkFirstText()
	clock.advance(10 * time.Millisecond)
	tr.MarkFirstAudio()
	// Extra audio marks inside the same turn must not append.
	tr.MarkFirstAudio()
	tr.MarkFirstText()
	if got := len(tr.history); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
}

func TestLatencyTrackerNewTurnResets(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkSpeechStopped()
	clock.advance(50 * time.Millisecond)
	tr.MarkFirstText()
	clock.advance(50 * time.Millisecond)
	tr.MarkFirstAudio()

	tr.MarkSpeechStopped()
	clock.advance(30 * time.Millisecond)
	tr.MarkFirstText()
	clock.advance(70 * time.Millisecond)
	tr.MarkFirstAudio()

	if got := len(tr.history); got != 2 {
		t.Fatalf("history length = %d, want 2", got)
	}
	report, _ := tr.LastReport()
	if report.SpeechToText != 30*time.Millisecond || report.SpeechToAudio != 100*time.Millisecond {
		t.Fatalf("unexpected second-turn report: %+v", report)
	}

	avgText, _, avgTotal := tr.averages()
	if avgText != 40*time.Millisecond {
		t.Errorf("avg speech-to-text = %v, want 40ms", avgText)
	}
	if avgTotal != 100*time.Millisecond {
		t.Errorf("avg speech-to-audio = %v, want 100ms", avgTotal)
	}
}

func TestLatencyTrackerIncompleteTurnDiscarded(t *testing.T) {
	tr, clock := newTestTracker()

	tr.MarkSpeechStopped()
	clock.advance(10 * time.Millisecond)
	tr.MarkFirstText()
	// Turn is abandoned before audio arrives.
	tr.MarkSpeechStopped()
	clock.advance(20 * time.Millisecond)
	tr.MarkFirstText()
	clock.advance(20 * time.Millisecond)
	tr.MarkFirstAudio()

	if got := len(tr.history); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
	report, _ := tr.LastReport()
	if report.SpeechToText != 20*time.Millisecond {
		t.Fatalf("SpeechToText = %v, want 20ms", report.SpeechToText)
	}
}
