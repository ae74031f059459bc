package session

import (
	"log/slog"
	"time"
)

// latencyReport is one completed turn measurement. Intervals are
// speech-stop to first text token, first text token to first audio byte,
// and speech-stop to first audio byte.
type latencyReport struct {
	SpeechToText  time.Duration
	TextToAudio   time.Duration
	SpeechToAudio time.Duration
}

// latencyTracker records three timestamps per conversational turn:
// when the user stopped speaking, when the first text token arrived from
// the conversational upstream, and when the first synthesized audio byte
// arrived. It is owned by the session loop and never accessed concurrently.
type latencyTracker struct {
	speechStopped time.Time
	firstText     time.Time
	firstAudio    time.Time
	reported      bool

	history  []latencyReport
	logger   *slog.Logger
	now      func() time.Time
	onReport func(latencyReport)
}

const latencyHistoryCap = 50

func newLatencyTracker(logger *slog.Logger) *latencyTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &latencyTracker{logger: logger, now: time.Now}
}

// MarkSpeechStopped begins a new turn. All prior in-flight timestamps are
// discarded; an unfinished turn never produces a report.
func (t *latencyTracker) MarkSpeechStopped() {
	t.speechStopped = t.now()
	t.firstText = time.Time{}
	t.firstAudio = time.Time{}
	t.reported = false
}

// MarkFirstText records the first text token of the current turn. Later
// tokens in the same turn are ignored.
func (t *latencyTracker) MarkFirstText() {
	if t.speechStopped.IsZero() || !t.firstText.IsZero() {
		return
	}
	t.firstText = t.now()
	t.maybeReport()
}

// MarkFirstAudio records the first synthesized audio byte of the current
// turn. Later audio in the same turn is ignored.
func (t *latencyTracker) MarkFirstAudio() {
	if t.speechStopped.IsZero() || !t.firstAudio.IsZero() {
		return
	}
	t.firstAudio = t.now()
	t.maybeReport()
}

// maybeReport emits the turn report once all three timestamps are present.
// The report fires exactly once per turn.
func (t *latencyTracker) maybeReport() {
	if t.reported || t.speechStopped.IsZero() || t.firstText.IsZero() || t.firstAudio.IsZero() {
		return
	}
	t.reported = true

	report := latencyReport{
		SpeechToText:  t.firstText.Sub(t.speechStopped),
		TextToAudio:   t.firstAudio.Sub(t.firstText),
		SpeechToAudio: t.firstAudio.Sub(t.speechStopped),
	}
	t.history = append(t.history, report)
	if len(t.history) > latencyHistoryCap {
		t.history = t.history[len(t.history)-latencyHistoryCap:]
	}
	if t.onReport != nil {
		t.onReport(report)
	}

	avgText, avgAudio, avgTotal := t.averages()
	t.logger.Info("turn latency",
		"speech_to_text_ms", report.SpeechToText.Milliseconds(),
		"text_to_audio_ms", report.TextToAudio.Milliseconds(),
		"speech_to_audio_ms", report.SpeechToAudio.Milliseconds(),
		"avg_speech_to_text_ms", avgText.Milliseconds(),
		"avg_text_to_audio_ms", avgAudio.Milliseconds(),
		"avg_speech_to_audio_ms", avgTotal.Milliseconds(),
		"turns", len(t.history),
	)
}

func (t *latencyTracker) averages() (speechToText, textToAudio, speechToAudio time.Duration) {
	if len(t.history) == 0 {
		return 0, 0, 0
	}
	for _, r := range t.history {
		speechToText += r.SpeechToText
		textToAudio += r.TextToAudio
		speechToAudio += r.SpeechToAudio
	}
	n := time.Duration(len(t.history))
	return speechToText / n, textToAudio / n, speechToAudio / n
}

// LastReport returns the most recent completed turn, if any.
func (t *latencyTracker) LastReport() (latencyReport, bool) {
	if len(t.history) == 0 {
		return latencyReport{}, false
	}
	return t.history[len(t.history)-1], true
}
