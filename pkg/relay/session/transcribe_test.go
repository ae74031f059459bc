package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/echogate/echogate/pkg/voice/stt"
)

func newTestPipeline(limits captureLimits) (*capturePipeline, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	p := newCapturePipeline(true, limits)
	p.now = clock.now
	return p, clock
}

func TestCaptureLifecycle(t *testing.T) {
	p, clock := newTestPipeline(captureLimits{MaxBytes: 1024, MaxDuration: time.Minute})

	if err := p.Start(stt.TranscribeOptions{Format: "webm", SampleRate: 16000}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != captureRecording {
		t.Fatalf("state = %v, want recording", p.State())
	}

	if err := p.Append([]byte("abc")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := p.Append([]byte("defg")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	clock.advance(2 * time.Second)

	payload, elapsed, opts, cerr := p.End()
	if cerr != nil {
		t.Fatalf("End: %v", cerr)
	}
	if !bytes.Equal(payload, []byte("abcdefg")) {
		t.Fatalf("payload = %q", payload)
	}
	if elapsed != 2*time.Second {
		t.Fatalf("elapsed = %v", elapsed)
	}
	if opts.Format != "webm" || opts.SampleRate != 16000 {
		t.Fatalf("opts = %+v", opts)
	}
	if p.State() != captureProcessing {
		t.Fatalf("state = %v, want processing", p.State())
	}

	p.Finish()
	if p.State() != captureIdle {
		t.Fatalf("state = %v, want idle", p.State())
	}
}

func TestCaptureDisabled(t *testing.T) {
	p := newCapturePipeline(false, captureLimits{})
	err := p.Start(stt.TranscribeOptions{})
	if err == nil || err.Code != errCodeDisabled {
		t.Fatalf("err = %v, want %s", err, errCodeDisabled)
	}
	if p.State() != captureIdle {
		t.Fatalf("state = %v, want idle", p.State())
	}
}

func TestCaptureStartWhileRecording(t *testing.T) {
	p, _ := newTestPipeline(captureLimits{MaxBytes: 1024, MaxDuration: time.Minute})
	if err := p.Start(stt.TranscribeOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Append([]byte("abc")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	err := p.Start(stt.TranscribeOptions{})
	if err == nil || err.Code != errCodeInvalidState {
		t.Fatalf("err = %v, want %s", err, errCodeInvalidState)
	}
	// The rejection must not disturb the in-flight capture.
	if p.State() != captureRecording || p.total != 3 || len(p.chunks) != 1 {
		t.Fatalf("capture mutated: state=%v total=%d chunks=%d", p.State(), p.total, len(p.chunks))
	}
}

func TestCaptureByteTotalTracksChunks(t *testing.T) {
	p, _ := newTestPipeline(captureLimits{MaxBytes: 100, MaxDuration: time.Minute})
	if err := p.Start(stt.TranscribeOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := 0
	for _, chunk := range [][]byte{{1, 2, 3}, {4}, {5, 6, 7, 8, 9}} {
		if err := p.Append(chunk); err != nil {
			t.Fatalf("Append: %v", err)
		}
		want += len(chunk)
		if p.total != want {
			t.Fatalf("total = %d, want %d", p.total, want)
		}
	}
}

func TestCaptureByteCapBreach(t *testing.T) {
	p, _ := newTestPipeline(captureLimits{MaxBytes: 5, MaxDuration: time.Minute})
	if err := p.Start(stt.TranscribeOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Append([]byte("abc")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	err := p.Append([]byte("defg"))
	if err == nil || err.Code != errCodeAudioTooLarge {
		t.Fatalf("err = %v, want %s", err, errCodeAudioTooLarge)
	}
	if p.State() != captureIdle || p.total != 0 || p.chunks != nil {
		t.Fatalf("buffers not released: state=%v total=%d chunks=%v", p.State(), p.total, p.chunks)
	}
}

func TestCaptureDurationCapBreach(t *testing.T) {
	p, clock := newTestPipeline(captureLimits{MaxBytes: 1024, MaxDuration: time.Second})
	if err := p.Start(stt.TranscribeOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Append([]byte("abc")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	clock.advance(2 * time.Second)
	err := p.Append([]byte("def"))
	if err == nil || err.Code != errCodeAudioTooLong {
		t.Fatalf("err = %v, want %s", err, errCodeAudioTooLong)
	}
	if p.State() != captureIdle || p.total != 0 {
		t.Fatalf("buffers not released: state=%v total=%d", p.State(), p.total)
	}
}

func TestCaptureChunkWithoutStart(t *testing.T) {
	p, _ := newTestPipeline(captureLimits{MaxBytes: 1024, MaxDuration: time.Minute})
	err := p.Append([]byte("abc"))
	if err == nil || err.Code != errCodeInvalidState {
		t.Fatalf("err = %v, want %s", err, errCodeInvalidState)
	}
}

func TestCaptureEmptyChunk(t *testing.T) {
	p, _ := newTestPipeline(captureLimits{MaxBytes: 1024, MaxDuration: time.Minute})
	if err := p.Start(stt.TranscribeOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := p.Append(nil)
	if err == nil || err.Code != errCodeMissingAudio {
		t.Fatalf("err = %v, want %s", err, errCodeMissingAudio)
	}
	if p.State() != captureRecording {
		t.Fatalf("state = %v, want recording", p.State())
	}
}

func TestCaptureEndWithoutAudio(t *testing.T) {
	p, _ := newTestPipeline(captureLimits{MaxBytes: 1024, MaxDuration: time.Minute})
	if err := p.Start(stt.TranscribeOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, _, _, err := p.End()
	if err == nil || err.Code != errCodeNoAudio {
		t.Fatalf("err = %v, want %s", err, errCodeNoAudio)
	}
	if p.State() != captureIdle {
		t.Fatalf("state = %v, want idle", p.State())
	}
}

func TestCaptureForceResetMidRecording(t *testing.T) {
	p, _ := newTestPipeline(captureLimits{MaxBytes: 1024, MaxDuration: time.Minute})
	if err := p.Start(stt.TranscribeOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, chunk := range [][]byte{{1}, {2}, {3}} {
		if err := p.Append(chunk); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	p.ForceReset()
	if p.State() != captureIdle || p.total != 0 || p.chunks != nil {
		t.Fatalf("force reset incomplete: state=%v total=%d chunks=%v", p.State(), p.total, p.chunks)
	}
}

func TestTranscriptionErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&stt.UpstreamError{StatusCode: 429}, errCodeRateLimited},
		{&stt.UpstreamError{StatusCode: 401}, errCodeAuthError},
		{&stt.UpstreamError{StatusCode: 503}, errCodeServerError},
		{&stt.UpstreamError{StatusCode: 400}, errCodeInternal},
		{&stt.FailoverError{Primary: &stt.UpstreamError{StatusCode: 429}, Secondary: &stt.UpstreamError{StatusCode: 500}}, errCodeServerError},
		{errAny, errCodeInternal},
	}
	for _, tc := range cases {
		if got := transcriptionErrorCode(tc.err); got != tc.want {
			t.Errorf("transcriptionErrorCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

var errAny = &captureError{Code: "x", Message: "y"}
