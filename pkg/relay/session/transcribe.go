package session

import (
	"errors"
	"time"

	"github.com/echogate/echogate/pkg/voice/stt"
)

// Client-facing transcription error codes.
const (
	errCodeDisabled      = "disabled"
	errCodeInvalidState  = "invalid_state"
	errCodeMissingAudio  = "missing_audio"
	errCodeAudioTooLarge = "audio_too_large"
	errCodeAudioTooLong  = "audio_too_long"
	errCodeNoAudio       = "no_audio"
	errCodeRateLimited   = "rate_limited"
	errCodeAuthError     = "auth_error"
	errCodeServerError   = "server_error"
	errCodeInternal      = "internal_error"
)

type captureState int

const (
	captureIdle captureState = iota
	captureRecording
	captureProcessing
)

func (s captureState) String() string {
	switch s {
	case captureRecording:
		return "recording"
	case captureProcessing:
		return "processing"
	default:
		return "idle"
	}
}

// captureError is a transcription failure with a client-facing code.
type captureError struct {
	Code    string
	Message string
}

func (e *captureError) Error() string { return e.Code + ": " + e.Message }

type captureLimits struct {
	MaxBytes    int
	MaxDuration time.Duration
}

// capturePipeline accumulates audio chunks between audio.start and
// audio.end, enforcing byte and wall-clock caps. It is owned by the session
// loop and never accessed concurrently; the provider call itself happens
// outside the pipeline so the loop stays responsive.
type capturePipeline struct {
	enabled bool
	limits  captureLimits

	state   captureState
	chunks  [][]byte
	total   int
	started time.Time
	opts    stt.TranscribeOptions

	now func() time.Time
}

func newCapturePipeline(enabled bool, limits captureLimits) *capturePipeline {
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = 10 << 20
	}
	if limits.MaxDuration <= 0 {
		limits.MaxDuration = 2 * time.Minute
	}
	return &capturePipeline{
		enabled: enabled,
		limits:  limits,
		now:     time.Now,
	}
}

func (p *capturePipeline) State() captureState { return p.state }

// Start begins a capture. Rejections leave existing state untouched.
func (p *capturePipeline) Start(opts stt.TranscribeOptions) *captureError {
	if !p.enabled {
		return &captureError{Code: errCodeDisabled, Message: "transcription is not enabled"}
	}
	if p.state != captureIdle {
		return &captureError{Code: errCodeInvalidState, Message: "capture already in progress, send audio.end first"}
	}
	p.state = captureRecording
	p.chunks = nil
	p.total = 0
	p.started = p.now()
	p.opts = opts
	return nil
}

// Append buffers one decoded audio chunk. A cap breach discards everything
// and drops back to idle.
func (p *capturePipeline) Append(data []byte) *captureError {
	if p.state != captureRecording {
		return &captureError{Code: errCodeInvalidState, Message: "no capture in progress"}
	}
	if len(data) == 0 {
		return &captureError{Code: errCodeMissingAudio, Message: "audio.chunk carried no data"}
	}
	if p.now().Sub(p.started) > p.limits.MaxDuration {
		p.release()
		return &captureError{Code: errCodeAudioTooLong, Message: "capture exceeded maximum duration"}
	}
	if p.total+len(data) > p.limits.MaxBytes {
		p.release()
		return &captureError{Code: errCodeAudioTooLarge, Message: "capture exceeded maximum size"}
	}
	p.chunks = append(p.chunks, data)
	p.total += len(data)
	return nil
}

// End seals the capture and returns the concatenated payload, the elapsed
// recording time, and the format options recorded at Start. The pipeline
// stays in processing until Finish is called.
func (p *capturePipeline) End() ([]byte, time.Duration, stt.TranscribeOptions, *captureError) {
	if p.state != captureRecording {
		return nil, 0, stt.TranscribeOptions{}, &captureError{Code: errCodeInvalidState, Message: "no capture in progress"}
	}
	if p.total == 0 {
		p.release()
		return nil, 0, stt.TranscribeOptions{}, &captureError{Code: errCodeNoAudio, Message: "no audio received before audio.end"}
	}

	elapsed := p.now().Sub(p.started)
	payload := make([]byte, 0, p.total)
	for _, chunk := range p.chunks {
		payload = append(payload, chunk...)
	}
	opts := p.opts

	p.state = captureProcessing
	p.releaseBuffers()
	return payload, elapsed, opts, nil
}

// Finish returns the pipeline to idle after the provider call completes.
func (p *capturePipeline) Finish() {
	p.state = captureIdle
}

// ForceReset releases everything unconditionally. Used on client disconnect;
// no error is emitted because there is nobody left to receive it.
func (p *capturePipeline) ForceReset() {
	p.release()
}

func (p *capturePipeline) release() {
	p.releaseBuffers()
	p.state = captureIdle
}

// releaseBuffers zeroes the captured audio before dropping the references so
// the payload does not linger in reachable memory.
func (p *capturePipeline) releaseBuffers() {
	for i := range p.chunks {
		for j := range p.chunks[i] {
			p.chunks[i][j] = 0
		}
		p.chunks[i] = nil
	}
	p.chunks = nil
	p.total = 0
	p.started = time.Time{}
	p.opts = stt.TranscribeOptions{}
}

// transcriptionErrorCode maps an orchestrator failure onto the fixed
// client-facing vocabulary.
func transcriptionErrorCode(err error) string {
	var upstream *stt.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.Class() {
		case stt.ClassRateLimited:
			return errCodeRateLimited
		case stt.ClassAuth:
			return errCodeAuthError
		case stt.ClassServer:
			return errCodeServerError
		}
	}
	return errCodeInternal
}
