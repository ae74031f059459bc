package protocol

import (
	"encoding/json"
	"strings"
)

// Conversational-upstream event types the relay inspects. Everything else is
// mirrored to the client unchanged.
const (
	UpstreamSessionCreated  = "session.created"
	UpstreamSpeechStopped   = "input_audio_buffer.speech_stopped"
	UpstreamTextDelta       = "response.text.delta"
	UpstreamTranscriptDelta = "response.audio_transcript.delta"
	UpstreamAudioDelta      = "response.audio.delta"
	UpstreamAudioDone       = "response.audio.done"
	UpstreamTextDone        = "response.text.done"
	UpstreamTranscriptDone  = "response.audio_transcript.done"
	UpstreamResponseDone    = "response.done"
	UpstreamError           = "error"
	UpstreamSessionUpdate   = "session.update"
	UpstreamResponseCreate  = "response.create"
)

// UpstreamEvent is the decoded envelope of a conversational-upstream frame.
// Raw keeps the original bytes for verbatim pass-through.
type UpstreamEvent struct {
	Type       string
	ResponseID string
	Delta      string
	Raw        []byte
}

func ParseUpstreamEvent(data []byte) (UpstreamEvent, error) {
	var envelope struct {
		Type       string `json:"type"`
		ResponseID string `json:"response_id"`
		Delta      string `json:"delta"`
		Response   struct {
			ID string `json:"id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return UpstreamEvent{}, err
	}
	ev := UpstreamEvent{
		Type:  strings.TrimSpace(envelope.Type),
		Delta: envelope.Delta,
		Raw:   data,
	}
	ev.ResponseID = strings.TrimSpace(envelope.ResponseID)
	if ev.ResponseID == "" {
		ev.ResponseID = strings.TrimSpace(envelope.Response.ID)
	}
	return ev, nil
}

// IsTextDelta reports whether the event carries assistant text that must be
// intercepted, fed to speech synthesis, and normalized for the client.
func IsTextDelta(eventType string) bool {
	switch eventType {
	case UpstreamTextDelta, UpstreamTranscriptDelta:
		return true
	default:
		return false
	}
}

// IsNativeAudio reports whether the event is upstream-native audio, which the
// relay suppresses entirely (audio always comes from the synthesis link).
func IsNativeAudio(eventType string) bool {
	switch eventType {
	case UpstreamAudioDelta, UpstreamAudioDone:
		return true
	default:
		return false
	}
}

// IsTurnDone reports whether the event marks the end of assistant text for the
// current turn and should flush the synthesis link.
func IsTurnDone(eventType string) bool {
	switch eventType {
	case UpstreamTextDone, UpstreamTranscriptDone, UpstreamResponseDone:
		return true
	default:
		return false
	}
}
