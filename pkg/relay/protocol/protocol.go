package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client message types handled locally by the relay. Anything else is
// forwarded verbatim to the conversational upstream once the session is ready.
const (
	TypeAudioStart = "audio.start"
	TypeAudioChunk = "audio.chunk"
	TypeAudioEnd   = "audio.end"
	TypeTTSStop    = "tts.stop"
)

// Relay-originated event types.
const (
	TypeAudioStarted      = "audio.started"
	TypeTranscriptFinal   = "transcript.final"
	TypeTranscriptError   = "transcript.error"
	TypeTextDelta         = "response.text.delta"
	TypeTTSStart          = "tts.start"
	TypeResponseAudio     = "response.audio.delta"
	TypeResponseAudioDone = "response.audio.done"
	TypeRelayError        = "relay.error"
	TypeRelayNotice       = "relay.notice"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientAudioStart begins an audio capture for transcription.
type ClientAudioStart struct {
	Type       string `json:"type"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// ClientAudioChunk carries one base64-encoded slice of captured audio.
type ClientAudioChunk struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ClientAudioEnd struct {
	Type string `json:"type"`
}

type ClientTTSStop struct {
	Type string `json:"type"`
}

// ClientPassthrough is any message the relay does not handle itself. The raw
// frame is kept so it can be forwarded byte-for-byte to the conversational
// upstream.
type ClientPassthrough struct {
	Type string
	Raw  []byte
}

// DecodeClientMessage routes a client frame by its `type` field. Recognized
// control types are strictly decoded; unknown types decode to
// ClientPassthrough and are never an error here — the Auth-First gate in the
// session decides whether they may be forwarded.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAudioStart:
		var msg ClientAudioStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.start frame", "")
		}
		if strings.TrimSpace(msg.Format) == "" {
			return nil, badRequest("audio.start.format is required", "format")
		}
		if msg.SampleRate < 0 {
			return nil, badRequest("audio.start.sampleRate must be >= 0", "sampleRate")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.chunk frame", "")
		}
		return msg, nil
	case TypeAudioEnd:
		var msg ClientAudioEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio.end frame", "")
		}
		return msg, nil
	case TypeTTSStop:
		var msg ClientTTSStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tts.stop frame", "")
		}
		return msg, nil
	default:
		return ClientPassthrough{Type: typ, Raw: data}, nil
	}
}

// --- relay-originated events ---

type ServerAudioStarted struct {
	Type string `json:"type"`
}

type ServerTranscriptFinal struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	DurationMS int64  `json:"duration_ms"`
	Provider   string `json:"provider"`
	Failover   bool   `json:"failover,omitempty"`
}

type ServerTranscriptError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerTextDelta is the normalized form of upstream text-bearing deltas.
type ServerTextDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
}

type ServerTTSStart struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
}

type ServerAudioDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Encoding   string `json:"encoding"`
}

type ServerAudioDone struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
}

type RelayErrorBody struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ServerRelayError struct {
	Type  string         `json:"type"`
	Error RelayErrorBody `json:"error"`
}

func NewRelayError(message string, details map[string]any) ServerRelayError {
	return ServerRelayError{Type: TypeRelayError, Error: RelayErrorBody{Message: message, Details: details}}
}

// ServerRelayNotice is an advisory message from the relay itself, e.g. a
// shutdown warning during drain. It never terminates the session.
type ServerRelayNotice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerSessionCreated is the sanitized acknowledgment mirrored to the client
// when the conversational upstream confirms session creation.
type ServerSessionCreated struct {
	Type string `json:"type"`
}
