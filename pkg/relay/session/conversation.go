package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultConversationWSBase = "wss://api.openai.com/v1/realtime"

type convState int

const (
	convConnecting convState = iota
	convAwaitingCreated
	convConfiguring
	convActive
	convClosed
)

func (s convState) String() string {
	switch s {
	case convAwaitingCreated:
		return "awaiting_created"
	case convConfiguring:
		return "configuring"
	case convActive:
		return "active"
	case convClosed:
		return "closed"
	default:
		return "connecting"
	}
}

type ConversationConfig struct {
	BaseWSURL string
	APIKey    string
	Model     string

	Persona                string
	TurnDetectionThreshold float64
	TurnSilenceMS          int
	TranscriptionModel     string

	WriteTimeout time.Duration
}

// convSocket is the subset of *websocket.Conn the link uses.
type convSocket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

type convDialer func(ctx context.Context, cfg ConversationConfig) (convSocket, error)

// convFrame is one upstream message, or a close notification, delivered
// into the session loop.
type convFrame struct {
	data   []byte
	closed bool
	reason string
}

// historyItem is one prior conversation message replayed into the upstream
// after configuration.
type historyItem struct {
	Role    string
	Content string
}

// conversationLink owns the socket to the conversational upstream and the
// handshake ordering: the session configuration may only be sent after the
// upstream confirms creation, and client content may only be forwarded once
// configuration is on the wire. Turn triggers are deduplicated here via
// responsePending.
type conversationLink struct {
	cfg    ConversationConfig
	dial   convDialer
	frames chan<- convFrame
	logger *slog.Logger

	sock  convSocket
	state convState
	done  chan struct{}

	responsePending bool
	responseID      string
}

func newConversationLink(cfg ConversationConfig, dial convDialer, frames chan<- convFrame, logger *slog.Logger) *conversationLink {
	if dial == nil {
		dial = dialConversationUpstream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &conversationLink{cfg: cfg, dial: dial, frames: frames, logger: logger, done: make(chan struct{})}
}

// Connect dials the upstream and starts the read pump. The link then waits
// for the creation confirmation before anything else may be sent.
func (l *conversationLink) Connect(ctx context.Context) error {
	sock, err := l.dial(ctx, l.cfg)
	if err != nil {
		l.state = convClosed
		return fmt.Errorf("conversation dial: %w", err)
	}
	l.sock = sock
	l.state = convAwaitingCreated
	go l.pump(sock)
	return nil
}

func (l *conversationLink) State() convState { return l.state }

// Ready reports whether client content may be forwarded upstream.
func (l *conversationLink) Ready() bool { return l.state == convActive }

// MarkCreated transitions out of the creation wait. It returns false when
// the confirmation arrives in any other state, which callers treat as a
// protocol violation to log and ignore.
func (l *conversationLink) MarkCreated() bool {
	if l.state != convAwaitingCreated {
		return false
	}
	l.state = convConfiguring
	return true
}

// Configure sends the one-time session configuration, replays prior
// conversation history, and activates the link. Calling order is enforced by
// MarkCreated; Configure in any state but configuring is an error.
func (l *conversationLink) Configure(history []historyItem) error {
	if l.state != convConfiguring {
		return fmt.Errorf("configure in state %s", l.state)
	}
	if err := l.writeJSON(l.sessionUpdatePayload()); err != nil {
		return err
	}
	for _, item := range history {
		if err := l.writeJSON(conversationItemPayload(item)); err != nil {
			return err
		}
	}
	l.state = convActive
	return nil
}

// TriggerTurn requests a new assistant turn unless one is already pending.
// It returns whether the request was actually sent.
func (l *conversationLink) TriggerTurn() (bool, error) {
	if !l.Ready() || l.responsePending {
		return false, nil
	}
	if err := l.writeJSON(map[string]any{"type": "response.create"}); err != nil {
		return false, err
	}
	l.responsePending = true
	return true, nil
}

// TurnDone clears the pending flag when the upstream reports completion.
func (l *conversationLink) TurnDone() { l.responsePending = false }

func (l *conversationLink) ResponsePending() bool { return l.responsePending }

// SetResponseID records the id of the turn currently streaming.
func (l *conversationLink) SetResponseID(id string) {
	if id != "" {
		l.responseID = id
	}
}

func (l *conversationLink) ResponseID() string { return l.responseID }

// ForwardRaw passes a client message upstream verbatim.
func (l *conversationLink) ForwardRaw(data []byte) error {
	if !l.Ready() {
		return fmt.Errorf("conversation link not ready")
	}
	return l.write(data)
}

func (l *conversationLink) Close() {
	if l.sock != nil {
		_ = l.sock.Close()
		l.sock = nil
	}
	if l.state != convClosed {
		close(l.done)
	}
	l.state = convClosed
}

func (l *conversationLink) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.write(data)
}

func (l *conversationLink) write(data []byte) error {
	if l.sock == nil {
		return fmt.Errorf("conversation socket closed")
	}
	timeout := l.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = l.sock.SetWriteDeadline(time.Now().Add(timeout))
	return l.sock.WriteMessage(websocket.TextMessage, data)
}

func (l *conversationLink) pump(sock convSocket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			reason := strings.TrimSpace(err.Error())
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text))
			}
			select {
			case l.frames <- convFrame{closed: true, reason: reason}:
			case <-l.done:
			}
			return
		}
		select {
		case l.frames <- convFrame{data: data}:
		case <-l.done:
			return
		}
	}
}

func (l *conversationLink) sessionUpdatePayload() map[string]any {
	threshold := l.cfg.TurnDetectionThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	silenceMS := l.cfg.TurnSilenceMS
	if silenceMS <= 0 {
		silenceMS = 500
	}
	session := map[string]any{
		"modalities": []string{"text"},
		"turn_detection": map[string]any{
			"type":                "server_vad",
			"threshold":           threshold,
			"silence_duration_ms": silenceMS,
			"create_response":     false,
		},
	}
	if persona := strings.TrimSpace(l.cfg.Persona); persona != "" {
		session["instructions"] = persona
	}
	if model := strings.TrimSpace(l.cfg.TranscriptionModel); model != "" {
		session["input_audio_transcription"] = map[string]any{"model": model}
	}
	return map[string]any{
		"type":    "session.update",
		"session": session,
	}
}

func conversationItemPayload(item historyItem) map[string]any {
	contentType := "input_text"
	if item.Role == "assistant" {
		contentType = "text"
	}
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": item.Role,
			"content": []map[string]any{
				{"type": contentType, "text": item.Content},
			},
		},
	}
}

func dialConversationUpstream(ctx context.Context, cfg ConversationConfig) (convSocket, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("conversation api key is required")
	}
	base := strings.TrimSpace(cfg.BaseWSURL)
	if base == "" {
		base = defaultConversationWSBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	if q.Get("model") == "" && strings.TrimSpace(cfg.Model) != "" {
		q.Set("model", strings.TrimSpace(cfg.Model))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
