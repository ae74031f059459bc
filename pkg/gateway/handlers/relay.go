package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/echogate/echogate/pkg/gateway/config"
	"github.com/echogate/echogate/pkg/gateway/lifecycle"
	"github.com/echogate/echogate/pkg/gateway/metrics"
	"github.com/echogate/echogate/pkg/gateway/mw"
	"github.com/echogate/echogate/pkg/gateway/sessions"
	"github.com/echogate/echogate/pkg/relay/protocol"
	"github.com/echogate/echogate/pkg/relay/session"
)

// RelayHandler upgrades /v1/relay requests and runs one relay session per
// connection.
type RelayHandler struct {
	Config      config.Config
	Logger      *slog.Logger
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Tracker
	Metrics     *metrics.Metrics
	Store       session.ContextStore
	Transcriber session.Transcriber
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorJSON(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeErrorJSON(w, r, http.StatusServiceUnavailable, "gateway is draining")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}
	if readWait := clientReadWait(h.Config.PingInterval); readWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
	}

	sessionID := "s_" + uuid.NewString()
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		conversationID = sessionID
	}

	s := session.New(conn, session.Config{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Conversation: session.ConversationConfig{
			BaseWSURL:              h.Config.Conversation.URL,
			APIKey:                 h.Config.Conversation.APIKey,
			Model:                  h.Config.Conversation.Model,
			Persona:                h.Config.Conversation.Persona,
			TurnDetectionThreshold: h.Config.Conversation.TurnDetectionThreshold,
			TurnSilenceMS:          h.Config.Conversation.TurnSilenceMS,
			TranscriptionModel:     h.Config.Conversation.TranscriptionModel,
			WriteTimeout:           h.Config.WriteTimeout,
		},
		Synthesis: session.SynthesisConfig{
			BaseWSURL:      h.Config.Synthesis.URL,
			APIKey:         h.Config.Synthesis.APIKey,
			VoiceID:        h.Config.Synthesis.VoiceID,
			ModelID:        h.Config.Synthesis.ModelID,
			OutputEncoding: h.Config.Synthesis.OutputEncoding,
			ReconnectDelay: h.Config.Synthesis.ReconnectDelay,
			WriteTimeout:   h.Config.WriteTimeout,
		},
		Capture: session.CaptureConfig{
			Enabled:     h.Config.STT.Enabled,
			MaxBytes:    h.Config.STT.MaxAudioBytes,
			MaxDuration: h.Config.STT.MaxCaptureDuration,
		},
		HistoryLimit: h.Config.HistoryLimit,
		PingInterval: h.Config.PingInterval,
		WriteTimeout: h.Config.WriteTimeout,
		StoreTimeout: h.Config.StoreTimeout,
	}, session.Deps{
		Logger:      h.Logger,
		Metrics:     h.Metrics,
		Store:       h.Store,
		Transcriber: h.Transcriber,
	})

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, sessions.Handle{
			Cancel: s.Cancel,
			Notify: s.Notify,
		})
	}
	defer unregister()

	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.Logger != nil {
		h.Logger.Info("relay session accepted",
			"session_id", sessionID,
			"conversation_id", conversationID,
			"request_id", reqID,
			"remote", r.RemoteAddr)
	}

	s.Run(r.Context())
}

// clientReadWait is how long the session tolerates a silent client socket.
// The writer pings at pingInterval, so two missed pongs end the connection.
func clientReadWait(pingInterval time.Duration) time.Duration {
	if pingInterval <= 0 {
		return 0
	}
	return 3 * pingInterval
}

func writeErrorJSON(w http.ResponseWriter, r *http.Request, status int, message string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.NewRelayError(message, map[string]any{"request_id": reqID}))
}
