// Package session implements the per-connection relay: one client websocket
// multiplexed against a conversational upstream and a speech-synthesis
// upstream, plus a bounded audio-capture pipeline feeding the transcription
// orchestrator. Each session is single-threaded: every piece of mutable state
// is owned by the Run loop, and the read pumps, writer, and provider calls
// communicate with it only through channels.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echogate/echogate/pkg/gateway/metrics"
	"github.com/echogate/echogate/pkg/relay/protocol"
	"github.com/echogate/echogate/pkg/voice/stt"
)

// ClientSocket is the client-side websocket. *websocket.Conn satisfies it.
type ClientSocket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type CaptureConfig struct {
	Enabled     bool
	MaxBytes    int
	MaxDuration time.Duration
}

type Config struct {
	SessionID      string
	ConversationID string

	Conversation ConversationConfig
	Synthesis    SynthesisConfig
	Capture      CaptureConfig

	HistoryLimit int
	PingInterval time.Duration
	WriteTimeout time.Duration
	StoreTimeout time.Duration
}

// StoredMessage is one prior conversation message from the persistence
// collaborator.
type StoredMessage struct {
	Role    string
	Content string
}

// ContextStore fetches and appends conversation context. Implementations
// must provide read-after-write consistency: a message appended by one
// session is visible to the next session's History call.
type ContextStore interface {
	History(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error)
	Append(ctx context.Context, conversationID, role, content string) error
}

// Transcriber is the orchestrated speech-to-text call. *stt.Orchestrator
// satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Result, error)
}

type Deps struct {
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Store       ContextStore
	Transcriber Transcriber
}

// sttOutcome carries a finished provider call back into the session loop.
type sttOutcome struct {
	result  *stt.Result
	err     error
	elapsed time.Duration
}

type Session struct {
	id             string
	conversationID string
	cfg            Config
	logger         *slog.Logger
	metrics        *metrics.Metrics
	store          ContextStore
	transcriber    Transcriber
	red            *redactor

	ws        ClientSocket
	outbound  chan []byte
	writerErr chan error

	convFrames  chan convFrame
	conv        *conversationLink
	synthEvents chan synthEvent
	synthDials  chan synthDialResult
	synth       *synthLink
	sttCh       chan sttOutcome

	capture *capturePipeline
	latency *latencyTracker

	reconnect   *time.Timer
	reconnectCh <-chan time.Time

	ttsStarted    bool
	turnFlushed   bool
	assistantText strings.Builder

	// test hooks; nil means dial the real upstreams
	convDial  convDialer
	synthDial synthDialer

	quit     chan struct{}
	quitOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
}

func New(ws ClientSocket, cfg Config, deps Deps) *Session {
	id := strings.TrimSpace(cfg.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id)

	s := &Session{
		id:             id,
		conversationID: strings.TrimSpace(cfg.ConversationID),
		cfg:            cfg,
		logger:         logger,
		metrics:        deps.Metrics,
		store:          deps.Store,
		transcriber:    deps.Transcriber,
		red:            newRedactor(cfg.Conversation.APIKey, cfg.Synthesis.APIKey),

		ws:        ws,
		outbound:  make(chan []byte, 256),
		writerErr: make(chan error, 1),

		convFrames:  make(chan convFrame, 64),
		synthEvents: make(chan synthEvent, 256),
		synthDials:  make(chan synthDialResult, 4),
		sttCh:       make(chan sttOutcome, 1),

		capture: newCapturePipeline(cfg.Capture.Enabled && deps.Transcriber != nil, captureLimits{
			MaxBytes:    cfg.Capture.MaxBytes,
			MaxDuration: cfg.Capture.MaxDuration,
		}),
		latency: newLatencyTracker(logger),

		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.latency.onReport = func(r latencyReport) {
		s.metrics.ObserveTurn(r.SpeechToText, r.TextToAudio, r.SpeechToAudio)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Cancel asks the Run loop to exit. It only signals; all state cleanup
// happens on the loop goroutine via its deferred teardown, so Cancel is safe
// to call from any goroutine at any time, including before Run starts.
func (s *Session) Cancel() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Notify queues an advisory notice for the client, e.g. a shutdown warning
// during drain. Safe to call from other goroutines.
func (s *Session) Notify(message string) error {
	data, err := json.Marshal(protocol.ServerRelayNotice{Type: protocol.TypeRelayNotice, Message: message})
	if err != nil {
		return err
	}
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return errors.New("session closed")
	default:
		return errors.New("outbound queue full")
	}
}

// Run drives the session until the client disconnects, the conversational
// upstream closes, or ctx is cancelled. It owns all session state; nothing
// else mutates it.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()
	defer s.teardown()

	writer := &clientWriter{
		ws:           s.ws,
		ctx:          ctx,
		out:          s.outbound,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
	}
	go func() { s.writerErr <- writer.Run() }()

	s.conv = newConversationLink(s.cfg.Conversation, s.convDial, s.convFrames, s.logger)
	if err := s.conv.Connect(ctx); err != nil {
		s.metrics.UpstreamError("conversation")
		s.logger.Error("conversation connect failed", "error", s.red.ScrubError(err))
		s.sendEvent(ctx, protocol.NewRelayError("conversation upstream unavailable", nil))
	}

	s.synth = newSynthLink(s.cfg.Synthesis, s.synthDial, s.synthEvents, s.synthDials, s.logger)

	readCh := make(chan []byte, 32)
	go s.readClient(readCh)

	s.logger.Info("session started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			s.logger.Info("session cancelled")
			return
		case err := <-s.writerErr:
			if err != nil {
				s.logger.Warn("client writer stopped", "error", s.red.ScrubError(err))
			}
			return
		case raw, ok := <-readCh:
			if !ok {
				s.logger.Info("client disconnected")
				return
			}
			s.handleClientMessage(ctx, raw)
		case frame := <-s.convFrames:
			if frame.closed {
				s.handleConversationClosed(ctx, frame)
				return
			}
			s.handleConversationFrame(ctx, frame.data)
		case ev := <-s.synthEvents:
			s.handleSynthEvent(ctx, ev)
		case res := <-s.synthDials:
			if err := s.synth.HandleDialed(res); err != nil {
				s.metrics.UpstreamError("synthesis")
				s.logger.Warn("synthesis connect failed", "error", s.red.ScrubError(err))
			}
		case out := <-s.sttCh:
			s.handleTranscription(ctx, out)
		case <-s.reconnectCh:
			s.reconnectCh = nil
			s.synth.Connect(ctx)
		}
	}
}

func (s *Session) readClient(out chan<- []byte) {
	defer close(out)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case out <- data:
		case <-s.done:
			return
		}
	}
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.reconnect != nil {
			s.reconnect.Stop()
		}
		if s.conv != nil {
			s.conv.Close()
		}
		if s.synth != nil {
			s.synth.Close()
		}
		s.capture.ForceReset()
		_ = s.ws.Close()
		s.logger.Info("session closed")
	})
}

func (s *Session) handleClientMessage(ctx context.Context, raw []byte) {
	msg, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		s.sendEvent(ctx, protocol.NewRelayError(err.Error(), nil))
		return
	}

	switch m := msg.(type) {
	case protocol.ClientAudioStart:
		s.metrics.ClientMessage(protocol.TypeAudioStart)
		opts := stt.TranscribeOptions{Format: m.Format, SampleRate: m.SampleRate, Encoding: m.Encoding}
		if cerr := s.capture.Start(opts); cerr != nil {
			s.sendTranscriptError(ctx, cerr.Code, cerr.Message)
			return
		}
		s.sendEvent(ctx, protocol.ServerAudioStarted{Type: protocol.TypeAudioStarted})

	case protocol.ClientAudioChunk:
		s.metrics.ClientMessage(protocol.TypeAudioChunk)
		if strings.TrimSpace(m.Data) == "" {
			s.sendTranscriptError(ctx, errCodeMissingAudio, "audio.chunk carried no data")
			return
		}
		data, derr := decodeBase64Any(m.Data)
		if derr != nil || len(data) == 0 {
			s.sendTranscriptError(ctx, errCodeMissingAudio, "audio.chunk data is not valid base64")
			return
		}
		if cerr := s.capture.Append(data); cerr != nil {
			s.sendTranscriptError(ctx, cerr.Code, cerr.Message)
		}

	case protocol.ClientAudioEnd:
		s.metrics.ClientMessage(protocol.TypeAudioEnd)
		payload, elapsed, opts, cerr := s.capture.End()
		if cerr != nil {
			s.sendTranscriptError(ctx, cerr.Code, cerr.Message)
			return
		}
		go s.runTranscription(ctx, payload, elapsed, opts)

	case protocol.ClientTTSStop:
		s.metrics.ClientMessage(protocol.TypeTTSStop)
		s.synth.Stop()
		s.scheduleSynthReconnect()

	case protocol.ClientPassthrough:
		if !s.conv.Ready() {
			s.logger.Debug("dropped client message before session ready", "type", m.Type)
			return
		}
		if ferr := s.conv.ForwardRaw(m.Raw); ferr != nil {
			s.metrics.UpstreamError("conversation")
			s.logger.Warn("forward to conversation failed", "type", m.Type, "error", s.red.ScrubError(ferr))
			s.sendEvent(ctx, protocol.NewRelayError("conversation upstream write failed", nil))
		}
	}
}

// runTranscription performs the provider call off the loop and posts the
// outcome back through sttCh.
func (s *Session) runTranscription(ctx context.Context, payload []byte, elapsed time.Duration, opts stt.TranscribeOptions) {
	res, err := s.transcriber.Transcribe(ctx, payload, opts)
	select {
	case s.sttCh <- sttOutcome{result: res, err: err, elapsed: elapsed}:
	case <-s.done:
	}
}

func (s *Session) handleTranscription(ctx context.Context, out sttOutcome) {
	s.capture.Finish()
	if out.err != nil {
		code := transcriptionErrorCode(out.err)
		s.metrics.TranscriptionFailed(providerFromError(out.err))
		s.logger.Warn("transcription failed", "code", code, "error", s.red.ScrubError(out.err))
		s.sendTranscriptError(ctx, code, transcriptionErrorMessage(code))
		return
	}
	s.metrics.TranscriptionDone(out.result.Provider, out.result.Failover)
	s.sendEvent(ctx, protocol.ServerTranscriptFinal{
		Type:       protocol.TypeTranscriptFinal,
		Text:       out.result.Text,
		DurationMS: out.elapsed.Milliseconds(),
		Provider:   out.result.Provider,
		Failover:   out.result.Failover,
	})
	s.persist("user", out.result.Text)
}

func (s *Session) handleConversationFrame(ctx context.Context, data []byte) {
	ev, err := protocol.ParseUpstreamEvent(data)
	if err != nil {
		s.logger.Debug("unparseable conversation frame", "error", err)
		return
	}

	switch {
	case ev.Type == protocol.UpstreamSessionCreated:
		if !s.conv.MarkCreated() {
			s.logger.Warn("unexpected session.created", "state", s.conv.State().String())
			return
		}
		s.sendEvent(ctx, protocol.ServerSessionCreated{Type: protocol.UpstreamSessionCreated})
		if cerr := s.conv.Configure(s.fetchHistory(ctx)); cerr != nil {
			s.metrics.UpstreamError("conversation")
			s.logger.Error("conversation configure failed", "error", s.red.ScrubError(cerr))
			s.sendEvent(ctx, protocol.NewRelayError("conversation configuration failed", nil))
			return
		}
		s.logger.Info("conversation ready")

	case ev.Type == protocol.UpstreamSpeechStopped:
		s.latency.MarkSpeechStopped()
		s.ttsStarted = false
		s.turnFlushed = false
		sent, terr := s.conv.TriggerTurn()
		if terr != nil {
			s.metrics.UpstreamError("conversation")
			s.logger.Warn("turn trigger failed", "error", s.red.ScrubError(terr))
			s.sendEvent(ctx, protocol.NewRelayError("conversation upstream write failed", nil))
		} else if !sent {
			s.logger.Debug("duplicate speech stop ignored")
		}
		s.enqueue(ctx, data)

	case protocol.IsTextDelta(ev.Type):
		s.conv.SetResponseID(ev.ResponseID)
		s.synth.Connect(ctx)
		s.synth.SendText(ev.Delta)
		s.latency.MarkFirstText()
		s.assistantText.WriteString(ev.Delta)
		s.sendEvent(ctx, protocol.ServerTextDelta{
			Type:       protocol.TypeTextDelta,
			ResponseID: s.conv.ResponseID(),
			Delta:      ev.Delta,
		})

	case protocol.IsNativeAudio(ev.Type):
		// Audio always comes from the synthesis link; upstream-native audio
		// is suppressed.

	case protocol.IsTurnDone(ev.Type):
		if !s.turnFlushed {
			s.turnFlushed = true
			s.synth.Flush()
		}
		if ev.Type == protocol.UpstreamResponseDone {
			s.conv.TurnDone()
			if text := s.assistantText.String(); strings.TrimSpace(text) != "" {
				s.persist("assistant", text)
			}
			s.assistantText.Reset()
		}
		s.enqueue(ctx, data)

	case ev.Type == protocol.UpstreamError:
		s.metrics.UpstreamError("conversation")
		s.logger.Warn("conversation upstream error", "detail", s.red.Scrub(upstreamErrorMessage(data)))
		s.sendEvent(ctx, protocol.NewRelayError("conversation upstream reported an error", nil))

	default:
		s.enqueue(ctx, data)
	}
}

// handleConversationClosed surfaces the upstream close and ends the session.
// A dead conversational upstream leaves nothing to relay.
func (s *Session) handleConversationClosed(ctx context.Context, frame convFrame) {
	s.metrics.UpstreamError("conversation")
	s.logger.Warn("conversation upstream closed", "reason", s.red.Scrub(frame.reason))
	s.sendEvent(ctx, protocol.NewRelayError("conversation upstream closed", nil))
}

func (s *Session) handleSynthEvent(ctx context.Context, ev synthEvent) {
	if ev.closed {
		live := ev.gen == s.synth.CurrentGen()
		s.synth.HandleClosed(ev)
		if live {
			s.logger.Warn("synthesis upstream closed", "reason", s.red.Scrub(ev.reason))
		}
		return
	}
	if ev.gen != s.synth.CurrentGen() {
		return
	}
	if ev.reason != "" {
		s.metrics.UpstreamError("synthesis")
		s.logger.Warn("synthesis upstream error", "detail", s.red.Scrub(ev.reason))
		return
	}

	if len(ev.audio) > 0 {
		if !s.ttsStarted {
			s.ttsStarted = true
			s.latency.MarkFirstAudio()
			s.sendEvent(ctx, protocol.ServerTTSStart{
				Type:       protocol.TypeTTSStart,
				ResponseID: s.conv.ResponseID(),
			})
		}
		s.sendEvent(ctx, protocol.ServerAudioDelta{
			Type:       protocol.TypeResponseAudio,
			ResponseID: s.conv.ResponseID(),
			Delta:      base64.StdEncoding.EncodeToString(ev.audio),
			Encoding:   s.cfg.Synthesis.OutputEncoding,
		})
	}
	if ev.final {
		s.sendEvent(ctx, protocol.ServerAudioDone{
			Type:       protocol.TypeResponseAudioDone,
			ResponseID: s.conv.ResponseID(),
		})
		s.ttsStarted = false
	}
}

func (s *Session) scheduleSynthReconnect() {
	delay := s.cfg.Synthesis.ReconnectDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.reconnect = time.NewTimer(delay)
	s.reconnectCh = s.reconnect.C
}

// fetchHistory loads prior conversation context for the one-time session
// configuration. It runs on the loop, but nothing can proceed until
// configuration is sent anyway, and the call carries its own timeout.
func (s *Session) fetchHistory(ctx context.Context) []historyItem {
	if s.store == nil || s.conversationID == "" {
		return nil
	}
	limit := s.cfg.HistoryLimit
	if limit <= 0 {
		limit = 20
	}
	hctx, cancel := context.WithTimeout(ctx, s.storeTimeout())
	defer cancel()
	msgs, err := s.store.History(hctx, s.conversationID, limit)
	if err != nil {
		s.logger.Warn("history fetch failed", "error", s.red.ScrubError(err))
		return nil
	}
	items := make([]historyItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, historyItem{Role: m.Role, Content: m.Content})
	}
	return items
}

// persist appends one message to the conversation context off the loop.
// Failures are logged and dropped; persistence never blocks the relay.
func (s *Session) persist(role, content string) {
	if s.store == nil || s.conversationID == "" || strings.TrimSpace(content) == "" {
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout())
		defer cancel()
		if err := s.store.Append(pctx, s.conversationID, role, content); err != nil {
			s.logger.Warn("context append failed", "role", role, "error", s.red.ScrubError(err))
		}
	}()
}

func (s *Session) storeTimeout() time.Duration {
	if s.cfg.StoreTimeout > 0 {
		return s.cfg.StoreTimeout
	}
	return 5 * time.Second
}

func (s *Session) sendTranscriptError(ctx context.Context, code, message string) {
	s.sendEvent(ctx, protocol.ServerTranscriptError{
		Type:    protocol.TypeTranscriptError,
		Code:    code,
		Message: message,
	})
}

func (s *Session) sendEvent(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal client event failed", "error", err)
		return
	}
	s.enqueue(ctx, data)
}

func (s *Session) enqueue(ctx context.Context, data []byte) {
	select {
	case s.outbound <- data:
	case <-ctx.Done():
	case <-s.done:
	}
}

// transcriptionErrorMessage maps an error code to a client-safe message.
// Upstream bodies never reach the client.
func transcriptionErrorMessage(code string) string {
	switch code {
	case errCodeRateLimited:
		return "transcription provider is rate limited, try again shortly"
	case errCodeAuthError:
		return "transcription provider rejected the relay's credentials"
	case errCodeServerError:
		return "transcription provider is unavailable"
	default:
		return "transcription failed"
	}
}

func providerFromError(err error) string {
	var upstream *stt.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Provider
	}
	return ""
}

func upstreamErrorMessage(data []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return payload.Error.Message
}
