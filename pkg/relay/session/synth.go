package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultSynthWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

type SynthesisConfig struct {
	BaseWSURL      string
	APIKey         string
	VoiceID        string
	ModelID        string
	OutputEncoding string
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
}

// synthSocket is the subset of *websocket.Conn the link uses; tests
// substitute a scripted fake.
type synthSocket interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

type synthDialer func(ctx context.Context, cfg SynthesisConfig) (synthSocket, error)

// synthDialResult carries a finished dial back into the session loop, tagged
// with the generation the dial was started under.
type synthDialResult struct {
	gen  int
	sock synthSocket
	err  error
}

// synthEvent is what the read pump reports back into the session loop.
// gen ties the event to the socket generation it came from, so a pump
// outliving a Stop cannot disturb the replacement connection.
type synthEvent struct {
	gen    int
	audio  []byte
	final  bool
	closed bool
	reason string
}

// synthConn is one live socket to the synthesis upstream. Writes come from
// the session loop and the keepalive goroutine, hence the mutex.
type synthConn struct {
	sock         synthSocket
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *synthConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = c.sock.SetWriteDeadline(time.Now().Add(timeout))
	return c.sock.WriteJSON(v)
}

func (c *synthConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close()
	})
}

// synthLink converts a stream of text fragments into audio for one turn at a
// time. It connects lazily on first use; text sent before the socket is open
// is buffered in order and flushed on connect, never dropped. All methods run
// on the session loop; the dial, read pump, and keepalive goroutines touch
// the link solely through the dials and events channels.
type synthLink struct {
	cfg    SynthesisConfig
	dial   synthDialer
	events chan<- synthEvent
	dials  chan<- synthDialResult
	logger *slog.Logger

	conn      *synthConn
	connected bool
	dialing   bool
	gen       int

	pending      []string
	pendingFlush bool
}

func newSynthLink(cfg SynthesisConfig, dial synthDialer, events chan<- synthEvent, dials chan<- synthDialResult, logger *slog.Logger) *synthLink {
	if dial == nil {
		dial = dialSynthUpstream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &synthLink{cfg: cfg, dial: dial, events: events, dials: dials, logger: logger}
}

func (l *synthLink) Connected() bool { return l.connected }

// Connect starts a dial off the session loop unless the socket is already
// open or a dial is in flight. The outcome comes back through the dials
// channel and must be handed to HandleDialed; text sent in the meantime is
// buffered by SendText.
func (l *synthLink) Connect(ctx context.Context) {
	if l.connected || l.dialing {
		return
	}
	l.dialing = true
	gen := l.gen
	dial := l.dial
	cfg := l.cfg
	go func() {
		sock, err := dial(ctx, cfg)
		select {
		case l.dials <- synthDialResult{gen: gen, sock: sock, err: err}:
		case <-ctx.Done():
			if sock != nil {
				_ = sock.Close()
			}
		}
	}()
}

// HandleDialed completes a Connect on the session loop: it attaches the new
// socket, starts its pump and keepalive, and flushes buffered text in arrival
// order. A result from a superseded generation (Stop or Close ran while the
// dial was in flight) is discarded and its socket closed.
func (l *synthLink) HandleDialed(res synthDialResult) error {
	if res.gen != l.gen || !l.dialing {
		if res.sock != nil {
			_ = res.sock.Close()
		}
		return nil
	}
	l.dialing = false
	if res.err != nil {
		return fmt.Errorf("synthesis dial: %w", res.err)
	}

	l.gen++
	l.conn = &synthConn{sock: res.sock, writeTimeout: l.cfg.WriteTimeout, closed: make(chan struct{})}
	l.connected = true
	go l.pump(l.conn, l.gen)
	go l.keepAlive(l.conn)

	l.flushPending()
	return nil
}

// SendText forwards one text fragment, buffering it when disconnected.
func (l *synthLink) SendText(text string) {
	if text == "" {
		return
	}
	if !l.connected {
		l.pending = append(l.pending, text)
		return
	}
	if err := l.conn.writeJSON(synthTextFrame(text, false)); err != nil {
		l.logger.Warn("synthesis write failed, buffering", "error", err)
		l.dropConn()
		l.pending = append(l.pending, text)
	}
}

// Flush signals end-of-turn so the upstream synthesizes everything it holds.
func (l *synthLink) Flush() {
	if !l.connected {
		if len(l.pending) > 0 {
			l.pendingFlush = true
		}
		return
	}
	if err := l.conn.writeJSON(synthTextFrame("", true)); err != nil {
		l.logger.Warn("synthesis flush failed", "error", err)
		l.dropConn()
		l.pendingFlush = true
	}
}

// Stop tears the connection down immediately, abandoning the current turn.
// Buffered text belongs to the cancelled turn and is discarded with it. The
// caller schedules the delayed reconnect.
func (l *synthLink) Stop() {
	l.dropConn()
	l.gen++
	l.dialing = false
	l.pending = nil
	l.pendingFlush = false
}

// HandleClosed processes a pump-reported close. Events from a superseded
// generation are ignored.
func (l *synthLink) HandleClosed(ev synthEvent) {
	if ev.gen != l.gen {
		return
	}
	l.connected = false
	l.conn = nil
}

// CurrentGen reports the live socket generation for event filtering.
func (l *synthLink) CurrentGen() int { return l.gen }

func (l *synthLink) Close() {
	l.dropConn()
	l.gen++
	l.dialing = false
}

func (l *synthLink) dropConn() {
	if l.conn != nil {
		l.conn.close()
		l.conn = nil
	}
	l.connected = false
}

func (l *synthLink) flushPending() {
	queued := l.pending
	l.pending = nil
	for i, text := range queued {
		if err := l.conn.writeJSON(synthTextFrame(text, false)); err != nil {
			l.logger.Warn("synthesis flush of buffered text failed", "error", err)
			l.dropConn()
			l.pending = append(l.pending, queued[i:]...)
			return
		}
	}
	if l.pendingFlush {
		l.pendingFlush = false
		if err := l.conn.writeJSON(synthTextFrame("", true)); err != nil {
			l.dropConn()
			l.pendingFlush = true
		}
	}
}

// synthTextFrame builds the upstream text message. Non-empty fragments get a
// trailing space so the upstream tokenizer does not glue adjacent fragments.
func synthTextFrame(text string, flush bool) map[string]any {
	if strings.TrimSpace(text) != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	msg := map[string]any{"text": text}
	if flush {
		msg["flush"] = true
	}
	return msg
}

func (l *synthLink) pump(conn *synthConn, gen int) {
	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			reason := strings.TrimSpace(err.Error())
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text))
			}
			l.emit(conn, synthEvent{gen: gen, closed: true, reason: reason})
			return
		}

		var msg struct {
			Audio   string `json:"audio"`
			IsFinal bool   `json:"isFinal"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			l.emit(conn, synthEvent{gen: gen, reason: msg.Error})
			continue
		}

		var audio []byte
		if msg.Audio != "" {
			audio, err = decodeBase64Any(msg.Audio)
			if err != nil {
				continue
			}
		}
		if len(audio) == 0 && !msg.IsFinal {
			continue
		}
		l.emit(conn, synthEvent{gen: gen, audio: audio, final: msg.IsFinal})
	}
}

func (l *synthLink) emit(conn *synthConn, ev synthEvent) {
	select {
	case l.events <- ev:
	case <-conn.closed:
	}
}

// keepAlive sends empty text frames so the upstream's inactivity timeout does
// not fire between turns.
func (l *synthLink) keepAlive(conn *synthConn) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-conn.closed:
			return
		case <-ticker.C:
			_ = conn.writeJSON(map[string]any{"text": ""})
		}
	}
}

func dialSynthUpstream(ctx context.Context, cfg SynthesisConfig) (synthSocket, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("synthesis api key is required")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, fmt.Errorf("synthesis voice id is required")
	}
	wsURL, err := buildSynthWSURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(cfg.APIKey))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func buildSynthWSURL(cfg SynthesisConfig) (string, error) {
	base := strings.TrimSpace(cfg.BaseWSURL)
	if base == "" {
		base = defaultSynthWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(strings.TrimSpace(cfg.VoiceID)))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid synthesis ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(strings.TrimSpace(cfg.VoiceID)) + "/stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		modelID := strings.TrimSpace(cfg.ModelID)
		if modelID == "" {
			modelID = "eleven_flash_v2_5"
		}
		q.Set("model_id", modelID)
	}
	if q.Get("output_format") == "" {
		encoding := strings.TrimSpace(cfg.OutputEncoding)
		if encoding == "" {
			encoding = "pcm_24000"
		}
		q.Set("output_format", encoding)
	}
	if q.Get("inactivity_timeout") == "" {
		q.Set("inactivity_timeout", "60")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}
