package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedConvSocket records writes and serves reads from a channel.
type scriptedConvSocket struct {
	mu       sync.Mutex
	writes   []map[string]any
	raw      [][]byte
	writeErr error

	reads     chan []byte
	closeOnce sync.Once
}

func newScriptedConvSocket() *scriptedConvSocket {
	return &scriptedConvSocket{reads: make(chan []byte, 16)}
}

func (s *scriptedConvSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.raw = append(s.raw, append([]byte(nil), data...))
	var m map[string]any
	if err := json.Unmarshal(data, &m); err == nil {
		s.writes = append(s.writes, m)
	}
	return nil
}

func (s *scriptedConvSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.reads
	if !ok {
		return 0, nil, errors.New("upstream gone")
	}
	return 1, data, nil
}

func (s *scriptedConvSocket) SetWriteDeadline(t time.Time) error { return nil }

func (s *scriptedConvSocket) Close() error {
	s.closeOnce.Do(func() { close(s.reads) })
	return nil
}

func (s *scriptedConvSocket) snapshot() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.writes))
	copy(out, s.writes)
	return out
}

func newTestConvLink(t *testing.T, sock *scriptedConvSocket) (*conversationLink, chan convFrame) {
	t.Helper()
	frames := make(chan convFrame, 16)
	link := newConversationLink(ConversationConfig{
		Model:              "gpt-4o-realtime-preview",
		Persona:            "You are a concise assistant.",
		TranscriptionModel: "whisper-1",
	}, func(ctx context.Context, cfg ConversationConfig) (convSocket, error) {
		return sock, nil
	}, frames, testLogger())

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(link.Close)
	return link, frames
}

func TestConversationLinkHandshakeOrdering(t *testing.T) {
	sock := newScriptedConvSocket()
	link, _ := newTestConvLink(t, sock)

	if link.Ready() {
		t.Fatalf("link ready before session.created")
	}
	if err := link.Configure(nil); err == nil {
		t.Fatalf("expected configure before created to fail")
	}
	if len(sock.snapshot()) != 0 {
		t.Fatalf("nothing may be written before created, got %v", sock.snapshot())
	}

	if !link.MarkCreated() {
		t.Fatalf("MarkCreated failed in awaiting state")
	}
	if link.MarkCreated() {
		t.Fatalf("second MarkCreated should be rejected")
	}

	if err := link.Configure(nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !link.Ready() {
		t.Fatalf("link not ready after configure")
	}

	writes := sock.snapshot()
	if len(writes) != 1 {
		t.Fatalf("writes=%d, want 1", len(writes))
	}
	if got := writes[0]["type"]; got != "session.update" {
		t.Fatalf("first write type=%v, want session.update", got)
	}
}

func TestConversationLinkSessionUpdatePayload(t *testing.T) {
	sock := newScriptedConvSocket()
	link, _ := newTestConvLink(t, sock)
	link.MarkCreated()
	if err := link.Configure(nil); err != nil {
		t.Fatalf("configure: %v", err)
	}

	update := sock.snapshot()[0]
	sess, ok := update["session"].(map[string]any)
	if !ok {
		t.Fatalf("missing session object: %v", update)
	}
	if got := sess["instructions"]; got != "You are a concise assistant." {
		t.Fatalf("instructions=%v", got)
	}
	td, ok := sess["turn_detection"].(map[string]any)
	if !ok {
		t.Fatalf("missing turn_detection: %v", sess)
	}
	if got := td["type"]; got != "server_vad" {
		t.Fatalf("turn_detection.type=%v", got)
	}
	if got, _ := td["create_response"].(bool); got {
		t.Fatalf("create_response must be false; the relay triggers turns itself")
	}
	if got := td["threshold"]; got != 0.5 {
		t.Fatalf("threshold=%v, want default 0.5", got)
	}
	tr, ok := sess["input_audio_transcription"].(map[string]any)
	if !ok || tr["model"] != "whisper-1" {
		t.Fatalf("input_audio_transcription=%v", sess["input_audio_transcription"])
	}
}

func TestConversationLinkReplaysHistory(t *testing.T) {
	sock := newScriptedConvSocket()
	link, _ := newTestConvLink(t, sock)
	link.MarkCreated()

	history := []historyItem{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	if err := link.Configure(history); err != nil {
		t.Fatalf("configure: %v", err)
	}

	writes := sock.snapshot()
	if len(writes) != 3 {
		t.Fatalf("writes=%d, want session.update + 2 items", len(writes))
	}
	for i, want := range []string{"user", "assistant"} {
		item, ok := writes[i+1]["item"].(map[string]any)
		if !ok || writes[i+1]["type"] != "conversation.item.create" {
			t.Fatalf("write %d: %v", i+1, writes[i+1])
		}
		if item["role"] != want {
			t.Fatalf("item %d role=%v, want %s", i, item["role"], want)
		}
		content, _ := item["content"].([]any)
		if len(content) != 1 {
			t.Fatalf("item %d content=%v", i, item["content"])
		}
		block, _ := content[0].(map[string]any)
		wantType := "input_text"
		if want == "assistant" {
			wantType = "text"
		}
		if block["type"] != wantType {
			t.Fatalf("item %d content type=%v, want %s", i, block["type"], wantType)
		}
	}
}

func TestConversationLinkTriggerTurnDedupe(t *testing.T) {
	sock := newScriptedConvSocket()
	link, _ := newTestConvLink(t, sock)
	link.MarkCreated()
	if err := link.Configure(nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	base := len(sock.snapshot())

	sent, err := link.TriggerTurn()
	if err != nil || !sent {
		t.Fatalf("first trigger: sent=%v err=%v", sent, err)
	}
	// A second speech stop before the turn completes must not send another
	// response.create.
	sent, err = link.TriggerTurn()
	if err != nil || sent {
		t.Fatalf("second trigger: sent=%v err=%v", sent, err)
	}
	if got := len(sock.snapshot()) - base; got != 1 {
		t.Fatalf("response.create writes=%d, want 1", got)
	}

	link.TurnDone()
	sent, err = link.TriggerTurn()
	if err != nil || !sent {
		t.Fatalf("trigger after TurnDone: sent=%v err=%v", sent, err)
	}
	if got := sock.snapshot()[base]["type"]; got != "response.create" {
		t.Fatalf("trigger payload type=%v", got)
	}
}

func TestConversationLinkTriggerTurnBeforeReady(t *testing.T) {
	sock := newScriptedConvSocket()
	link, _ := newTestConvLink(t, sock)

	sent, err := link.TriggerTurn()
	if err != nil || sent {
		t.Fatalf("trigger before ready: sent=%v err=%v", sent, err)
	}
}

func TestConversationLinkForwardRawGate(t *testing.T) {
	sock := newScriptedConvSocket()
	link, _ := newTestConvLink(t, sock)

	if err := link.ForwardRaw([]byte(`{"type":"input_audio_buffer.append"}`)); err == nil {
		t.Fatalf("forward before ready must fail")
	}

	link.MarkCreated()
	if err := link.Configure(nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := link.ForwardRaw([]byte(`{"type":"input_audio_buffer.append"}`)); err != nil {
		t.Fatalf("forward after ready: %v", err)
	}
}

func TestConversationLinkPumpDeliversFramesAndClose(t *testing.T) {
	sock := newScriptedConvSocket()
	link, frames := newTestConvLink(t, sock)
	_ = link

	sock.reads <- []byte(`{"type":"session.created"}`)
	select {
	case frame := <-frames:
		if frame.closed || string(frame.data) != `{"type":"session.created"}` {
			t.Fatalf("frame=%+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
	}

	sock.Close()
	select {
	case frame := <-frames:
		if !frame.closed || frame.reason == "" {
			t.Fatalf("close frame=%+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for close frame")
	}
}

func TestConversationLinkConnectFailure(t *testing.T) {
	frames := make(chan convFrame, 1)
	link := newConversationLink(ConversationConfig{}, func(ctx context.Context, cfg ConversationConfig) (convSocket, error) {
		return nil, fs.ErrPermission
	}, frames, testLogger())

	if err := link.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	if link.State() != convClosed {
		t.Fatalf("state=%s, want closed", link.State())
	}
	if !strings.Contains(convClosed.String(), "closed") {
		t.Fatalf("state string=%s", convClosed)
	}
}
