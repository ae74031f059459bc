package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriter is the write half of a websocket connection. *websocket.Conn
// satisfies it; tests substitute a recorder.
type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// clientWriter owns all writes to the client socket. Frames arrive on a
// single queue from the session loop; the writer adds deadlines and keepalive
// pings. It exits on context cancellation or the first write error.
type clientWriter struct {
	ws           wsWriter
	ctx          context.Context
	out          <-chan []byte
	pingInterval time.Duration
	writeTimeout time.Duration
}

func (w *clientWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	done := w.ctx.Done()
	for {
		select {
		case <-done:
			w.drain(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.out:
			if !ok {
				return nil
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

// drain flushes a handful of already-queued frames before the close frame so
// a final transcript or error is not dropped at shutdown.
func (w *clientWriter) drain(writeTimeout time.Duration) {
	const maxDrainFrames = 8
	deadline := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < maxDrainFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.out:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *clientWriter) writeFrame(frame []byte, writeTimeout time.Duration) error {
	if len(frame) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame)
}
