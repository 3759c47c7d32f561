package codec

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds how long one frame write may block before the
// frame is dropped.
const DefaultWriteTimeout = 5 * time.Second

// Writer sends transport frames over one WebSocket connection. Writes are
// bounded: a frame that cannot be flushed within the timeout is dropped and
// counted instead of queueing unboundedly behind a slow peer.
type Writer struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu      sync.Mutex
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// NewWriter wraps conn. A timeout of zero uses DefaultWriteTimeout.
func NewWriter(conn *websocket.Conn, timeout time.Duration) *Writer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Writer{conn: conn, timeout: timeout}
}

// Send encodes and writes one frame. A timed-out write drops the frame and
// returns nil so producers keep running; any other write error is returned
// and means the connection is gone.
func (w *Writer) Send(m Message) error {
	payload := m.Encode()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	err := w.conn.WriteMessage(websocket.BinaryMessage, payload)
	if err == nil {
		w.sent.Add(1)
		return nil
	}
	if isTimeout(err) {
		w.dropped.Add(1)
		return nil
	}
	return err
}

// Dropped returns the number of frames dropped on write timeout.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Sent returns the number of frames written successfully.
func (w *Writer) Sent() uint64 { return w.sent.Load() }

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}
