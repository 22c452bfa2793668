package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketTransport speaks the remote-debugging endpoint over a websocket.
// One goroutine owns reads and is the sole closer of the Recv channel;
// writes are serialized with a mutex because gorilla/websocket allows at
// most one concurrent writer.
type WebSocketTransport struct {
	conn   *websocket.Conn
	logger *zap.Logger
	recv   chan []byte

	writeMu sync.Mutex

	mu        sync.Mutex
	closing   bool // local Close requested
	closedErr error
}

// DialWebSocket connects to a remote debugging URL.
func DialWebSocket(ctx context.Context, url string, logger *zap.Logger) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  1 << 20,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	t := &WebSocketTransport{
		conn:   conn,
		logger: logger.Named("transport"),
		recv:   make(chan []byte, 256),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.recv)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.recordClose(err)
			return
		}
		t.recv <- data
	}
}

// recordClose stores the close reason. Read errors caused by a locally
// requested Close, or by a normal close handshake, are not failures.
func (t *WebSocketTransport) recordClose(readErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.closedErr != nil {
		return
	}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.closedErr = readErr
	t.logger.Debug("websocket closed", zap.Error(readErr))
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return fmt.Errorf("websocket transport closed")
	}
	if err := t.closedErr; err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) Recv() <-chan []byte { return t.recv }

func (t *WebSocketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closedErr
}

// Close requests a graceful shutdown. The read loop observes the closed
// connection and finishes the Recv channel.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = t.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	t.writeMu.Unlock()

	return t.conn.Close()
}
