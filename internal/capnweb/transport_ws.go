package capnweb

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts a gorilla/websocket connection to
// Transport, one text message per frame.
type WebSocketTransport struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

// NewWebSocketTransport wraps an already-upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) SendFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) RecvFrame() ([]byte, error) {
	_, message, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}
