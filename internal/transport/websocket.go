package transport

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ServeWebSocket upgrades the request and makes the new connection the
// transport's current peer until it disconnects.
func ServeWebSocket(t *Transport, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		peer := &wsConn{conn: conn}
		if err := t.Replace(peer); err != nil {
			logger.Warn("rejecting peer", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer t.Detach(peer)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("peer disconnected unexpectedly", "remote", r.RemoteAddr, "error", err)
				} else {
					logger.Info("peer disconnected", "remote", r.RemoteAddr)
				}
				_ = conn.Close()
				return
			}
			t.HandleInbound(data)
		}
	}
}
