package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

const wsCloseGrace = time.Second

// wsConn is the text binding: one JSON envelope per WebSocket text message.
type wsConn struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func newWSConn(conn *websocket.Conn, remote string, writeTimeout time.Duration) *wsConn {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{conn: conn, remote: remote, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadRequest() (protocol.Request, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, &protocol.DecodeError{Err: fmt.Errorf("unsupported websocket message type %d", mt)}
	}
	return protocol.DecodeRequest(data)
}

func (c *wsConn) WriteEvent(ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) RemoteAddr() string                { return c.remote }
func (c *wsConn) Transport() string                 { return "websocket" }

// Close sends a close frame and closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// newUpgrader accepts any origin when allowed is empty, otherwise only the
// listed hosts or origins.
func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, a := range allowed {
				if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
					return true
				}
			}
			return false
		},
	}
}
