package server

import (
	"bufio"
	"net"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// tcpConn is the binary binding: length-prefixed JSON frames over TCP,
// optionally wrapped in TLS.
type tcpConn struct {
	conn         net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration
}

func newTCPConn(conn net.Conn, writeTimeout time.Duration) *tcpConn {
	return &tcpConn{conn: conn, r: bufio.NewReader(conn), writeTimeout: writeTimeout}
}

// ReadRequest reads one frame. A frame that does not decode is reported as a
// *protocol.DecodeError; framing errors end the stream.
func (c *tcpConn) ReadRequest() (protocol.Request, error) {
	data, err := protocol.ReadFrame(c.r)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeRequest(data)
}

func (c *tcpConn) WriteEvent(ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return protocol.WriteFrame(c.conn, data)
}

func (c *tcpConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *tcpConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *tcpConn) Transport() string                 { return "tcp" }
func (c *tcpConn) Close() error                      { return c.conn.Close() }
