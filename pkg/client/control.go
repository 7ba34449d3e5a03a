// Package client implements a gorelay client over either binding.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// ErrUnexpectedEvent is returned when the server answers a request with an
// event the client did not expect.
var ErrUnexpectedEvent = errors.New("client: unexpected event")

// ServerError is an ErrorNotice returned in answer to a request.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// EventHandler is a callback for incoming events.
type EventHandler func(ev protocol.Event)

// Options controls how Dial connects.
type Options struct {
	TLS                bool          // wrap the TCP binding in TLS
	InsecureSkipVerify bool          // accept self-signed server certificates
	DialTimeout        time.Duration // default 10s
}

// frameConn carries encoded requests and events over one binding.
type frameConn interface {
	writeRequest(data []byte) error
	readEvent() ([]byte, error)
	close() error
}

// Client is one connection to a gorelay server.
type Client struct {
	conn frameConn
	mu   sync.Mutex // serializes writes
	done chan struct{}
}

// Dial connects to the TCP binding at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nd := &net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	if opts.TLS {
		dialer := &tls.Dialer{NetDialer: nd, Config: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // self-signed servers, opt-in
			MinVersion:         tls.VersionTLS12,
		}}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return newClient(&tcpFrames{conn: conn, r: bufio.NewReader(conn)}), nil
}

// DialWebSocket connects to the text binding, e.g. "ws://host:9602/ws".
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("client: connect websocket: %w", err)
	}
	return newClient(&wsFrames{conn: ws}), nil
}

func newClient(conn frameConn) *Client {
	return &Client{conn: conn, done: make(chan struct{})}
}

// Send sends one request to the server.
func (c *Client) Send(req protocol.Request) error {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.writeRequest(data); err != nil {
		return fmt.Errorf("client: send %s: %w", req.Kind(), err)
	}
	return nil
}

// Receive blocks for the next event. It must not be used together with
// StartReceiving.
func (c *Client) Receive() (protocol.Event, error) {
	data, err := c.conn.readEvent()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEvent(data)
}

// Authenticate logs in with a username or email and returns the accepted
// session. Events the server sends after AuthAccepted are left unread.
func (c *Client) Authenticate(login, password string) (*protocol.AuthAccepted, error) {
	return c.authenticate(&protocol.AuthenticateRequest{Login: login, Password: password})
}

// Register creates an account and logs in with it.
func (c *Client) Register(req protocol.RegisterRequest) (*protocol.AuthAccepted, error) {
	return c.authenticate(&req)
}

func (c *Client) authenticate(req protocol.Request) (*protocol.AuthAccepted, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}
	ev, err := c.Receive()
	if err != nil {
		return nil, fmt.Errorf("client: read auth response: %w", err)
	}
	switch ev := ev.(type) {
	case *protocol.AuthAccepted:
		return ev, nil
	case *protocol.ErrorNotice:
		return nil, &ServerError{Code: ev.Code, Message: ev.Message}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedEvent, ev.Kind())
	}
}

// StartReceiving reads events in a goroutine and hands them to handler
// until the connection ends.
func (c *Client) StartReceiving(handler EventHandler) {
	go func() {
		defer close(c.done)
		for {
			ev, err := c.Receive()
			if err != nil {
				if isClosedErr(err) {
					slog.Debug("connection closed")
					return
				}
				var de *protocol.DecodeError
				if errors.As(err, &de) {
					slog.Warn("undecodable event", "err", err)
					continue
				}
				slog.Error("read error", "err", err)
				return
			}
			handler(ev)
		}
	}()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.close()
}

// Done is closed once StartReceiving stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

type tcpFrames struct {
	conn net.Conn
	r    *bufio.Reader
}

func (f *tcpFrames) writeRequest(data []byte) error { return protocol.WriteFrame(f.conn, data) }
func (f *tcpFrames) readEvent() ([]byte, error)     { return protocol.ReadFrame(f.r) }
func (f *tcpFrames) close() error                   { return f.conn.Close() }

type wsFrames struct {
	conn *websocket.Conn
}

func (f *wsFrames) writeRequest(data []byte) error {
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *wsFrames) readEvent() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f *wsFrames) close() error { return f.conn.Close() }
