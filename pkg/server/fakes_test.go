package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/store"
)

const waitFor = 2 * time.Second

var cheapParams = crypto.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

var errWriteBroken = errors.New("broken pipe")

// fakeConn records written events. Reads block until Close.
type fakeConn struct {
	name string

	mu       sync.Mutex
	events   []protocol.Event
	cursor   int
	writeErr error
	gate     chan struct{} // when set, writes wait for it to close

	closed    chan struct{}
	closeOnce sync.Once
	closes    int
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, closed: make(chan struct{})}
}

func (c *fakeConn) ReadRequest() (protocol.Request, error) {
	<-c.closed
	return nil, io.EOF
}

func (c *fakeConn) WriteEvent(ev protocol.Event) error {
	c.mu.Lock()
	gate, err := c.gate, c.writeErr
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
			return io.ErrClosedPipe
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) RemoteAddr() string              { return c.name }
func (c *fakeConn) Transport() string               { return "fake" }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) all() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

// skip moves the cursor past everything written so far.
func (c *fakeConn) skip() {
	c.mu.Lock()
	c.cursor = len(c.events)
	c.mu.Unlock()
}

// next waits for the next event of type T after the cursor and moves the
// cursor past it.
func next[T protocol.Event](t *testing.T, c *fakeConn) T {
	t.Helper()
	var got T
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i := c.cursor; i < len(c.events); i++ {
			if ev, ok := c.events[i].(T); ok {
				got = ev
				c.cursor = i + 1
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond, "%s: no %T event", c.name, got)
	return got
}

// flush pings s and waits for the pong, so every event queued before the
// call has been written. It returns the events between the cursor and the
// pong and moves the cursor past the pong.
func flush(t *testing.T, c *Controller, s *Session, fc *fakeConn) []protocol.Event {
	t.Helper()
	ts := time.Now().UnixNano()
	c.OnRequest(s, &protocol.Ping{Timestamp: ts})
	var out []protocol.Event
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		for i := fc.cursor; i < len(fc.events); i++ {
			if p, ok := fc.events[i].(protocol.Pong); ok && p.Timestamp == ts {
				out = append(out, fc.events[fc.cursor:i]...)
				fc.cursor = i + 1
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond, "%s: no pong", fc.name)
	return out
}

type harness struct {
	t     *testing.T
	ctrl  *Controller
	store *store.MemoryStore
}

func newHarness(t *testing.T, cfg ControllerConfig) *harness {
	t.Helper()
	st := store.NewMemory()
	ctrl := NewController(cfg, ControllerDeps{Store: st, Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(ctrl.Shutdown)
	return &harness{t: t, ctrl: ctrl, store: st}
}

func (h *harness) seed(username string, role model.Role) *model.User {
	h.t.Helper()
	hash, err := crypto.HashPasswordWith("pw-"+username, cheapParams)
	require.NoError(h.t, err)
	u := &model.User{Username: username, Email: username + "@example.com", Role: role, Status: model.StatusOffline}
	require.NoError(h.t, h.store.CreateUser(u, hash))
	return u
}

func (h *harness) connect(name string) (*Session, *fakeConn) {
	fc := newFakeConn(name)
	return h.ctrl.OnConnect(fc), fc
}

// login connects and authenticates username, leaving the cursor after the
// post-login sequence.
func (h *harness) login(username string) (*Session, *fakeConn) {
	h.t.Helper()
	s, fc := h.connect(username)
	h.ctrl.OnRequest(s, &protocol.AuthenticateRequest{Login: username, Password: "pw-" + username})
	next[protocol.AuthAccepted](h.t, fc)
	next[protocol.ConversationList](h.t, fc)
	require.Equal(h.t, StateAuthenticated, s.State())
	fc.skip()
	return s, fc
}

func onlineIn(ev protocol.PresenceListUpdate, userID int64) bool {
	for _, u := range ev.Users {
		if u.ID == userID {
			return u.Online
		}
	}
	return false
}
