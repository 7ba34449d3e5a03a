package server

import (
	"log/slog"
	"sync"

	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one connected client. Its state and user are guarded by mu;
// outbound events go through a bounded queue drained by a single writer
// goroutine.
type Session struct {
	ID        string
	Transport string
	Remote    string

	seq  uint64 // connection order, used to order registry snapshots
	conn Conn
	log  *slog.Logger

	queue chan protocol.Event

	mu    sync.Mutex
	state State
	user  model.User
	cause error

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	onWriteError func(*Session, error)
}

func newSession(id string, seq uint64, conn Conn, queueSize int, base *slog.Logger) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Session{
		ID:        id,
		Transport: conn.Transport(),
		Remote:    conn.RemoteAddr(),
		seq:       seq,
		conn:      conn,
		log:       logging.ForSession(base, id, conn.Transport(), conn.RemoteAddr()),
		queue:     make(chan protocol.Event, queueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns a copy of the authenticated user. ok is false before
// authentication.
func (s *Session) User() (u model.User, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.user.ID != 0
}

// UserID returns the identity, or 0 if not yet authenticated.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.ID
}

// Cause returns why the session was closed, or nil while it is open.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Done is closed once the writer has flushed and closed the transport.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setRole(role model.Role) {
	s.mu.Lock()
	s.user.Role = role
	s.mu.Unlock()
}

func (s *Session) setStatus(status model.Status) {
	s.mu.Lock()
	s.user.Status = status
	s.mu.Unlock()
}

// Deliver queues ev without blocking. Delivery to a closed session is a
// no-op; a full queue returns ErrSlowConsumer.
func (s *Session) Deliver(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// shutdown tells the writer to flush and close. The caller must already have
// moved the session to StateClosed so nothing else is queued.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Session) writeLoop() {
	defer close(s.done)
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case ev := <-s.queue:
			if err := s.conn.WriteEvent(ev); err != nil {
				s.writeFailed(err)
				return
			}
		case <-s.closing:
			s.drain()
			return
		}
	}
}

// drain writes whatever was queued before the session closed.
func (s *Session) drain() {
	for {
		select {
		case ev := <-s.queue:
			if err := s.conn.WriteEvent(ev); err != nil {
				s.log.Debug("flush on close failed", "err", err)
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeFailed(err error) {
	s.log.Debug("write failed", "err", err)
	if s.onWriteError != nil {
		s.onWriteError(s, err)
	}
}
