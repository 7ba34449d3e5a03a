package server

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

const (
	backlogSize         = 50
	conversationLimit   = 100
	searchLimit         = 20
	defaultQueueSize    = 256
	defaultMaxAuthFails = 5
)

// ControllerConfig tunes the lifecycle controller.
type ControllerConfig struct {
	QueueSize         int           // per-session outbound queue
	MaxAuthFailures   int           // failed logins per window before throttling; 0 disables
	AuthFailureWindow time.Duration // throttle window
}

// ControllerDeps holds the collaborators of a Controller.
type ControllerDeps struct {
	Store         datastore.DataStore
	Authenticator Authenticator // defaults to StoreAuthenticator over Store
	Registry      *Registry     // defaults to a new registry
	Metrics       *Metrics      // defaults to new metrics
	Logger        *slog.Logger  // defaults to slog.Default()
}

// Controller owns the session state machine. Both transport bindings feed it
// through OnConnect, OnRequest, OnProtocolError and OnDisconnect.
type Controller struct {
	cfg      ControllerConfig
	store    datastore.DataStore
	auth     Authenticator
	registry *Registry
	engine   *Engine
	metrics  *Metrics
	throttle *loginThrottle
	log      *slog.Logger

	seq atomic.Uint64

	// presenceMu orders persisted online/offline writes against registry
	// membership so a stale offline never overwrites a fresh login.
	presenceMu sync.Mutex

	// banMu orders a ban (persist + forced disconnect) against registration,
	// so a login racing a ban either is disconnected or sees the ban.
	// Lock order: banMu, then session.mu, then registry.mu.
	banMu sync.Mutex
}

// NewController wires a controller and its delivery engine.
func NewController(cfg ControllerConfig, deps ControllerDeps) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	c := &Controller{
		cfg:      cfg,
		store:    deps.Store,
		auth:     deps.Authenticator,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		log:      deps.Logger,
	}
	if c.auth == nil {
		c.auth = StoreAuthenticator{Store: deps.Store}
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.throttle = newLoginThrottle(cfg.MaxAuthFailures, cfg.AuthFailureWindow)
	c.engine = NewEngine(c.registry, c.metrics, c.endSession, c.log)
	return c
}

// Registry returns the session registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Engine returns the delivery engine.
func (c *Controller) Engine() *Engine { return c.engine }

// OnConnect creates a Connecting session for conn and starts its writer.
func (c *Controller) OnConnect(conn Conn) *Session {
	s := newSession(uuid.NewString(), c.seq.Add(1), conn, c.cfg.QueueSize, c.log)
	s.onWriteError = func(s *Session, err error) {
		c.metrics.WriteErrors.Add(1)
		c.endSession(s, err)
	}
	go s.writeLoop()
	s.log.Debug("session opened")
	return s
}

// OnRequest applies one decoded request to s.
func (c *Controller) OnRequest(s *Session, req protocol.Request) {
	state := s.State()
	if state == StateClosed {
		return
	}
	if p, ok := req.(*protocol.Ping); ok {
		c.reply(s, protocol.Pong{Timestamp: p.Timestamp})
		return
	}

	if state == StateConnecting {
		switch r := req.(type) {
		case *protocol.AuthenticateRequest:
			c.handleLogin(s, r)
		case *protocol.RegisterRequest:
			c.handleRegister(s, r)
		default:
			c.replyError(s, protocol.CodeNotAuthenticated, "not authenticated")
		}
		return
	}

	switch r := req.(type) {
	case *protocol.AuthenticateRequest, *protocol.RegisterRequest:
		c.replyError(s, protocol.CodeInvalid, "already authenticated")
	case *protocol.SendGroupMessage:
		c.handleGroupMessage(s, r)
	case *protocol.ChangePresence:
		c.handleChangePresence(s, r)
	case *protocol.BanUser:
		c.handleBan(s, r)
	case *protocol.Logout:
		c.handleLogout(s)
	case *protocol.SendPrivateMessage:
		c.handlePrivateMessage(s, r)
	case *protocol.GetConversation:
		c.handleGetConversation(s, r)
	case *protocol.ListConversations:
		c.sendConversations(s)
	case *protocol.MarkRead:
		c.handleMarkRead(s, r)
	case *protocol.AddContact:
		c.handleAddContact(s, r)
	case *protocol.RemoveContact:
		c.handleRemoveContact(s, r)
	case *protocol.ListContacts:
		c.sendContacts(s)
	case *protocol.SearchUsers:
		c.handleSearchUsers(s, r)
	case *protocol.SetUserRole:
		c.handleSetUserRole(s, r)
	default:
		c.replyError(s, protocol.CodeProtocol, "unsupported request "+string(req.Kind()))
	}
}

// OnProtocolError answers a malformed request. The connection stays open.
func (c *Controller) OnProtocolError(s *Session, err error) {
	c.metrics.DecodeErrors.Add(1)
	s.log.Debug("malformed request", "err", err)
	c.replyError(s, protocol.CodeProtocol, "invalid request: "+errorDetail(err))
}

// OnDisconnect closes s after its transport failed or reached EOF.
func (c *Controller) OnDisconnect(s *Session, cause error) {
	c.endSession(s, cause)
}

// Shutdown closes every registered session.
func (c *Controller) Shutdown() {
	for _, s := range c.registry.SnapshotAll() {
		c.endSession(s, errShutdown)
	}
}

// endSession moves s to Closed exactly once. It unregisters s, and when that
// was the identity's last session it persists offline and broadcasts the
// presence list.
func (c *Controller) endSession(s *Session, cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasAuthenticated := s.state == StateAuthenticated
	var removed bool
	var remaining int
	if wasAuthenticated {
		removed, remaining = c.registry.Unregister(s)
	}
	user := s.user
	s.state = StateClosed
	s.cause = cause
	s.mu.Unlock()

	s.shutdown()
	s.log.Info("session closed", "user", user.ID, "cause", causeText(cause))

	if !removed || remaining > 0 {
		return
	}

	c.presenceMu.Lock()
	if !c.registry.Online(user.ID) {
		if err := c.store.UpdateUserStatus(user.ID, model.StatusOffline); err != nil {
			c.log.Error("persist offline status failed", "user", user.ID, "err", err)
		}
	}
	c.presenceMu.Unlock()

	if errors.Is(cause, errLogout) {
		c.audit(user.ID, "logout")
	} else {
		c.audit(user.ID, "disconnect")
	}
	c.broadcastPresence()
}

// enterAuthenticated registers s under u and sends the post-login sequence:
// AuthAccepted to s, a presence broadcast, then the backlog to s.
func (c *Controller) enterAuthenticated(s *Session, u *model.User, action string) {
	c.banMu.Lock()
	banned, err := c.store.IsUserBanned(u.ID)
	if err != nil {
		c.banMu.Unlock()
		c.internalError(s, "check ban", err)
		return
	}
	if banned {
		c.banMu.Unlock()
		c.metrics.FailedAuths.Add(1)
		s.log.Warn("banned during login", "user", u.ID)
		c.replyError(s, protocol.CodeAuth, "account is banned")
		c.endSession(s, ErrBanned)
		return
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		c.banMu.Unlock()
		return
	}
	if err := c.registry.Register(u.ID, s); err != nil {
		s.mu.Unlock()
		c.banMu.Unlock()
		s.log.Error("register session failed", "user", u.ID, "err", err)
		c.replyError(s, protocol.CodeInternal, "internal error")
		return
	}
	u.Status = model.StatusOnline
	s.user = *u
	s.state = StateAuthenticated
	s.mu.Unlock()
	c.banMu.Unlock()

	c.presenceMu.Lock()
	if err := c.store.UpdateUserStatus(u.ID, model.StatusOnline); err != nil {
		c.log.Error("persist online status failed", "user", u.ID, "err", err)
	}
	c.presenceMu.Unlock()

	c.metrics.SuccessfulAuths.Add(1)
	c.audit(u.ID, action)
	s.log.Info("client authenticated", "user", u.ID, "username", u.Username, "role", u.Role)

	c.reply(s, protocol.AuthAccepted{SessionID: s.ID, User: protocol.NewUserInfo(*u, true)})
	c.broadcastPresence()
	c.sendBacklog(s)
}

func (c *Controller) sendBacklog(s *Session) {
	msgs, err := c.store.RecentMessages(backlogSize)
	if err != nil {
		c.log.Error("load backlog failed", "session", s.ID, "err", err)
	}
	for _, m := range msgs {
		c.reply(s, protocol.GroupMessageBroadcast{MessageInfo: protocol.NewMessageInfo(m)})
	}
	c.sendContacts(s)
	c.sendConversations(s)
}

// presenceList is the stored roster with liveness taken from the registry.
func (c *Controller) presenceList() ([]protocol.UserInfo, error) {
	users, err := c.store.ListUsers()
	if err != nil {
		return nil, err
	}
	return lo.Map(users, func(u model.User, _ int) protocol.UserInfo {
		return protocol.NewUserInfo(u, c.registry.Online(u.ID))
	}), nil
}

func (c *Controller) broadcastPresence() {
	users, err := c.presenceList()
	if err != nil {
		c.log.Error("build presence list failed", "err", err)
		return
	}
	c.engine.Broadcast(protocol.PresenceListUpdate{Users: users})
}

// reply queues ev for s alone; a full queue closes s.
func (c *Controller) reply(s *Session, ev protocol.Event) {
	if err := s.Deliver(ev); err != nil {
		c.metrics.SlowConsumers.Add(1)
		c.endSession(s, err)
	}
}

func (c *Controller) replyError(s *Session, code int, msg string) {
	c.reply(s, protocol.ErrorNotice{Code: code, Message: msg})
}

func (c *Controller) ack(s *Session, kind protocol.Kind, msg string) {
	c.reply(s, protocol.OperationAck{Request: kind, Message: msg})
}

// internalError logs a collaborator failure and tells only the requester.
func (c *Controller) internalError(s *Session, op string, err error) {
	c.log.Error(op+" failed", "session", s.ID, "user", s.UserID(), "err", err)
	c.replyError(s, protocol.CodeInternal, "internal error")
}

func (c *Controller) audit(userID int64, action string) {
	if err := c.store.LogAction(userID, action); err != nil {
		c.log.Warn("audit log write failed", "user", userID, "action", action, "err", err)
	}
}

func causeText(err error) string {
	if err == nil {
		return "eof"
	}
	return err.Error()
}

// errorDetail strips the package prefix from a decode error.
func errorDetail(err error) string {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return de.Err.Error()
	}
	return err.Error()
}

// sanitizeText strips control characters from user-provided text.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1 // strip all other control chars (null, bell, ANSI escapes, etc.)
		}
		return r
	}, s)
}
