package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/rbac"
)

func (c *Controller) handleLogin(s *Session, req *protocol.AuthenticateRequest) {
	if c.throttle.Blocked(req.Login) {
		c.metrics.FailedAuths.Add(1)
		s.log.Warn("login throttled", "login", req.Login, "err", ErrTooManyAttempts)
		c.replyError(s, protocol.CodeAuth, "too many attempts, try again later")
		return
	}

	u, err := c.auth.Authenticate(req.Login, req.Password)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		c.throttle.Fail(req.Login)
		c.metrics.FailedAuths.Add(1)
		s.log.Warn("login failed", "login", req.Login, "err", err)
		c.replyError(s, protocol.CodeAuth, "invalid credentials")
		return
	case errors.Is(err, ErrBanned):
		c.metrics.FailedAuths.Add(1)
		s.log.Warn("banned user rejected", "login", req.Login)
		c.replyError(s, protocol.CodeAuth, "account is banned")
		return
	case err != nil:
		c.internalError(s, "authenticate", err)
		return
	}

	c.throttle.Reset(req.Login)
	c.enterAuthenticated(s, u, "login")
}

func (c *Controller) handleRegister(s *Session, req *protocol.RegisterRequest) {
	if err := model.ValidateUsername(req.Username); err != nil {
		c.replyError(s, protocol.CodeInvalid, err.Error())
		return
	}
	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		c.internalError(s, "hash password", err)
		return
	}

	u := &model.User{
		Username:  req.Username,
		Email:     strings.TrimSpace(req.Email),
		FirstName: sanitizeText(req.FirstName),
		LastName:  sanitizeText(req.LastName),
		Role:      model.RoleUser,
		Status:    model.StatusOffline,
	}
	if err := c.store.CreateUser(u, hash); err != nil {
		if errors.Is(err, datastore.ErrConflict) {
			c.replyError(s, protocol.CodeConflict, "username or email already taken")
			return
		}
		c.internalError(s, "create user", err)
		return
	}
	s.log.Info("user registered", "user", u.ID, "username", u.Username)
	c.enterAuthenticated(s, u, "register")
}

func (c *Controller) handleGroupMessage(s *Session, req *protocol.SendGroupMessage) {
	u, _ := s.User()
	msg := &model.Message{SenderID: u.ID, SenderName: u.Username, Body: sanitizeText(req.Body)}
	if err := msg.Validate(); err != nil {
		c.replyError(s, protocol.CodeInvalid, err.Error())
		return
	}
	if err := c.store.CreateMessage(msg); err != nil {
		c.internalError(s, "store group message", err)
		return
	}
	c.audit(u.ID, "group_message")
	c.metrics.GroupMessages.Add(1)
	c.engine.Broadcast(protocol.GroupMessageBroadcast{MessageInfo: protocol.NewMessageInfo(*msg)})
}

func (c *Controller) handleChangePresence(s *Session, req *protocol.ChangePresence) {
	status, err := model.ParseStatus(req.Status)
	if err != nil || status == model.StatusOffline {
		c.replyError(s, protocol.CodeInvalid, "invalid status")
		return
	}
	uid := s.UserID()
	s.setStatus(status)

	c.presenceMu.Lock()
	if s.State() != StateAuthenticated {
		c.presenceMu.Unlock()
		return
	}
	err = c.store.UpdateUserStatus(uid, status)
	c.presenceMu.Unlock()
	if err != nil {
		c.internalError(s, "update status", err)
		return
	}
	c.audit(uid, "status_"+string(status))
	c.broadcastPresence()
}

func (c *Controller) handleBan(s *Session, req *protocol.BanUser) {
	actor, _ := s.User()
	if !rbac.HasPermission(actor.Role, rbac.PermBanUser) {
		s.log.Debug("ban request ignored", "user", actor.ID, "role", actor.Role)
		return
	}
	if req.UserID == actor.ID {
		c.replyError(s, protocol.CodeInvalid, "cannot ban yourself")
		return
	}

	target, err := c.store.GetUserByID(req.UserID)
	if errors.Is(err, datastore.ErrNotFound) {
		c.replyError(s, protocol.CodeInvalid, "user not found")
		return
	}
	if err != nil {
		c.internalError(s, "lookup ban target", err)
		return
	}
	if actor.Role != model.RoleAdmin && target.Role.AtLeast(actor.Role) {
		s.log.Debug("ban request ignored", "target", target.ID, "target_role", target.Role, "role", actor.Role)
		return
	}

	reason := strings.TrimSpace(sanitizeText(req.Reason))
	if reason == "" {
		reason = "banned by " + actor.Username
	}
	c.banMu.Lock()
	if err := c.store.CreateBan(&model.Ban{UserID: target.ID, Reason: reason, BannedBy: actor.ID}); err != nil {
		c.banMu.Unlock()
		c.internalError(s, "create ban", err)
		return
	}
	n := c.engine.ForceDisconnect(target.ID, reason)
	c.banMu.Unlock()

	c.audit(actor.ID, fmt.Sprintf("ban user=%d", target.ID))
	c.metrics.BanCount.Add(1)
	s.log.Info("user banned", "target", target.ID, "reason", reason, "sessions", n)

	// Closing the target's last session already broadcasts presence.
	if n == 0 {
		c.broadcastPresence()
	}
	c.ack(s, protocol.KindBan, "user "+target.Username+" banned")
}

func (c *Controller) handleLogout(s *Session) {
	c.ack(s, protocol.KindLogout, "logged out")
	c.endSession(s, errLogout)
}

func (c *Controller) handlePrivateMessage(s *Session, req *protocol.SendPrivateMessage) {
	u, _ := s.User()
	if req.ReceiverID == u.ID {
		c.replyError(s, protocol.CodeInvalid, "cannot send a private message to yourself")
		return
	}
	receiver, err := c.store.GetUserByID(req.ReceiverID)
	if errors.Is(err, datastore.ErrNotFound) {
		c.replyError(s, protocol.CodeInvalid, "user not found")
		return
	}
	if err != nil {
		c.internalError(s, "lookup receiver", err)
		return
	}

	msg := &model.PrivateMessage{
		SenderID:     u.ID,
		ReceiverID:   receiver.ID,
		SenderName:   u.Username,
		ReceiverName: receiver.Username,
		Body:         sanitizeText(req.Body),
	}
	if err := msg.Validate(); err != nil {
		c.replyError(s, protocol.CodeInvalid, err.Error())
		return
	}
	if err := c.store.CreatePrivateMessage(msg); err != nil {
		c.internalError(s, "store private message", err)
		return
	}
	c.audit(u.ID, fmt.Sprintf("private_message to=%d", receiver.ID))
	c.metrics.PrivateMessages.Add(1)

	ev := protocol.PrivateMessageDelivered{PrivateMessageInfo: protocol.NewPrivateMessageInfo(*msg)}
	c.engine.SendToOne(u.ID, ev)
	c.engine.SendToOne(receiver.ID, ev)
	c.pushConversations(u.ID)
	c.pushConversations(receiver.ID)
}

func (c *Controller) handleGetConversation(s *Session, req *protocol.GetConversation) {
	uid := s.UserID()
	if _, err := c.store.MarkConversationRead(uid, req.UserID); err != nil {
		c.internalError(s, "mark read", err)
		return
	}
	msgs, err := c.store.Conversation(uid, req.UserID, conversationLimit)
	if err != nil {
		c.internalError(s, "load conversation", err)
		return
	}
	c.reply(s, protocol.ConversationSnapshot{
		OtherUserID: req.UserID,
		Messages:    lo.Map(msgs, func(m model.PrivateMessage, _ int) protocol.PrivateMessageInfo { return protocol.NewPrivateMessageInfo(m) }),
	})
	c.sendContacts(s)
}

func (c *Controller) handleMarkRead(s *Session, req *protocol.MarkRead) {
	n, err := c.store.MarkConversationRead(s.UserID(), req.UserID)
	if err != nil {
		c.internalError(s, "mark read", err)
		return
	}
	c.ack(s, protocol.KindMarkAsRead, fmt.Sprintf("%d messages marked read", n))
	c.sendContacts(s)
}

func (c *Controller) handleAddContact(s *Session, req *protocol.AddContact) {
	uid := s.UserID()
	if req.UserID == uid {
		c.replyError(s, protocol.CodeInvalid, model.ErrContactSelf.Error())
		return
	}
	_, err := c.store.AddContact(uid, req.UserID, sanitizeText(req.Name))
	switch {
	case errors.Is(err, model.ErrContactSelf):
		c.replyError(s, protocol.CodeInvalid, err.Error())
		return
	case errors.Is(err, datastore.ErrConflict):
		c.replyError(s, protocol.CodeConflict, "contact already exists")
		return
	case errors.Is(err, datastore.ErrNotFound):
		c.replyError(s, protocol.CodeInvalid, "user not found")
		return
	case err != nil:
		c.internalError(s, "add contact", err)
		return
	}
	c.audit(uid, fmt.Sprintf("add_contact user=%d", req.UserID))
	c.ack(s, protocol.KindAddContact, "contact added")
	c.sendContacts(s)
}

func (c *Controller) handleRemoveContact(s *Session, req *protocol.RemoveContact) {
	uid := s.UserID()
	err := c.store.RemoveContact(uid, req.UserID)
	if errors.Is(err, datastore.ErrNotFound) {
		c.replyError(s, protocol.CodeInvalid, "contact not found")
		return
	}
	if err != nil {
		c.internalError(s, "remove contact", err)
		return
	}
	c.audit(uid, fmt.Sprintf("remove_contact user=%d", req.UserID))
	c.ack(s, protocol.KindRemoveContact, "contact removed")
	c.sendContacts(s)
}

func (c *Controller) handleSearchUsers(s *Session, req *protocol.SearchUsers) {
	query := strings.TrimSpace(req.Query)
	users, err := c.store.SearchUsers(query, s.UserID(), searchLimit)
	if err != nil {
		c.internalError(s, "search users", err)
		return
	}
	c.reply(s, protocol.UserSearchResults{
		Query: query,
		Users: lo.Map(users, func(u model.User, _ int) protocol.UserInfo { return protocol.NewUserInfo(u, c.registry.Online(u.ID)) }),
	})
}

func (c *Controller) handleSetUserRole(s *Session, req *protocol.SetUserRole) {
	actor, _ := s.User()
	next := model.ParseRole(req.Role)
	if !rbac.CanAssign(actor.Role, actor.ID, req.UserID, next) {
		msg := rbac.RequirePermission(actor.Role, rbac.PermManageRoles)
		if msg == "" {
			msg = "permission denied: cannot assign role " + next.String()
		}
		c.replyError(s, protocol.CodeAuth, msg)
		return
	}

	err := c.store.UpdateUserRole(req.UserID, next)
	if errors.Is(err, datastore.ErrNotFound) {
		c.replyError(s, protocol.CodeInvalid, "user not found")
		return
	}
	if err != nil {
		c.internalError(s, "update role", err)
		return
	}
	for _, target := range c.registry.Find(req.UserID) {
		target.setRole(next)
	}
	c.metrics.RoleChanges.Add(1)
	c.audit(actor.ID, fmt.Sprintf("set_role user=%d role=%s", req.UserID, next))
	s.log.Info("role changed", "target", req.UserID, "role", next, "by", actor.ID)

	c.ack(s, protocol.KindSetRole, "role updated to "+next.String())
	c.broadcastPresence()
}

func (c *Controller) sendContacts(s *Session) {
	contacts, err := c.store.ListContacts(s.UserID())
	if err != nil {
		c.internalError(s, "list contacts", err)
		return
	}
	c.reply(s, protocol.ContactList{
		Contacts: lo.Map(contacts, func(ct model.Contact, _ int) protocol.ContactInfo { return protocol.NewContactInfo(ct, c.registry.Online(ct.User.ID)) }),
	})
}

func (c *Controller) sendConversations(s *Session) {
	ev, err := c.conversationList(s.UserID())
	if err != nil {
		c.internalError(s, "list conversations", err)
		return
	}
	c.reply(s, ev)
}

// pushConversations refreshes the conversation list on every session of
// userID.
func (c *Controller) pushConversations(userID int64) {
	ev, err := c.conversationList(userID)
	if err != nil {
		c.log.Error("list conversations failed", "user", userID, "err", err)
		return
	}
	c.engine.SendToOne(userID, ev)
}

func (c *Controller) conversationList(userID int64) (protocol.ConversationList, error) {
	convs, err := c.store.Conversations(userID)
	if err != nil {
		return protocol.ConversationList{}, err
	}
	return protocol.ConversationList{
		Conversations: lo.Map(convs, func(cv model.ConversationSummary, _ int) protocol.ConversationInfo { return protocol.NewConversationInfo(cv) }),
	}, nil
}
