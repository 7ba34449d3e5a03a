// Package store provides an in-memory DataStore used by tests.
package store

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// Compile-time check: *MemoryStore implements datastore.DataStore.
var _ datastore.DataStore = (*MemoryStore)(nil)

// MemoryStore provides an in-memory DataStore implementation.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextBanID     int64
	nextMessageID int64
	nextPrivateID int64
	nextContactID int64
	nextAuditID   int64

	usersByID       map[int64]*model.User
	usersByUsername map[string]*model.User
	passwords       map[int64]string
	bans            []model.Ban
	messages        []model.Message
	private         []model.PrivateMessage
	contacts        []memoryContact
	audit           []model.AuditEntry

	failNext map[string]error
}

type memoryContact struct {
	id        int64
	ownerID   int64
	userID    int64
	name      string
	createdAt time.Time
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             func() time.Time { return now().UTC().Truncate(time.Second) },
		nextUserID:      1,
		nextBanID:       1,
		nextMessageID:   1,
		nextPrivateID:   1,
		nextContactID:   1,
		nextAuditID:     1,
		usersByID:       make(map[int64]*model.User),
		usersByUsername: make(map[string]*model.User),
		passwords:       make(map[int64]string),
		failNext:        make(map[string]error),
	}
}

// FailNext arranges for the next call to method to return err. Methods
// that honor it: CreateUser, GetCredentials, ListUsers, UpdateUser (role,
// status), CreateBan, CreateMessage, RecentMessages, CreatePrivateMessage,
// ListContacts, LogAction.
func (s *MemoryStore) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = err
}

// injected must be called with s.mu held.
func (s *MemoryStore) injected(method string) error {
	if err, ok := s.failNext[method]; ok {
		delete(s.failNext, method)
		return err
	}
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// ZeroTime returns the zero time value (used for permanent bans).
func (s *MemoryStore) ZeroTime() time.Time {
	return time.Time{}
}

// ---- Users ----

func (s *MemoryStore) CreateUser(u *model.User, passwordHash string) error {
	if err := model.ValidateUsername(u.Username); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	if !u.Role.Valid() {
		return fmt.Errorf("store: create user: %w", model.ErrInvalidRole)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateUser"); err != nil {
		return err
	}

	if _, exists := s.usersByUsername[u.Username]; exists {
		return fmt.Errorf("store: create user: %w", datastore.ErrConflict)
	}
	if u.Email != "" {
		for _, other := range s.usersByID {
			if strings.EqualFold(other.Email, u.Email) {
				return fmt.Errorf("store: create user: %w", datastore.ErrConflict)
			}
		}
	}
	if u.Status == "" {
		u.Status = model.StatusOffline
	}

	u.ID = s.nextUserID
	s.nextUserID++
	u.CreatedAt = s.now()
	u.Banned = false

	stored := *u
	s.usersByID[u.ID] = &stored
	s.usersByUsername[u.Username] = &stored
	s.passwords[u.ID] = passwordHash
	return nil
}

// userCopy returns a detached copy with Banned evaluated. Requires s.mu.
func (s *MemoryStore) userCopy(u *model.User) *model.User {
	cp := *u
	cp.Banned = s.bannedLocked(u.ID)
	return &cp
}

func (s *MemoryStore) GetUserByID(id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	return s.userCopy(u), nil
}

func (s *MemoryStore) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByUsername[username]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	return s.userCopy(u), nil
}

func (s *MemoryStore) GetCredentials(login string) (*model.User, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetCredentials"); err != nil {
		return nil, "", err
	}
	u, ok := s.usersByUsername[login]
	if !ok {
		for _, candidate := range s.usersByID {
			if candidate.Email != "" && strings.EqualFold(candidate.Email, login) {
				u, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return nil, "", datastore.ErrNotFound
	}
	return s.userCopy(u), s.passwords[u.ID], nil
}

func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListUsers"); err != nil {
		return nil, err
	}
	return s.sortedUsersLocked(func(*model.User) bool { return true }), nil
}

func (s *MemoryStore) sortedUsersLocked(keep func(*model.User) bool) []model.User {
	var users []model.User
	for _, u := range s.usersByID {
		if keep(u) {
			users = append(users, *s.userCopy(u))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

func (s *MemoryStore) SearchUsers(query string, excludeID int64, limit int) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	users := s.sortedUsersLocked(func(u *model.User) bool {
		if u.ID == excludeID || s.bannedLocked(u.ID) {
			return false
		}
		return strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.Email), q)
	})
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *MemoryStore) UpdateUserRole(userID int64, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("store: update role: %w", model.ErrInvalidRole)
	}
	return s.updateUser("update role", userID, func(u *model.User) { u.Role = role })
}

func (s *MemoryStore) UpdateUserPassword(userID int64, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByID[userID]; !ok {
		return fmt.Errorf("store: update password: %w", datastore.ErrNotFound)
	}
	s.passwords[userID] = passwordHash
	return nil
}

func (s *MemoryStore) UpdateUserStatus(userID int64, status model.Status) error {
	if _, err := model.ParseStatus(string(status)); err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	now := s.now()
	return s.updateUser("update status", userID, func(u *model.User) {
		u.Status = status
		if status == model.StatusOffline {
			u.LastSeen = now
		}
	})
}

func (s *MemoryStore) ResetStatuses() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.usersByID {
		u.Status = model.StatusOffline
	}
	return nil
}

func (s *MemoryStore) updateUser(op string, userID int64, fn func(*model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateUser"); err != nil {
		return err
	}
	u, ok := s.usersByID[userID]
	if !ok {
		return fmt.Errorf("store: %s: %w", op, datastore.ErrNotFound)
	}
	fn(u)
	return nil
}

// ---- Bans ----

func (s *MemoryStore) CreateBan(ban *model.Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateBan"); err != nil {
		return err
	}
	if _, ok := s.usersByID[ban.UserID]; !ok {
		return fmt.Errorf("store: create ban: %w", datastore.ErrNotFound)
	}
	ban.ID = s.nextBanID
	s.nextBanID++
	ban.CreatedAt = s.now()
	s.bans = append(s.bans, *ban)
	return nil
}

func (s *MemoryStore) IsUserBanned(userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bannedLocked(userID), nil
}

func (s *MemoryStore) bannedLocked(userID int64) bool {
	now := s.now()
	for i := range s.bans {
		if s.bans[i].UserID == userID && s.bans[i].Active(now) {
			return true
		}
	}
	return false
}

// ---- Messages ----

func (s *MemoryStore) CreateMessage(message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateMessage"); err != nil {
		return err
	}
	if _, ok := s.usersByID[message.SenderID]; !ok {
		return fmt.Errorf("store: create message: %w", datastore.ErrNotFound)
	}
	message.ID = s.nextMessageID
	s.nextMessageID++
	message.CreatedAt = s.now()
	s.messages = append(s.messages, *message)
	return nil
}

func (s *MemoryStore) RecentMessages(limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("RecentMessages"); err != nil {
		return nil, err
	}
	start := max(len(s.messages)-limit, 0)
	out := slices.Clone(s.messages[start:])
	for i := range out {
		out[i].SenderName = s.usernameLocked(out[i].SenderID)
	}
	return out, nil
}

func (s *MemoryStore) usernameLocked(id int64) string {
	if u, ok := s.usersByID[id]; ok {
		return u.Username
	}
	return ""
}

// ---- Private messages ----

func (s *MemoryStore) CreatePrivateMessage(message *model.PrivateMessage) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("store: private message failed validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreatePrivateMessage"); err != nil {
		return err
	}
	_, senderOK := s.usersByID[message.SenderID]
	_, receiverOK := s.usersByID[message.ReceiverID]
	if !senderOK || !receiverOK {
		return fmt.Errorf("store: create private message: %w", datastore.ErrNotFound)
	}
	message.ID = s.nextPrivateID
	s.nextPrivateID++
	message.CreatedAt = s.now()
	message.Read = false
	s.private = append(s.private, *message)
	return nil
}

func (s *MemoryStore) Conversation(a, b int64, limit int) ([]model.PrivateMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PrivateMessage
	for _, m := range s.private {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			m.SenderName = s.usernameLocked(m.SenderID)
			m.ReceiverName = s.usernameLocked(m.ReceiverID)
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Conversations(userID int64) ([]model.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byOther := make(map[int64]*model.ConversationSummary)
	lastID := make(map[int64]int64)
	for _, m := range s.private {
		var other int64
		switch userID {
		case m.SenderID:
			other = m.ReceiverID
		case m.ReceiverID:
			other = m.SenderID
		default:
			continue
		}
		u, ok := s.usersByID[other]
		if !ok {
			continue
		}
		c, ok := byOther[other]
		if !ok {
			c = &model.ConversationSummary{OtherUserID: other, OtherUsername: u.Username, OtherStatus: u.Status}
			byOther[other] = c
		}
		c.LastMessage = m.Body
		c.LastMessageAt = m.CreatedAt
		lastID[other] = m.ID
		if m.ReceiverID == userID && !m.Read {
			c.UnreadCount++
		}
	}

	out := make([]model.ConversationSummary, 0, len(byOther))
	for _, c := range byOther {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return lastID[out[i].OtherUserID] > lastID[out[j].OtherUserID] })
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *MemoryStore) MarkConversationRead(readerID, senderID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.private {
		m := &s.private[i]
		if m.SenderID == senderID && m.ReceiverID == readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

// ---- Contacts ----

func (s *MemoryStore) ListContacts(ownerID int64) ([]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListContacts"); err != nil {
		return nil, err
	}
	var out []model.Contact
	for _, c := range s.contacts {
		if c.ownerID != ownerID {
			continue
		}
		u, ok := s.usersByID[c.userID]
		if !ok {
			continue
		}
		unread := 0
		for _, m := range s.private {
			if m.SenderID == c.userID && m.ReceiverID == ownerID && !m.Read {
				unread++
			}
		}
		out = append(out, model.Contact{
			ID:          c.id,
			OwnerID:     c.ownerID,
			Name:        c.name,
			User:        *s.userCopy(u),
			UnreadCount: unread,
			CreatedAt:   c.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.Username < out[j].User.Username })
	return out, nil
}

func (s *MemoryStore) AddContact(ownerID, contactUserID int64, name string) (*model.Contact, error) {
	if ownerID == contactUserID {
		return nil, fmt.Errorf("store: add contact: %w", model.ErrContactSelf)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByID[contactUserID]
	if !ok {
		return nil, fmt.Errorf("store: add contact: %w", datastore.ErrNotFound)
	}
	if _, ok := s.usersByID[ownerID]; !ok {
		return nil, fmt.Errorf("store: add contact: %w", datastore.ErrNotFound)
	}
	for _, c := range s.contacts {
		if c.ownerID == ownerID && c.userID == contactUserID {
			return nil, fmt.Errorf("store: add contact: %w", datastore.ErrConflict)
		}
	}
	c := memoryContact{id: s.nextContactID, ownerID: ownerID, userID: contactUserID, name: name, createdAt: s.now()}
	s.nextContactID++
	s.contacts = append(s.contacts, c)
	return &model.Contact{
		ID:        c.id,
		OwnerID:   ownerID,
		Name:      name,
		User:      *s.userCopy(u),
		CreatedAt: c.createdAt,
	}, nil
}

func (s *MemoryStore) RemoveContact(ownerID, contactUserID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.contacts {
		if c.ownerID == ownerID && c.userID == contactUserID {
			s.contacts = slices.Delete(s.contacts, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("store: remove contact: %w", datastore.ErrNotFound)
}

// ---- Audit log ----

func (s *MemoryStore) LogAction(userID int64, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("LogAction"); err != nil {
		return err
	}
	s.audit = append(s.audit, model.AuditEntry{ID: s.nextAuditID, UserID: userID, Action: action, CreatedAt: s.now()})
	s.nextAuditID++
	return nil
}

func (s *MemoryStore) ListAuditLog(userID int64, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audit[i].UserID == userID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}
