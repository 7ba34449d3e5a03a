package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("datastore: not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("datastore: already exists")
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for all relay entities.
// Implementations include the default SQLite store and the in-memory store
// in pkg/store used by tests.
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider

	BanReadProvider
	BanWriteProvider

	MessageReadProvider
	MessageWriteProvider

	PrivateMessageReadProvider
	PrivateMessageWriteProvider

	ContactReadProvider
	ContactWriteProvider

	AuditProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	ZeroTime() time.Time
	Close() error
}

type UserReadProvider interface {
	GetUserByID(id int64) (*model.User, error)
	GetUserByUsername(username string) (*model.User, error)
	// GetCredentials looks a user up by username or email and returns the
	// stored password hash alongside it.
	GetCredentials(login string) (*model.User, string, error)
	// ListUsers returns every user ordered by username.
	ListUsers() ([]model.User, error)
	// SearchUsers matches query against username and email, skipping
	// excludeID and banned users.
	SearchUsers(query string, excludeID int64, limit int) ([]model.User, error)
}

type UserWriteProvider interface {
	// CreateUser inserts u and fills in its ID and CreatedAt.
	CreateUser(u *model.User, passwordHash string) error
	UpdateUserRole(userID int64, role model.Role) error
	UpdateUserPassword(userID int64, passwordHash string) error
	// UpdateUserStatus persists the presence status; going offline also
	// records last_seen.
	UpdateUserStatus(userID int64, status model.Status) error
	// ResetStatuses marks every user offline.
	ResetStatuses() error
}

type BanReadProvider interface {
	IsUserBanned(userID int64) (bool, error)
}

type BanWriteProvider interface {
	CreateBan(ban *model.Ban) error
}

type MessageReadProvider interface {
	// RecentMessages returns up to limit group messages, oldest first.
	RecentMessages(limit int) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(message *model.Message) error
}

type PrivateMessageReadProvider interface {
	// Conversation returns the last limit messages exchanged between a and b,
	// oldest first.
	Conversation(a, b int64, limit int) ([]model.PrivateMessage, error)
	// Conversations summarizes every conversation userID takes part in,
	// most recent first.
	Conversations(userID int64) ([]model.ConversationSummary, error)
}

type PrivateMessageWriteProvider interface {
	CreatePrivateMessage(message *model.PrivateMessage) error
	// MarkConversationRead marks messages from senderID to readerID as read
	// and returns how many changed.
	MarkConversationRead(readerID, senderID int64) (int64, error)
}

type ContactReadProvider interface {
	// ListContacts returns ownerID's contacts with per-contact unread counts.
	ListContacts(ownerID int64) ([]model.Contact, error)
}

type ContactWriteProvider interface {
	AddContact(ownerID, contactUserID int64, name string) (*model.Contact, error)
	RemoveContact(ownerID, contactUserID int64) error
}

type AuditProvider interface {
	LogAction(userID int64, action string) error
	ListAuditLog(userID int64, limit int) ([]model.AuditEntry, error)
}
