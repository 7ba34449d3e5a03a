package protocol

import (
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// UserInfo is the public view of a user. Password hashes never leave the
// server.
type UserInfo struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Permission int       `json:"permission"`
	Role       string    `json:"role"`
	Status     string    `json:"status"`
	Online     bool      `json:"online"`
	Banned     bool      `json:"banned"`
	LastSeen   time.Time `json:"last_seen,omitzero"`
}

type MessageInfo struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

type PrivateMessageInfo struct {
	ID           int64     `json:"id"`
	SenderID     int64     `json:"sender_id"`
	ReceiverID   int64     `json:"receiver_id"`
	SenderName   string    `json:"sender_name"`
	ReceiverName string    `json:"receiver_name"`
	Body         string    `json:"body"`
	Read         bool      `json:"read"`
	CreatedAt    time.Time `json:"created_at"`
}

type ConversationInfo struct {
	OtherUserID   int64     `json:"other_user_id"`
	OtherUsername string    `json:"other_username"`
	OtherStatus   string    `json:"other_status"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

type ContactInfo struct {
	ContactID   int64    `json:"contact_id"`
	Name        string   `json:"name,omitempty"`
	User        UserInfo `json:"user"`
	UnreadCount int      `json:"unread_count"`
}

// NewUserInfo converts a stored user. Status is reported as offline unless
// online is set.
func NewUserInfo(u model.User, online bool) UserInfo {
	status := u.Status
	if !online || status == "" {
		status = model.StatusOffline
	}
	return UserInfo{
		ID:         u.ID,
		Username:   u.Username,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Email:      u.Email,
		Permission: int(u.Role),
		Role:       u.Role.String(),
		Status:     string(status),
		Online:     online,
		Banned:     u.Banned,
		LastSeen:   u.LastSeen,
	}
}

func NewMessageInfo(m model.Message) MessageInfo {
	return MessageInfo{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
}

func NewPrivateMessageInfo(m model.PrivateMessage) PrivateMessageInfo {
	return PrivateMessageInfo{
		ID:           m.ID,
		SenderID:     m.SenderID,
		ReceiverID:   m.ReceiverID,
		SenderName:   m.SenderName,
		ReceiverName: m.ReceiverName,
		Body:         m.Body,
		Read:         m.Read,
		CreatedAt:    m.CreatedAt,
	}
}

func NewConversationInfo(c model.ConversationSummary) ConversationInfo {
	return ConversationInfo{
		OtherUserID:   c.OtherUserID,
		OtherUsername: c.OtherUsername,
		OtherStatus:   string(c.OtherStatus),
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   c.UnreadCount,
	}
}

// NewContactInfo converts a contact entry; online reports whether the contact
// currently has a live session.
func NewContactInfo(c model.Contact, online bool) ContactInfo {
	return ContactInfo{
		ContactID:   c.ID,
		Name:        c.Name,
		User:        NewUserInfo(c.User, online),
		UnreadCount: c.UnreadCount,
	}
}
