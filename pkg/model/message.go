package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 2000

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// Message is a group message visible to every online user.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

func (m *Message) Validate() error {
	return validateBody(m.Body)
}

// PrivateMessage is a direct message between two users.
type PrivateMessage struct {
	ID           int64     `json:"id"`
	SenderID     int64     `json:"sender_id"`
	ReceiverID   int64     `json:"receiver_id"`
	SenderName   string    `json:"sender_name"`
	ReceiverName string    `json:"receiver_name"`
	Body         string    `json:"body"`
	Read         bool      `json:"read"`
	CreatedAt    time.Time `json:"created_at"`
}

func (m *PrivateMessage) Validate() error {
	if m.SenderID == m.ReceiverID {
		return errors.New("cannot send a private message to yourself")
	}
	return validateBody(m.Body)
}

// ConversationSummary is the latest state of one private conversation from
// the point of view of a single user.
type ConversationSummary struct {
	OtherUserID   int64     `json:"other_user_id"`
	OtherUsername string    `json:"other_username"`
	OtherStatus   Status    `json:"other_status"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}
	return nil
}
