package model

import (
	"errors"
	"time"
)

var ErrContactSelf = errors.New("cannot add yourself as a contact")

// Contact is an entry in a user's address book.
type Contact struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Name        string    `json:"name"` // optional display name chosen by the owner
	User        User      `json:"user"`
	UnreadCount int       `json:"unread_count"`
	CreatedAt   time.Time `json:"created_at"`
}
