package model

import "time"

// Ban represents a banned user.
type Ban struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Reason    string    `json:"reason"`
	BannedBy  int64     `json:"banned_by"`
	ExpiresAt time.Time `json:"expires_at"` // zero = permanent
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the ban is in force at t.
func (b *Ban) Active(t time.Time) bool {
	return b.ExpiresAt.IsZero() || t.Before(b.ExpiresAt)
}
