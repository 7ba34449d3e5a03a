// Package model defines the core domain types for the relay.
package model

import "time"

// AuditEntry is one row of the per-user action log.
type AuditEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}
