// Package types provides the core data types for the parley client.
package types

import "time"

// Session is the locally persisted record of the active conversation.
// It is always replaced as a whole; individual fields are never patched
// so that concurrent writers cannot clobber each other.
type Session struct {
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	Authenticated    bool      `json:"isAuthenticated"`
	CreatedLocallyAt time.Time `json:"createdLocallyAt"`
}

// BelongsTo reports whether the stored record is usable for the given
// identity. A mismatched user id means the record must be discarded.
func (s *Session) BelongsTo(id Identity) bool {
	return s != nil && s.SessionID != "" && s.UserID == id.UserID
}

// Identity describes the caller as reported by the external auth
// collaborator. The zero value is an anonymous, unauthenticated caller.
type Identity struct {
	UserID        string
	Authenticated bool
}

// SessionSummary is one entry of the backend's session listing,
// most recent first.
type SessionSummary struct {
	SessionID     string     `json:"session_id"`
	Title         string     `json:"title,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}
