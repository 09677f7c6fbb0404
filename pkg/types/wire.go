package types

import "time"

// CreateSessionRequest is the body of POST /session. A null session id
// asks the backend to mint a new one; a non-null id asks it to validate
// and adopt the given id.
type CreateSessionRequest struct {
	SessionID *string `json:"session_id"`
}

// CreateSessionResponse is the backend's reply to POST /session.
type CreateSessionResponse struct {
	Success       bool   `json:"success"`
	SessionID     string `json:"session_id"`
	Authenticated bool   `json:"is_authenticated"`
	UserID        string `json:"user_id"`
}

// RegisterUserRequest is the body of POST /register, the corrective
// action taken when session creation reports an unknown owning user.
type RegisterUserRequest struct {
	UserID string `json:"user_id"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Text              string         `json:"text"`
	SessionID         string         `json:"session_id"`
	AttachedFiles     []AttachedFile `json:"attached_files,omitempty"`
	EditFromMessageID string         `json:"edit_from_message_id,omitempty"`
	EnableWebSearch   bool           `json:"enable_web_search"`
}

// StoredMessage is one persisted message as returned by
// GET /sessions/{id}/messages.
type StoredMessage struct {
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	MessageID string          `json:"message_id"`
	Metadata  MessageMetadata `json:"metadata"`
}

// MessageMetadata carries per-message extras stored by the backend.
type MessageMetadata struct {
	AttachedFiles []AttachedFile `json:"attached_files,omitempty"`
}

// MessagesResponse is the envelope of GET /sessions/{id}/messages.
type MessagesResponse struct {
	Messages []StoredMessage `json:"messages"`
}

// RenameSessionRequest is the body of PATCH /sessions/{id}.
type RenameSessionRequest struct {
	Title string `json:"title"`
}
