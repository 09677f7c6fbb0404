package types

import "time"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the transcript. The transcript is append-only
// except for edit operations, which truncate the suffix from the edited
// index onward.
type Message struct {
	ID              string         `json:"id"`
	Role            Role           `json:"role"`
	Content         string         `json:"content"`
	AttachedFiles   []AttachedFile `json:"attachedFiles,omitempty"`
	ServerMessageID string         `json:"serverMessageId,omitempty"`
	CreatedAt       *time.Time     `json:"createdAt,omitempty"`
}

// AttachedFile is an opaque reference produced by the external upload
// collaborator. Immutable once appended to a message.
type AttachedFile struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	AssetID  string `json:"asset_id"`
}
