package types

// FrameType discriminates the chat stream's frame union.
type FrameType string

const (
	FrameContent  FrameType = "content"
	FrameMetadata FrameType = "metadata"
	FrameError    FrameType = "error"
)

// StreamFrame is one decoded frame of the chunked chat response.
// Content frames carry a text delta and a done flag; metadata frames
// carry the authoritative session id and, optionally, the server-assigned
// id of the assistant message. Metadata may arrive before, between or
// after content frames.
type StreamFrame struct {
	Type            FrameType `json:"type"`
	Content         string    `json:"content,omitempty"`
	Done            bool      `json:"done,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	ServerMessageID string    `json:"message_id,omitempty"`
	Detail          string    `json:"detail,omitempty"`
}
