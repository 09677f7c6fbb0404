package event

import "github.com/parleyhq/parley/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Session *types.Session `json:"session"`
}

// SessionUpdatedData is the data for session.updated events.
type SessionUpdatedData struct {
	Session *types.Session `json:"session"`
}

// SessionClearedData is the data for session.cleared events. SessionID is
// the id that was active before the clear, when known.
type SessionClearedData struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	SessionID string `json:"sessionId"`
}
