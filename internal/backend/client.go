// Package backend is the typed HTTP client for the chat backend's REST and
// streaming endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/parleyhq/parley/pkg/types"
)

// DefaultTimeout bounds non-streaming requests.
const DefaultTimeout = 30 * time.Second

// Client talks to the chat backend.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a backend client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// RequestOption configures an outgoing request.
type RequestOption func(*http.Request)

// WithIdentity attaches the session and user headers when known.
func WithIdentity(sessionID, userID string) RequestOption {
	return func(r *http.Request) {
		if sessionID != "" {
			r.Header.Set("X-Session-ID", sessionID)
		}
		if userID != "" {
			r.Header.Set("X-User-ID", userID)
		}
	}
}

// do performs a JSON request and returns the raw response body on 2xx.
// Non-2xx responses become a *StatusError carrying the body.
func (c *Client) do(ctx context.Context, method, path string, body any, opts ...RequestOption) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// CreateSession asks the backend to create (or adopt) a session.
// A nil sessionID requests a fresh server-issued id.
func (c *Client) CreateSession(ctx context.Context, sessionID *string, identity types.Identity) (*types.CreateSessionResponse, error) {
	body, err := c.do(ctx, http.MethodPost, "/session",
		types.CreateSessionRequest{SessionID: sessionID},
		WithIdentity("", identity.UserID))
	if err != nil {
		return nil, err
	}

	var resp types.CreateSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	return &resp, nil
}

// RegisterUser re-registers the owning user, the corrective action for a
// "user not found" rejection on session creation.
func (c *Client) RegisterUser(ctx context.Context, userID string) error {
	_, err := c.do(ctx, http.MethodPost, "/register",
		types.RegisterUserRequest{UserID: userID},
		WithIdentity("", userID))
	return err
}

// ListSessions returns the caller's sessions, most recent first.
func (c *Client) ListSessions(ctx context.Context, limit int, identity types.Identity) ([]types.SessionSummary, error) {
	path := "/sessions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	body, err := c.do(ctx, http.MethodGet, path, nil, WithIdentity("", identity.UserID))
	if err != nil {
		return nil, err
	}

	var sessions []types.SessionSummary
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode session list: %w", err)
	}
	return sessions, nil
}

// GetMessages fetches persisted messages for a session. A 403 or 404 means
// the session is invalid and is reported as ErrSessionInvalid so the caller
// can clear local state and re-resolve.
func (c *Client) GetMessages(ctx context.Context, sessionID string, limit, offset int, identity types.Identity) ([]types.StoredMessage, error) {
	path := fmt.Sprintf("/sessions/%s/messages?limit=%d&offset=%d", sessionID, limit, offset)

	body, err := c.do(ctx, http.MethodGet, path, nil, WithIdentity(sessionID, identity.UserID))
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusForbidden || se.StatusCode == http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionInvalid, sessionID)
		}
		return nil, err
	}

	var resp types.MessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return resp.Messages, nil
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string, identity types.Identity) error {
	_, err := c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil,
		WithIdentity(sessionID, identity.UserID))
	return err
}

// RenameSession updates a session title.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string, identity types.Identity) error {
	_, err := c.do(ctx, http.MethodPatch, "/sessions/"+sessionID,
		types.RenameSessionRequest{Title: title},
		WithIdentity(sessionID, identity.UserID))
	return err
}

// Chat opens the streaming chat call and returns the frame stream. The
// caller owns the returned body and must close it. The request honors ctx
// for cancellation; a per-call deadline is the caller's responsibility
// since the stream outlives any sensible fixed client timeout.
func (c *Client) Chat(ctx context.Context, chatReq types.ChatRequest, identity types.Identity) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	WithIdentity(chatReq.SessionID, identity.UserID)(req)

	// A separate client without a timeout: the stream is bounded by ctx.
	client := &http.Client{Transport: c.HTTPClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return resp.Body, nil
}
