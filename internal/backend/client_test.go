package backend_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/mockbackend"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/pkg/types"
)

func newTestClient(t *testing.T, mock *mockbackend.Server) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(mock.Router())
	t.Cleanup(srv.Close)
	return backend.New(srv.URL)
}

func identity(userID string) types.Identity {
	return types.Identity{UserID: userID, Authenticated: userID != ""}
}

func TestClient_CreateSession(t *testing.T) {
	mock := mockbackend.New()
	client := newTestClient(t, mock)

	resp, err := client.CreateSession(context.Background(), nil, identity("user_a"))
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if !resp.Success {
		t.Error("Expected success")
	}
	if resp.SessionID == "" {
		t.Error("Expected a server-issued session id")
	}
	if resp.UserID != "user_a" {
		t.Errorf("Expected user id %q, got %q", "user_a", resp.UserID)
	}
	if !resp.Authenticated {
		t.Error("Expected authenticated response for a known user id")
	}
}

func TestClient_CreateSessionFailureCarriesStatus(t *testing.T) {
	mock := mockbackend.New()
	mock.FailCreateWith = 503
	client := newTestClient(t, mock)

	_, err := client.CreateSession(context.Background(), nil, identity("user_a"))
	if err == nil {
		t.Fatal("Expected error")
	}

	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StatusError, got %T: %v", err, err)
	}
	if se.StatusCode != 503 {
		t.Errorf("Expected status 503, got %d", se.StatusCode)
	}
	if !backend.IsServerFault(err) {
		t.Error("Expected 503 to classify as server fault")
	}
}

func TestClient_CreateSessionUserNotFound(t *testing.T) {
	mock := mockbackend.New()
	mock.RequireRegistration = true
	client := newTestClient(t, mock)

	_, err := client.CreateSession(context.Background(), nil, identity("user_a"))
	if !backend.IsUserNotFound(err) {
		t.Fatalf("Expected user-not-found classification, got %v", err)
	}

	if err := client.RegisterUser(context.Background(), "user_a"); err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}
	if _, err := client.CreateSession(context.Background(), nil, identity("user_a")); err != nil {
		t.Fatalf("CreateSession after registration failed: %v", err)
	}
}

func TestClient_ListSessionsScopedToUser(t *testing.T) {
	mock := mockbackend.New()
	mock.AddSession("sess_a", "user_a")
	mock.AddSession("sess_b", "user_b")
	client := newTestClient(t, mock)

	sessions, err := client.ListSessions(context.Background(), 10, identity("user_a"))
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if sessions[0].SessionID != "sess_a" {
		t.Errorf("Expected session %q, got %q", "sess_a", sessions[0].SessionID)
	}
}

func TestClient_GetMessagesInvalidSession(t *testing.T) {
	mock := mockbackend.New()
	mock.AddSession("sess_owned", "user_b")
	client := newTestClient(t, mock)

	// Unknown session id.
	_, err := client.GetMessages(context.Background(), "sess_missing", 200, 0, identity("user_a"))
	if !errors.Is(err, backend.ErrSessionInvalid) {
		t.Errorf("Expected ErrSessionInvalid for unknown session, got %v", err)
	}

	// Session owned by another user.
	_, err = client.GetMessages(context.Background(), "sess_owned", 200, 0, identity("user_a"))
	if !errors.Is(err, backend.ErrSessionInvalid) {
		t.Errorf("Expected ErrSessionInvalid for foreign session, got %v", err)
	}
}

func TestClient_ChatStreamsFrames(t *testing.T) {
	mock := mockbackend.New()
	mock.AddSession("sess_1", "user_a")
	mock.ReplyChunks = []string{"Hi", " there"}
	client := newTestClient(t, mock)

	body, err := client.Chat(context.Background(), types.ChatRequest{
		Text:      "hello",
		SessionID: "sess_1",
	}, identity("user_a"))
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	defer body.Close()

	result, err := stream.NewDecoder(nil).Decode(context.Background(), body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if result.Content != "Hi there" {
		t.Errorf("Expected content %q, got %q", "Hi there", result.Content)
	}
	if result.SessionID != "sess_1" {
		t.Errorf("Expected metadata session id %q, got %q", "sess_1", result.SessionID)
	}
	if result.ServerMessageID == "" {
		t.Error("Expected a server message id from the metadata frame")
	}

	// The exchange must now be persisted on the backend.
	messages, err := client.GetMessages(context.Background(), "sess_1", 200, 0, identity("user_a"))
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 stored messages, got %d", len(messages))
	}
	if messages[0].Role != types.RoleUser || messages[0].Content != "hello" {
		t.Errorf("Unexpected first message: %+v", messages[0])
	}
	if messages[1].Role != types.RoleAssistant || messages[1].Content != "Hi there" {
		t.Errorf("Unexpected second message: %+v", messages[1])
	}
}

func TestClient_ChatUnknownSession(t *testing.T) {
	mock := mockbackend.New()
	client := newTestClient(t, mock)

	body, err := client.Chat(context.Background(), types.ChatRequest{
		Text:      "hello",
		SessionID: "sess_missing",
	}, identity("user_a"))
	if err == nil {
		io.Copy(io.Discard, body)
		body.Close()
		t.Fatal("Expected error for unknown session")
	}

	var se *backend.StatusError
	if !errors.As(err, &se) || se.StatusCode != 404 {
		t.Errorf("Expected 404 StatusError, got %v", err)
	}
}

func TestClient_DeleteAndRenameSession(t *testing.T) {
	mock := mockbackend.New()
	mock.AddSession("sess_1", "user_a")
	client := newTestClient(t, mock)

	if err := client.RenameSession(context.Background(), "sess_1", "groceries", identity("user_a")); err != nil {
		t.Fatalf("RenameSession failed: %v", err)
	}
	sessions, err := client.ListSessions(context.Background(), 0, identity("user_a"))
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != "groceries" {
		t.Fatalf("Expected renamed session, got %+v", sessions)
	}

	if err := client.DeleteSession(context.Background(), "sess_1", identity("user_a")); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	sessions, err = client.ListSessions(context.Background(), 0, identity("user_a"))
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("Expected no sessions after delete, got %+v", sessions)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		serverFault bool
		notFound    bool
		rejection   bool
	}{
		{"500", &backend.StatusError{StatusCode: 500, Body: "boom"}, true, false, false},
		{"503", &backend.StatusError{StatusCode: 503, Body: "overloaded"}, true, false, false},
		// A user-not-found 404 also reads as a client rejection; callers
		// must check IsUserNotFound first to take the corrective path.
		{"404 user not found", &backend.StatusError{StatusCode: 404, Body: `{"error":"User Not Found"}`}, false, true, true},
		{"400 generic", &backend.StatusError{StatusCode: 400, Body: "bad request"}, false, false, true},
		{"404 generic", &backend.StatusError{StatusCode: 404, Body: "nope"}, false, false, true},
		{"plain error", errors.New("dial tcp: refused"), false, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := backend.IsServerFault(tc.err); got != tc.serverFault {
				t.Errorf("IsServerFault = %v, want %v", got, tc.serverFault)
			}
			if got := backend.IsUserNotFound(tc.err); got != tc.notFound {
				t.Errorf("IsUserNotFound = %v, want %v", got, tc.notFound)
			}
			if got := backend.IsClientRejection(tc.err); got != tc.rejection {
				t.Errorf("IsClientRejection = %v, want %v", got, tc.rejection)
			}
		})
	}
}
