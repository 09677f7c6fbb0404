// Package mockbackend is an in-process implementation of the chat
// backend's REST and streaming contract. Tests use it to script backend
// behavior; the CLI uses it for --demo mode.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"

	"github.com/parleyhq/parley/pkg/types"
)

// Server is a scriptable backend double.
type Server struct {
	mu       sync.Mutex
	users    map[string]bool
	sessions map[string]*sessionRec

	createCalls atomic.Int32

	// FailCreateWith forces POST /session to fail with the given status.
	// Zero means no forced failure.
	FailCreateWith int
	// FailCreateBody is the body sent with a forced failure.
	FailCreateBody string
	// CreateDelay pauses POST /session before responding.
	CreateDelay time.Duration
	// RequireRegistration makes session creation reject users that have
	// not called /register, with a 404 "user not found" body.
	RequireRegistration bool
	// FailListWith forces GET /sessions to fail with the given status.
	FailListWith int
	// ReplyChunks are the content frames streamed by /chat. The last
	// chunk carries done:true.
	ReplyChunks []string
	// MetadataFirst emits the metadata frame before the content frames
	// instead of after.
	MetadataFirst bool
	// RawStream, when non-nil, is written verbatim as the /chat body and
	// overrides frame generation entirely.
	RawStream []byte
	// ChatDelay is an optional pause between frames.
	ChatDelay time.Duration
}

type sessionRec struct {
	id            string
	userID        string
	title         string
	lastMessageAt time.Time
	messages      []types.StoredMessage
}

// New creates a mock backend with a default two-chunk reply.
func New() *Server {
	return &Server{
		users:       make(map[string]bool),
		sessions:    make(map[string]*sessionRec),
		ReplyChunks: []string{"Hello", " there"},
	}
}

// CreateCalls reports how many times POST /session was invoked, which the
// single-flight tests assert on.
func (s *Server) CreateCalls() int {
	return int(s.createCalls.Load())
}

// RegisterUser marks a user as known without going through the endpoint.
func (s *Server) RegisterUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = true
}

// AddSession seeds a session for a user.
func (s *Server) AddSession(sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &sessionRec{
		id:            sessionID,
		userID:        userID,
		lastMessageAt: time.Now(),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/register", s.registerUser)
	r.Post("/session", s.createSession)
	r.Post("/chat", s.chat)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/messages", s.getMessages)
			r.Patch("/", s.renameSession)
			r.Delete("/", s.deleteSession)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	s.mu.Lock()
	s.users[req.UserID] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	s.createCalls.Add(1)

	if s.CreateDelay > 0 {
		time.Sleep(s.CreateDelay)
	}

	if s.FailCreateWith != 0 {
		body := s.FailCreateBody
		if body == "" {
			body = "forced failure"
		}
		writeError(w, s.FailCreateWith, body)
		return
	}

	userID := r.Header.Get("X-User-ID")

	var req types.CreateSessionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RequireRegistration && !s.users[userID] {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	id := "sess_" + ulid.Make().String()
	if req.SessionID != nil && *req.SessionID != "" {
		id = *req.SessionID
	}
	s.sessions[id] = &sessionRec{
		id:            id,
		userID:        userID,
		lastMessageAt: time.Now(),
	}

	writeJSON(w, http.StatusOK, types.CreateSessionResponse{
		Success:       true,
		SessionID:     id,
		Authenticated: userID != "",
		UserID:        userID,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.FailListWith != 0 {
		writeError(w, s.FailListWith, "forced failure")
		return
	}

	userID := r.Header.Get("X-User-ID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	var out []types.SessionSummary
	for _, rec := range s.sessions {
		if rec.userID != userID {
			continue
		}
		at := rec.lastMessageAt
		out = append(out, types.SessionSummary{
			SessionID:     rec.id,
			Title:         rec.title,
			LastMessageAt: &at,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(*out[j].LastMessageAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []types.SessionSummary{}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := r.Header.Get("X-User-ID")

	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if rec.userID != userID {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "session belongs to another user")
		return
	}
	messages := make([]types.StoredMessage, len(rec.messages))
	copy(messages, rec.messages)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, types.MessagesResponse{Messages: messages})
}

func (s *Server) renameSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req types.RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	rec.title = req.Title

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	delete(s.sessions, sessionID)

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// chat streams the scripted reply as newline-delimited "data: " frames,
// flushing after every frame the way the real backend does.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	rec, ok := s.sessions[req.SessionID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	// Edit-and-regenerate: drop the server-side tail from the edited
	// message onward, consistent with the client's truncation.
	if req.EditFromMessageID != "" {
		for i, m := range rec.messages {
			if m.MessageID == req.EditFromMessageID {
				rec.messages = rec.messages[:i]
				break
			}
		}
	}

	now := time.Now()
	userMsgID := "msg_" + ulid.Make().String()
	rec.messages = append(rec.messages, types.StoredMessage{
		Role:      types.RoleUser,
		Content:   req.Text,
		CreatedAt: &now,
		MessageID: userMsgID,
		Metadata:  types.MessageMetadata{AttachedFiles: req.AttachedFiles},
	})
	rec.lastMessageAt = now
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if s.RawStream != nil {
		w.Write(s.RawStream)
		flush()
		return
	}

	assistantMsgID := "msg_" + ulid.Make().String()
	writeFrame := func(frame types.StreamFrame) {
		data, _ := json.Marshal(frame)
		fmt.Fprintf(w, "data: %s\n", data)
		flush()
		if s.ChatDelay > 0 {
			time.Sleep(s.ChatDelay)
		}
	}

	metadata := types.StreamFrame{
		Type:            types.FrameMetadata,
		SessionID:       req.SessionID,
		ServerMessageID: assistantMsgID,
	}

	if s.MetadataFirst {
		writeFrame(metadata)
	}

	var full string
	for i, chunk := range s.ReplyChunks {
		last := i == len(s.ReplyChunks)-1
		// Decoding ends at done:true, so the interleaved metadata frame
		// must precede the final content frame.
		if last && !s.MetadataFirst {
			writeFrame(metadata)
		}
		full += chunk
		writeFrame(types.StreamFrame{
			Type:    types.FrameContent,
			Content: chunk,
			Done:    last,
		})
	}
	if len(s.ReplyChunks) == 0 && !s.MetadataFirst {
		writeFrame(metadata)
	}

	s.mu.Lock()
	rec.messages = append(rec.messages, types.StoredMessage{
		Role:      types.RoleAssistant,
		Content:   full,
		CreatedAt: &now,
		MessageID: assistantMsgID,
	})
	s.mu.Unlock()
}
