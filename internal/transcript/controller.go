// Package transcript owns the ordered message list and the per-message
// send state machine: idle, sending, streaming, settled.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/resolver"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/types"
)

// State is the transcript's position in the send lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateSettled   State = "settled"
)

const (
	// DefaultChatTimeout bounds one streaming chat call end to end.
	DefaultChatTimeout = 60 * time.Second

	// FallbackNotice replaces an assistant message when the stream ends
	// with no content at all.
	FallbackNotice = "I wasn't able to generate a response this time. Please try again."

	// RetryNotice replaces an assistant message when the chat call fails
	// or times out.
	RetryNotice = "Something went wrong while answering. Please try sending your message again."

	// CompletedPrompt answers sends that arrive after the conversation
	// has completed, without contacting the backend.
	CompletedPrompt = "This conversation is complete. Start a new conversation to continue."

	// hydrateLimit caps how many persisted messages are fetched.
	hydrateLimit = 200
)

var (
	// ErrBusy is returned when a send arrives while another message is
	// still sending or streaming. The compose surface is expected to be
	// disabled in those states.
	ErrBusy = errors.New("a message is already in flight")

	// ErrBadEditIndex is returned for an edit target outside the
	// transcript or not pointing at a user message.
	ErrBadEditIndex = errors.New("invalid edit index")
)

// Config wires the controller's collaborators.
type Config struct {
	Resolver *resolver.Resolver
	Backend  *backend.Client
	Store    *store.Store
	Identity resolver.IdentityFunc

	// Detector gates further sends after a completed conversation.
	// Defaults to the phrase heuristic.
	Detector CompletionDetector
	// ChatTimeout bounds one chat call. Defaults to DefaultChatTimeout.
	ChatTimeout time.Duration
	// EnableWebSearch is forwarded on every chat request.
	EnableWebSearch bool
	// OnUpdate is invoked with a copy of the messages after every
	// mutation, including each streaming snapshot. May be nil.
	OnUpdate func(messages []types.Message)
}

// Controller owns the transcript for exactly one session at a time.
type Controller struct {
	resolver *resolver.Resolver
	backend  *backend.Client
	store    *store.Store
	identity resolver.IdentityFunc

	detector        CompletionDetector
	chatTimeout     time.Duration
	enableWebSearch bool
	onUpdate        func([]types.Message)

	mu        sync.Mutex
	messages  []types.Message
	state     State
	completed bool
	cancel    context.CancelFunc
}

// NewController creates a transcript controller.
func NewController(cfg Config) *Controller {
	if cfg.Detector == nil {
		cfg.Detector = NewPhraseDetector()
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = DefaultChatTimeout
	}

	return &Controller{
		resolver:        cfg.Resolver,
		backend:         cfg.Backend,
		store:           cfg.Store,
		identity:        cfg.Identity,
		detector:        cfg.Detector,
		chatTimeout:     cfg.ChatTimeout,
		enableWebSearch: cfg.EnableWebSearch,
		onUpdate:        cfg.OnUpdate,
		state:           StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Completed reports whether the conversation completion gate is set.
func (c *Controller) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Messages returns a copy of the transcript.
func (c *Controller) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// notifyLocked invokes OnUpdate with a copy of the transcript.
// Callers must hold c.mu.
func (c *Controller) notifyLocked() {
	if c.onUpdate == nil {
		return
	}
	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	c.onUpdate(out)
}

// Send sends a user message and streams the assistant response.
func (c *Controller) Send(ctx context.Context, text string, files []types.AttachedFile) error {
	return c.send(ctx, text, files, -1)
}

// Edit regenerates from an earlier user message: everything from index
// onward is dropped, a new user message built from text (and optionally a
// carried-over attachment set) is appended, and the backend is told which
// server message to discard from so both sides truncate consistently. The
// truncation and the append happen in one critical section so no other
// send can slip into the gap.
func (c *Controller) Edit(ctx context.Context, index int, text string, files []types.AttachedFile) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrBadEditIndex, index)
	}
	return c.send(ctx, text, files, index)
}

// Abort cancels the in-flight chat call, if any. The stream settles into a
// user-visible error state; it never stays streaming.
func (c *Controller) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// NewConversation clears the transcript, the completion gate and the
// persisted session, forcing the next send to create a fresh session.
func (c *Controller) NewConversation(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateSending || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrBusy
	}
	old := c.resolver.Current()
	c.messages = nil
	c.completed = false
	c.state = StateIdle
	c.notifyLocked()
	c.mu.Unlock()

	forceNew := ""
	if _, err := c.resolver.Resolve(ctx, &forceNew); err != nil {
		return err
	}
	if err := c.store.Clear(); err != nil {
		return err
	}

	event.PublishSync(event.Event{
		Type: event.SessionCleared,
		Data: event.SessionClearedData{SessionID: old},
	})

	return nil
}

// Hydrate loads the persisted messages of the resolved session into the
// transcript. An invalid session is recovered silently: local state is
// cleared, resolution re-runs, and the fetch is retried once; only a
// second failure surfaces.
func (c *Controller) Hydrate(ctx context.Context) error {
	id, err := c.resolver.Resolve(ctx, nil)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}

	stored, err := c.backend.GetMessages(ctx, id, hydrateLimit, 0, c.identity())
	if errors.Is(err, backend.ErrSessionInvalid) {
		logging.Info().Str("sessionID", id).Msg("stored session rejected, re-resolving")
		id, err = c.resolver.Invalidate(ctx)
		if err != nil {
			return err
		}
		if id == "" {
			return nil
		}
		stored, err = c.backend.GetMessages(ctx, id, hydrateLimit, 0, c.identity())
	}
	if err != nil {
		return err
	}

	messages := make([]types.Message, 0, len(stored))
	for _, m := range stored {
		messages = append(messages, types.Message{
			ID:              newMessageID(),
			Role:            m.Role,
			Content:         m.Content,
			AttachedFiles:   m.Metadata.AttachedFiles,
			ServerMessageID: m.MessageID,
			CreatedAt:       m.CreatedAt,
		})
	}

	c.mu.Lock()
	c.messages = messages
	c.notifyLocked()
	c.mu.Unlock()

	return nil
}

// newMessageID generates a local ULID for a transcript message.
func newMessageID() string {
	return ulid.Make().String()
}
