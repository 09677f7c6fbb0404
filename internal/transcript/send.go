package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/resolver"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/pkg/types"
)

// send runs the full pipeline for one outgoing message: append the user
// message and an empty assistant placeholder, resolve or create the
// session, open the chat stream, fold snapshots into the last message, and
// settle. Whatever happens, the transcript always ends settled with a
// non-empty last message.
//
// A non-negative editIndex turns the send into an edit: the transcript is
// truncated at that user message, inside the same critical section as the
// busy check and the append, and the replaced message's server id is
// forwarded so the backend truncates to match.
func (c *Controller) send(ctx context.Context, text string, files []types.AttachedFile, editIndex int) error {
	now := time.Now()
	userMsg := types.Message{
		ID:            newMessageID(),
		Role:          types.RoleUser,
		Content:       text,
		AttachedFiles: files,
		CreatedAt:     &now,
	}

	c.mu.Lock()
	if c.state == StateSending || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrBusy
	}

	var editFrom string
	if editIndex >= 0 {
		if editIndex >= len(c.messages) || c.messages[editIndex].Role != types.RoleUser {
			c.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrBadEditIndex, editIndex)
		}
		editFrom = c.messages[editIndex].ServerMessageID
		c.messages = c.messages[:editIndex]
	}

	if c.completed {
		// Completion gate: answer with the canned prompt, no backend call.
		c.messages = append(c.messages, userMsg, types.Message{
			ID:        newMessageID(),
			Role:      types.RoleAssistant,
			Content:   CompletedPrompt,
			CreatedAt: &now,
		})
		c.state = StateSettled
		c.notifyLocked()
		c.mu.Unlock()
		return nil
	}

	c.state = StateSending
	c.messages = append(c.messages, userMsg, types.Message{
		ID:   newMessageID(),
		Role: types.RoleAssistant,
	})
	c.notifyLocked()
	c.mu.Unlock()

	sessionID, err := c.resolver.EnsureSession(ctx)
	if err != nil {
		return c.settleWithError(err, noticeFor(err))
	}

	identity := c.identity()
	chatReq := types.ChatRequest{
		Text:              text,
		SessionID:         sessionID,
		AttachedFiles:     files,
		EditFromMessageID: editFrom,
		EnableWebSearch:   c.enableWebSearch,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.chatTimeout)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	body, err := c.backend.Chat(callCtx, chatReq, identity)
	if err != nil {
		return c.settleWithError(err, RetryNotice)
	}
	defer body.Close()

	c.mu.Lock()
	c.state = StateStreaming
	c.mu.Unlock()

	decoder := stream.NewDecoder(c.applySnapshot)
	result, decodeErr := decoder.Decode(callCtx, body)

	if decodeErr != nil {
		return c.settleWithError(decodeErr, RetryNotice)
	}
	if result.ErrorDetail != "" {
		logging.Warn().Str("detail", result.ErrorDetail).Msg("stream reported an error frame")
		return c.settleWithError(errors.New(result.ErrorDetail), RetryNotice)
	}

	final := result.Content
	if final == "" {
		logging.Warn().Str("sessionID", sessionID).Msg("stream produced no content, substituting fallback")
		final = FallbackNotice
	}

	settled := time.Now()
	c.mu.Lock()
	last := len(c.messages) - 1
	c.messages[last].Content = final
	c.messages[last].CreatedAt = &settled
	if result.ServerMessageID != "" {
		c.messages[last].ServerMessageID = result.ServerMessageID
	}
	if result.Content != "" && c.detector.IsComplete(final) {
		c.completed = true
	}
	c.state = StateSettled
	c.notifyLocked()
	c.mu.Unlock()

	// The metadata frame carries the authoritative session id; commit it
	// back to the store and announce it.
	if result.SessionID != "" {
		if err := c.resolver.Commit(result.SessionID); err != nil {
			logging.Warn().Err(err).Msg("failed to commit session id from stream metadata")
		}
	}

	return nil
}

// applySnapshot replaces the last message's content with the decoder's
// latest accumulated snapshot. Only the last element is ever mutated while
// streaming.
func (c *Controller) applySnapshot(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := len(c.messages) - 1
	if last < 0 || c.messages[last].Role != types.RoleAssistant {
		return
	}
	c.messages[last].Content = content
	c.notifyLocked()
}

// settleWithError replaces the assistant placeholder with a user-facing
// notice and settles the transcript, then returns the original cause.
func (c *Controller) settleWithError(cause error, notice string) error {
	c.mu.Lock()
	if last := len(c.messages) - 1; last >= 0 && c.messages[last].Role == types.RoleAssistant {
		c.messages[last].Content = notice
		settled := time.Now()
		c.messages[last].CreatedAt = &settled
	}
	c.state = StateSettled
	c.notifyLocked()
	c.mu.Unlock()

	logging.Warn().Err(cause).Msg("send settled with error")
	return cause
}

// noticeFor maps a resolution failure to the single human-readable message
// shown in the transcript. No implementation detail beyond what the user
// needs to retry.
func noticeFor(err error) string {
	switch {
	case errors.Is(err, resolver.ErrNotAuthenticated):
		return "Please sign in to start chatting."
	case errors.Is(err, resolver.ErrCreationBlocked):
		return "The chat service is temporarily unavailable. Please try again later."
	case errors.Is(err, resolver.ErrCreationInFlight):
		return "Your conversation is still being prepared. Please try again in a moment."
	default:
		return RetryNotice
	}
}
