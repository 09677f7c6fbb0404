// Package resolver decides which session is active for the current
// identity and owns the at-most-one-concurrent-creation invariant.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/parleyhq/parley/internal/backend"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/types"
)

const (
	// LookupMaxRetries is the number of retries after the first attempt of
	// the recent-session lookup.
	LookupMaxRetries = 2
	// LookupInitialInterval is the initial interval for lookup backoff.
	LookupInitialInterval = 500 * time.Millisecond
	// LookupMaxInterval is the maximum interval for lookup backoff.
	LookupMaxInterval = 5 * time.Second
)

var (
	// ErrNotAuthenticated is returned when a creation path runs without an
	// authenticated identity. Unauthenticated callers never create sessions.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrCreationInFlight is returned to a caller that observes another
	// creation already running. The caller re-resolves; nothing is queued.
	ErrCreationInFlight = errors.New("session creation already in progress")

	// ErrCreationBlocked is returned while a creation block marker is set.
	// Only ClearBlock or a process restart clears it.
	ErrCreationBlocked = errors.New("session creation blocked")
)

// creationInFlight is the process-wide creation guard. Two resolvers in the
// same process must still never create concurrently.
var creationInFlight atomic.Bool

// BlockInfo records why creation is blocked and since when.
type BlockInfo struct {
	Detail string
	At     time.Time
}

// IdentityFunc reports the current caller identity. It is consulted on
// every resolution so an auth change between calls is always observed.
type IdentityFunc func() types.Identity

// Resolver produces exactly one active session id for the current identity.
type Resolver struct {
	store    *store.Store
	backend  *backend.Client
	identity IdentityFunc

	mu        sync.Mutex
	sessionID string
	block     *BlockInfo
	// forcedNew is latched by the empty directive and suppresses the
	// store and backend-lookup steps until a session is created or a
	// non-empty directive arrives. Without it the next resolution would
	// resurrect the just-abandoned session from the recent lookup.
	forcedNew bool

	// creating is the per-resolver guard; creationInFlight is the
	// process-wide one. Both are set before a create call and cleared in
	// a defer so a concurrent caller always observes in-progress state.
	creating atomic.Bool

	lookup singleflight.Group

	// newBackoff builds the lookup retry policy; tests shrink it.
	newBackoff func(context.Context) backoff.BackOff
}

// New creates a resolver.
func New(st *store.Store, be *backend.Client, identity IdentityFunc) *Resolver {
	return &Resolver{
		store:      st,
		backend:    be,
		identity:   identity,
		newBackoff: newLookupBackoff,
	}
}

// Current returns the in-memory session id, which may be empty.
func (r *Resolver) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Blocked returns the creation block marker, or nil.
func (r *Resolver) Blocked() *BlockInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.block
}

// ClearBlock clears the creation block marker. This is the manual retry
// action; the marker is otherwise permanent for the life of the process.
func (r *Resolver) ClearBlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.block = nil
}

// Resolve determines the active session id. Candidates are consulted in
// order: the explicit directive, the in-memory id, the persisted record
// (only when it belongs to the current identity), and finally the backend's
// most recent session. An empty result means no session exists yet;
// creation is deferred to the first outgoing message.
//
// A non-nil directive short-circuits everything, including the explicit
// empty value, which forces a new conversation. The forced-new state is
// sticky: resolution keeps returning empty until a session is created.
func (r *Resolver) Resolve(ctx context.Context, directive *string) (string, error) {
	identity := r.identity()

	if directive != nil {
		r.mu.Lock()
		r.sessionID = *directive
		r.forcedNew = *directive == ""
		r.mu.Unlock()
		return *directive, nil
	}

	r.mu.Lock()
	if r.sessionID != "" {
		id := r.sessionID
		r.mu.Unlock()
		return id, nil
	}
	forced := r.forcedNew
	r.mu.Unlock()

	if forced {
		return "", nil
	}

	stored, err := r.store.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load session record: %w", err)
	}
	if stored != nil {
		if stored.BelongsTo(identity) {
			r.mu.Lock()
			r.sessionID = stored.SessionID
			r.mu.Unlock()
			return stored.SessionID, nil
		}

		// Another user's record is never reused.
		logging.Info().
			Str("storedUser", stored.UserID).
			Str("currentUser", identity.UserID).
			Msg("discarding session record for different user")
		if err := r.store.Clear(); err != nil {
			return "", fmt.Errorf("failed to discard stale record: %w", err)
		}
	}

	id := r.recentSession(ctx, identity)
	if id == "" {
		return "", nil
	}

	session := types.Session{
		SessionID:        id,
		UserID:           identity.UserID,
		Authenticated:    identity.Authenticated,
		CreatedLocallyAt: time.Now(),
	}
	if err := r.store.Save(session); err != nil {
		return "", fmt.Errorf("failed to persist session record: %w", err)
	}

	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()

	event.PublishSync(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Session: &session},
	})

	return id, nil
}

// recentSession looks up the most recent backend session with retry.
// Failures are logged and end as "no session", never as an error; the
// lookup is deduplicated per user so concurrent resolutions share one call.
func (r *Resolver) recentSession(ctx context.Context, identity types.Identity) string {
	if identity.UserID == "" {
		return ""
	}

	v, _, _ := r.lookup.Do(identity.UserID, func() (any, error) {
		var sessions []types.SessionSummary

		operation := func() error {
			var err error
			sessions, err = r.backend.ListSessions(ctx, 1, identity)
			if err != nil {
				logging.Warn().Err(err).Msg("recent session lookup failed")
			}
			return err
		}

		if err := backoff.Retry(operation, r.newBackoff(ctx)); err != nil {
			logging.Warn().Err(err).Msg("recent session lookup gave up")
			return "", nil
		}

		if len(sessions) == 0 {
			return "", nil
		}
		return sessions[0].SessionID, nil
	})

	id, _ := v.(string)
	return id
}

// newLookupBackoff creates the exponential backoff with jitter used by the
// recent-session lookup.
func newLookupBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = LookupInitialInterval
	b.MaxInterval = LookupMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, LookupMaxRetries), ctx)
}

// EnsureSession returns the active session id, creating one on the backend
// if none resolves. Creation is single-flight: a caller that arrives while
// another creation runs gets ErrCreationInFlight and must re-resolve.
func (r *Resolver) EnsureSession(ctx context.Context) (string, error) {
	id, err := r.Resolve(ctx, nil)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	identity := r.identity()
	if !identity.Authenticated {
		return "", ErrNotAuthenticated
	}

	r.mu.Lock()
	if r.block != nil {
		detail := r.block.Detail
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrCreationBlocked, detail)
	}
	r.mu.Unlock()

	if !creationInFlight.CompareAndSwap(false, true) {
		return "", ErrCreationInFlight
	}
	defer creationInFlight.Store(false)

	if !r.creating.CompareAndSwap(false, true) {
		return "", ErrCreationInFlight
	}
	defer r.creating.Store(false)

	return r.create(ctx, identity)
}

// create performs the backend creation call with failure classification.
func (r *Resolver) create(ctx context.Context, identity types.Identity) (string, error) {
	resp, err := r.backend.CreateSession(ctx, nil, identity)
	if err != nil {
		if backend.IsUserNotFound(err) {
			resp, err = r.recoverUnknownUser(ctx, identity)
		}
		if err != nil {
			return "", r.classifyCreateFailure(err)
		}
	}

	session := types.Session{
		SessionID:        resp.SessionID,
		UserID:           resp.UserID,
		Authenticated:    resp.Authenticated,
		CreatedLocallyAt: time.Now(),
	}
	if session.UserID == "" {
		session.UserID = identity.UserID
	}

	if err := r.store.Save(session); err != nil {
		return "", fmt.Errorf("failed to persist session record: %w", err)
	}

	r.mu.Lock()
	r.sessionID = session.SessionID
	r.forcedNew = false
	r.mu.Unlock()

	logging.Info().Str("sessionID", session.SessionID).Msg("session created")

	event.PublishSync(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Session: &session},
	})

	return session.SessionID, nil
}

// recoverUnknownUser runs the corrective path for a "user not found"
// rejection: re-register the user once, then retry the original creation a
// single time.
func (r *Resolver) recoverUnknownUser(ctx context.Context, identity types.Identity) (*types.CreateSessionResponse, error) {
	logging.Warn().
		Str("userID", identity.UserID).
		Msg("backend lost the owning user, re-registering")

	if err := r.backend.RegisterUser(ctx, identity.UserID); err != nil {
		return nil, err
	}

	return r.backend.CreateSession(ctx, nil, identity)
}

// classifyCreateFailure maps a creation failure onto the error taxonomy.
// Server faults and client rejections set the block marker; anything else
// surfaces unchanged with no state persisted.
func (r *Resolver) classifyCreateFailure(err error) error {
	switch {
	case backend.IsServerFault(err):
		r.setBlock(err)
		return fmt.Errorf("%w: %v", ErrCreationBlocked, err)
	case backend.IsClientRejection(err):
		r.setBlock(err)
		return fmt.Errorf("%w: %v", ErrCreationBlocked, err)
	default:
		return err
	}
}

func (r *Resolver) setBlock(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.block = &BlockInfo{
		Detail: cause.Error(),
		At:     time.Now(),
	}
	logging.Error().Err(cause).Msg("session creation blocked")
}

// Commit records the authoritative session id reported by the stream's
// metadata frame. The whole record is replaced; a no-op when the persisted
// record already matches.
func (r *Resolver) Commit(sessionID string) error {
	if sessionID == "" {
		return nil
	}

	identity := r.identity()

	stored, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load session record: %w", err)
	}
	if stored != nil && stored.SessionID == sessionID && stored.UserID == identity.UserID {
		r.mu.Lock()
		r.sessionID = sessionID
		r.forcedNew = false
		r.mu.Unlock()
		return nil
	}

	session := types.Session{
		SessionID:        sessionID,
		UserID:           identity.UserID,
		Authenticated:    identity.Authenticated,
		CreatedLocallyAt: time.Now(),
	}
	if err := r.store.Save(session); err != nil {
		return fmt.Errorf("failed to persist session record: %w", err)
	}

	r.mu.Lock()
	r.sessionID = sessionID
	r.forcedNew = false
	r.mu.Unlock()

	event.PublishSync(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Session: &session},
	})

	return nil
}

// Invalidate reacts to an invalid or expired session: it clears local
// state, announces the clear, and re-runs resolution. The caller decides
// whether a failed re-resolution is worth surfacing.
func (r *Resolver) Invalidate(ctx context.Context) (string, error) {
	r.mu.Lock()
	old := r.sessionID
	r.sessionID = ""
	r.mu.Unlock()

	if err := r.store.Clear(); err != nil {
		return "", fmt.Errorf("failed to clear session record: %w", err)
	}

	event.PublishSync(event.Event{
		Type: event.SessionCleared,
		Data: event.SessionClearedData{SessionID: old},
	})

	return r.Resolve(ctx, nil)
}

// Delete removes a session on the backend and, when it is the active one,
// clears local state and announces the deletion.
func (r *Resolver) Delete(ctx context.Context, sessionID string) error {
	identity := r.identity()
	if err := r.backend.DeleteSession(ctx, sessionID, identity); err != nil {
		return err
	}

	r.mu.Lock()
	active := r.sessionID == sessionID
	if active {
		r.sessionID = ""
	}
	r.mu.Unlock()

	if active {
		if err := r.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear session record: %w", err)
		}
	}

	event.PublishSync(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{SessionID: sessionID},
	})

	return nil
}

// ResetGuard clears the process-wide creation guard (for testing).
func ResetGuard() {
	creationInFlight.Store(false)
}
