package loopline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Notices
// ============================================================================

// NoticeLevel classifies a user-visible notice.
type NoticeLevel string

const (
	NoticeInfo NoticeLevel = "info"
	NoticeWarn NoticeLevel = "warn"
)

// Notice is a transient, auto-clearing user-visible event: a validation
// warning, a degraded-transport hint, a connection status line.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// authErrorMarkers are the substrings that mark a server error frame as
// session-invalidating rather than transient.
var authErrorMarkers = []string{
	"auth",
	"token",
	"unauthorized",
	"session expired",
}

func isAuthError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range authErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ============================================================================
// Reconciliation Engine
// ============================================================================

// EngineConfig configures an Engine.
type EngineConfig struct {
	Session *Session
	Conn    *ConnManager
	Rest    *Client

	// Peer is the other participant of the initially active conversation.
	Peer string

	Logger zerolog.Logger

	// OnChange fires after any Store or Roster mutation.
	OnChange func()
	// OnNotice receives transient user-visible events.
	OnNotice func(Notice)
	// OnAuthExpired fires once when the session is invalidated; recovery
	// requires re-authentication outside the engine.
	OnAuthExpired func()
}

// Engine bridges optimistic local intent and authoritative inbound
// events. Every Store and Roster mutation — local ops, realtime frames,
// fallback fetch results — is serialized through one mutex, so no two
// mutations ever interleave and the local view always reflects local
// intent before any server confirmation can arrive.
type Engine struct {
	cfg EngineConfig
	log zerolog.Logger

	mu          sync.Mutex
	store       *Store
	roster      *Roster
	peer        string
	invalidated bool
}

// NewEngine creates an engine for the configured session and peer.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "engine").Logger(),
		store:  NewStore(),
		roster: NewRoster(),
		peer:   cfg.Peer,
	}
}

// Run consumes inbound frames in strict arrival order until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.cfg.Conn.Frames():
			e.apply(f)
		}
	}
}

// Messages returns the ordered conversation snapshot for rendering.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

// Users returns the roster snapshot.
func (e *Engine) Users() []User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roster.Snapshot()
}

// Peer returns the active conversation peer.
func (e *Engine) Peer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// SetPeer switches the active conversation. The message log is cleared;
// events for the previous pair are ignored from here on, but the
// underlying connection stays up. The caller should kick the Fallback
// Synchronizer to load the new history.
func (e *Engine) SetPeer(peer string) {
	e.mu.Lock()
	if peer == e.peer {
		e.mu.Unlock()
		return
	}
	e.peer = peer
	e.store.Reset()
	e.mu.Unlock()
	e.changed()
}

// ============================================================================
// Local intent
// ============================================================================

// SendText optimistically appends a pending message and dispatches it
// over the realtime channel. When the channel is unavailable the intent
// is kept (status pending), a recoverable failure is surfaced, and a
// reconnection is kicked off.
func (e *Engine) SendText(ctx context.Context, text string) (MessageID, error) {
	return e.send(ctx, text, nil)
}

// SendMedia sends a message carrying a completed upload descriptor.
func (e *Engine) SendMedia(ctx context.Context, text string, media *Media) (MessageID, error) {
	return e.send(ctx, text, media)
}

func (e *Engine) send(ctx context.Context, text string, media *Media) (MessageID, error) {
	e.mu.Lock()
	m := Message{
		ID:         NewProvisionalID(),
		SenderID:   e.cfg.Session.UserID,
		ReceiverID: e.peer,
		Text:       text,
		Media:      media,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusPending,
	}
	e.store.Upsert(m)
	e.mu.Unlock()
	e.changed()

	f := Frame{
		Type:       FrameMessage,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       text,
		TempID:     m.ID.String(),
		CreatedAt:  wireTime(m.CreatedAt),
	}
	if media != nil {
		f.MediaURL = media.URL
		f.MediaType = media.Kind
		f.FileName = media.FileName
	}

	if err := e.cfg.Conn.Send(ctx, f); err != nil {
		e.notice(NoticeWarn, "message not delivered yet, reconnecting")
		go e.cfg.Conn.Connect(context.Background())
		return m.ID, fmt.Errorf("send message: %w", err)
	}
	return m.ID, nil
}

// Edit applies a text change optimistically and confirms it over the
// realtime channel, or over REST when the channel is down. A failed
// fallback confirmation restores the pre-edit text and edited flag
// exactly; the optimistic value is never left silently stale.
func (e *Engine) Edit(ctx context.Context, messageID, text string) error {
	e.mu.Lock()
	prev, ok := e.store.Get(messageID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("edit %s: %w", messageID, ErrNotFound)
	}
	now := time.Now().UTC()
	e.store.ApplyEdit(messageID, text, now)
	e.mu.Unlock()
	e.changed()

	f := Frame{Type: FrameEdit, MessageID: messageID, Text: text, EditedAt: wireTime(now)}
	if err := e.cfg.Conn.Send(ctx, f); err == nil {
		return nil
	}

	if err := e.cfg.Rest.EditMessage(ctx, messageID, text); err != nil {
		e.mu.Lock()
		e.store.Revert(prev)
		e.mu.Unlock()
		e.changed()
		e.classifyRestFailure(err)
		return fmt.Errorf("edit %s: %w", messageID, err)
	}
	return nil
}

// Delete removes a message optimistically and confirms over the realtime
// channel or REST. On fallback failure the full conversation is
// re-fetched instead of reconstructing the removed record, since
// reconstruction is unreliable.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	e.mu.Lock()
	removed := e.store.Remove(messageID)
	e.mu.Unlock()
	if !removed {
		return fmt.Errorf("delete %s: %w", messageID, ErrNotFound)
	}
	e.changed()

	if err := e.cfg.Conn.Send(ctx, Frame{Type: FrameDelete, MessageID: messageID}); err == nil {
		return nil
	}

	if err := e.cfg.Rest.DeleteMessage(ctx, messageID); err != nil {
		e.classifyRestFailure(err)
		if resyncErr := e.Resync(ctx); resyncErr != nil {
			e.log.Warn().Err(resyncErr).Msg("resync after failed delete")
		}
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	return nil
}

// LoadRoster populates the Presence Table from the user roster.
func (e *Engine) LoadRoster(ctx context.Context) error {
	users, err := e.cfg.Rest.FetchUsers(ctx)
	if err != nil {
		e.classifyRestFailure(err)
		return fmt.Errorf("load roster: %w", err)
	}
	e.mu.Lock()
	for _, u := range users {
		e.roster.Put(u)
	}
	e.mu.Unlock()
	e.changed()
	return nil
}

// Resync fetches the full conversation and feeds every record through the
// same merge path as inbound realtime events, so dedup and ordering
// semantics are identical regardless of transport.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	self, peer := e.cfg.Session.UserID, e.peer
	e.mu.Unlock()

	records, err := e.cfg.Rest.FetchConversation(ctx, self, peer)
	if err != nil {
		e.classifyRestFailure(err)
		return fmt.Errorf("resync: %w", err)
	}

	for _, r := range records {
		f := Frame{
			Type:       FrameMessage,
			SenderID:   r.SenderID,
			ReceiverID: r.ReceiverID,
			Text:       r.Text,
			MediaURL:   r.MediaURL,
			MediaType:  r.MediaType,
			FileName:   r.FileName,
			MessageID:  r.MessageID,
			TempID:     r.TempID,
			CreatedAt:  r.CreatedAt,
			EditedAt:   r.EditedAt,
			Edited:     r.Edited,
		}
		if err := f.Validate(); err != nil {
			e.log.Warn().Err(err).Msg("dropping invalid history record")
			continue
		}
		e.apply(f)
	}
	return nil
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) apply(f Frame) {
	switch f.Type {
	case FrameMessage:
		e.applyMessage(f)
	case FrameEdit:
		e.applyEdit(f)
	case FrameDelete:
		e.applyDelete(f)
	case FrameUserStatus:
		e.applyPresence(f)
	case FrameConnection:
		e.log.Info().Str("status", f.Status).Msg("connection status")
		e.notice(NoticeInfo, "connection: "+f.Status)
	case FrameError:
		e.applyError(f)
	default:
		e.log.Debug().Str("type", f.Type).Msg("ignoring frame")
	}
}

func (e *Engine) applyMessage(f Frame) {
	e.mu.Lock()
	self, peer := e.cfg.Session.UserID, e.peer
	if !pairMatches(f.SenderID, f.ReceiverID, self, peer) {
		e.mu.Unlock()
		e.log.Warn().
			Str("sender", f.SenderID).
			Str("receiver", f.ReceiverID).
			Msg("dropping message for inactive conversation")
		e.notice(NoticeWarn, "dropped event for another conversation")
		return
	}
	if f.MessageID == "" {
		e.mu.Unlock()
		e.log.Warn().Msg("dropping message frame without canonical id")
		e.notice(NoticeWarn, "dropped message without id")
		return
	}

	m := Message{
		ID:         CanonicalID(f.MessageID),
		TempID:     f.TempID,
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		Text:       f.Text,
		CreatedAt:  f.CreatedTime(),
		Edited:     f.Edited,
		EditedAt:   f.EditedTime(),
		Status:     StatusConfirmed,
	}
	if f.MediaURL != "" {
		m.Media = &Media{URL: f.MediaURL, Kind: f.MediaType, FileName: f.FileName}
	}
	outcome := e.store.Upsert(m)
	e.mu.Unlock()
	e.log.Debug().
		Str("message_id", f.MessageID).
		Int("outcome", int(outcome)).
		Msg("merged inbound message")
	e.changed()
}

// applyEdit and applyDelete key by canonical identity only. A target that
// has not materialized yet (the edit raced ahead of its message event) is
// a no-op, not an error.
func (e *Engine) applyEdit(f Frame) {
	editedAt := f.EditedTime()
	if editedAt.IsZero() {
		editedAt = time.Now().UTC()
	}
	e.mu.Lock()
	found := e.store.ApplyEdit(f.MessageID, f.Text, editedAt)
	e.mu.Unlock()
	if !found {
		e.log.Debug().Str("message_id", f.MessageID).Msg("edit target not found")
		return
	}
	e.changed()
}

func (e *Engine) applyDelete(f Frame) {
	e.mu.Lock()
	found := e.store.Remove(f.MessageID)
	e.mu.Unlock()
	if !found {
		e.log.Debug().Str("message_id", f.MessageID).Msg("delete target not found")
		return
	}
	e.changed()
}

// applyPresence updates the Presence Table for the referenced user only;
// it never creates users.
func (e *Engine) applyPresence(f Frame) {
	e.mu.Lock()
	known := e.roster.SetOnline(f.UserID, *f.IsOnline)
	e.mu.Unlock()
	if !known {
		e.log.Debug().Str("user_id", f.UserID).Msg("presence for unknown user")
		return
	}
	e.changed()
}

func (e *Engine) applyError(f Frame) {
	if isAuthError(f.Error) {
		e.log.Error().Str("error", f.Error).Msg("session invalidated by server")
		e.invalidateSession()
		return
	}
	e.log.Warn().Str("error", f.Error).Msg("server error")
	e.notice(NoticeWarn, f.Error)
}

func pairMatches(sender, receiver, self, peer string) bool {
	return (sender == self && receiver == peer) ||
		(sender == peer && receiver == self)
}

// ============================================================================
// Failure handling
// ============================================================================

// classifyRestFailure separates session-invalidating failures from
// transient ones on the fallback path.
func (e *Engine) classifyRestFailure(err error) {
	switch {
	case errors.Is(err, ErrAuthExpired):
		e.invalidateSession()
	case errors.Is(err, ErrForbidden):
		e.notice(NoticeWarn, "not allowed")
	case errors.Is(err, ErrNotFound):
		e.notice(NoticeWarn, "target no longer exists")
	default:
		e.notice(NoticeWarn, "request failed, will retry")
	}
}

// invalidateSession fires the auth-expired callback once and closes the
// connection; re-authentication happens outside the engine's scope.
func (e *Engine) invalidateSession() {
	e.mu.Lock()
	if e.invalidated {
		e.mu.Unlock()
		return
	}
	e.invalidated = true
	e.mu.Unlock()

	e.cfg.Conn.Close()
	if e.cfg.OnAuthExpired != nil {
		e.cfg.OnAuthExpired()
	}
}

func (e *Engine) changed() {
	if e.cfg.OnChange != nil {
		e.cfg.OnChange()
	}
}

func (e *Engine) notice(level NoticeLevel, text string) {
	if e.cfg.OnNotice != nil {
		e.cfg.OnNotice(Notice{Level: level, Text: text})
	}
}
