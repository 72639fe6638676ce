package amoura

import (
	"context"
	"time"
)

// ============================================================================
// External Collaborator Interfaces
// ============================================================================

// AuthProvider supplies the active session. Implementations live outside the
// engine; RESTClient in this package is the shipped one.
type AuthProvider interface {
	// GetSession returns the current session, or (nil, nil) when signed out.
	GetSession(ctx context.Context) (*Session, error)

	// GetUser returns the authenticated user, or (nil, nil) when signed out.
	GetUser(ctx context.Context) (*User, error)

	// OnAuthStateChange registers a listener for sign-in/sign-out/refresh
	// transitions. The returned func removes the listener.
	OnAuthStateChange(fn func(event AuthEvent, session *Session)) (unsubscribe func())
}

// DataService is the relational backend the engine reads and writes through.
// Payloads are decoded into tagged structs at this boundary; the engine
// never handles raw rows.
type DataService interface {
	// ListConversations returns every conversation with status "active"
	// where the profile is either participant.
	ListConversations(ctx context.Context, profileID string) ([]Conversation, error)

	// ListMessages returns the most recent page of a conversation's
	// messages, ascending by created_at.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// LatestMessage returns the single newest message of the conversation,
	// or (nil, nil) when the conversation has none.
	LatestMessage(ctx context.Context, conversationID string) (*Message, error)

	// MessagesSince returns messages strictly newer than after, ascending.
	MessagesSince(ctx context.Context, conversationID string, after time.Time) ([]Message, error)

	// InsertMessage persists a message and returns the canonical row with
	// the sender profile embedded.
	InsertMessage(ctx context.Context, params SendMessageParams) (*Message, error)

	// GetProfile fetches one profile by id.
	GetProfile(ctx context.Context, profileID string) (*Profile, error)

	// ProfileIDForUser resolves the profile id belonging to an auth user.
	ProfileIDForUser(ctx context.Context, userID string) (string, error)

	// IsParticipant reports whether the profile belongs to the conversation.
	IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error)

	// CountUnread counts messages in the conversation authored by the other
	// party that have no read receipt yet.
	CountUnread(ctx context.Context, conversationID, profileID string) (int, error)

	// MarkRead stamps read_at on the other party's unread messages in the
	// conversation.
	MarkRead(ctx context.Context, conversationID, profileID string) error

	// DiagnoseEmptyConversations runs a broader lookup after repeated empty
	// conversation fetches. Observability only: the result is logged, never
	// acted on.
	DiagnoseEmptyConversations(ctx context.Context, profileID string) (*EmptyDiagnostic, error)
}

// EmptyDiagnostic is the result of DiagnoseEmptyConversations.
type EmptyDiagnostic struct {
	TotalConversations int    `json:"total_conversations"`
	AnyStatusMatches   int    `json:"any_status_matches"`
	SessionUserID      string `json:"session_user_id"`
}

// ============================================================================
// Realtime Channel Interface
// ============================================================================

// SubscribeOptions describes one realtime subscription. Filter uses the
// backend's predicate syntax (e.g. "conversation_id=eq.<id>"); empty means
// all rows of the table visible to the session.
type SubscribeOptions struct {
	Table  string
	Events []EventType
	Filter string

	// OnEvent receives every matching change. Called from the channel's
	// read loop; handlers must not block.
	OnEvent func(RealtimeEvent)

	// OnStatus receives connection status transitions. err is non-nil for
	// CHANNEL_ERROR and TIMED_OUT.
	OnStatus func(status ChannelStatus, err error)
}

// RealtimeChannel is the opaque publish/subscribe transport. The shipped
// implementation is WSChannel; tests use an in-memory fake.
type RealtimeChannel interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
}

// Subscription is one active realtime subscription.
type Subscription interface {
	Unsubscribe() error
}
