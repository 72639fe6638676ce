package amoura

import (
	"time"
)

// ============================================================================
// Domain Types
// ============================================================================

// Message is a single chat message within a conversation.
//
// Identity is ID once the server has assigned one. An optimistic message
// carries a client-generated "temp-" id until it is reconciled with the
// canonical row; it is never mutated after reconciliation except for ReadAt.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	MediaType      *string    `json:"media_type,omitempty"`
	MediaURL       *string    `json:"media_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	Sender         *Profile   `json:"sender,omitempty"`

	// Optimistic marks a locally created, not-yet-confirmed message.
	// Never set on rows coming back from the server.
	Optimistic bool `json:"-"`
}

// IsRead reports whether the message has a read receipt.
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// Conversation is a two-party conversation record.
type Conversation struct {
	ID        string    `json:"id"`
	User1ID   string    `json:"user1_id"`
	User2ID   string    `json:"user2_id"`
	Status    string    `json:"status"`
	BlockedBy *string   `json:"blocked_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasParticipant reports whether profileID is one of the two parties.
func (c *Conversation) HasParticipant(profileID string) bool {
	return c.User1ID == profileID || c.User2ID == profileID
}

// OtherParticipant returns the peer of profileID, or "" if profileID is not
// a participant.
func (c *Conversation) OtherParticipant(profileID string) string {
	switch profileID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return ""
}

// ConversationView is a conversation merged with its latest message and the
// live unread count. This is what a conversation list renders.
type ConversationView struct {
	Conversation
	LatestMessage     *Message  `json:"latest_message,omitempty"`
	LatestMessageTime time.Time `json:"latest_message_time"`
	UnreadCount       int       `json:"unread_count"`
}

// Profile is the public profile attached to a user. Read-only to this
// library; used to enrich bare realtime payloads.
type Profile struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Username  string  `json:"username"`
	FullName  string  `json:"full_name"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// SendMessageParams is the payload for persisting a new message.
type SendMessageParams struct {
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	Content        string  `json:"content"`
	MediaType      *string `json:"media_type,omitempty"`
	MediaURL       *string `json:"media_url,omitempty"`
}

// ============================================================================
// Auth Types
// ============================================================================

// User is the authenticated account, as reported by the auth provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is an authenticated session. A nil *Session means signed out.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session's access token has lapsed.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// AuthEvent describes an auth state transition.
type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// ============================================================================
// Realtime Types
// ============================================================================

// EventType distinguishes realtime change events.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// RealtimeEvent is a single change delivered by the realtime channel.
// New carries the row after the change; Old, when present, the row before.
type RealtimeEvent struct {
	Type  EventType `json:"event_type"`
	Table string    `json:"table"`
	New   *Message  `json:"new,omitempty"`
	Old   *Message  `json:"old,omitempty"`
}

// ChannelStatus is the realtime subscription connection status.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)
