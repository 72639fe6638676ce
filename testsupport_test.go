package amoura

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// testConfig returns a config with the production defaults but timing
// windows shrunk so tests run fast.
func testConfig() *Config {
	cfg := &Config{
		SyncReleaseDelay:   10 * time.Millisecond,
		LockReleaseDelay:   10 * time.Millisecond,
		SendDebounce:       50 * time.Millisecond,
		SendGuardRelease:   20 * time.Millisecond,
		RefreshDebounce:    10 * time.Millisecond,
		HiddenThreshold:    30 * time.Millisecond,
		ReconnectPolicy:    Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		MessageFetchPolicy: Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	cfg.defaults()
	return cfg
}

func msgAt(id, convID, senderID, content string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      at,
	}
}

// collector gathers emitted events for assertions.
type collector struct {
	mu     sync.Mutex
	events []string
	loads  []any
}

func (c *collector) emit(event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.loads = append(c.loads, payload)
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *collector) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

// ============================================================================
// Fake DataService / AuthProvider
// ============================================================================

// fakeData implements DataService with per-method hooks. Unset hooks return
// zero values. Call counts are tracked for every method.
type fakeData struct {
	mu    sync.Mutex
	calls map[string]int

	listConversationsFn  func(ctx context.Context, profileID string) ([]Conversation, error)
	listMessagesFn       func(ctx context.Context, conversationID string, limit int) ([]Message, error)
	latestMessageFn      func(ctx context.Context, conversationID string) (*Message, error)
	messagesSinceFn      func(ctx context.Context, conversationID string, after time.Time) ([]Message, error)
	insertMessageFn      func(ctx context.Context, params SendMessageParams) (*Message, error)
	getProfileFn         func(ctx context.Context, profileID string) (*Profile, error)
	profileIDForUserFn   func(ctx context.Context, userID string) (string, error)
	isParticipantFn      func(ctx context.Context, conversationID, profileID string) (bool, error)
	countUnreadFn        func(ctx context.Context, conversationID, profileID string) (int, error)
	markReadFn           func(ctx context.Context, conversationID, profileID string) error
	diagnoseFn           func(ctx context.Context, profileID string) (*EmptyDiagnostic, error)
}

func newFakeData() *fakeData {
	return &fakeData{calls: make(map[string]int)}
}

func (f *fakeData) called(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeData) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeData) ListConversations(ctx context.Context, profileID string) ([]Conversation, error) {
	f.called("ListConversations")
	if f.listConversationsFn != nil {
		return f.listConversationsFn(ctx, profileID)
	}
	return nil, nil
}

func (f *fakeData) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	f.called("ListMessages")
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, conversationID, limit)
	}
	return nil, nil
}

func (f *fakeData) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	f.called("LatestMessage")
	if f.latestMessageFn != nil {
		return f.latestMessageFn(ctx, conversationID)
	}
	return nil, nil
}

func (f *fakeData) MessagesSince(ctx context.Context, conversationID string, after time.Time) ([]Message, error) {
	f.called("MessagesSince")
	if f.messagesSinceFn != nil {
		return f.messagesSinceFn(ctx, conversationID, after)
	}
	return nil, nil
}

func (f *fakeData) InsertMessage(ctx context.Context, params SendMessageParams) (*Message, error) {
	f.called("InsertMessage")
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, params)
	}
	return nil, nil
}

func (f *fakeData) GetProfile(ctx context.Context, profileID string) (*Profile, error) {
	f.called("GetProfile")
	if f.getProfileFn != nil {
		return f.getProfileFn(ctx, profileID)
	}
	return &Profile{ID: profileID}, nil
}

func (f *fakeData) ProfileIDForUser(ctx context.Context, userID string) (string, error) {
	f.called("ProfileIDForUser")
	if f.profileIDForUserFn != nil {
		return f.profileIDForUserFn(ctx, userID)
	}
	return "", nil
}

func (f *fakeData) IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error) {
	f.called("IsParticipant")
	if f.isParticipantFn != nil {
		return f.isParticipantFn(ctx, conversationID, profileID)
	}
	return true, nil
}

func (f *fakeData) CountUnread(ctx context.Context, conversationID, profileID string) (int, error) {
	f.called("CountUnread")
	if f.countUnreadFn != nil {
		return f.countUnreadFn(ctx, conversationID, profileID)
	}
	return 0, nil
}

func (f *fakeData) MarkRead(ctx context.Context, conversationID, profileID string) error {
	f.called("MarkRead")
	if f.markReadFn != nil {
		return f.markReadFn(ctx, conversationID, profileID)
	}
	return nil
}

func (f *fakeData) DiagnoseEmptyConversations(ctx context.Context, profileID string) (*EmptyDiagnostic, error) {
	f.called("DiagnoseEmptyConversations")
	if f.diagnoseFn != nil {
		return f.diagnoseFn(ctx, profileID)
	}
	return &EmptyDiagnostic{}, nil
}

// fakeAuth implements AuthProvider with a settable session.
type fakeAuth struct {
	mu        sync.Mutex
	session   *Session
	user      *User
	listeners []func(AuthEvent, *Session)
}

func (f *fakeAuth) GetSession(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, nil
}

func (f *fakeAuth) GetUser(ctx context.Context) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, nil
}

func (f *fakeAuth) OnAuthStateChange(fn func(event AuthEvent, session *Session)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

// fire simulates an auth transition.
func (f *fakeAuth) fire(event AuthEvent, session *Session) {
	f.mu.Lock()
	f.session = session
	fns := make([]func(AuthEvent, *Session), len(f.listeners))
	copy(fns, f.listeners)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(event, session)
	}
}

// ============================================================================
// Fake RealtimeChannel
// ============================================================================

// fakeChannel implements RealtimeChannel in memory. Tests push events
// through it with deliver and flip its status with setStatus.
type fakeChannel struct {
	mu         sync.Mutex
	subscribes int
	opts       SubscribeOptions
	failNext   error
}

type fakeSub struct {
	mu           sync.Mutex
	unsubscribed int
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
	return nil
}

func (f *fakeChannel) Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.opts = opts
	return &fakeSub{}, nil
}

func (f *fakeChannel) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeChannel) deliver(ev RealtimeEvent) {
	f.mu.Lock()
	onEvent := f.opts.OnEvent
	f.mu.Unlock()
	if onEvent != nil {
		onEvent(ev)
	}
}

func (f *fakeChannel) setStatus(status ChannelStatus, err error) {
	f.mu.Lock()
	onStatus := f.opts.OnStatus
	f.mu.Unlock()
	if onStatus != nil {
		onStatus(status, err)
	}
}
