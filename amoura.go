// Package amoura is the message synchronization and caching engine of the
// Amoura client. Persistence, auth, and realtime transport are delegated to
// the hosted backend; this library keeps a user's conversation view
// consistent across paginated fetches, a bounded in-memory cache, a realtime
// event stream, and optimistic local sends, without duplicating or losing
// messages under concurrent delivery, reconnect storms, and tab switches.
//
// Example:
//
//	rest := amoura.NewRESTClient("https://api.amoura.app", apiKey)
//	ws := amoura.NewWSChannel("https://api.amoura.app", apiKey)
//	engine := amoura.New(rest, rest, ws)
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Close()
//
//	views, _ := engine.Conversations(ctx, true)
//	msgs, _ := engine.LoadMessages(ctx, views[0].ID)
//	engine.Sender(views[0].ID).Send(ctx, "hello!")
package amoura

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Events
// ============================================================================

// Event names delivered through Engine.On.
const (
	EvMessageNew           = "message.new"
	EvMessageUpdated       = "message.updated"
	EvMessageConfirmed     = "message.confirmed"
	EvMessageFailed        = "message.failed"
	EvConversationsUpdated = "conversations.updated"
	EvUnreadChanged        = "unread.changed"
	EvSessionRestored      = "session.restored"
)

// EventHandler receives engine events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler for one event name.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Configuration
// ============================================================================

const (
	defaultMaxCachedConversations = 50
	defaultMaxCacheAge            = 10 * time.Minute
	defaultSyncReleaseDelay       = 800 * time.Millisecond
	defaultProcessedTTL           = 5 * time.Minute
	defaultLocallySentTTL         = 10 * time.Second
	defaultLockReleaseDelay       = 100 * time.Millisecond
	defaultSendDebounce           = time.Second
	defaultSendGuardRelease       = time.Second
	defaultRefreshDebounce        = 500 * time.Millisecond
	defaultHiddenThreshold        = 5 * time.Second
	defaultFetchTimeout           = 20 * time.Second
	defaultPageSize               = 50
	defaultEmptyFetchDiagnostic   = 3
)

// Config carries the engine's tuning knobs. Zero values take defaults.
type Config struct {
	// MaxCachedConversations bounds the number of conversations the cache
	// holds before evicting the oldest quarter.
	MaxCachedConversations int
	// MaxCacheAge is the staleness horizon; a freshness check is skipped
	// while an entry is younger than half of it.
	MaxCacheAge time.Duration
	// SyncReleaseDelay holds the freshness single-flight flag after a check
	// completes, absorbing trigger bursts.
	SyncReleaseDelay time.Duration
	// ProcessedTTL is how long handled realtime message ids are remembered.
	ProcessedTTL time.Duration
	// LocallySentTTL is how long own-send ids and fingerprints are tracked
	// to suppress the realtime echo.
	LocallySentTTL time.Duration
	// LockReleaseDelay holds the per-message processing lock after handling.
	LockReleaseDelay time.Duration
	// SendDebounce is the minimum gap between accepted sends.
	SendDebounce time.Duration
	// SendGuardRelease keeps the send-in-progress guard up after completion.
	SendGuardRelease time.Duration
	// RefreshDebounce collapses bursts of realtime notifications into one
	// conversation-list refresh.
	RefreshDebounce time.Duration
	// HiddenThreshold is the hidden interval beyond which returning to the
	// foreground forces a session check.
	HiddenThreshold time.Duration
	// FetchTimeout is the hard deadline on a manual message page fetch.
	FetchTimeout time.Duration
	// PageSize is the initial message page size.
	PageSize int
	// EmptyFetchDiagnostic is the consecutive-empty threshold after which
	// the one-time diagnostic pass runs.
	EmptyFetchDiagnostic int
	// ReconnectPolicy drives realtime resubscription backoff.
	ReconnectPolicy Policy
	// MessageFetchPolicy drives the per-conversation latest-message retry.
	MessageFetchPolicy Policy
}

func (c *Config) defaults() {
	if c.MaxCachedConversations == 0 {
		c.MaxCachedConversations = defaultMaxCachedConversations
	}
	if c.MaxCacheAge == 0 {
		c.MaxCacheAge = defaultMaxCacheAge
	}
	if c.SyncReleaseDelay == 0 {
		c.SyncReleaseDelay = defaultSyncReleaseDelay
	}
	if c.ProcessedTTL == 0 {
		c.ProcessedTTL = defaultProcessedTTL
	}
	if c.LocallySentTTL == 0 {
		c.LocallySentTTL = defaultLocallySentTTL
	}
	if c.LockReleaseDelay == 0 {
		c.LockReleaseDelay = defaultLockReleaseDelay
	}
	if c.SendDebounce == 0 {
		c.SendDebounce = defaultSendDebounce
	}
	if c.SendGuardRelease == 0 {
		c.SendGuardRelease = defaultSendGuardRelease
	}
	if c.RefreshDebounce == 0 {
		c.RefreshDebounce = defaultRefreshDebounce
	}
	if c.HiddenThreshold == 0 {
		c.HiddenThreshold = defaultHiddenThreshold
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.EmptyFetchDiagnostic == 0 {
		c.EmptyFetchDiagnostic = defaultEmptyFetchDiagnostic
	}
	if c.ReconnectPolicy == (Policy{}) {
		c.ReconnectPolicy = Policy{MaxAttempts: 5, BaseDelay: time.Second}
	}
	if c.MessageFetchPolicy == (Policy{}) {
		c.MessageFetchPolicy = Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	}
}

// Option customizes the engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Default is a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithConfig replaces the whole config; zero fields still take defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMaxCachedConversations overrides the cache bound.
func WithMaxCachedConversations(n int) Option {
	return func(e *Engine) { e.cfg.MaxCachedConversations = n }
}

// WithMaxCacheAge overrides the staleness horizon.
func WithMaxCacheAge(d time.Duration) Option {
	return func(e *Engine) { e.cfg.MaxCacheAge = d }
}

// WithReconnectPolicy overrides realtime resubscription backoff.
func WithReconnectPolicy(p Policy) Option {
	return func(e *Engine) { e.cfg.ReconnectPolicy = p }
}

// WithMessageFetchPolicy overrides the latest-message retry policy.
func WithMessageFetchPolicy(p Policy) Option {
	return func(e *Engine) { e.cfg.MessageFetchPolicy = p }
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the cache, the realtime dispatcher, the send coordinators,
// and the conversation aggregator for one signed-in session. Construct it
// once, Start it, and pass it by reference; Close releases everything.
type Engine struct {
	emitter

	cfg     Config
	log     zerolog.Logger
	data    DataService
	auth    AuthProvider
	channel RealtimeChannel

	cache      *MessageCache
	queues     *queueSet
	syncer     *syncer
	dispatcher *Dispatcher
	aggregator *Aggregator
	visibility *VisibilityMonitor

	mu          sync.Mutex
	profileID   string
	permissions map[string]bool
	senders     map[string]*SendCoordinator
	unsubAuth   func()
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	closed      bool
}

// New builds an engine over the three collaborators. Nothing touches the
// network until Start.
func New(data DataService, auth AuthProvider, channel RealtimeChannel, opts ...Option) *Engine {
	e := &Engine{
		log:         zerolog.Nop(),
		data:        data,
		auth:        auth,
		channel:     channel,
		permissions: make(map[string]bool),
		senders:     make(map[string]*SendCoordinator),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.defaults()

	e.cache = NewMessageCache(e.cfg.MaxCachedConversations)
	e.queues = newQueueSet()
	e.syncer = newSyncer(&e.cfg, e.log, data, e.cache, e.queues)
	e.dispatcher = newDispatcher(&e.cfg, e.log, data, channel, e.cache, e.queues)
	e.dispatcher.membership = e.checkMembership
	e.aggregator = newAggregator(&e.cfg, e.log, data, e.cache, e.emit)
	e.visibility = newVisibilityMonitor(&e.cfg, e.log, e.ProfileID, e.resync)

	e.dispatcher.onInsert = func(m Message) {
		e.emit(EvMessageNew, m)
		e.aggregator.NoteInsert(m)
	}
	e.dispatcher.onUpdate = func(m Message) {
		e.emit(EvMessageUpdated, m)
		e.aggregator.NoteReadUpdate(m)
	}
	return e
}

// Start resolves the active session, opens the realtime subscription, and
// begins reacting to auth state changes. Starting without a session is not
// an error: the engine idles until sign-in.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	e.aggregator.start(runCtx, e.ProfileID)

	session, err := e.auth.GetSession(runCtx)
	if err != nil {
		e.log.Warn().Err(err).Msg("session resolution failed at start")
	} else if session != nil && !session.Expired() {
		if rerr := e.adoptSession(runCtx, session); rerr != nil {
			e.log.Warn().Err(rerr).Msg("profile resolution failed at start")
		}
	}

	e.unsubAuth = e.auth.OnAuthStateChange(e.handleAuthChange)
	return nil
}

// Close tears down the subscription, stops the queues, and drops all state.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	unsub := e.unsubAuth
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	e.dispatcher.teardown()
	e.queues.Close()
	e.cache.Clear()
	e.removeAll()
	return nil
}

// ProfileID returns the active profile id, or "" when signed out.
func (e *Engine) ProfileID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profileID
}

// Cache exposes the message cache for embedders that render from it
// directly. All mutation still goes through the engine.
func (e *Engine) Cache() *MessageCache {
	return e.cache
}

// ============================================================================
// Public operations
// ============================================================================

// Conversations returns the aggregated conversation list, most recent
// activity first. See Aggregator.FetchConversations.
func (e *Engine) Conversations(ctx context.Context, useCache bool) ([]ConversationView, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.aggregator.FetchConversations(ctx, useCache)
}

// LoadMessages returns the conversation's message history, ascending by
// created_at. Cached entries are served directly, with a freshness check
// folded in when the entry has aged past the cooldown. A cold load fetches
// the initial page under the hard fetch deadline.
func (e *Engine) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	pid := e.ProfileID()
	if pid == "" {
		return nil, ErrUnauthenticated
	}
	ok, err := e.checkMembership(ctx, conversationID, pid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	if cached, hit := e.cache.Get(conversationID); hit && len(cached) > 0 {
		if merged := e.syncer.CheckForNewer(ctx, conversationID, cached); merged != nil {
			return merged, nil
		}
		return cached, nil
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancelFetch()
	msgs, err := e.data.ListMessages(fetchCtx, conversationID, e.cfg.PageSize)
	if err != nil {
		if fetchCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	e.queues.ApplyWait(conversationID, func() {
		e.cache.Set(conversationID, msgs)
	})
	sorted, _ := e.cache.Get(conversationID)
	return sorted, nil
}

// Sender returns the send coordinator for a conversation, creating it on
// first use.
func (e *Engine) Sender(conversationID string) *SendCoordinator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.senders[conversationID]; ok {
		return c
	}
	c := &SendCoordinator{
		cfg:            &e.cfg,
		log:            e.log.With().Str("component", "send").Logger(),
		data:           e.data,
		cache:          e.cache,
		queues:         e.queues,
		dispatcher:     e.dispatcher,
		emit:           e.emit,
		conversationID: conversationID,
		senderID:       e.profileID,
	}
	e.senders[conversationID] = c
	return c
}

// MarkConversationRead stamps read receipts on the other party's messages
// and zeroes the local unread counter. The authoritative recount follows
// from the realtime update events.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) error {
	if err := e.guard(); err != nil {
		return err
	}
	pid := e.ProfileID()
	if pid == "" {
		return ErrUnauthenticated
	}
	if err := e.data.MarkRead(ctx, conversationID, pid); err != nil {
		return err
	}
	e.aggregator.ClearUnread(conversationID)
	return nil
}

// SetVisible reports a foreground/background transition of the embedding
// surface.
func (e *Engine) SetVisible(ctx context.Context, visible bool) {
	e.visibility.SetVisible(ctx, visible)
}

// ============================================================================
// Session plumbing
// ============================================================================

func (e *Engine) guard() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *Engine) adoptSession(ctx context.Context, session *Session) error {
	pid, err := e.data.ProfileIDForUser(ctx, session.UserID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	changed := e.profileID != pid
	e.profileID = pid
	for _, c := range e.senders {
		c.setSender(pid)
	}
	e.mu.Unlock()

	if changed {
		e.dispatcher.SetProfile(ctx, pid)
		e.aggregator.RequestRefresh()
	}
	return nil
}

func (e *Engine) handleAuthChange(event AuthEvent, session *Session) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	switch event {
	case AuthSignedOut:
		e.signOut(ctx)
	case AuthSignedIn, AuthTokenRefreshed:
		if session == nil {
			return
		}
		if err := e.adoptSession(ctx, session); err != nil {
			e.log.Warn().Err(err).Msg("profile resolution failed on auth change")
		}
	}
}

// signOut is the clear phase of the init → serve → clear lifecycle: every
// per-session structure is emptied so a later sign-in starts clean.
func (e *Engine) signOut(ctx context.Context) {
	e.mu.Lock()
	e.profileID = ""
	e.permissions = make(map[string]bool)
	e.senders = make(map[string]*SendCoordinator)
	e.mu.Unlock()

	e.dispatcher.SetProfile(ctx, "")
	e.cache.Clear()
	e.aggregator.Reset()
	e.log.Debug().Msg("signed out, engine state cleared")
}

// checkMembership answers the conversation-access question with a
// per-session cache in front of the data service. resync invalidates the
// cache so stale answers from a backgrounded tab get re-verified.
func (e *Engine) checkMembership(ctx context.Context, conversationID, profileID string) (bool, error) {
	e.mu.Lock()
	if v, ok := e.permissions[conversationID]; ok {
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	ok, err := e.data.IsParticipant(ctx, conversationID, profileID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	e.permissions[conversationID] = ok
	e.mu.Unlock()
	return ok, nil
}

// resync re-validates the session after a long hidden interval. If the
// session is alive but the profile id was lost, the profile is restored.
// Pending permission checks are re-verified and every cached conversation
// is marked stale, so the first read after returning to the foreground
// runs a freshness check instead of serving a backgrounded snapshot.
func (e *Engine) resync(ctx context.Context) {
	session, err := e.auth.GetSession(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("session check on resync failed")
		return
	}
	if session == nil || session.Expired() {
		e.signOut(ctx)
		return
	}

	e.mu.Lock()
	lost := e.profileID == ""
	e.permissions = make(map[string]bool)
	e.mu.Unlock()

	e.cache.Expire()
	e.aggregator.RequestRefresh()

	if lost {
		if err := e.adoptSession(ctx, session); err != nil {
			e.log.Warn().Err(err).Msg("profile restore on resync failed")
			return
		}
		e.emit(EvSessionRestored, session)
	}
}
