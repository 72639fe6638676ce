package amoura

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Conversation Aggregator
// ============================================================================

// Aggregator builds the conversation-list view: active conversations for
// the profile, each with its latest message and a live unread count.
//
// Latest-message fetches are retried per conversation and failures are
// swallowed: one misbehaving conversation degrades to "no preview" instead
// of failing the whole list.
type Aggregator struct {
	cfg   *Config
	log   zerolog.Logger
	data  DataService
	cache *MessageCache
	emit  func(event string, payload any)

	// profileID resolves the active profile; empty means auth has not
	// settled yet and aggregation quietly aborts.
	profileID func() string

	mu           sync.Mutex
	ctx          context.Context
	unread       map[string]int
	tracked      []Conversation
	emptyFetches int
	diagnosed    bool
	needRecount  bool
	refreshTimer *time.Timer
}

func newAggregator(cfg *Config, log zerolog.Logger, data DataService, cache *MessageCache, emit func(string, any)) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		log:    log.With().Str("component", "aggregator").Logger(),
		data:   data,
		cache:  cache,
		emit:   emit,
		unread: make(map[string]int),
	}
}

func (a *Aggregator) start(ctx context.Context, profileID func() string) {
	a.mu.Lock()
	a.ctx = ctx
	a.profileID = profileID
	a.mu.Unlock()
}

// FetchConversations returns the merged conversation list, sorted by most
// recent activity first. With useCache set, a conversation whose messages
// are already cached takes its latest message from the cache tail instead
// of the network.
//
// An unresolved profile returns (nil, nil): not an error, the caller simply
// tries again once auth settles.
func (a *Aggregator) FetchConversations(ctx context.Context, useCache bool) ([]ConversationView, error) {
	pid := a.profileID()
	if pid == "" {
		return nil, nil
	}

	convs, err := a.data.ListConversations(ctx, pid)
	if err != nil {
		a.log.Warn().Err(err).Msg("conversation list fetch failed")
		return nil, err
	}

	if len(convs) == 0 {
		a.noteEmptyFetch(ctx, pid)
		return []ConversationView{}, nil
	}
	a.mu.Lock()
	a.emptyFetches = 0
	a.mu.Unlock()

	views := make([]ConversationView, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range convs {
		i := i
		g.Go(func() error {
			conv := convs[i]
			latest := a.latestMessage(gctx, conv.ID, useCache)
			view := ConversationView{
				Conversation:      conv,
				LatestMessage:     latest,
				LatestMessageTime: conv.UpdatedAt,
				UnreadCount:       a.unreadCount(gctx, conv.ID, pid),
			}
			if latest != nil {
				view.LatestMessageTime = latest.CreatedAt
			}
			views[i] = view
			return nil
		})
	}
	_ = g.Wait() // per-conversation errors are swallowed above

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].LatestMessageTime.After(views[j].LatestMessageTime)
	})

	a.mu.Lock()
	a.tracked = convs
	a.mu.Unlock()
	return views, nil
}

// latestMessage fetches one conversation's newest message with the shared
// backoff policy, returning nil once the budget is exhausted.
func (a *Aggregator) latestMessage(ctx context.Context, conversationID string, useCache bool) *Message {
	if useCache {
		if cached, hit := a.cache.Get(conversationID); hit && len(cached) > 0 {
			tail := cached[len(cached)-1]
			return &tail
		}
	}

	policy := a.cfg.MessageFetchPolicy
	var lastErr error
	for attempt := 0; !policy.Exhausted(attempt); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(policy.Delay(attempt - 1)):
			}
		}
		msg, err := a.data.LatestMessage(ctx, conversationID)
		if err == nil {
			return msg
		}
		lastErr = err
	}
	a.log.Warn().Err(lastErr).Str("conversation_id", conversationID).
		Msg("latest message fetch exhausted retries, degrading to empty")
	return nil
}

func (a *Aggregator) unreadCount(ctx context.Context, conversationID, profileID string) int {
	a.mu.Lock()
	n, known := a.unread[conversationID]
	a.mu.Unlock()
	if known {
		return n
	}
	count, err := a.data.CountUnread(ctx, conversationID, profileID)
	if err != nil {
		// Not cached, so the next pass retries instead of pinning a zero.
		a.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("unread count fetch failed")
		return 0
	}
	a.mu.Lock()
	a.unread[conversationID] = count
	a.mu.Unlock()
	return count
}

// noteEmptyFetch counts consecutive empty results. New accounts legitimately
// have none, so only a run of more than EmptyFetchDiagnostic triggers the
// one-time diagnostic pass, which logs and changes no behavior.
func (a *Aggregator) noteEmptyFetch(ctx context.Context, profileID string) {
	a.mu.Lock()
	a.emptyFetches++
	run := a.emptyFetches
	done := a.diagnosed
	if run > a.cfg.EmptyFetchDiagnostic && !done {
		a.diagnosed = true
	}
	a.mu.Unlock()

	if run <= a.cfg.EmptyFetchDiagnostic || done {
		return
	}
	diag, err := a.data.DiagnoseEmptyConversations(ctx, profileID)
	if err != nil {
		a.log.Warn().Err(err).Msg("empty-conversations diagnostic failed")
		return
	}
	a.log.Info().
		Int("total_conversations", diag.TotalConversations).
		Int("any_status_matches", diag.AnyStatusMatches).
		Str("session_user_id", diag.SessionUserID).
		Int("consecutive_empty", run).
		Msg("empty-conversations diagnostic")
}

// ============================================================================
// Realtime deltas
// ============================================================================

// NoteInsert records a delivered insert. A message authored by the other
// party bumps that conversation's unread counter; either way a refresh is
// scheduled.
func (a *Aggregator) NoteInsert(msg Message) {
	pid := a.profileID()
	if pid != "" && msg.SenderID != pid {
		a.mu.Lock()
		a.unread[msg.ConversationID]++
		n := a.unread[msg.ConversationID]
		a.mu.Unlock()
		a.emit(EvUnreadChanged, UnreadDelta{ConversationID: msg.ConversationID, Count: n})
	}
	a.RequestRefresh()
}

// NoteReadUpdate reacts to a read receipt by flagging a full recount.
// Recounting every tracked conversation is O(conversations) per receipt;
// self-healing, and acceptable at this scale, but a known limit. The recount
// rides the refresh debounce so a burst of receipts costs one pass.
func (a *Aggregator) NoteReadUpdate(msg Message) {
	if msg.ReadAt == nil {
		return
	}
	a.mu.Lock()
	a.needRecount = true
	a.mu.Unlock()
	a.RequestRefresh()
}

// ClearUnread zeroes the local counter for a conversation the user just
// read. The authoritative recount follows via the realtime update events.
func (a *Aggregator) ClearUnread(conversationID string) {
	a.mu.Lock()
	a.unread[conversationID] = 0
	a.mu.Unlock()
	a.emit(EvUnreadChanged, UnreadDelta{ConversationID: conversationID, Count: 0})
}

// RequestRefresh schedules an aggregation pass after a quiet period; rapid
// realtime notifications collapse into a single refresh.
func (a *Aggregator) RequestRefresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	if a.refreshTimer != nil {
		return
	}
	a.refreshTimer = time.AfterFunc(a.cfg.RefreshDebounce, a.refresh)
}

func (a *Aggregator) refresh() {
	a.mu.Lock()
	a.refreshTimer = nil
	ctx := a.ctx
	recount := a.needRecount
	a.needRecount = false
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if recount {
		a.recountAll(ctx)
	}
	views, err := a.FetchConversations(ctx, true)
	if err != nil {
		return
	}
	a.emit(EvConversationsUpdated, views)
}

func (a *Aggregator) recountAll(ctx context.Context) {
	pid := a.profileID()
	if pid == "" {
		return
	}
	a.mu.Lock()
	tracked := append([]Conversation(nil), a.tracked...)
	a.mu.Unlock()

	for _, conv := range tracked {
		count, err := a.data.CountUnread(ctx, conv.ID, pid)
		if err != nil {
			a.log.Debug().Err(err).Str("conversation_id", conv.ID).Msg("unread recount failed")
			continue
		}
		a.mu.Lock()
		changed := a.unread[conv.ID] != count
		a.unread[conv.ID] = count
		a.mu.Unlock()
		if changed {
			a.emit(EvUnreadChanged, UnreadDelta{ConversationID: conv.ID, Count: count})
		}
	}
}

// Reset drops all aggregation state. Called on sign-out and profile switch.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unread = make(map[string]int)
	a.tracked = nil
	a.emptyFetches = 0
	a.diagnosed = false
	a.needRecount = false
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
		a.refreshTimer = nil
	}
}

// UnreadDelta is the payload of an EvUnreadChanged event.
type UnreadDelta struct {
	ConversationID string `json:"conversation_id"`
	Count          int    `json:"count"`
}
