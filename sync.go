package amoura

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Cache Freshness Check
// ============================================================================

// syncer answers "did anything newer arrive for this conversation" against
// the cache, at most one check per conversation at a time.
type syncer struct {
	cfg    *Config
	log    zerolog.Logger
	data   DataService
	cache  *MessageCache
	queues *queueSet

	mu       sync.Mutex
	inFlight map[string]bool
}

func newSyncer(cfg *Config, log zerolog.Logger, data DataService, cache *MessageCache, queues *queueSet) *syncer {
	return &syncer{
		cfg:      cfg,
		log:      log.With().Str("component", "sync").Logger(),
		data:     data,
		cache:    cache,
		queues:   queues,
		inFlight: make(map[string]bool),
	}
}

// CheckForNewer queries for messages newer than the newest of existing,
// merges any hits into the cache, and returns the merged list. It returns
// nil when there is nothing to do:
//
//   - a check for this conversation is already in flight (single-flight);
//   - the cache entry is younger than half the max age (cooldown);
//   - the query came back empty: the cache timestamp is touched, since "no
//     rows newer than X" is evidence the cached tail is still current;
//   - the query failed: logged and absorbed, the caller keeps its list.
//
// existing must be non-empty.
func (s *syncer) CheckForNewer(ctx context.Context, conversationID string, existing []Message) []Message {
	if len(existing) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.inFlight[conversationID] {
		s.mu.Unlock()
		return nil
	}
	if age, ok := s.cache.Age(conversationID); ok && age < s.cfg.MaxCacheAge/2 {
		s.mu.Unlock()
		return nil
	}
	s.inFlight[conversationID] = true
	s.mu.Unlock()

	// The flag is released after a short delay rather than immediately, so a
	// burst of near-simultaneous triggers collapses into one query.
	defer time.AfterFunc(s.cfg.SyncReleaseDelay, func() {
		s.mu.Lock()
		delete(s.inFlight, conversationID)
		s.mu.Unlock()
	})

	newest := existing[0].CreatedAt
	for _, m := range existing[1:] {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}

	fresh, err := s.data.MessagesSince(ctx, conversationID, newest)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).
			Msg("freshness check failed, keeping cached messages")
		return nil
	}
	if len(fresh) == 0 {
		s.cache.Touch(conversationID)
		return nil
	}

	var merged []Message
	s.queues.ApplyWait(conversationID, func() {
		merged = make([]Message, len(existing))
		copy(merged, existing)
		for _, m := range fresh {
			merged, _ = mergeMessage(merged, m)
		}
		s.cache.Set(conversationID, merged)
	})
	s.log.Debug().Str("conversation_id", conversationID).Int("new", len(fresh)).
		Msg("merged newer messages")
	return merged
}
