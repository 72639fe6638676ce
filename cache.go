package amoura

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Message Cache
// ============================================================================

// MessageCache is the per-session in-memory store of conversation message
// lists. It is the only mutable state shared across the engine's components;
// every access goes through Get/Set/Has/Delete/Clear so LRU bookkeeping and
// eviction stay centralized.
//
// The bound is on the number of cached conversations, not on messages per
// conversation. When the bound is exceeded after a Set, the oldest 25% of
// entries by last-access timestamp are evicted.
type MessageCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*cacheEntry
	now     func() time.Time
}

// accessed orders entries for eviction; fetched tracks when the contents
// were last stored or confirmed current. A read moves accessed only, so a
// frequently displayed conversation still comes due for a freshness check.
type cacheEntry struct {
	messages []Message
	accessed time.Time
	fetched  time.Time
}

// NewMessageCache creates a cache bounded to maxConversations distinct
// conversation keys.
func NewMessageCache(maxConversations int) *MessageCache {
	if maxConversations <= 0 {
		maxConversations = defaultMaxCachedConversations
	}
	return &MessageCache{
		max:     maxConversations,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached message list. A hit refreshes the entry's
// last-access timestamp (a read is an LRU touch) but leaves Age alone.
func (c *MessageCache) Get(conversationID string) ([]Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	e.accessed = c.now()
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out, true
}

// Set replaces the conversation's full message list, sorted ascending by
// CreatedAt, and stamps the entry with the current time. If the number of
// distinct conversations now exceeds the bound, the oldest ceil(25%) of
// entries (minimum 1) are evicted.
func (c *MessageCache) Set(conversationID string, messages []Message) {
	stored := make([]Message, len(messages))
	copy(stored, messages)
	sortMessages(stored)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[conversationID] = &cacheEntry{messages: stored, accessed: now, fetched: now}
	if len(c.entries) > c.max {
		c.evictLocked()
	}
}

// Has reports whether the conversation is cached, without touching the
// entry's timestamp.
func (c *MessageCache) Has(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[conversationID]
	return ok
}

// Delete removes a conversation from the cache.
func (c *MessageCache) Delete(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}

// Clear drops every entry. Called on sign-out.
func (c *MessageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Len returns the number of cached conversations.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Age returns how long ago the entry's contents were last stored or
// confirmed current (Set or Touch). The second return is false when the
// conversation is not cached. Reads do not reset it.
func (c *MessageCache) Age(conversationID string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.fetched), true
}

// Touch marks the entry's contents current without reading them. Used when
// a freshness check came back empty: "nothing newer" is evidence the cached
// tail is still current, so the entry is treated as fresh again.
func (c *MessageCache) Touch(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[conversationID]; ok {
		now := c.now()
		e.accessed = now
		e.fetched = now
	}
}

// Expire marks every entry stale so its next cached read runs a freshness
// check. Contents stay cached and keep being served; eviction order is
// unaffected.
func (c *MessageCache) Expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.fetched = time.Time{}
	}
}

// evictLocked removes the ceil(len*0.25) least recently accessed entries,
// minimum 1. Caller holds c.mu.
func (c *MessageCache) evictLocked() {
	n := int(math.Ceil(float64(len(c.entries)) * 0.25))
	if n < 1 {
		n = 1
	}
	type aged struct {
		id string
		ts time.Time
	}
	byAge := make([]aged, 0, len(c.entries))
	for id, e := range c.entries {
		byAge = append(byAge, aged{id, e.accessed})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].ts.Before(byAge[j].ts) })
	for i := 0; i < n && i < len(byAge); i++ {
		delete(c.entries, byAge[i].id)
	}
}

// sortMessages orders messages ascending by CreatedAt. The sort is stable so
// same-timestamp messages keep their arrival order.
func sortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

// mergeMessage inserts msg into list unless a message with the same id is
// already present, and returns the list re-sorted. The second return reports
// whether the message was actually added.
func mergeMessage(list []Message, msg Message) ([]Message, bool) {
	for _, m := range list {
		if m.ID == msg.ID {
			return list, false
		}
	}
	list = append(list, msg)
	sortMessages(list)
	return list, true
}
