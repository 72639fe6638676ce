package amoura

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCacheOrdering(t *testing.T) {
	c := NewMessageCache(10)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Inserted deliberately out of order.
	c.Set("conv-1", []Message{
		msgAt("m3", "conv-1", "alice", "third", base.Add(2*time.Second)),
		msgAt("m1", "conv-1", "alice", "first", base),
		msgAt("m2", "conv-1", "bob", "second", base.Add(time.Second)),
	})

	got, ok := c.Get("conv-1")
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "m3", got[2].ID)
}

func TestMessageCacheStableOnEqualTimestamps(t *testing.T) {
	c := NewMessageCache(10)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.Set("conv-1", []Message{
		msgAt("a", "conv-1", "alice", "1", at),
		msgAt("b", "conv-1", "alice", "2", at),
		msgAt("c", "conv-1", "alice", "3", at),
	})

	got, _ := c.Get("conv-1")
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
}

func TestMessageCacheGetReturnsCopy(t *testing.T) {
	c := NewMessageCache(10)
	c.Set("conv-1", []Message{msgAt("m1", "conv-1", "alice", "hi", time.Now())})

	got, _ := c.Get("conv-1")
	got[0].Content = "mutated"

	again, _ := c.Get("conv-1")
	assert.Equal(t, "hi", again[0].Content)
}

func TestMessageCacheEviction(t *testing.T) {
	c := NewMessageCache(50)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	// Fill to the bound, each entry one second older than the next.
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("conv-%02d", i), []Message{})
		clock = clock.Add(time.Second)
	}
	require.Equal(t, 50, c.Len())

	// The 51st entry trips eviction of the oldest quarter of 51, i.e. 13.
	c.Set("conv-new", []Message{})
	assert.Equal(t, 38, c.Len())
	assert.True(t, c.Has("conv-new"), "the entry that tripped eviction must survive")
	for i := 0; i < 13; i++ {
		assert.False(t, c.Has(fmt.Sprintf("conv-%02d", i)), "oldest entries must be evicted")
	}
	for i := 13; i < 50; i++ {
		assert.True(t, c.Has(fmt.Sprintf("conv-%02d", i)))
	}
}

func TestMessageCacheReadIsLRUTouch(t *testing.T) {
	c := NewMessageCache(4)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	for _, id := range []string{"a", "b", "c", "d"} {
		c.Set(id, []Message{})
		clock = clock.Add(time.Second)
	}

	// Reading "a" makes it the most recently used entry.
	_, ok := c.Get("a")
	require.True(t, ok)
	clock = clock.Add(time.Second)

	c.Set("e", []Message{})
	assert.True(t, c.Has("a"), "a recently read entry must not be evicted")
	assert.False(t, c.Has("b"), "the least recently used entry goes first")
}

func TestMessageCacheTouchAndAge(t *testing.T) {
	c := NewMessageCache(10)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Set("conv-1", []Message{})
	clock = clock.Add(3 * time.Minute)

	age, ok := c.Age("conv-1")
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, age)

	c.Touch("conv-1")
	age, _ = c.Age("conv-1")
	assert.Equal(t, time.Duration(0), age)

	_, ok = c.Age("missing")
	assert.False(t, ok)
}

func TestMessageCacheAgeUnaffectedByReads(t *testing.T) {
	c := NewMessageCache(10)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Set("conv-1", []Message{})
	clock = clock.Add(7 * time.Minute)

	// A read refreshes the eviction timestamp but must not make the entry
	// look freshly fetched.
	_, ok := c.Get("conv-1")
	require.True(t, ok)

	age, ok := c.Age("conv-1")
	require.True(t, ok)
	assert.Equal(t, 7*time.Minute, age)
}

func TestMessageCacheExpireForcesStaleness(t *testing.T) {
	c := NewMessageCache(10)
	c.Set("conv-1", []Message{msgAt("m1", "conv-1", "alice", "hi", time.Now())})
	c.Set("conv-2", []Message{})

	c.Expire()

	for _, id := range []string{"conv-1", "conv-2"} {
		age, ok := c.Age(id)
		require.True(t, ok)
		assert.Greater(t, age, time.Hour, "expired entries must read as arbitrarily stale")
	}

	// Contents survive expiry.
	msgs, ok := c.Get("conv-1")
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestMergeMessageDedupsByID(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	list := []Message{
		msgAt("m1", "conv-1", "alice", "one", base),
		msgAt("m2", "conv-1", "bob", "two", base.Add(time.Second)),
	}

	merged, added := mergeMessage(list, msgAt("m2", "conv-1", "bob", "two again", base.Add(5*time.Second)))
	assert.False(t, added)
	assert.Len(t, merged, 2)

	merged, added = mergeMessage(merged, msgAt("m0", "conv-1", "bob", "zero", base.Add(-time.Second)))
	assert.True(t, added)
	require.Len(t, merged, 3)
	assert.Equal(t, "m0", merged[0].ID, "merge re-sorts by timestamp")
}
