package amoura

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSyncer(data *fakeData) (*syncer, *MessageCache, *queueSet) {
	cfg := testConfig()
	cache := NewMessageCache(cfg.MaxCachedConversations)
	queues := newQueueSet()
	return newSyncer(cfg, zerolog.Nop(), data, cache, queues), cache, queues
}

func TestCheckForNewerMergesAndSorts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data := newFakeData()
	data.messagesSinceFn = func(ctx context.Context, convID string, after time.Time) ([]Message, error) {
		assert.Equal(t, base.Add(2*time.Second), after, "query must use the newest cached timestamp")
		return []Message{
			msgAt("m4", convID, "bob", "newest", base.Add(4*time.Second)),
			msgAt("m3", convID, "bob", "newer", base.Add(3*time.Second)),
		}, nil
	}
	s, cache, queues := newTestSyncer(data)
	defer queues.Close()

	existing := []Message{
		msgAt("m1", "conv-1", "alice", "old", base),
		msgAt("m2", "conv-1", "alice", "less old", base.Add(2*time.Second)),
	}

	merged := s.CheckForNewer(context.Background(), "conv-1", existing)
	require.Len(t, merged, 4)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"},
		[]string{merged[0].ID, merged[1].ID, merged[2].ID, merged[3].ID})

	cached, ok := cache.Get("conv-1")
	require.True(t, ok)
	assert.Len(t, cached, 4)
}

func TestCheckForNewerSingleFlight(t *testing.T) {
	release := make(chan struct{})
	data := newFakeData()
	data.messagesSinceFn = func(ctx context.Context, convID string, after time.Time) ([]Message, error) {
		<-release
		return nil, nil
	}
	s, cache, queues := newTestSyncer(data)
	defer queues.Close()

	existing := []Message{msgAt("m1", "conv-1", "alice", "hi", time.Now().Add(-time.Hour))}
	cache.Set("conv-1", existing)
	// Entry is fresh after Set; age it past the cooldown.
	cache.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.CheckForNewer(context.Background(), "conv-1", existing)
		}()
	}
	// Give the goroutines time to pile up against the in-flight flag.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, data.callCount("MessagesSince"),
		"concurrent checks for one conversation collapse into one query")
}

func TestCheckForNewerCooldown(t *testing.T) {
	data := newFakeData()
	s, cache, queues := newTestSyncer(data)
	defer queues.Close()

	existing := []Message{msgAt("m1", "conv-1", "alice", "hi", time.Now())}
	cache.Set("conv-1", existing)

	// Entry was just stamped, so it is well inside the cooldown window.
	got := s.CheckForNewer(context.Background(), "conv-1", existing)
	assert.Nil(t, got)
	assert.Equal(t, 0, data.callCount("MessagesSince"))
}

func TestCheckForNewerEmptyResultTouches(t *testing.T) {
	data := newFakeData() // MessagesSince returns nil, nil
	s, cache, queues := newTestSyncer(data)
	defer queues.Close()

	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	existing := []Message{msgAt("m1", "conv-1", "alice", "hi", clock.Add(-time.Hour))}
	cache.Set("conv-1", existing)
	clock = clock.Add(6 * time.Minute) // past the cooldown

	got := s.CheckForNewer(context.Background(), "conv-1", existing)
	assert.Nil(t, got)
	assert.Equal(t, 1, data.callCount("MessagesSince"))

	age, ok := cache.Age("conv-1")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), age, "an empty result refreshes the entry timestamp")
}

func TestCheckForNewerQueryFailureKeepsCache(t *testing.T) {
	data := newFakeData()
	data.messagesSinceFn = func(ctx context.Context, convID string, after time.Time) ([]Message, error) {
		return nil, errors.New("backend down")
	}
	s, cache, queues := newTestSyncer(data)
	defer queues.Close()

	existing := []Message{msgAt("m1", "conv-1", "alice", "hi", time.Now().Add(-time.Hour))}
	cache.Set("conv-1", existing)
	cache.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	got := s.CheckForNewer(context.Background(), "conv-1", existing)
	assert.Nil(t, got, "a failed check is absorbed, not surfaced")

	cached, ok := cache.Get("conv-1")
	require.True(t, ok)
	assert.Len(t, cached, 1)
}

func TestCheckForNewerEmptyExisting(t *testing.T) {
	data := newFakeData()
	s, _, queues := newTestSyncer(data)
	defer queues.Close()

	assert.Nil(t, s.CheckForNewer(context.Background(), "conv-1", nil))
	assert.Equal(t, 0, data.callCount("MessagesSince"))
}
